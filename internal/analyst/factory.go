package analyst

import (
	"context"
	"fmt"
)

// New creates an analyst for the configured provider.
func New(ctx context.Context, provider, model, apiKey string) (Analyst, error) {
	switch provider {
	case "gemini", "":
		return NewGeminiAnalyst(ctx, apiKey, model)
	case "mock":
		return &Mock{}, nil
	default:
		return nil, fmt.Errorf("unknown analyst provider %q (want gemini or mock)", provider)
	}
}
