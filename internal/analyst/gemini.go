package analyst

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/logging"
)

// GeminiAnalyst digests narratives through the Gemini API.
type GeminiAnalyst struct {
	client *genai.Client
	model  string
}

// NewGeminiAnalyst creates a Gemini-backed analyst.
func NewGeminiAnalyst(ctx context.Context, apiKey, model string) (*GeminiAnalyst, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required (set LOOPKEEPER_API_KEY or GEMINI_API_KEY)")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiAnalyst{client: client, model: model}, nil
}

// AnalyzeChild digests one child's raw material.
func (g *GeminiAnalyst) AnalyzeChild(ctx context.Context, level hierarchy.Level, childID, material string) (digest.Content, error) {
	logging.Analyst("analyzing child %s at %s via %s", childID, level, g.model)
	return g.generate(ctx, childPrompt(level, childID, material))
}

// AnalyzeAggregate digests a level's accumulated inputs into its overall
// narrative.
func (g *GeminiAnalyst) AnalyzeAggregate(ctx context.Context, level hierarchy.Level, inputs []digest.NarrativeInput) (digest.Content, error) {
	logging.Analyst("analyzing %s aggregate over %d inputs via %s", level, len(inputs), g.model)
	return g.generate(ctx, aggregatePrompt(level, inputs))
}

func (g *GeminiAnalyst) generate(ctx context.Context, prompt string) (digest.Content, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return digest.Content{}, fmt.Errorf("Gemini generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return digest.Content{}, fmt.Errorf("Gemini returned an empty response")
	}
	return parseContent(text)
}
