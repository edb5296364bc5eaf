package analyst

import (
	"context"
	"fmt"
	"strings"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
)

// Mock is a deterministic analyst for tests and offline use. Unset function
// fields fall back to a canned digest derived from the input.
type Mock struct {
	AnalyzeChildFunc     func(ctx context.Context, level hierarchy.Level, childID, material string) (digest.Content, error)
	AnalyzeAggregateFunc func(ctx context.Context, level hierarchy.Level, inputs []digest.NarrativeInput) (digest.Content, error)
}

func (m *Mock) AnalyzeChild(ctx context.Context, level hierarchy.Level, childID, material string) (digest.Content, error) {
	if m.AnalyzeChildFunc != nil {
		return m.AnalyzeChildFunc(ctx, level, childID, material)
	}
	return digest.Content{
		Type:     "mock",
		Keywords: []string{string(level), childID},
		Abstract: fmt.Sprintf("digest of %s", childID),
		Long:     fmt.Sprintf("Digest of %s (%d bytes of material).", childID, len(material)),
		Short:    fmt.Sprintf("%s in brief.", childID),
	}, nil
}

func (m *Mock) AnalyzeAggregate(ctx context.Context, level hierarchy.Level, inputs []digest.NarrativeInput) (digest.Content, error) {
	if m.AnalyzeAggregateFunc != nil {
		return m.AnalyzeAggregateFunc(ctx, level, inputs)
	}
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.ChildID)
	}
	return digest.Content{
		Type:     "mock",
		Keywords: []string{string(level)},
		Abstract: fmt.Sprintf("aggregate over %d inputs", len(inputs)),
		Long:     fmt.Sprintf("Aggregate %s narrative over %s.", level, strings.Join(ids, ", ")),
		Short:    fmt.Sprintf("The %s period, in brief.", level),
	}, nil
}
