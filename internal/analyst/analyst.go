// Package analyst turns raw narrative material into digest content. The
// cascade itself never calls a model; an Analyst produces Content records
// that callers submit through the shadow manager.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
)

// Analyst produces digest content for children and for whole-level
// aggregates. Implementations must return content that passes
// digest.Content validation (non-empty long and short renderings).
type Analyst interface {
	// AnalyzeChild digests one child's raw material at the given level.
	AnalyzeChild(ctx context.Context, level hierarchy.Level, childID, material string) (digest.Content, error)
	// AnalyzeAggregate digests a level's accumulated inputs into the
	// overall narrative for that level.
	AnalyzeAggregate(ctx context.Context, level hierarchy.Level, inputs []digest.NarrativeInput) (digest.Content, error)
}

// contentPayload is the JSON shape the model is asked to emit.
type contentPayload struct {
	Type       string   `json:"type"`
	Keywords   []string `json:"keywords"`
	Abstract   string   `json:"abstract"`
	Impression string   `json:"impression"`
	Long       string   `json:"long"`
	Short      string   `json:"short"`
}

func (p contentPayload) toContent() digest.Content {
	return digest.Content{
		Type:       p.Type,
		Keywords:   p.Keywords,
		Abstract:   p.Abstract,
		Impression: p.Impression,
		Long:       p.Long,
		Short:      p.Short,
	}
}

// parseContent decodes a model response into Content, tolerating fenced
// code blocks around the JSON.
func parseContent(raw string) (digest.Content, error) {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	var payload contentPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return digest.Content{}, fmt.Errorf("analyst returned malformed JSON: %w", err)
	}
	content := payload.toContent()
	if err := content.Validate(); err != nil {
		return digest.Content{}, fmt.Errorf("analyst returned incomplete content: %w", err)
	}
	return content, nil
}

func childPrompt(level hierarchy.Level, childID, material string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are digesting one unit of a personal record hierarchy at the %s level.\n", level)
	fmt.Fprintf(&b, "Unit id: %s\n\n", childID)
	b.WriteString("Material:\n")
	b.WriteString(material)
	b.WriteString("\n\n")
	b.WriteString(jsonInstructions)
	return b.String()
}

func aggregatePrompt(level hierarchy.Level, inputs []digest.NarrativeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are composing the overall narrative of a %s period from its parts.\n", level)
	fmt.Fprintf(&b, "There are %d parts, in chronological order.\n\n", len(inputs))
	for _, in := range inputs {
		fmt.Fprintf(&b, "## %s\n%s\n\n", in.ChildID, in.Content.Long)
	}
	b.WriteString(jsonInstructions)
	return b.String()
}

const jsonInstructions = `Respond with a single JSON object, no prose around it:
{
  "type": "a one-or-two word classification of the period",
  "keywords": ["up to eight salient keywords"],
  "abstract": "one paragraph abstract",
  "impression": "the overall impression, in one or two sentences",
  "long": "the full narrative digest, several paragraphs",
  "short": "a compact digest of at most three sentences"
}
The "long" and "short" fields are required and must be non-empty.`
