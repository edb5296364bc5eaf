package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"loopkeeper/internal/analyst"
	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/store"
)

// analyzeCmd fills in placeholder digests with analyst output.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [level]",
	Short: "Analyze unanalyzed children and pending aggregates",
	Long: `Walks the hierarchy bottom-up (or just the named level) and asks the
configured analyst to digest every registered child that still lacks one.
When a level's children are all analyzed, its aggregate narrative is
produced or refreshed as well.

Weekly children are analyzed from the raw loop file text; children of
higher levels are themselves finalized digests and are analyzed from their
stored long rendering.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}

	a, err := analyst.New(cmd.Context(), env.cfg.Analyst.Provider, env.cfg.Analyst.Model, env.cfg.Analyst.APIKey)
	if err != nil {
		return err
	}

	levels := make([]hierarchy.Level, 0, len(env.reg.Levels()))
	if len(args) == 1 {
		level, err := env.parseLevel(args[0])
		if err != nil {
			return err
		}
		levels = append(levels, level)
	} else {
		for _, info := range env.reg.Levels() {
			levels = append(levels, info.Level)
		}
	}

	for _, level := range levels {
		if err := analyzeLevel(cmd.Context(), env, a, level); err != nil {
			return fmt.Errorf("analyze %s: %w", level, err)
		}
	}
	return nil
}

func analyzeLevel(ctx context.Context, env *appEnv, a analyst.Analyst, level hierarchy.Level) error {
	entry, err := env.shadows.Entry(level)
	if err != nil {
		return err
	}
	if len(entry.SourceFiles) == 0 {
		return nil
	}
	batch, err := env.shadows.Batch(level)
	if err != nil {
		return err
	}

	analyzed := 0
	for _, childID := range entry.SourceFiles {
		if batch.Get(childID).IsComplete() {
			continue
		}
		if _, found, err := env.store.LoadRegular(childID); err != nil {
			return err
		} else if found {
			continue
		}

		material, err := childMaterial(env, level, childID)
		if err != nil {
			return err
		}
		content, err := a.AnalyzeChild(ctx, level, childID, material)
		if err != nil {
			return fmt.Errorf("child %s: %w", childID, err)
		}
		err = store.WithRetry(3, func() error {
			return env.shadows.SubmitChild(level, childID, digest.Completed(content))
		})
		if err != nil {
			return err
		}
		analyzed++
		fmt.Printf("  analyzed %s\n", childID)
	}

	return refreshAggregate(ctx, env, a, level, analyzed > 0)
}

// refreshAggregate produces the level's overall narrative once every child is
// analyzed. force regenerates an already-complete aggregate, which is what we
// want right after new children were analyzed into the batch.
func refreshAggregate(ctx context.Context, env *appEnv, a analyst.Analyst, level hierarchy.Level, force bool) error {
	entry, err := env.shadows.Entry(level)
	if err != nil {
		return err
	}
	if len(entry.SourceFiles) == 0 {
		return nil
	}
	if entry.Overall.IsComplete() && !force {
		return nil
	}

	inputs, ok, err := aggregateInputs(env, level, entry)
	if err != nil || !ok {
		return err
	}

	content, err := a.AnalyzeAggregate(ctx, level, inputs)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	snapshot := len(entry.SourceFiles)
	err = store.WithRetry(3, func() error {
		_, err := env.shadows.ReplaceOverall(level, digest.Completed(content), snapshot)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("  refreshed %s aggregate over %d children\n", level, snapshot)
	return nil
}

// aggregateInputs gathers every child's content in registration order.
// ok is false while any child is still unanalyzed.
func aggregateInputs(env *appEnv, level hierarchy.Level, entry *digest.ShadowEntry) ([]digest.NarrativeInput, bool, error) {
	batch, err := env.shadows.Batch(level)
	if err != nil {
		return nil, false, err
	}

	var inputs []digest.NarrativeInput
	for _, childID := range entry.SourceFiles {
		if d := batch.Get(childID); d.IsComplete() {
			inputs = append(inputs, digest.NarrativeInput{ChildID: childID, Content: *d.Content})
			continue
		}
		rd, found, err := env.store.LoadRegular(childID)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		inputs = append(inputs, digest.NarrativeInput{ChildID: childID, Content: rd.Content})
	}
	return inputs, true, nil
}

// childMaterial resolves the text the analyst reads for one child.
func childMaterial(env *appEnv, level hierarchy.Level, childID string) (string, error) {
	if level == hierarchy.Weekly {
		records, err := env.scanner.Discover()
		if err != nil {
			return "", err
		}
		for _, rec := range records {
			if rec.ID == childID {
				return env.scanner.Material(rec)
			}
		}
		return "", fmt.Errorf("registered loop %s has no file in %s", childID, env.scanner.Dir())
	}

	rd, found, err := env.store.LoadRegular(childID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("child %s has no finalized record to analyze from", childID)
	}
	return rd.Content.Long, nil
}
