package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/store"
)

var (
	submitFile  string
	submitLong  string
	submitShort string
)

// submitCmd manually supplies digest content, bypassing the analyst.
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Manually submit digest content",
	Long: `Supplies digest content written by hand instead of by the analyst.

Subcommands:
  child      - submit one child's individual digest
  aggregate  - submit a level's overall narrative`,
}

var submitChildCmd = &cobra.Command{
	Use:   "child <level> <child-id>",
	Short: "Submit an individual digest for a registered child",
	Args:  cobra.ExactArgs(2),
	RunE:  runSubmitChild,
}

var submitAggregateCmd = &cobra.Command{
	Use:   "aggregate <level>",
	Short: "Submit a level's overall narrative",
	Long: `Replaces the level's aggregate digest. The current child count is
recorded with the submission; if children arrive between writing the
narrative and submitting it, the submission is rejected as stale.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmitAggregate,
}

func init() {
	for _, c := range []*cobra.Command{submitChildCmd, submitAggregateCmd} {
		c.Flags().StringVar(&submitFile, "file", "", "JSON file with the full content object")
		c.Flags().StringVar(&submitLong, "long", "", "long rendering")
		c.Flags().StringVar(&submitShort, "short", "", "short rendering")
	}
	submitCmd.AddCommand(submitChildCmd)
	submitCmd.AddCommand(submitAggregateCmd)
}

// readContent builds the submitted content from --file or the flag pair.
func readContent() (digest.Content, error) {
	var content digest.Content
	if submitFile != "" {
		data, err := os.ReadFile(submitFile)
		if err != nil {
			return content, fmt.Errorf("failed to read content file: %w", err)
		}
		if err := json.Unmarshal(data, &content); err != nil {
			return content, fmt.Errorf("failed to parse content file: %w", err)
		}
	} else {
		content.Long = submitLong
		content.Short = submitShort
	}
	if err := content.Validate(); err != nil {
		return content, err
	}
	return content, nil
}

func runSubmitChild(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	level, err := env.parseLevel(args[0])
	if err != nil {
		return err
	}
	content, err := readContent()
	if err != nil {
		return err
	}

	childID := args[1]
	err = store.WithRetry(3, func() error {
		return env.shadows.SubmitChild(level, childID, digest.Completed(content))
	})
	if err != nil {
		return err
	}
	fmt.Printf("Submitted digest for %s at %s\n", childID, level)
	return nil
}

func runSubmitAggregate(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	level, err := env.parseLevel(args[0])
	if err != nil {
		return err
	}
	content, err := readContent()
	if err != nil {
		return err
	}

	entry, err := env.shadows.Entry(level)
	if err != nil {
		return err
	}
	snapshot := len(entry.SourceFiles)
	err = store.WithRetry(3, func() error {
		_, err := env.shadows.ReplaceOverall(level, digest.Completed(content), snapshot)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s aggregate over %d children\n", level, snapshot)
	return nil
}
