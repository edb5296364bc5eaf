package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loopkeeper/internal/cascade"
	"loopkeeper/internal/digest"
	"loopkeeper/internal/store"
)

var (
	finalizeResume  bool
	finalizeAbandon bool
)

// finalizeCmd runs the operator-confirmed finalize for one level.
var finalizeCmd = &cobra.Command{
	Use:   "finalize <level> [title]",
	Short: "Freeze a ready level into a numbered regular digest",
	Long: `Finalizes a level: its aggregate becomes the next regular digest, the
master index grows by one, the short rendering seeds the level above, and
the level's shadow resets for the next period.

The steps are journaled. If a finalize was interrupted, rerun with
--resume to complete it, or --abandon to discard it (only possible while
no permanent artifact has been written yet).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFinalize,
}

func init() {
	finalizeCmd.Flags().BoolVar(&finalizeResume, "resume", false, "resume an interrupted finalize")
	finalizeCmd.Flags().BoolVar(&finalizeAbandon, "abandon", false, "abandon an interrupted finalize")
}

func runFinalize(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	level, err := env.parseLevel(args[0])
	if err != nil {
		return err
	}

	if finalizeAbandon {
		if err := env.orch.Abandon(level); err != nil {
			return err
		}
		fmt.Printf("Abandoned interrupted finalize at %s\n", level)
		return nil
	}

	var rd *digest.RegularDigest
	if finalizeResume {
		err = store.WithRetry(3, func() error {
			var err error
			rd, err = env.orch.Resume(level)
			return err
		})
	} else {
		if len(args) < 2 {
			return fmt.Errorf("a title is required (or use --resume / --abandon)")
		}
		title := args[1]
		err = store.WithRetry(3, func() error {
			var err error
			rd, err = env.orch.Finalize(level, title)
			return err
		})
	}
	if err != nil {
		var notReady *cascade.NotReadyError
		if errors.As(err, &notReady) {
			return fmt.Errorf("%w\nRun 'loopkeeper status' to see what is missing", err)
		}
		var partial *cascade.PartialFinalizeError
		if errors.As(err, &partial) {
			return fmt.Errorf("%w\nRerun with --resume to complete it, or --abandon to discard it", err)
		}
		return err
	}

	fmt.Printf("Finalized %s #%d: %s (%s)\n", rd.Level, rd.Seq, rd.Title, rd.ID)
	return nil
}
