package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/ingest"
	"loopkeeper/internal/store"
)

// syncCmd registers loop files found on disk at the base level.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register loop files from the loop directory",
	Long: `Scans the loop directory once and registers any new Loop files as
weekly-level children. Registration is idempotent; already-registered loops
are left untouched.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}

	var entry *digest.ShadowEntry
	var records []ingest.SourceRecord
	err = store.WithRetry(3, func() error {
		var err error
		entry, records, err = env.scanner.Sync()
		return err
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("%d loop files on disk, %d registered at weekly\n", len(records), len(entry.SourceFiles))
	return nil
}
