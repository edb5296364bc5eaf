package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loopkeeper/internal/ingest"
)

// watchCmd keeps the base level in sync with the loop directory.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the loop directory and register new loops as they appear",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}

	// Catch up before watching so a cold start misses nothing.
	if _, _, err := env.scanner.Sync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	w := ingest.NewWatcher(env.scanner)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", env.cfg.LoopDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	w.Stop()
	stats := w.Stats()
	fmt.Printf("Stopped. %d events seen, %d syncs, %d errors\n",
		stats.EventsSeen, stats.SyncsTriggered, stats.Errors)
	return nil
}
