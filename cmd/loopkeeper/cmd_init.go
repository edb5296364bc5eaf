package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loopkeeper/internal/config"
)

// initCmd prepares a workspace: config file, loop directory, state directory.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a loopkeeper workspace",
	Long: `Creates the workspace layout:

  loops/                   - your Loop-NNNN_Title.md files go here
  .loopkeeper/config.yaml  - configuration
  .loopkeeper/cascade/     - digest cascade state`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(config.Path(workspace)); err == nil {
		fmt.Printf("Workspace already initialized (%s)\n", config.Path(workspace))
		return nil
	}

	cfg := config.Default(workspace)
	if err := os.MkdirAll(cfg.LoopDir, 0755); err != nil {
		return fmt.Errorf("failed to create loop directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := config.Save(workspace, cfg); err != nil {
		return err
	}

	fmt.Printf("Initialized loopkeeper workspace at %s\n", workspace)
	fmt.Printf("  Loop directory: %s\n", cfg.LoopDir)
	fmt.Printf("  Config:         %s\n", config.Path(workspace))
	return nil
}
