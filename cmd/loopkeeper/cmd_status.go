package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"loopkeeper/internal/fragment"
)

var statusJSON bool

// statusCmd reports the fragmentation scan over the whole hierarchy.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-level cascade state and fragmentation",
	Long: `Scans every level bottom-up and reports child counts, unanalyzed
children, pending aggregates, interrupted finalizes, and which levels are
ready for an operator-confirmed finalize.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the raw report as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}

	report, err := env.detector.Scan()
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if statusJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Print(formatReport(report))
	return nil
}

func formatReport(report *fragment.Report) string {
	var b strings.Builder

	b.WriteString("Level         State         Children  Unanalyzed  Notes\n")
	b.WriteString("-----         -----         --------  ----------  -----\n")
	for _, l := range report.Levels {
		var notes []string
		if l.AggregatePending {
			notes = append(notes, "aggregate pending")
		}
		if l.PendingFinalize {
			notes = append(notes, "finalize interrupted: run finalize --resume")
		}
		if l.Ready {
			notes = append(notes, "ready to finalize")
		}
		fmt.Fprintf(&b, "%-13s %-13s %3d/%-5d %10d  %s\n",
			l.Level, l.State, l.ChildCount, l.Threshold,
			len(l.UnanalyzedChildren), strings.Join(notes, "; "))
	}

	if report.Fragmented() {
		b.WriteString("\nUnanalyzed children:\n")
		for _, l := range report.Levels {
			for _, id := range l.UnanalyzedChildren {
				fmt.Fprintf(&b, "  %s: %s\n", l.Level, id)
			}
		}
		b.WriteString("Run 'loopkeeper analyze' to fill them in.\n")
	}
	return b.String()
}
