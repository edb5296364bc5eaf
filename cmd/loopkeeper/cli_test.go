package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopkeeper/internal/cascade"
	"loopkeeper/internal/fragment"
	"loopkeeper/internal/hierarchy"
)

func TestFormatReport(t *testing.T) {
	report := &fragment.Report{
		GeneratedAt: time.Now().UTC(),
		Levels: []fragment.LevelReport{
			{
				Level: hierarchy.Weekly, Position: 1, State: cascade.StateAccumulating,
				ChildCount: 3, Threshold: 7, AggregatePending: true,
				UnanalyzedChildren: []string{"loop-0002"},
			},
			{
				Level: hierarchy.Monthly, Position: 2, State: cascade.StateReady,
				ChildCount: 4, Threshold: 4, Ready: true,
			},
		},
	}

	out := formatReport(report)
	assert.Contains(t, out, "weekly")
	assert.Contains(t, out, "aggregate pending")
	assert.Contains(t, out, "ready to finalize")
	assert.Contains(t, out, "loop-0002")
	assert.Contains(t, out, "loopkeeper analyze")
}

func TestReadContent_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"long":"the long form","short":"brief"}`), 0644))

	submitFile = path
	defer func() { submitFile = "" }()

	content, err := readContent()
	require.NoError(t, err)
	assert.Equal(t, "the long form", content.Long)
	assert.Equal(t, "brief", content.Short)
}

func TestReadContent_RejectsIncompleteFlags(t *testing.T) {
	submitFile = ""
	submitLong = "only long"
	submitShort = ""
	defer func() { submitLong = "" }()

	_, err := readContent()
	assert.Error(t, err)
}

// TestWorkflow_EndToEnd drives the command layer the way an operator would:
// init the workspace, sync a week of loops, submit their digests and the
// aggregate by hand, finalize, and check the status report.
func TestWorkflow_EndToEnd(t *testing.T) {
	workspace = t.TempDir()
	defer func() {
		workspace = ""
		submitFile, submitLong, submitShort = "", "", ""
		finalizeResume, finalizeAbandon = false, false
		statusJSON = false
	}()

	require.NoError(t, runInit(initCmd, nil))
	// A second init must not clobber the existing config.
	require.NoError(t, runInit(initCmd, nil))

	env, err := openEnv()
	require.NoError(t, err)
	threshold, err := env.reg.Threshold(hierarchy.Weekly)
	require.NoError(t, err)

	for i := 1; i <= threshold; i++ {
		name := fmt.Sprintf("Loop-%04d_Day_%d.md", i, i)
		require.NoError(t, os.WriteFile(filepath.Join(env.cfg.LoopDir, name),
			[]byte(fmt.Sprintf("entry %d", i)), 0644))
	}
	require.NoError(t, runSync(syncCmd, nil))

	// Finalize before analysis must be refused.
	err = runFinalize(finalizeCmd, []string{"weekly", "Too Early"})
	require.Error(t, err)

	for i := 1; i <= threshold; i++ {
		submitLong = fmt.Sprintf("long form of day %d", i)
		submitShort = fmt.Sprintf("day %d", i)
		id := fmt.Sprintf("loop-%04d", i)
		require.NoError(t, runSubmitChild(submitChildCmd, []string{"weekly", id}))
	}
	submitLong, submitShort = "the week in full", "the week"
	require.NoError(t, runSubmitAggregate(submitAggregateCmd, []string{"weekly"}))

	require.NoError(t, runFinalize(finalizeCmd, []string{"weekly", "First Week"}))

	// The transition's effects, observed through a fresh environment.
	env, err = openEnv()
	require.NoError(t, err)
	idx, err := env.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Count(hierarchy.Weekly))

	rd, found, err := env.store.LoadRegular("weekly-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "First Week", rd.Title)
	assert.Equal(t, "the week in full", rd.Content.Long)

	monthly, err := env.shadows.Entry(hierarchy.Monthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, monthly.SourceFiles)
	require.Len(t, monthly.Inputs, threshold)
	assert.Equal(t, "day 1", monthly.Inputs[0].Content.Short)

	require.NoError(t, runStatus(statusCmd, nil))
}
