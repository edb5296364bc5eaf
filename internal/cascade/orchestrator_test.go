package cascade

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/shadow"
	"loopkeeper/internal/store"
)

type env struct {
	store   *store.Store
	reg     *hierarchy.Registry
	shadows *shadow.Manager
	orch    *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := hierarchy.NewRegistry()
	s, err := store.New(t.TempDir(), reg, store.WithLockTimeout(2*time.Second))
	require.NoError(t, err)
	shadows := shadow.NewManager(s, reg)
	return &env{
		store:   s,
		reg:     reg,
		shadows: shadows,
		orch:    NewOrchestrator(s, reg, shadows),
	}
}

func loopContent(n int) digest.Content {
	return digest.Content{
		Type:       "journal",
		Keywords:   []string{"daily"},
		Abstract:   fmt.Sprintf("abstract %d", n),
		Impression: "steady",
		Long:       fmt.Sprintf("long narrative %d", n),
		Short:      fmt.Sprintf("short entry %d", n),
	}
}

// fillWeekly registers threshold-many loops, submits a digest per loop and
// the aggregate, leaving the weekly level READY.
func (e *env) fillWeekly(t *testing.T, startLoop int) {
	t.Helper()
	threshold, err := e.reg.Threshold(hierarchy.Weekly)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < threshold; i++ {
		ids = append(ids, fmt.Sprintf("loop-%04d", startLoop+i))
	}
	for _, id := range ids {
		_, err := e.shadows.RegisterChildren(hierarchy.Weekly, []string{id})
		require.NoError(t, err)
	}
	for i, id := range ids {
		require.NoError(t, e.shadows.SubmitChild(hierarchy.Weekly, id, digest.Completed(loopContent(i))))
	}
	_, err = e.shadows.ReplaceOverall(hierarchy.Weekly, digest.Completed(loopContent(99)), threshold)
	require.NoError(t, err)
}

func TestReadiness_Progression(t *testing.T) {
	e := newEnv(t)
	ev := e.orch.Evaluator()
	threshold, err := e.reg.Threshold(hierarchy.Weekly)
	require.NoError(t, err)

	// Register loops one at a time with placeholders; never ready early.
	for i := 1; i <= threshold; i++ {
		_, err := e.shadows.RegisterChildren(hierarchy.Weekly, []string{fmt.Sprintf("loop-%04d", i)})
		require.NoError(t, err)
		ready, err := ev.Ready(hierarchy.Weekly)
		require.NoError(t, err)
		assert.False(t, ready, "must not be ready with a pending aggregate (%d children)", i)
	}

	// Individual submissions alone do not make the level ready.
	for i := 1; i <= threshold; i++ {
		id := fmt.Sprintf("loop-%04d", i)
		require.NoError(t, e.shadows.SubmitChild(hierarchy.Weekly, id, digest.Completed(loopContent(i))))
	}
	ready, err := ev.Ready(hierarchy.Weekly)
	require.NoError(t, err)
	assert.False(t, ready, "aggregate still pending")

	unanalyzed, err := ev.CountUnanalyzed(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Equal(t, 0, unanalyzed)

	// Aggregate submission flips readiness.
	_, err = e.shadows.ReplaceOverall(hierarchy.Weekly, digest.Completed(loopContent(99)), threshold)
	require.NoError(t, err)
	ready, err = ev.Ready(hierarchy.Weekly)
	require.NoError(t, err)
	assert.True(t, ready)

	r, err := ev.Evaluate(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Equal(t, StateReady, r.State)
}

func TestReadiness_MonotonicUntilNewChildren(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)
	ev := e.orch.Evaluator()

	ready, err := ev.Ready(hierarchy.Weekly)
	require.NoError(t, err)
	require.True(t, ready)

	// Duplicate registration must not revoke readiness.
	_, err = e.shadows.RegisterChildren(hierarchy.Weekly, []string{"loop-0001"})
	require.NoError(t, err)
	ready, err = ev.Ready(hierarchy.Weekly)
	require.NoError(t, err)
	assert.True(t, ready)

	// A genuinely new child demotes the aggregate and revokes readiness.
	_, err = e.shadows.RegisterChildren(hierarchy.Weekly, []string{"loop-9999"})
	require.NoError(t, err)
	ready, err = ev.Ready(hierarchy.Weekly)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestFinalize_CascadesIntoNextLevel(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	rd, err := e.orch.Finalize(hierarchy.Weekly, "First week")
	require.NoError(t, err)
	assert.Equal(t, "weekly-0001", rd.ID)
	assert.Equal(t, 1, rd.Seq)
	assert.Equal(t, "First week", rd.Title)
	threshold, _ := e.reg.Threshold(hierarchy.Weekly)
	assert.Len(t, rd.Children, threshold)

	// Master index holds exactly one weekly entry.
	idx, err := e.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, idx.Levels[hierarchy.Weekly])

	// Monthly shadow gained exactly the new digest id, once.
	monthly, err := e.shadows.Entry(hierarchy.Monthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, monthly.SourceFiles)
	assert.Len(t, monthly.Inputs, threshold)
	assert.False(t, monthly.Overall.IsComplete())

	// Weekly shadow was cleared and its batch deleted.
	weekly, err := e.shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Empty(t, weekly.SourceFiles)
	batch, err := e.store.LoadBatch(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Empty(t, batch.Order)

	// No journal left behind.
	j, err := e.store.LoadJournal(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestFinalize_SecondCallNotReady(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	_, err := e.orch.Finalize(hierarchy.Weekly, "A")
	require.NoError(t, err)

	_, err = e.orch.Finalize(hierarchy.Weekly, "A")
	var notReady *NotReadyError
	require.True(t, errors.As(err, &notReady), "shadow was cleared, second finalize must fail: %v", err)
	assert.Equal(t, hierarchy.Weekly, notReady.Level)
}

func TestFinalize_GaplessSequence(t *testing.T) {
	e := newEnv(t)

	for i := 1; i <= 3; i++ {
		e.fillWeekly(t, i*100)
		rd, err := e.orch.Finalize(hierarchy.Weekly, fmt.Sprintf("Week %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, rd.Seq)
		assert.Equal(t, fmt.Sprintf("weekly-%04d", i), rd.ID)
	}

	idx, err := e.store.LoadIndex()
	require.NoError(t, err)
	require.Len(t, idx.Levels[hierarchy.Weekly], 3)

	monthly, err := e.shadows.Entry(hierarchy.Monthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001", "weekly-0002", "weekly-0003"}, monthly.SourceFiles)
}

func TestFinalize_InvalidTitles(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	for _, title := range []string{"", "   ", "a/b", `a\b`, "a:b", "what?", "a\x00b"} {
		_, err := e.orch.Finalize(hierarchy.Weekly, title)
		var invalid *InvalidTitleError
		require.True(t, errors.As(err, &invalid), "title %q must be rejected, got %v", title, err)
	}

	// State must be untouched by rejected titles.
	ready, err := e.orch.Evaluator().Ready(hierarchy.Weekly)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestFinalize_NotReadyReportsReason(t *testing.T) {
	e := newEnv(t)

	_, err := e.shadows.RegisterChildren(hierarchy.Weekly, []string{"loop-0001"})
	require.NoError(t, err)

	_, err = e.orch.Finalize(hierarchy.Weekly, "Too early")
	var notReady *NotReadyError
	require.True(t, errors.As(err, &notReady))
	assert.Contains(t, notReady.Error(), "weekly")
}

// interrupt runs a finalize up to (but not including) the named step by
// replaying the orchestrator's own journal against a hand-built crash state.
func TestResume_CrashBetweenRegularWriteAndSeed(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	entry, err := e.shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)

	// Crash state: journal exists, regular digest written, index appended,
	// next-level merge never happened.
	j := &digest.FinalizeJournal{
		OpID:      "op-crash",
		Level:     hierarchy.Weekly,
		Seq:       1,
		DigestID:  "weekly-0001",
		Title:     "Interrupted week",
		Children:  append([]string(nil), entry.SourceFiles...),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.WriteRegular(&digest.RegularDigest{
		ID: "weekly-0001", Level: hierarchy.Weekly, Seq: 1, Title: "Interrupted week",
		Content: *entry.Overall.Content, Children: j.Children, CreatedAt: time.Now().UTC(),
	}))
	j.MarkDone(digest.StepRegularWritten)
	_, err = e.store.UpdateIndex(func(idx *digest.MasterIndex) error {
		idx.Append(hierarchy.Weekly, "weekly-0001")
		return nil
	})
	require.NoError(t, err)
	j.MarkDone(digest.StepIndexAppended)
	require.NoError(t, e.store.SaveJournal(j))

	// A fresh finalize must refuse while the journal exists.
	_, err = e.orch.Finalize(hierarchy.Weekly, "Another")
	var partial *PartialFinalizeError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Seq)

	// Resume completes without duplicating anything.
	rd, err := e.orch.Resume(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Equal(t, "weekly-0001", rd.ID)

	idx, err := e.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, idx.Levels[hierarchy.Weekly], "no duplicate index entry")

	monthly, err := e.shadows.Entry(hierarchy.Monthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, monthly.SourceFiles)

	weekly, err := e.shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Empty(t, weekly.SourceFiles)

	jAfter, err := e.store.LoadJournal(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Nil(t, jAfter)
}

func TestResume_CrashBeforeAnyStep(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	entry, err := e.shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	j := &digest.FinalizeJournal{
		OpID: "op-early", Level: hierarchy.Weekly, Seq: 1, DigestID: "weekly-0001",
		Title: "Early crash", Children: append([]string(nil), entry.SourceFiles...),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.SaveJournal(j))

	rd, err := e.orch.Resume(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Equal(t, "weekly-0001", rd.ID)
	assert.Equal(t, "Early crash", rd.Title)

	idx, err := e.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, idx.Levels[hierarchy.Weekly])
}

func TestResume_RevalidatesChildSnapshot(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	entry, err := e.shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	j := &digest.FinalizeJournal{
		OpID: "op-drift", Level: hierarchy.Weekly, Seq: 1, DigestID: "weekly-0001",
		Title: "Drifted", Children: append([]string(nil), entry.SourceFiles...),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.SaveJournal(j))

	// A registration slips in between crash and resume.
	_, err = e.shadows.RegisterChildren(hierarchy.Weekly, []string{"loop-7777"})
	require.NoError(t, err)

	_, err = e.orch.Resume(hierarchy.Weekly)
	var partial *PartialFinalizeError
	require.True(t, errors.As(err, &partial))
	assert.Contains(t, partial.Reason, "changed")

	// Nothing irreversible happened, so the operator may abandon.
	require.NoError(t, e.orch.Abandon(hierarchy.Weekly))
	j2, err := e.store.LoadJournal(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Nil(t, j2)
}

func TestAbandon_RefusedAfterRegularWritten(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	entry, err := e.shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	j := &digest.FinalizeJournal{
		OpID: "op-late", Level: hierarchy.Weekly, Seq: 1, DigestID: "weekly-0001",
		Title: "Late", Children: append([]string(nil), entry.SourceFiles...),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.WriteRegular(&digest.RegularDigest{
		ID: "weekly-0001", Level: hierarchy.Weekly, Seq: 1, Title: "Late",
		Content: *entry.Overall.Content, Children: j.Children, CreatedAt: time.Now().UTC(),
	}))
	j.MarkDone(digest.StepRegularWritten)
	require.NoError(t, e.store.SaveJournal(j))

	err = e.orch.Abandon(hierarchy.Weekly)
	var partial *PartialFinalizeError
	require.True(t, errors.As(err, &partial))
}

func TestFinalize_BlockedWhileLevelBelowFinalizing(t *testing.T) {
	e := newEnv(t)

	// Monthly is ready on its own terms.
	threshold, err := e.reg.Threshold(hierarchy.Monthly)
	require.NoError(t, err)
	var ids []string
	for i := 1; i <= threshold; i++ {
		ids = append(ids, fmt.Sprintf("weekly-%04d", i))
	}
	_, err = e.shadows.RegisterChildren(hierarchy.Monthly, ids)
	require.NoError(t, err)
	_, err = e.shadows.ReplaceOverall(hierarchy.Monthly, digest.Completed(loopContent(1)), threshold)
	require.NoError(t, err)

	ready, err := e.orch.Evaluator().Ready(hierarchy.Monthly)
	require.NoError(t, err)
	require.True(t, ready)

	// An in-flight weekly finalize blocks monthly readiness.
	require.NoError(t, e.store.SaveJournal(&digest.FinalizeJournal{
		OpID: "op-below", Level: hierarchy.Weekly, Seq: 1, DigestID: "weekly-0009",
		Title: "In flight", StartedAt: time.Now().UTC(),
	}))
	ready, err = e.orch.Evaluator().Ready(hierarchy.Monthly)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = e.orch.Finalize(hierarchy.Monthly, "Blocked month")
	var notReady *NotReadyError
	require.True(t, errors.As(err, &notReady))
}

func TestFinalize_CenturialHasNoNextLevel(t *testing.T) {
	e := newEnv(t)

	threshold, err := e.reg.Threshold(hierarchy.Centurial)
	require.NoError(t, err)
	var ids []string
	for i := 1; i <= threshold; i++ {
		ids = append(ids, fmt.Sprintf("decadal-%04d", i))
	}
	_, err = e.shadows.RegisterChildren(hierarchy.Centurial, ids)
	require.NoError(t, err)
	_, err = e.shadows.ReplaceOverall(hierarchy.Centurial, digest.Completed(loopContent(1)), threshold)
	require.NoError(t, err)

	rd, err := e.orch.Finalize(hierarchy.Centurial, "A century")
	require.NoError(t, err)
	assert.Equal(t, "centurial-0001", rd.ID)

	idx, err := e.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, []string{"centurial-0001"}, idx.Levels[hierarchy.Centurial])
}

func TestValidateTitle(t *testing.T) {
	cases := []struct {
		title string
		ok    bool
	}{
		{"First week", true},
		{"週のまとめ", true},
		{"2026 Q1 review!", true},
		{"", false},
		{"   ", false},
		{"a/b", false},
		{`a\b`, false},
		{"a|b", false},
		{"a<b>", false},
		{"tab\tseparated", false},
	}
	for _, tc := range cases {
		err := ValidateTitle(tc.title)
		if tc.ok {
			assert.NoError(t, err, "title %q", tc.title)
		} else {
			var invalid *InvalidTitleError
			assert.True(t, errors.As(err, &invalid), "title %q must be invalid", tc.title)
		}
	}
}

func TestFinalize_RefusedWhilePendingJournal(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	require.NoError(t, e.store.SaveJournal(&digest.FinalizeJournal{
		OpID: "op-1", Level: hierarchy.Weekly, Seq: 1, DigestID: "weekly-0001",
		Title: "First Session", Children: []string{"loop-0001"}, StartedAt: time.Now().UTC(),
	}))

	_, err := e.orch.Finalize(hierarchy.Weekly, "Second Session")
	var partial *PartialFinalizeError
	require.True(t, errors.As(err, &partial), "pending journal must block a new finalize: %v", err)
	assert.Equal(t, "op-1", partial.OpID)

	// The pending journal is untouched by the refused attempt.
	j, err := e.store.LoadJournal(hierarchy.Weekly)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "First Session", j.Title)
}

func TestFinalize_ConcurrentSessionsProduceOneDigest(t *testing.T) {
	e := newEnv(t)
	e.fillWeekly(t, 1)

	// Two operator sessions race the journal creation. The finalize lock
	// serializes them: exactly one transition happens, under one title.
	type outcome struct {
		rd  *digest.RegularDigest
		err error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for _, title := range []string{"First Operator", "Second Operator"} {
		go func(title string) {
			<-start
			rd, err := e.orch.Finalize(hierarchy.Weekly, title)
			results <- outcome{rd, err}
		}(title)
	}
	close(start)

	var winner *digest.RegularDigest
	var loserErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			require.Nil(t, winner, "only one session may finalize")
			winner = r.rd
		} else {
			loserErr = r.err
		}
	}
	require.NotNil(t, winner)
	require.Error(t, loserErr)

	// The loser either saw the winner's pending journal or arrived after the
	// shadow was cleared; never a second digest.
	var partial *PartialFinalizeError
	var notReady *NotReadyError
	assert.True(t, errors.As(loserErr, &partial) || errors.As(loserErr, &notReady),
		"loser must fail with a typed refusal, got %v", loserErr)

	idx, err := e.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Count(hierarchy.Weekly))

	rd, found, err := e.store.LoadRegular("weekly-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner.Title, rd.Title, "the stored digest carries the winning session's title")
}
