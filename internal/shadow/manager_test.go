package shadow

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := hierarchy.NewRegistry()
	s, err := store.New(t.TempDir(), reg, store.WithLockTimeout(2*time.Second))
	require.NoError(t, err)
	return NewManager(s, reg)
}

func completeDigest(long, short string) digest.Digest {
	return digest.Completed(digest.Content{
		Type:       "journal",
		Keywords:   []string{"k"},
		Abstract:   "a",
		Impression: "i",
		Long:       long,
		Short:      short,
	})
}

func TestRegisterChildren_Idempotent(t *testing.T) {
	m := newTestManager(t)

	first, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001", "loop-0002"})
	require.NoError(t, err)
	second, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001", "loop-0002"})
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated registration changed the entry (-first +second):\n%s", diff)
	}
	assert.Equal(t, []string{"loop-0001", "loop-0002"}, second.SourceFiles)
}

func TestRegisterChildren_PreservesOrderAndDedupes(t *testing.T) {
	m := newTestManager(t)

	entry, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0002", "loop-0001", "loop-0002", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"loop-0002", "loop-0001"}, entry.SourceFiles)
}

func TestRegisterChildren_DemotesCompleteAggregate(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001"})
	require.NoError(t, err)
	_, err = m.ReplaceOverall(hierarchy.Weekly, completeDigest("l", "s"), 1)
	require.NoError(t, err)

	// Duplicate-only registration must not demote.
	entry, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001"})
	require.NoError(t, err)
	assert.True(t, entry.Overall.IsComplete(), "duplicate registration must keep the aggregate")

	// A genuinely new child makes the narrative stale.
	entry, err = m.RegisterChildren(hierarchy.Weekly, []string{"loop-0002"})
	require.NoError(t, err)
	assert.False(t, entry.Overall.IsComplete())
}

func TestReplaceOverall_RejectsStaleSnapshot(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001", "loop-0002"})
	require.NoError(t, err)

	_, err = m.ReplaceOverall(hierarchy.Weekly, completeDigest("l", "s"), 1)
	var stale *StaleDigestError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, hierarchy.Weekly, stale.Level)
	assert.Equal(t, 1, stale.Snapshot)
	assert.Equal(t, 2, stale.Current)

	// Correct snapshot is accepted.
	entry, err := m.ReplaceOverall(hierarchy.Weekly, completeDigest("l", "s"), 2)
	require.NoError(t, err)
	assert.True(t, entry.Overall.IsComplete())
}

func TestReplaceOverall_RejectsIncompleteDigest(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ReplaceOverall(hierarchy.Weekly, digest.Pending(), 0)
	require.Error(t, err)

	_, err = m.ReplaceOverall(hierarchy.Weekly, digest.Completed(digest.Content{Long: "only long"}), 0)
	require.Error(t, err)
}

func TestSubmitChild_RequiresRegistration(t *testing.T) {
	m := newTestManager(t)

	err := m.SubmitChild(hierarchy.Weekly, "loop-0001", completeDigest("l", "s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop-0001")
	assert.Contains(t, err.Error(), "weekly")
}

func TestSubmitChild_StoresIntoBatch(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001"})
	require.NoError(t, err)
	require.NoError(t, m.SubmitChild(hierarchy.Weekly, "loop-0001", completeDigest("l", "s")))

	batch, err := m.Batch(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Equal(t, []string{"loop-0001"}, batch.Order)
	assert.True(t, batch.Get("loop-0001").IsComplete())
}

func TestMergeFromBelow_IdempotentSeeding(t *testing.T) {
	m := newTestManager(t)

	inputs := []digest.NarrativeInput{
		{ChildID: "loop-0001", Content: digest.Content{Long: "l1", Short: "s1"}},
		{ChildID: "loop-0002", Content: digest.Content{Long: "l2", Short: "s2"}},
	}
	require.NoError(t, m.MergeFromBelow(hierarchy.Monthly, "weekly-0001", inputs))
	// Replay, as a resumed finalize would.
	require.NoError(t, m.MergeFromBelow(hierarchy.Monthly, "weekly-0001", inputs))

	entry, err := m.Entry(hierarchy.Monthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-0001"}, entry.SourceFiles)
	require.Len(t, entry.Inputs, 2)
	assert.False(t, entry.Overall.IsComplete())
}

func TestClear_ResetsEntry(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RegisterChildren(hierarchy.Weekly, []string{"loop-0001"})
	require.NoError(t, err)
	_, err = m.ReplaceOverall(hierarchy.Weekly, completeDigest("l", "s"), 1)
	require.NoError(t, err)

	require.NoError(t, m.Clear(hierarchy.Weekly))
	entry, err := m.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Empty(t, entry.SourceFiles)
	assert.False(t, entry.Overall.IsComplete())

	// Clearing an already-empty shadow is a no-op.
	require.NoError(t, m.Clear(hierarchy.Weekly))
}
