package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/shadow"
	"loopkeeper/internal/store"
)

func TestParseLoopFile(t *testing.T) {
	cases := []struct {
		name   string
		ok     bool
		id     string
		title  string
		number int
	}{
		{"Loop-0001_First_Day.md", true, "loop-0001", "First Day", 1},
		{"Loop-42-quick-note.txt", true, "loop-0042", "quick-note", 42},
		{"Loop-0007_週の記録.md", true, "loop-0007", "週の記録", 7},
		{"loop-0001_lowercase.md", false, "", "", 0},
		{"Loop-0001.md", false, "", "", 0},
		{"Loop-0001_draft.docx", false, "", "", 0},
		{"notes.md", false, "", "", 0},
		{"Loop-0_zero.md", false, "", "", 0},
	}
	for _, tc := range cases {
		rec, ok := ParseLoopFile(tc.name)
		assert.Equal(t, tc.ok, ok, "name %q", tc.name)
		if tc.ok {
			assert.Equal(t, tc.id, rec.ID)
			assert.Equal(t, tc.title, rec.Title)
			assert.Equal(t, tc.number, rec.Number)
		}
	}
}

func newScanner(t *testing.T) (*Scanner, *shadow.Manager, string) {
	t.Helper()
	reg := hierarchy.NewRegistry()
	s, err := store.New(t.TempDir(), reg, store.WithLockTimeout(2*time.Second))
	require.NoError(t, err)
	shadows := shadow.NewManager(s, reg)
	loopDir := t.TempDir()
	return NewScanner(loopDir, shadows), shadows, loopDir
}

func writeLoop(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("today I..."), 0644))
}

func TestScanner_DiscoverOrdersByNumber(t *testing.T) {
	sc, _, dir := newScanner(t)

	writeLoop(t, dir, "Loop-0003_Third.md")
	writeLoop(t, dir, "Loop-0001_First.md")
	writeLoop(t, dir, "Loop-0002_Second.txt")
	writeLoop(t, dir, "README.md") // ignored

	records, err := sc.Discover()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"loop-0001", "loop-0002", "loop-0003"},
		[]string{records[0].ID, records[1].ID, records[2].ID})
	assert.NotEmpty(t, records[0].Path)
}

func TestScanner_DiscoverMissingDirIsEmpty(t *testing.T) {
	reg := hierarchy.NewRegistry()
	s, err := store.New(t.TempDir(), reg, store.WithLockTimeout(2*time.Second))
	require.NoError(t, err)
	sc := NewScanner(filepath.Join(t.TempDir(), "nope"), shadow.NewManager(s, reg))

	records, err := sc.Discover()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScanner_SyncIsIdempotent(t *testing.T) {
	sc, shadows, dir := newScanner(t)

	writeLoop(t, dir, "Loop-0001_First.md")
	writeLoop(t, dir, "Loop-0002_Second.md")

	entry, records, err := sc.Sync()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []string{"loop-0001", "loop-0002"}, entry.SourceFiles)

	// A second sync must not change anything.
	entry2, _, err := sc.Sync()
	require.NoError(t, err)
	assert.Equal(t, entry.SourceFiles, entry2.SourceFiles)
	assert.Equal(t, entry.Rev, entry2.Rev)

	// New loops are appended in order.
	writeLoop(t, dir, "Loop-0003_Third.md")
	entry3, _, err := sc.Sync()
	require.NoError(t, err)
	assert.Equal(t, []string{"loop-0001", "loop-0002", "loop-0003"}, entry3.SourceFiles)

	got, err := shadows.Entry(hierarchy.Weekly)
	require.NoError(t, err)
	assert.Equal(t, entry3.SourceFiles, got.SourceFiles)
}

func TestScanner_Material(t *testing.T) {
	sc, _, dir := newScanner(t)
	writeLoop(t, dir, "Loop-0001_First.md")

	records, err := sc.Discover()
	require.NoError(t, err)
	require.Len(t, records, 1)

	text, err := sc.Material(records[0])
	require.NoError(t, err)
	assert.Equal(t, "today I...", text)
}
