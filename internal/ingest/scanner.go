// Package ingest is the boundary between the loop directory and the shadow
// state: it recognizes Loop files on disk and registers them as base-level
// children, either in one shot (Sync) or continuously (Watcher).
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/logging"
	"loopkeeper/internal/shadow"
)

// loopFileRE matches the canonical loop file naming scheme:
// Loop-0042_Some_Title.md (underscore or hyphen before the title,
// .md or .txt extension).
var loopFileRE = regexp.MustCompile(`^Loop-(\d+)[_-](.+)\.(?:md|txt)$`)

// SourceRecord is one raw loop file: an atomically numbered, timestamped
// unit of input. Loops are immutable once written and never deleted here.
type SourceRecord struct {
	ID     string // canonical child id, e.g. "loop-0042"
	Number int
	Title  string
	Path   string
}

// ParseLoopFile extracts a SourceRecord from a file name. Returns ok=false
// for anything that is not a loop file (editors drop all sorts of artifacts
// into the journal directory).
func ParseLoopFile(name string) (SourceRecord, bool) {
	m := loopFileRE.FindStringSubmatch(name)
	if m == nil {
		return SourceRecord{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return SourceRecord{}, false
	}
	return SourceRecord{
		ID:     fmt.Sprintf("loop-%04d", n),
		Number: n,
		Title:  strings.ReplaceAll(m[2], "_", " "),
	}, true
}

// Scanner discovers loop files and registers them at the base level.
type Scanner struct {
	dir     string
	shadows *shadow.Manager
}

// NewScanner creates a scanner over the given loop directory.
func NewScanner(dir string, shadows *shadow.Manager) *Scanner {
	return &Scanner{dir: dir, shadows: shadows}
}

// Dir returns the watched loop directory.
func (s *Scanner) Dir() string {
	return s.dir
}

// Discover lists all loop files in the directory, ordered by loop number.
// An absent directory reads as empty, matching the store's convention.
func (s *Scanner) Discover() ([]SourceRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read loop directory %s: %w", s.dir, err)
	}

	var records []SourceRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rec, ok := ParseLoopFile(entry.Name())
		if !ok {
			continue
		}
		rec.Path = filepath.Join(s.dir, entry.Name())
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Number < records[j].Number })
	return records, nil
}

// Sync discovers loop files and registers any new ones at the weekly level.
// Registration is idempotent, so Sync can run as often as the caller likes.
// Returns the updated weekly shadow and everything discovered.
func (s *Scanner) Sync() (*digest.ShadowEntry, []SourceRecord, error) {
	records, err := s.Discover()
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}

	entry, err := s.shadows.RegisterChildren(hierarchy.Weekly, ids)
	if err != nil {
		return nil, nil, err
	}
	logging.Ingest("sync: %d loops on disk, %d registered at weekly", len(records), len(entry.SourceFiles))
	return entry, records, nil
}

// Material reads the raw text of one loop file for analysis.
func (s *Scanner) Material(rec SourceRecord) (string, error) {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read loop %s: %w", rec.ID, err)
	}
	return string(data), nil
}
