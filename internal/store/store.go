// Package store persists the cascade's records as JSON files under a single
// data directory:
//
//	shadow/<level>.json       per-level pending aggregate state
//	provisional/<level>.json  per-level child digest batch
//	digests/<prefix>-NNNN.json finalized regular digests
//	index.json                the append-only master index
//	journal/<level>.json      in-flight finalize progress
//
// An absent file always reads back as "empty, not yet created". Every write
// goes through a temp-file-plus-rename so readers never observe a torn
// record, and every read-modify-write runs under an exclusive per-record
// lock file with an optimistic revision check behind it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/logging"
)

// ErrNoChange may be returned by an Update* mutation callback to signal
// that the record is already in the desired state; the update then skips
// the save entirely, keeping retried registrations byte-identical on disk.
var ErrNoChange = errors.New("record unchanged")

// WithRetry runs fn, retrying with linear backoff when it fails with a
// ConflictError. Any other failure is returned immediately; only
// lock-contention conflicts are worth a local retry.
func WithRetry(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		var conflict *ConflictError
		if err == nil || !errors.As(err, &conflict) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 20 * time.Millisecond)
	}
	return err
}

// ConflictError reports that a record changed on disk underneath a
// read-modify-write cycle. Callers may retry with backoff.
type ConflictError struct {
	Record   string
	Expected int
	Found    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s modified concurrently (rev %d on disk, expected %d)",
		e.Record, e.Found, e.Expected)
}

// Store is the file-backed digest repository.
type Store struct {
	root        string
	reg         *hierarchy.Registry
	lockTimeout time.Duration
	lockStale   time.Duration
}

// Option adjusts store behavior.
type Option func(*Store)

// WithLockTimeout overrides how long mutating operations wait for a lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLockStale overrides the horizon after which a lock left behind by a
// crashed process is reclaimed.
func WithLockStale(d time.Duration) Option {
	return func(s *Store) { s.lockStale = d }
}

// New creates the store rooted at dir, creating the layout if missing.
func New(dir string, reg *hierarchy.Registry, opts ...Option) (*Store, error) {
	s := &Store{
		root:        dir,
		reg:         reg,
		lockTimeout: 10 * time.Second,
		lockStale:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{"shadow", "provisional", "digests", "journal", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", sub, err)
		}
	}
	return s, nil
}

// Root returns the data directory the store is rooted at.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) shadowPath(level hierarchy.Level) string {
	return filepath.Join(s.root, "shadow", string(level)+".json")
}

func (s *Store) batchPath(level hierarchy.Level) string {
	return filepath.Join(s.root, "provisional", string(level)+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

func (s *Store) journalPath(level hierarchy.Level) string {
	return filepath.Join(s.root, "journal", string(level)+".json")
}

func (s *Store) regularPath(id string) string {
	return filepath.Join(s.root, "digests", id+".json")
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.root, "locks", name+".lock")
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never see a partial record.
func writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON loads path into v. Absent files are reported via found=false,
// never as an error.
func readJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// LoadShadow returns the shadow entry for level, empty if never written.
func (s *Store) LoadShadow(level hierarchy.Level) (*digest.ShadowEntry, error) {
	if _, err := s.reg.Info(level); err != nil {
		return nil, err
	}
	entry := digest.NewShadowEntry(level)
	if _, err := readJSON(s.shadowPath(level), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateShadow runs fn over the current shadow entry of level under the
// level's exclusive lock and persists the result with a bumped revision.
func (s *Store) UpdateShadow(level hierarchy.Level, fn func(*digest.ShadowEntry) error) (*digest.ShadowEntry, error) {
	if _, err := s.reg.Info(level); err != nil {
		return nil, err
	}
	release, err := acquireLock(s.lockPath("shadow-"+string(level)), s.lockTimeout, s.lockStale)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := s.LoadShadow(level)
	if err != nil {
		return nil, err
	}
	loadedRev := entry.Rev

	if err := fn(entry); err != nil {
		if errors.Is(err, ErrNoChange) {
			return entry, nil
		}
		return nil, err
	}

	// The lock serializes well-behaved writers; the revision check catches a
	// writer that slipped in through a reclaimed stale lock.
	if onDisk, err := s.LoadShadow(level); err != nil {
		return nil, err
	} else if onDisk.Rev != loadedRev {
		return nil, &ConflictError{Record: "shadow/" + string(level), Expected: loadedRev, Found: onDisk.Rev}
	}

	entry.Rev = loadedRev + 1
	entry.UpdatedAt = time.Now().UTC()
	if err := writeAtomic(s.shadowPath(level), entry); err != nil {
		return nil, err
	}
	logging.Store("shadow %s saved rev=%d children=%d", level, entry.Rev, len(entry.SourceFiles))
	return entry, nil
}

// LoadBatch returns the provisional batch for level, empty if never written.
func (s *Store) LoadBatch(level hierarchy.Level) (*digest.ProvisionalBatch, error) {
	if _, err := s.reg.Info(level); err != nil {
		return nil, err
	}
	batch := digest.NewProvisionalBatch(level)
	if _, err := readJSON(s.batchPath(level), batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// UpdateBatch runs fn over the current provisional batch of level under the
// level's exclusive lock and persists the result.
func (s *Store) UpdateBatch(level hierarchy.Level, fn func(*digest.ProvisionalBatch) error) (*digest.ProvisionalBatch, error) {
	if _, err := s.reg.Info(level); err != nil {
		return nil, err
	}
	release, err := acquireLock(s.lockPath("batch-"+string(level)), s.lockTimeout, s.lockStale)
	if err != nil {
		return nil, err
	}
	defer release()

	batch, err := s.LoadBatch(level)
	if err != nil {
		return nil, err
	}
	loadedRev := batch.Rev

	if err := fn(batch); err != nil {
		if errors.Is(err, ErrNoChange) {
			return batch, nil
		}
		return nil, err
	}

	if onDisk, err := s.LoadBatch(level); err != nil {
		return nil, err
	} else if onDisk.Rev != loadedRev {
		return nil, &ConflictError{Record: "provisional/" + string(level), Expected: loadedRev, Found: onDisk.Rev}
	}

	batch.Rev = loadedRev + 1
	if err := writeAtomic(s.batchPath(level), batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// DeleteBatch removes the provisional batch for level. Deleting an absent
// batch is a no-op so cleanup can be retried.
func (s *Store) DeleteBatch(level hierarchy.Level) error {
	if _, err := s.reg.Info(level); err != nil {
		return err
	}
	if err := os.Remove(s.batchPath(level)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete batch for %s: %w", level, err)
	}
	return nil
}

// LoadIndex returns the master index, empty if never written.
func (s *Store) LoadIndex() (*digest.MasterIndex, error) {
	idx := digest.NewMasterIndex()
	if _, err := readJSON(s.indexPath(), idx); err != nil {
		return nil, err
	}
	if idx.Levels == nil {
		idx.Levels = make(map[hierarchy.Level][]string)
	}
	return idx, nil
}

// UpdateIndex runs fn over the master index under the index lock and
// persists the result.
func (s *Store) UpdateIndex(fn func(*digest.MasterIndex) error) (*digest.MasterIndex, error) {
	release, err := acquireLock(s.lockPath("index"), s.lockTimeout, s.lockStale)
	if err != nil {
		return nil, err
	}
	defer release()

	idx, err := s.LoadIndex()
	if err != nil {
		return nil, err
	}
	loadedRev := idx.Rev

	if err := fn(idx); err != nil {
		if errors.Is(err, ErrNoChange) {
			return idx, nil
		}
		return nil, err
	}

	if onDisk, err := s.LoadIndex(); err != nil {
		return nil, err
	} else if onDisk.Rev != loadedRev {
		return nil, &ConflictError{Record: "index", Expected: loadedRev, Found: onDisk.Rev}
	}

	idx.Rev = loadedRev + 1
	if err := writeAtomic(s.indexPath(), idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// WriteRegular persists a finalized digest. Regular digests are immutable:
// if the record already exists with the same id the write is a no-op (resume
// path); an existing record with a different id is corruption and an error.
func (s *Store) WriteRegular(rd *digest.RegularDigest) error {
	path := s.regularPath(rd.ID)
	var existing digest.RegularDigest
	found, err := readJSON(path, &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.ID != rd.ID {
			return fmt.Errorf("digest file %s holds id %s, refusing to overwrite", filepath.Base(path), existing.ID)
		}
		return nil
	}
	if err := writeAtomic(path, rd); err != nil {
		return err
	}
	logging.Store("regular digest written: %s (%d children)", rd.ID, len(rd.Children))
	return nil
}

// LoadRegular returns the finalized digest with the given id.
func (s *Store) LoadRegular(id string) (*digest.RegularDigest, bool, error) {
	var rd digest.RegularDigest
	found, err := readJSON(s.regularPath(id), &rd)
	if err != nil || !found {
		return nil, false, err
	}
	return &rd, true, nil
}

// WithJournalLock runs fn while holding level's exclusive finalize lock.
// The journal existence check and its creation form a check-then-act that
// must not interleave between sessions: without the lock, two operators can
// both observe no pending finalize and journal the same sequence number
// under different titles.
func (s *Store) WithJournalLock(level hierarchy.Level, fn func() error) error {
	if _, err := s.reg.Info(level); err != nil {
		return err
	}
	release, err := acquireLock(s.lockPath("journal-"+string(level)), s.lockTimeout, s.lockStale)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// LoadJournal returns the in-flight finalize journal for level, or nil when
// no finalize is pending.
func (s *Store) LoadJournal(level hierarchy.Level) (*digest.FinalizeJournal, error) {
	if _, err := s.reg.Info(level); err != nil {
		return nil, err
	}
	var j digest.FinalizeJournal
	found, err := readJSON(s.journalPath(level), &j)
	if err != nil || !found {
		return nil, err
	}
	return &j, nil
}

// SaveJournal persists finalize progress for level.
func (s *Store) SaveJournal(j *digest.FinalizeJournal) error {
	if _, err := s.reg.Info(j.Level); err != nil {
		return err
	}
	return writeAtomic(s.journalPath(j.Level), j)
}

// ClearJournal removes the finalize journal for level once the transition
// has fully completed. Clearing an absent journal is a no-op.
func (s *Store) ClearJournal(level hierarchy.Level) error {
	if _, err := s.reg.Info(level); err != nil {
		return err
	}
	if err := os.Remove(s.journalPath(level)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear journal for %s: %w", level, err)
	}
	return nil
}
