// Package shadow owns the per-level pending aggregate state. All mutation of
// shadow entries and provisional batches funnels through the Manager (and,
// for the finalize transition, the cascade orchestrator); nothing else in the
// system is allowed to touch those records.
package shadow

import (
	"fmt"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/logging"
	"loopkeeper/internal/store"
)

// StaleDigestError reports an aggregate digest submitted against an outdated
// child set. The caller must re-analyze with the current children.
type StaleDigestError struct {
	Level    hierarchy.Level
	Snapshot int // child count the digest was computed over
	Current  int // child count now
}

func (e *StaleDigestError) Error() string {
	return fmt.Sprintf("aggregate digest for %s is stale: analyzed %d children, level now has %d",
		e.Level, e.Snapshot, e.Current)
}

// Manager is the shadow state manager.
type Manager struct {
	store *store.Store
	reg   *hierarchy.Registry
}

// NewManager creates a shadow state manager over the given store.
func NewManager(s *store.Store, reg *hierarchy.Registry) *Manager {
	return &Manager{store: s, reg: reg}
}

const conflictRetries = 3

// RegisterChildren appends ids to the level's pending child set, preserving
// order and silently absorbing duplicates so retried registrations are
// idempotent. When genuinely new children arrive and the aggregate digest was
// already complete, the aggregate is demoted back to pending: its narrative
// no longer covers the full child set.
func (m *Manager) RegisterChildren(level hierarchy.Level, ids []string) (*digest.ShadowEntry, error) {
	var result *digest.ShadowEntry
	err := store.WithRetry(conflictRetries, func() error {
		entry, err := m.store.UpdateShadow(level, func(e *digest.ShadowEntry) error {
			added := 0
			for _, id := range ids {
				if id == "" || e.HasChild(id) {
					continue
				}
				e.SourceFiles = append(e.SourceFiles, id)
				added++
			}
			if added == 0 {
				return store.ErrNoChange
			}
			if e.Overall.IsComplete() {
				logging.Shadow("%s aggregate demoted to pending: %d new children", level, added)
				e.Overall = digest.Pending()
			}
			return nil
		})
		result = entry
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReplaceOverall stores a complete aggregate digest for level. snapshot is
// the child count the analysis was requested over; if children arrived since,
// the submission is rejected with StaleDigestError rather than silently
// finalizing a narrative that omits them.
func (m *Manager) ReplaceOverall(level hierarchy.Level, d digest.Digest, snapshot int) (*digest.ShadowEntry, error) {
	if !d.IsComplete() {
		return nil, fmt.Errorf("aggregate digest for %s must be complete", level)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("aggregate digest for %s: %w", level, err)
	}

	var result *digest.ShadowEntry
	err := store.WithRetry(conflictRetries, func() error {
		entry, err := m.store.UpdateShadow(level, func(e *digest.ShadowEntry) error {
			if len(e.SourceFiles) != snapshot {
				return &StaleDigestError{Level: level, Snapshot: snapshot, Current: len(e.SourceFiles)}
			}
			e.Overall = d
			return nil
		})
		result = entry
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Shadow("%s aggregate replaced (snapshot=%d)", level, snapshot)
	return result, nil
}

// SubmitChild stores an analyzed child digest into the level's provisional
// batch. The short rendering will be handed to the next level when this
// level finalizes; the long rendering feeds this level's own aggregate
// analysis. The child must already be registered.
func (m *Manager) SubmitChild(level hierarchy.Level, childID string, d digest.Digest) error {
	if !d.IsComplete() {
		return fmt.Errorf("digest for child %s at %s must be complete", childID, level)
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("digest for child %s at %s: %w", childID, level, err)
	}

	entry, err := m.store.LoadShadow(level)
	if err != nil {
		return err
	}
	if !entry.HasChild(childID) {
		return fmt.Errorf("child %s is not registered at level %s", childID, level)
	}

	err = store.WithRetry(conflictRetries, func() error {
		_, err := m.store.UpdateBatch(level, func(b *digest.ProvisionalBatch) error {
			b.Put(childID, d)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	logging.Shadow("%s child %s digest stored in provisional batch", level, childID)
	return nil
}

// Entry returns the current shadow entry for level (read-only view).
func (m *Manager) Entry(level hierarchy.Level) (*digest.ShadowEntry, error) {
	return m.store.LoadShadow(level)
}

// Batch returns the current provisional batch for level (read-only view).
func (m *Manager) Batch(level hierarchy.Level) (*digest.ProvisionalBatch, error) {
	return m.store.LoadBatch(level)
}

// MergeFromBelow seeds the next level's shadow after a lower-level finalize:
// registers the freshly finalized digest id as a child and appends the
// provisional batch's short digests as narrative inputs. Idempotent so an
// interrupted finalize can replay it.
func (m *Manager) MergeFromBelow(level hierarchy.Level, childID string, inputs []digest.NarrativeInput) error {
	return store.WithRetry(conflictRetries, func() error {
		_, err := m.store.UpdateShadow(level, func(e *digest.ShadowEntry) error {
			changed := false
			if !e.HasChild(childID) {
				e.SourceFiles = append(e.SourceFiles, childID)
				changed = true
			}
			seen := make(map[string]bool, len(e.Inputs))
			for _, in := range e.Inputs {
				seen[in.ChildID] = true
			}
			for _, in := range inputs {
				if seen[in.ChildID] {
					continue
				}
				e.Inputs = append(e.Inputs, in)
				seen[in.ChildID] = true
				changed = true
			}
			if !changed {
				return store.ErrNoChange
			}
			if e.Overall.IsComplete() {
				e.Overall = digest.Pending()
			}
			return nil
		})
		return err
	})
}

// Clear resets level's shadow to empty. Called only by the cascade
// orchestrator immediately after a successful finalize.
func (m *Manager) Clear(level hierarchy.Level) error {
	return store.WithRetry(conflictRetries, func() error {
		_, err := m.store.UpdateShadow(level, func(e *digest.ShadowEntry) error {
			if len(e.SourceFiles) == 0 && len(e.Inputs) == 0 && !e.Overall.IsComplete() {
				return store.ErrNoChange
			}
			e.SourceFiles = nil
			e.Inputs = nil
			e.Overall = digest.Pending()
			return nil
		})
		return err
	})
}
