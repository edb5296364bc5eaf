// Package cascade drives the finalize transition: the state machine that
// turns a level's pending shadow into an immutable regular digest, appends it
// to the master index, and seeds the next level's shadow. Every mutation is
// journaled so an interrupted transition resumes from the last completed
// step instead of rolling back or double-appending.
package cascade

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loopkeeper/internal/digest"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/logging"
	"loopkeeper/internal/shadow"
	"loopkeeper/internal/store"
)

// Orchestrator performs finalize transitions. It is the only component
// allowed to mutate the master index or clear a shadow entry.
type Orchestrator struct {
	store     *store.Store
	reg       *hierarchy.Registry
	shadows   *shadow.Manager
	evaluator *Evaluator
}

// NewOrchestrator wires the cascade orchestrator.
func NewOrchestrator(s *store.Store, reg *hierarchy.Registry, shadows *shadow.Manager) *Orchestrator {
	return &Orchestrator{
		store:     s,
		reg:       reg,
		shadows:   shadows,
		evaluator: NewEvaluator(s, reg),
	}
}

// Evaluator exposes the read-side readiness evaluator.
func (o *Orchestrator) Evaluator() *Evaluator {
	return o.evaluator
}

// Finalize runs the full transition for level under the given
// operator-approved title. Preconditions: the level is ready and no earlier
// finalize of it is pending. On success the finalized digest is returned and
// the level starts accumulating its next instance.
//
// The whole transition runs under the level's finalize lock: the journal
// existence check, the journal creation, and every journal save must not
// interleave with a second session, or two operators could both claim the
// same sequence number under different titles.
func (o *Orchestrator) Finalize(level hierarchy.Level, title string) (*digest.RegularDigest, error) {
	if _, err := o.reg.Info(level); err != nil {
		return nil, err
	}
	if err := ValidateTitle(title); err != nil {
		return nil, err
	}

	var rd *digest.RegularDigest
	err := o.store.WithJournalLock(level, func() error {
		if j, err := o.store.LoadJournal(level); err != nil {
			return err
		} else if j != nil {
			return &PartialFinalizeError{
				Level: level, OpID: j.OpID, Seq: j.Seq, DigestID: j.DigestID, Done: j.Done,
				Reason: "an earlier finalize did not complete; resume it before starting another",
			}
		}

		r, err := o.evaluator.Evaluate(level)
		if err != nil {
			return err
		}
		if !r.Ready {
			return &NotReadyError{Level: level, Reason: notReadyReason(r)}
		}

		entry, err := o.shadows.Entry(level)
		if err != nil {
			return err
		}
		idx, err := o.store.LoadIndex()
		if err != nil {
			return err
		}

		// Sequence numbers are derived from the index length, so they stay
		// gapless as long as interrupted runs are resumed rather than restarted.
		seq := idx.Count(level) + 1
		id, err := o.reg.DigestID(level, seq)
		if err != nil {
			return err
		}

		j := &digest.FinalizeJournal{
			OpID:      uuid.NewString(),
			Level:     level,
			Seq:       seq,
			DigestID:  id,
			Title:     strings.TrimSpace(title),
			Children:  append([]string(nil), entry.SourceFiles...),
			StartedAt: time.Now().UTC(),
		}
		if err := o.store.SaveJournal(j); err != nil {
			return err
		}
		logging.Cascade("finalize started: level=%s seq=%d id=%s op=%s", level, seq, id, j.OpID)

		rd, err = o.run(j)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rd, nil
}

// Resume continues an interrupted finalize of level from its last completed
// step, under the same finalize lock as Finalize. Returns an error when no
// finalize is pending.
func (o *Orchestrator) Resume(level hierarchy.Level) (*digest.RegularDigest, error) {
	if _, err := o.reg.Info(level); err != nil {
		return nil, err
	}

	var rd *digest.RegularDigest
	err := o.store.WithJournalLock(level, func() error {
		j, err := o.store.LoadJournal(level)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("no pending finalize for level %s", level)
		}
		logging.Cascade("finalize resumed: level=%s seq=%d op=%s done=%v", level, j.Seq, j.OpID, j.Done)

		rd, err = o.run(j)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rd, nil
}

// Abandon discards a pending finalize that has not yet written its regular
// digest. Once the digest exists the transition is past the point of no
// return and must be resumed instead: discarding it would strand an artifact
// or, worse, free its sequence number for reuse.
func (o *Orchestrator) Abandon(level hierarchy.Level) error {
	return o.store.WithJournalLock(level, func() error {
		j, err := o.store.LoadJournal(level)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("no pending finalize for level %s", level)
		}
		if j.StepDone(digest.StepRegularWritten) {
			return &PartialFinalizeError{
				Level: level, OpID: j.OpID, Seq: j.Seq, DigestID: j.DigestID, Done: j.Done,
				Reason: "regular digest already written; resume instead of abandoning",
			}
		}
		if err := o.store.ClearJournal(level); err != nil {
			return err
		}
		logging.Cascade("finalize abandoned before first mutation: level=%s op=%s", level, j.OpID)
		return nil
	})
}

// run executes the journaled steps that are not yet done, in order, saving
// progress after each. Every step is idempotent, so replaying a completed
// step during resume is harmless. The caller holds the level's finalize
// lock, so journal saves here cannot clobber a concurrent session's
// progress.
func (o *Orchestrator) run(j *digest.FinalizeJournal) (*digest.RegularDigest, error) {
	if !j.StepDone(digest.StepRegularWritten) {
		if err := o.writeRegular(j); err != nil {
			return nil, err
		}
		if err := o.markDone(j, digest.StepRegularWritten); err != nil {
			return nil, err
		}
	}

	if !j.StepDone(digest.StepIndexAppended) {
		err := store.WithRetry(3, func() error {
			_, err := o.store.UpdateIndex(func(idx *digest.MasterIndex) error {
				if idx.Contains(j.Level, j.DigestID) {
					return store.ErrNoChange
				}
				if got := idx.Count(j.Level) + 1; got != j.Seq {
					return fmt.Errorf("index for %s would assign seq %d, journal expects %d", j.Level, got, j.Seq)
				}
				idx.Append(j.Level, j.DigestID)
				return nil
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := o.markDone(j, digest.StepIndexAppended); err != nil {
			return nil, err
		}
	}

	if !j.StepDone(digest.StepNextSeeded) {
		if err := o.seedNext(j); err != nil {
			return nil, err
		}
		if err := o.markDone(j, digest.StepNextSeeded); err != nil {
			return nil, err
		}
	}

	if !j.StepDone(digest.StepBatchDeleted) {
		if err := o.store.DeleteBatch(j.Level); err != nil {
			return nil, err
		}
		if err := o.markDone(j, digest.StepBatchDeleted); err != nil {
			return nil, err
		}
	}

	if !j.StepDone(digest.StepShadowCleared) {
		if err := o.shadows.Clear(j.Level); err != nil {
			return nil, err
		}
		if err := o.markDone(j, digest.StepShadowCleared); err != nil {
			return nil, err
		}
	}

	if err := o.store.ClearJournal(j.Level); err != nil {
		return nil, err
	}

	rd, found, err := o.store.LoadRegular(j.DigestID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("finalized digest %s missing after completed transition", j.DigestID)
	}
	logging.Cascade("finalize completed: level=%s id=%s op=%s", j.Level, j.DigestID, j.OpID)
	return rd, nil
}

// writeRegular builds and persists the immutable digest from the current
// shadow. The shadow is re-validated against the journal's child snapshot:
// a registration that slipped in between crash and resume must surface as an
// error, not be silently folded in or silently dropped.
func (o *Orchestrator) writeRegular(j *digest.FinalizeJournal) error {
	entry, err := o.shadows.Entry(j.Level)
	if err != nil {
		return err
	}
	if !sameIDs(entry.SourceFiles, j.Children) {
		return &PartialFinalizeError{
			Level: j.Level, OpID: j.OpID, Seq: j.Seq, DigestID: j.DigestID, Done: j.Done,
			Reason: fmt.Sprintf("shadow children changed since finalize started (%d now, %d at start); abandon and re-approve",
				len(entry.SourceFiles), len(j.Children)),
		}
	}
	if !entry.Overall.IsComplete() {
		return &PartialFinalizeError{
			Level: j.Level, OpID: j.OpID, Seq: j.Seq, DigestID: j.DigestID, Done: j.Done,
			Reason: "aggregate digest is no longer complete; abandon and re-approve",
		}
	}

	rd := &digest.RegularDigest{
		ID:        j.DigestID,
		Level:     j.Level,
		Seq:       j.Seq,
		Title:     j.Title,
		Content:   *entry.Overall.Content,
		Children:  append([]string(nil), j.Children...),
		CreatedAt: time.Now().UTC(),
	}
	return o.store.WriteRegular(rd)
}

// seedNext merges this level's provisional batch into the next level's
// shadow: the finalized digest id becomes a child, and the batch's short
// digests become narrative inputs. The top level has no successor and
// finalizes into the master index only.
func (o *Orchestrator) seedNext(j *digest.FinalizeJournal) error {
	next, ok, err := o.reg.Next(j.Level)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	batch, err := o.store.LoadBatch(j.Level)
	if err != nil {
		return err
	}
	var inputs []digest.NarrativeInput
	for _, childID := range batch.Order {
		d := batch.Get(childID)
		if !d.IsComplete() {
			continue
		}
		inputs = append(inputs, digest.NarrativeInput{ChildID: childID, Content: *d.Content})
	}

	return o.shadows.MergeFromBelow(next, j.DigestID, inputs)
}

// markDone records step completion durably before the next step runs.
func (o *Orchestrator) markDone(j *digest.FinalizeJournal, step string) error {
	j.MarkDone(step)
	return o.store.SaveJournal(j)
}

func notReadyReason(r *Readiness) string {
	switch {
	case r.BelowFinalizing:
		return "level below has a finalize in flight"
	case r.ChildCount < r.Threshold:
		return fmt.Sprintf("%d of %d required children accumulated", r.ChildCount, r.Threshold)
	case !r.OverallComplete:
		return "aggregate digest has not been analyzed"
	default:
		return "not ready"
	}
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
