package cascade

import (
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/store"
)

// LevelState is the per-level position in the finalize state machine.
type LevelState string

const (
	StateAccumulating LevelState = "ACCUMULATING" // below threshold or aggregate pending
	StateReady        LevelState = "READY"        // eligible; waiting for operator confirmation
	StateFinalizing   LevelState = "FINALIZING"   // a finalize journal is on disk
)

// Readiness is the evaluated finalize eligibility of one level.
type Readiness struct {
	Level           hierarchy.Level
	State           LevelState
	ChildCount      int
	Threshold       int
	OverallComplete bool
	Unanalyzed      int  // registered children without a complete individual digest
	BelowFinalizing bool // the level below has a finalize in flight
	Ready           bool
}

// Evaluator answers readiness questions. It is a pure read-side component:
// it never mutates state.
type Evaluator struct {
	store *store.Store
	reg   *hierarchy.Registry
}

// NewEvaluator creates a readiness evaluator.
func NewEvaluator(s *store.Store, reg *hierarchy.Registry) *Evaluator {
	return &Evaluator{store: s, reg: reg}
}

// Evaluate computes the full readiness picture for level. A level is ready
// iff its child count meets the threshold, its aggregate digest is complete,
// and the level directly below has no finalize in flight. Readiness is
// advisory: finalization additionally requires explicit operator
// confirmation via the orchestrator.
func (ev *Evaluator) Evaluate(level hierarchy.Level) (*Readiness, error) {
	info, err := ev.reg.Info(level)
	if err != nil {
		return nil, err
	}

	entry, err := ev.store.LoadShadow(level)
	if err != nil {
		return nil, err
	}

	unanalyzed, err := ev.CountUnanalyzed(level)
	if err != nil {
		return nil, err
	}

	r := &Readiness{
		Level:           level,
		ChildCount:      len(entry.SourceFiles),
		Threshold:       info.Threshold,
		OverallComplete: entry.Overall.IsComplete(),
		Unanalyzed:      unanalyzed,
	}

	if prev, ok, err := ev.reg.Prev(level); err != nil {
		return nil, err
	} else if ok {
		j, err := ev.store.LoadJournal(prev)
		if err != nil {
			return nil, err
		}
		r.BelowFinalizing = j != nil
	}

	own, err := ev.store.LoadJournal(level)
	if err != nil {
		return nil, err
	}

	r.Ready = r.ChildCount >= r.Threshold && r.OverallComplete && !r.BelowFinalizing

	switch {
	case own != nil:
		r.State = StateFinalizing
	case r.Ready:
		r.State = StateReady
	default:
		r.State = StateAccumulating
	}
	return r, nil
}

// Ready reports whether level may currently finalize.
func (ev *Evaluator) Ready(level hierarchy.Level) (bool, error) {
	r, err := ev.Evaluate(level)
	if err != nil {
		return false, err
	}
	return r.Ready, nil
}

// CountUnanalyzed returns how many registered children of level still lack a
// complete individual digest. A child counts as analyzed if the provisional
// batch holds a complete digest for it, or if the child is itself a
// finalized digest whose record carries its renderings.
func (ev *Evaluator) CountUnanalyzed(level hierarchy.Level) (int, error) {
	entry, err := ev.store.LoadShadow(level)
	if err != nil {
		return 0, err
	}
	batch, err := ev.store.LoadBatch(level)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range entry.SourceFiles {
		if batch.Get(id).IsComplete() {
			continue
		}
		if _, found, err := ev.store.LoadRegular(id); err != nil {
			return 0, err
		} else if found {
			continue
		}
		count++
	}
	return count, nil
}
