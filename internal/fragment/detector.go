// Package fragment implements the read-side scan over the whole hierarchy:
// which registered children still lack analysis, which aggregates are
// pending, and which levels are sitting ready for an operator-confirmed
// finalize. It never mutates state.
package fragment

import (
	"time"

	"loopkeeper/internal/cascade"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/store"
)

// LevelReport is the scan result for one level.
type LevelReport struct {
	Level              hierarchy.Level    `json:"level"`
	Position           int                `json:"position"`
	State              cascade.LevelState `json:"state"`
	ChildCount         int                `json:"child_count"`
	Threshold          int                `json:"threshold"`
	AggregatePending   bool               `json:"aggregate_pending"`
	UnanalyzedChildren []string           `json:"unanalyzed_children,omitempty"`
	Ready              bool               `json:"ready"`
	PendingFinalize    bool               `json:"pending_finalize"`
}

// Report is a full hierarchy scan, ordered lowest level first so remediation
// is always suggested bottom-up: a higher level must never finalize while a
// lower level still has unresolved placeholders feeding into it.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Levels      []LevelReport `json:"levels"`
}

// Fragmented reports whether any level holds children without analysis.
func (r *Report) Fragmented() bool {
	for _, l := range r.Levels {
		if len(l.UnanalyzedChildren) > 0 {
			return true
		}
	}
	return false
}

// ReadyLevels returns the levels awaiting operator confirmation, bottom-up.
func (r *Report) ReadyLevels() []hierarchy.Level {
	var out []hierarchy.Level
	for _, l := range r.Levels {
		if l.Ready {
			out = append(out, l.Level)
		}
	}
	return out
}

// PendingFinalizes returns levels with an interrupted finalize on disk.
func (r *Report) PendingFinalizes() []hierarchy.Level {
	var out []hierarchy.Level
	for _, l := range r.Levels {
		if l.PendingFinalize {
			out = append(out, l.Level)
		}
	}
	return out
}

// Detector scans shadow state for incompleteness.
type Detector struct {
	store *store.Store
	reg   *hierarchy.Registry
	ev    *cascade.Evaluator
}

// NewDetector creates a fragmentation detector.
func NewDetector(s *store.Store, reg *hierarchy.Registry) *Detector {
	return &Detector{store: s, reg: reg, ev: cascade.NewEvaluator(s, reg)}
}

// Scan walks every level in ascending order and reports actionable state.
func (d *Detector) Scan() (*Report, error) {
	report := &Report{GeneratedAt: time.Now().UTC()}

	for _, info := range d.reg.Levels() {
		r, err := d.ev.Evaluate(info.Level)
		if err != nil {
			return nil, err
		}
		unanalyzed, err := d.unanalyzedChildren(info.Level)
		if err != nil {
			return nil, err
		}

		report.Levels = append(report.Levels, LevelReport{
			Level:              info.Level,
			Position:           info.Position,
			State:              r.State,
			ChildCount:         r.ChildCount,
			Threshold:          r.Threshold,
			AggregatePending:   r.ChildCount > 0 && !r.OverallComplete,
			UnanalyzedChildren: unanalyzed,
			Ready:              r.Ready,
			PendingFinalize:    r.State == cascade.StateFinalizing,
		})
	}
	return report, nil
}

// unanalyzedChildren lists registered children of level whose individual
// digest is still a placeholder, in registration order.
func (d *Detector) unanalyzedChildren(level hierarchy.Level) ([]string, error) {
	entry, err := d.store.LoadShadow(level)
	if err != nil {
		return nil, err
	}
	batch, err := d.store.LoadBatch(level)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, id := range entry.SourceFiles {
		if batch.Get(id).IsComplete() {
			continue
		}
		if _, found, err := d.store.LoadRegular(id); err != nil {
			return nil, err
		} else if found {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
