package digest

import (
	"time"

	"loopkeeper/internal/hierarchy"
)

// Finalize transition steps, journaled in completion order so an interrupted
// run can resume from the first step not yet recorded.
const (
	StepRegularWritten = "regular_written" // RegularDigest persisted
	StepIndexAppended  = "index_appended"  // master index entry appended
	StepNextSeeded     = "next_seeded"     // next level's shadow merged
	StepBatchDeleted   = "batch_deleted"   // provisional batch removed
	StepShadowCleared  = "shadow_cleared"  // this level's shadow reset
)

// FinalizeJournal is the durable progress record of one finalize transition.
// It is written before the first mutation and deleted after the last, so its
// mere presence on disk means a finalize is in flight (or was interrupted).
type FinalizeJournal struct {
	OpID      string          `json:"op_id"`
	Level     hierarchy.Level `json:"level"`
	Seq       int             `json:"seq"`
	DigestID  string          `json:"digest_id"`
	Title     string          `json:"title"`
	Children  []string        `json:"children"`
	Done      []string        `json:"done"`
	StartedAt time.Time       `json:"started_at"`
}

// StepDone reports whether step has been recorded as completed.
func (j *FinalizeJournal) StepDone(step string) bool {
	for _, done := range j.Done {
		if done == step {
			return true
		}
	}
	return false
}

// MarkDone records step as completed, once.
func (j *FinalizeJournal) MarkDone(step string) {
	if !j.StepDone(step) {
		j.Done = append(j.Done, step)
	}
}
