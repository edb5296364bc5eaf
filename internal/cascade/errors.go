package cascade

import (
	"fmt"
	"strings"

	"loopkeeper/internal/hierarchy"
)

// NotReadyError reports a finalize attempted on a level that does not meet
// its readiness conditions. Nothing has changed; the caller should add more
// children or complete the aggregate analysis and try again.
type NotReadyError struct {
	Level  hierarchy.Level
	Reason string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("level %s is not ready to finalize: %s", e.Level, e.Reason)
}

// InvalidTitleError reports a finalize title that is empty or not safe to
// embed in a file name.
type InvalidTitleError struct {
	Title  string
	Reason string
}

func (e *InvalidTitleError) Error() string {
	return fmt.Sprintf("invalid title %q: %s", e.Title, e.Reason)
}

// PartialFinalizeError reports an interrupted finalize whose intermediate
// artifacts exist without the terminal cleanup. It must be resolved by
// resuming from the last completed step, never by starting a fresh finalize
// with a new sequence number.
type PartialFinalizeError struct {
	Level    hierarchy.Level
	OpID     string
	Seq      int
	DigestID string
	Done     []string
	Reason   string
}

func (e *PartialFinalizeError) Error() string {
	done := "none"
	if len(e.Done) > 0 {
		done = strings.Join(e.Done, ",")
	}
	return fmt.Sprintf("finalize of %s (seq %d, digest %s) is incomplete [done: %s]: %s",
		e.Level, e.Seq, e.DigestID, done, e.Reason)
}

// titleIllegalChars are rejected because titles are embedded in generated
// identifiers and report lines that may end up in file names.
const titleIllegalChars = `/\:*?"<>|`

// ValidateTitle checks a finalize title for non-emptiness and
// filesystem-safe characters.
func ValidateTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return &InvalidTitleError{Title: title, Reason: "title must not be empty"}
	}
	if len(trimmed) > 200 {
		return &InvalidTitleError{Title: title, Reason: "title exceeds 200 characters"}
	}
	if i := strings.IndexAny(trimmed, titleIllegalChars); i >= 0 {
		return &InvalidTitleError{Title: title, Reason: fmt.Sprintf("illegal character %q", trimmed[i])}
	}
	for _, r := range trimmed {
		if r < 0x20 || r == 0x7f {
			return &InvalidTitleError{Title: title, Reason: "control characters are not allowed"}
		}
	}
	return nil
}
