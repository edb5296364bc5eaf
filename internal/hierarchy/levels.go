// Package hierarchy defines the fixed eight-layer digest hierarchy.
// Level 1 (weekly) consumes raw Loop files; every higher level consumes the
// finalized digests of the level directly below it. The table is immutable:
// positions, thresholds and prefixes never change at runtime, so a Registry
// can be shared across goroutines without synchronization.
package hierarchy

import (
	"fmt"
	"strings"
)

// Level identifies one layer of the digest hierarchy.
type Level string

const (
	Weekly       Level = "weekly"
	Monthly      Level = "monthly"
	Quarterly    Level = "quarterly"
	Semiannual   Level = "semiannual"
	Yearly       Level = "yearly"
	Quinquennial Level = "quinquennial"
	Decadal      Level = "decadal"
	Centurial    Level = "centurial"
)

// Info describes one level's static properties.
type Info struct {
	Level     Level
	Position  int    // 1-based position, weekly=1 .. centurial=8
	Threshold int    // minimum accumulated children before finalize is eligible
	Prefix    string // file-name and id prefix for finalized digests
}

// ordered is the single source of truth for the hierarchy.
// Thresholds are the natural calendar fan-in of each layer: 7 loops per week,
// 4 weeks per month, and so on up to 10 decades per century.
var ordered = []Info{
	{Weekly, 1, 7, "weekly"},
	{Monthly, 2, 4, "monthly"},
	{Quarterly, 3, 3, "quarterly"},
	{Semiannual, 4, 2, "semiannual"},
	{Yearly, 5, 2, "yearly"},
	{Quinquennial, 6, 5, "quinquennial"},
	{Decadal, 7, 2, "decadal"},
	{Centurial, 8, 10, "centurial"},
}

// UnknownLevelError reports a level identifier outside the fixed set.
// This is a programmer error: level names never come from user data.
type UnknownLevelError struct {
	Level Level
}

func (e *UnknownLevelError) Error() string {
	return fmt.Sprintf("unknown hierarchy level %q", string(e.Level))
}

// Registry answers static questions about the hierarchy.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	byLevel map[Level]Info
}

// NewRegistry builds the shared read-only registry.
func NewRegistry() *Registry {
	m := make(map[Level]Info, len(ordered))
	for _, info := range ordered {
		m[info.Level] = info
	}
	return &Registry{byLevel: m}
}

// Levels returns all levels in ascending position order.
func (r *Registry) Levels() []Info {
	out := make([]Info, len(ordered))
	copy(out, ordered)
	return out
}

// Info returns the static properties of level.
func (r *Registry) Info(level Level) (Info, error) {
	info, ok := r.byLevel[level]
	if !ok {
		return Info{}, &UnknownLevelError{Level: level}
	}
	return info, nil
}

// Threshold returns the finalize threshold of level.
func (r *Registry) Threshold(level Level) (int, error) {
	info, err := r.Info(level)
	if err != nil {
		return 0, err
	}
	return info.Threshold, nil
}

// Next returns the level directly above level, or ok=false for centurial,
// which finalizes into the master index only.
func (r *Registry) Next(level Level) (Level, bool, error) {
	info, err := r.Info(level)
	if err != nil {
		return "", false, err
	}
	if info.Position == len(ordered) {
		return "", false, nil
	}
	return ordered[info.Position].Level, true, nil
}

// Prev returns the level directly below level, or ok=false for weekly,
// whose children are raw Loop files rather than digests.
func (r *Registry) Prev(level Level) (Level, bool, error) {
	info, err := r.Info(level)
	if err != nil {
		return "", false, err
	}
	if info.Position == 1 {
		return "", false, nil
	}
	return ordered[info.Position-2].Level, true, nil
}

// DigestID builds the identifier of the seq-th finalized digest of level,
// e.g. "weekly-0003". Sequence numbers start at 1.
func (r *Registry) DigestID(level Level, seq int) (string, error) {
	info, err := r.Info(level)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", info.Prefix, seq), nil
}

// Parse resolves a level name, accepting any casing.
func (r *Registry) Parse(name string) (Level, error) {
	level := Level(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := r.byLevel[level]; !ok {
		return "", &UnknownLevelError{Level: level}
	}
	return level, nil
}
