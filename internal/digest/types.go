// Package digest defines the persisted record types of the loop hierarchy:
// individual digests (pending or complete), per-level shadow entries,
// provisional batches, finalized regular digests, and the master index.
package digest

import (
	"fmt"
	"time"

	"loopkeeper/internal/hierarchy"
)

// Content is the analyzed body of a digest. Long is the rendering used inside
// the owning level's aggregate narrative; Short is the rendering handed up as
// one child entry of the next level.
type Content struct {
	Type       string   `json:"type"`
	Keywords   []string `json:"keywords"`
	Abstract   string   `json:"abstract"`
	Impression string   `json:"impression"`
	Long       string   `json:"long"`
	Short      string   `json:"short"`
}

// Digest is a two-variant value: pending (not yet analyzed) or complete.
// A nil Content means pending; there is no sentinel string to check for.
type Digest struct {
	Content *Content `json:"content,omitempty"`
}

// Pending returns the unanalyzed variant.
func Pending() Digest {
	return Digest{}
}

// Completed wraps analyzed content into the complete variant.
func Completed(c Content) Digest {
	return Digest{Content: &c}
}

// IsComplete reports whether the digest has been analyzed.
func (d Digest) IsComplete() bool {
	return d.Content != nil
}

// Validate checks that a digest claimed complete actually carries both
// renderings. Pending digests are always valid.
func (d Digest) Validate() error {
	if d.Content == nil {
		return nil
	}
	return d.Content.Validate()
}

// Validate checks that analyzed content carries both renderings.
func (c *Content) Validate() error {
	if c.Long == "" {
		return fmt.Errorf("complete digest missing long rendering")
	}
	if c.Short == "" {
		return fmt.Errorf("complete digest missing short rendering")
	}
	return nil
}

// NarrativeInput is one short-form child digest seeded into a level's shadow
// when the level below finalizes. The analyst reads these when producing the
// level's aggregate narrative.
type NarrativeInput struct {
	ChildID string  `json:"child_id"`
	Content Content `json:"content"`
}

// ShadowEntry is a level's pending aggregate state. Exactly one exists per
// level at all times; an absent record on disk reads back as the empty entry.
type ShadowEntry struct {
	Level       hierarchy.Level  `json:"level"`
	SourceFiles []string         `json:"source_files"`
	Inputs      []NarrativeInput `json:"narrative_inputs,omitempty"`
	Overall     Digest           `json:"overall_digest"`
	UpdatedAt   time.Time        `json:"updated_at"`

	// Rev is the optimistic-concurrency revision; bumped on every save.
	Rev int `json:"rev"`
}

// NewShadowEntry returns the empty shadow for level.
func NewShadowEntry(level hierarchy.Level) *ShadowEntry {
	return &ShadowEntry{Level: level, Overall: Pending()}
}

// HasChild reports whether id is already registered.
func (s *ShadowEntry) HasChild(id string) bool {
	for _, existing := range s.SourceFiles {
		if existing == id {
			return true
		}
	}
	return false
}

// ProvisionalBatch accumulates the individual digests of a level's children
// between "child analyzed" and "level finalized". Order preserves submission
// order; Entries is keyed by child id. The batch is deleted once its short
// forms have been merged into the next level's shadow.
type ProvisionalBatch struct {
	Level   hierarchy.Level   `json:"level"`
	Order   []string          `json:"order"`
	Entries map[string]Digest `json:"entries"`
	Rev     int               `json:"rev"`
}

// NewProvisionalBatch returns the empty batch for level.
func NewProvisionalBatch(level hierarchy.Level) *ProvisionalBatch {
	return &ProvisionalBatch{Level: level, Entries: make(map[string]Digest)}
}

// Put stores a child digest, preserving first-submission order.
func (b *ProvisionalBatch) Put(childID string, d Digest) {
	if b.Entries == nil {
		b.Entries = make(map[string]Digest)
	}
	if _, exists := b.Entries[childID]; !exists {
		b.Order = append(b.Order, childID)
	}
	b.Entries[childID] = d
}

// Get returns the stored digest for childID, pending if never submitted.
func (b *ProvisionalBatch) Get(childID string) Digest {
	if b.Entries == nil {
		return Pending()
	}
	d, ok := b.Entries[childID]
	if !ok {
		return Pending()
	}
	return d
}

// RegularDigest is the immutable finalized artifact for one level instance.
type RegularDigest struct {
	ID        string          `json:"id"`
	Level     hierarchy.Level `json:"level"`
	Seq       int             `json:"seq"`
	Title     string          `json:"title"`
	Content   Content         `json:"content"`
	Children  []string        `json:"children"`
	CreatedAt time.Time       `json:"created_at"`
}

// IndexVersion is the current master index format version.
const IndexVersion = 1

// IndexMetadata carries master index bookkeeping.
type IndexMetadata struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MasterIndex is the append-only ledger of every finalized digest, one
// ordered id list per level. It is mutated only by finalize transitions.
type MasterIndex struct {
	Metadata IndexMetadata               `json:"metadata"`
	Levels   map[hierarchy.Level][]string `json:"levels"`
	Rev      int                          `json:"rev"`
}

// NewMasterIndex returns an empty index at the current format version.
func NewMasterIndex() *MasterIndex {
	return &MasterIndex{
		Metadata: IndexMetadata{Version: IndexVersion},
		Levels:   make(map[hierarchy.Level][]string),
	}
}

// Count returns how many digests of level have been finalized.
func (m *MasterIndex) Count(level hierarchy.Level) int {
	return len(m.Levels[level])
}

// Contains reports whether id was already appended for level.
func (m *MasterIndex) Contains(level hierarchy.Level, id string) bool {
	for _, existing := range m.Levels[level] {
		if existing == id {
			return true
		}
	}
	return false
}

// Append records a newly finalized digest id for level.
func (m *MasterIndex) Append(level hierarchy.Level, id string) {
	if m.Levels == nil {
		m.Levels = make(map[hierarchy.Level][]string)
	}
	m.Levels[level] = append(m.Levels[level], id)
	m.Metadata.UpdatedAt = time.Now().UTC()
}
