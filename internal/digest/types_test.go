package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopkeeper/internal/hierarchy"
)

func TestDigest_Variants(t *testing.T) {
	p := Pending()
	assert.False(t, p.IsComplete())
	assert.NoError(t, p.Validate())

	c := Completed(Content{
		Type:       "journal",
		Keywords:   []string{"work", "health"},
		Abstract:   "A steady week.",
		Impression: "calm",
		Long:       "Long narrative.",
		Short:      "Short entry.",
	})
	assert.True(t, c.IsComplete())
	assert.NoError(t, c.Validate())
}

func TestDigest_ValidateRejectsMissingRenderings(t *testing.T) {
	missingShort := Completed(Content{Long: "only long"})
	require.Error(t, missingShort.Validate())

	missingLong := Completed(Content{Short: "only short"})
	require.Error(t, missingLong.Validate())
}

func TestProvisionalBatch_PutPreservesOrder(t *testing.T) {
	b := NewProvisionalBatch(hierarchy.Weekly)

	b.Put("loop-0001", Pending())
	b.Put("loop-0002", Completed(Content{Long: "l", Short: "s"}))
	// Resubmission must not duplicate the order slot.
	b.Put("loop-0001", Completed(Content{Long: "l2", Short: "s2"}))

	require.Equal(t, []string{"loop-0001", "loop-0002"}, b.Order)
	assert.True(t, b.Get("loop-0001").IsComplete())
	assert.False(t, b.Get("loop-9999").IsComplete())
}

func TestShadowEntry_HasChild(t *testing.T) {
	s := NewShadowEntry(hierarchy.Monthly)
	s.SourceFiles = []string{"weekly-0001", "weekly-0002"}

	assert.True(t, s.HasChild("weekly-0002"))
	assert.False(t, s.HasChild("weekly-0003"))
	assert.False(t, s.Overall.IsComplete())
}

func TestMasterIndex_AppendAndCount(t *testing.T) {
	idx := NewMasterIndex()
	assert.Equal(t, 0, idx.Count(hierarchy.Weekly))

	idx.Append(hierarchy.Weekly, "weekly-0001")
	idx.Append(hierarchy.Weekly, "weekly-0002")

	assert.Equal(t, 2, idx.Count(hierarchy.Weekly))
	assert.True(t, idx.Contains(hierarchy.Weekly, "weekly-0001"))
	assert.False(t, idx.Contains(hierarchy.Monthly, "weekly-0001"))
	assert.False(t, idx.Metadata.UpdatedAt.IsZero())
	assert.Equal(t, IndexVersion, idx.Metadata.Version)
}
