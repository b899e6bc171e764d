package mps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransformRetargetsFinalizedAddress checks that a Transform's batch of
// old->new pairs retargets matching entries in the finalization table, and
// leaves non-matching entries untouched.
func TestTransformRetargetsFinalizedAddress(t *testing.T) {
	arena := NewArena(ArenaParams{})

	var old, moved, untouched Address = 0x1000, 0x2000, 0x3000
	require.NoError(t, arena.Finalize(old))
	require.NoError(t, arena.Finalize(untouched))

	tr := NewTransform(arena)
	tr.Add(old, moved)
	require.NoError(t, tr.Apply())

	_, stillOld := arena.finalized[old]
	assert.False(t, stillOld, "old address should no longer be registered after Apply")

	_, nowMoved := arena.finalized[moved]
	assert.True(t, nowMoved, "new address should be registered in place of the old one")

	_, stillThere := arena.finalized[untouched]
	assert.True(t, stillThere, "an address not named by the transform must be left alone")
}

// TestTransformDestroyDiscardsWithoutApplying checks that Destroy drops the
// batch rather than applying it.
func TestTransformDestroyDiscardsWithoutApplying(t *testing.T) {
	arena := NewArena(ArenaParams{})

	var old Address = 0x1000
	require.NoError(t, arena.Finalize(old))

	tr := NewTransform(arena)
	tr.Add(old, 0x2000)
	tr.Destroy()

	_, stillThere := arena.finalized[old]
	assert.True(t, stillThere, "Destroy must not apply the batch it discards")
}
