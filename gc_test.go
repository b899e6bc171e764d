package mps

import (
	"testing"

	"github.com/ravenmem/mps/format"
	"github.com/ravenmem/mps/refset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*Arena, *AMCPool) {
	t.Helper()
	arena := NewArena(ArenaParams{})
	chain := NewChain(
		GenParams{Capacity: 4096, Mortality: 0.5},
		GenParams{Capacity: 1 << 20, Mortality: 0.2},
	)
	pool, err := NewAMCPool(arena, AMCParams{
		Chain:    chain,
		Format:   newTestFormat(),
		RankSet:  RankSetOf(format.RankExact),
		ExtendBy: 256,
		Pinned:   PinInterior,
	})
	require.NoError(t, err)
	return arena, pool
}

func allocTestObject(t *testing.T, pool *AMCPool, buf *Buffer, ref Address) Address {
	t.Helper()
	size := Size(testObjectWords) * WordSize
	addr, err := pool.Reserve(buf, size)
	require.NoError(t, err)
	newTestObject(addr, ref)
	ok := pool.Commit(buf, addr, size)
	require.True(t, ok, "commit should not race a flip in this test")
	return addr
}

// closeBuffer detaches buf from its segment before a collection. Whiten
// refuses to condemn a segment still fully covered by a live mutator buffer
// that has not yet seen a flip (§4.6, "nothing but the buffer itself"), so
// a test driving a collection immediately after allocating must close its
// buffer first, exactly as a real client would between phases of use.
func closeBuffer(pool *AMCPool, buf *Buffer) {
	pool.DestroyBuffer(buf)
}

func runFullCollection(t *testing.T, arena *Arena) *Trace {
	t.Helper()
	tr, err := TraceCreate(arena)
	require.NoError(t, err)
	require.NoError(t, tr.CondemnRefSet(refset.Univ))
	require.NoError(t, tr.Flip())
	for tr.State() != TraceFinished {
		if _, err := tr.Step(); err != nil {
			require.NoError(t, err)
		}
	}
	return tr
}

// TestAMCCycleMovesReachableObjects verifies that an object reachable from a
// root survives a collection, is relocated (forwarded), and that following
// its outgoing reference after the cycle lands on the new location of its
// referent too.
func TestAMCCycleMovesReachableObjects(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	leaf := allocTestObject(t, pool, buf, 0)
	root := allocTestObject(t, pool, buf, leaf)
	garbage := allocTestObject(t, pool, buf, 0)
	_ = garbage

	table := []Address{root}
	r := NewTableRoot(format.RankExact, table)
	arena.AddRoot(r)

	closeBuffer(pool, buf)
	tr := runFullCollection(t, arena)
	require.NoError(t, tr.Destroy())

	newRoot := table[0]
	assert.NotEqual(t, root, newRoot, "a condemned reachable object must be forwarded, not left in place")
	assert.Greater(t, tr.Forwarded(), Size(0))

	newLeaf := testObjectRef(newRoot)
	assert.NotEqual(t, leaf, newLeaf, "an object reachable only through another moved object must be moved too")

	arena.RemoveRoot(r)
}

// TestAMCCycleReclaimsGarbage checks that an object with no path from any
// root does not survive a collection: its generation's free accounting
// grows, since the segment it shared with the rest of this test's objects
// is nailed by nothing and is freed whole once the reachable object has
// been copied out of it.
func TestAMCCycleReclaimsGarbage(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	root := allocTestObject(t, pool, buf, 0)
	_ = allocTestObject(t, pool, buf, 0) // unreachable once the root table below is installed

	table := []Address{root}
	r := NewTableRoot(format.RankExact, table)
	arena.AddRoot(r)

	closeBuffer(pool, buf)
	freeBefore := pool.FreeSize()
	tr := runFullCollection(t, arena)
	require.NoError(t, tr.Destroy())

	assert.Greater(t, tr.Reclaimed(), Size(0), "the unreachable object's space should have been reclaimed")
	assert.GreaterOrEqual(t, pool.FreeSize(), freeBefore)

	arena.RemoveRoot(r)
}

// TestAMCWeakReferenceSplatted checks that a weak reference to an object
// that dies this cycle is zeroed rather than kept alive, while a weak
// reference to a live object is redirected like any other.
func TestAMCWeakReferenceSplatted(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	live := allocTestObject(t, pool, buf, 0)
	dead := allocTestObject(t, pool, buf, 0)

	strongTable := []Address{live}
	strongRoot := NewTableRoot(format.RankExact, strongTable)
	arena.AddRoot(strongRoot)

	weakTable := []Address{live, dead}
	weakRoot := NewTableRoot(format.RankWeak, weakTable)
	arena.AddRoot(weakRoot)

	closeBuffer(pool, buf)
	tr := runFullCollection(t, arena)
	require.NoError(t, tr.Destroy())

	assert.NotZero(t, weakTable[0], "a weak reference to a surviving object should be redirected, not splatted")
	assert.Zero(t, weakTable[1], "a weak reference to a dead object must be splatted to zero")

	arena.RemoveRoot(strongRoot)
	arena.RemoveRoot(weakRoot)
}

// TestFinalizationReportsOnReclaim exercises the finalization table end to
// end: an object registered with Finalize and then dropped by the mutator
// should produce a MessageFinalization once the collection that reclaims it
// runs.
func TestFinalizationReportsOnReclaim(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	root := allocTestObject(t, pool, buf, 0)
	finalizee := allocTestObject(t, pool, buf, 0)
	require.NoError(t, arena.Finalize(finalizee))

	table := []Address{root}
	r := NewTableRoot(format.RankExact, table)
	arena.AddRoot(r)

	arena.MessageTypeEnable(MessageFinalization)
	closeBuffer(pool, buf)
	tr := runFullCollection(t, arena)
	require.NoError(t, tr.Destroy())

	msg, ok := arena.MessagePoll(MessageFinalization)
	require.True(t, ok, "expected a finalization message after the finalized object was reclaimed")
	assert.Equal(t, finalizee, msg.FinalizationRef)

	arena.RemoveRoot(r)
}

// TestArenaWalkVisitsLiveObjectsOnly checks that Arena.Walk, run after a
// collection, only visits objects still reachable, and that it reports the
// post-move address rather than the pre-move one.
func TestArenaWalkVisitsLiveObjectsOnly(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	root := allocTestObject(t, pool, buf, 0)
	_ = allocTestObject(t, pool, buf, 0)

	table := []Address{root}
	r := NewTableRoot(format.RankExact, table)
	arena.AddRoot(r)

	closeBuffer(pool, buf)
	tr := runFullCollection(t, arena)
	require.NoError(t, tr.Destroy())

	var visited []Address
	err := arena.Walk(func(p Pool, obj Address) error {
		visited = append(visited, obj)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, visited, 1)
	assert.Equal(t, table[0], visited[0])

	arena.RemoveRoot(r)
}

// TestAMCAmbiguousRootPinsObject exercises scenario 2 (§8): an ambiguous
// reference into the middle of an object must pin the whole object in
// place rather than let it move, exercising the interior pin policy and the
// nailed-scan loop.
func TestAMCAmbiguousRootPinsObject(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	obj := allocTestObject(t, pool, buf, 0)
	closeBuffer(pool, buf)

	// Point the ambiguous root at the object's second word (its reference
	// field) rather than its base: PinInterior (configured in newTestPool)
	// must still pin the whole object's extent, not just the exact granule
	// the reference happens to land on.
	interior := obj + WordSize
	table := []Address{interior}
	root := NewTableRoot(format.RankAmbig, table)
	arena.AddRoot(root)

	tr := runFullCollection(t, arena)

	assert.Equal(t, interior, table[0], "an ambiguous reference is never updated by fix, pinned or not")
	assert.Equal(t, Word(testTagLive), *word(obj, 0), "a pinned object must stay in place, not be overwritten by a forwarding marker")
	assert.Zero(t, pool.format.IsMoved(obj), "isMoved must return null for an object preserved in place")
	assert.Greater(t, tr.Preserved(), Size(0), "the pinned segment's bytes should be accounted as preserved in place, not forwarded")
	assert.Zero(t, tr.Forwarded(), "nothing in this test should have been copied")

	require.NoError(t, tr.Destroy())
	arena.RemoveRoot(root)
}

// TestAMCRampDefersSegmentAccounting exercises scenario 5 (§8): allocation
// through a deferred ("hash-array") buffer during a ramp must not count
// toward a generation's condemnation threshold, and ending the ramp must
// fold the deferred bytes back into newSize in one step.
func TestAMCRampDefersSegmentAccounting(t *testing.T) {
	arena := NewArena(ArenaParams{})
	chain := NewChain(
		GenParams{Capacity: 200, Mortality: 0.5},
		GenParams{Capacity: 1 << 20, Mortality: 0.2},
	)
	pool, err := NewAMCPool(arena, AMCParams{
		Chain:    chain,
		Format:   newTestFormat(),
		RankSet:  RankSetOf(format.RankExact),
		ExtendBy: 64,
	})
	require.NoError(t, err)

	nursery := pool.gens[0]
	require.Equal(t, RampOutside, pool.RampMode())

	pool.RampBegin()
	assert.Equal(t, RampRamping, pool.RampMode())

	buf := pool.CreateBuffer(true) // hash-array: deferred regardless of ramp mode
	for i := 0; i < 20; i++ {
		allocTestObject(t, pool, buf, 0)
	}
	closeBuffer(pool, buf)

	assert.False(t, nursery.ShouldCondemn(),
		"deferred allocation during a ramp must not look like it crossed the condemnation threshold")

	pool.RampEnd()
	assert.Equal(t, RampOutside, pool.RampMode(), "a matched RampBegin/RampEnd must return to OUTSIDE")
	assert.True(t, nursery.ShouldCondemn(), "ending the ramp must fold the deferred bytes back into newSize")
}

// TestAMCCommitRaceForcesReReserve exercises scenario 4 (§8): a flip landing
// between a client's Reserve and its matching Commit must make Commit
// return false, forcing the client to re-initialize against a fresh
// reservation rather than publish an object the collector already
// considers unreachable (or already scanned past).
func TestAMCCommitRaceForcesReReserve(t *testing.T) {
	arena, pool := newTestPool(t)
	buf := pool.CreateBuffer(false)

	size := Size(testObjectWords) * WordSize
	addr, err := pool.Reserve(buf, size)
	require.NoError(t, err)
	newTestObject(addr, 0)

	// A flip bumps the arena's epoch while suspending mutators; nothing is
	// condemned here, only the epoch needs to move to race the Commit below.
	tr, err := TraceCreate(arena)
	require.NoError(t, err)
	require.NoError(t, tr.CondemnRefSet(refset.Empty))
	require.NoError(t, tr.Flip())

	ok := pool.Commit(buf, addr, size)
	assert.False(t, ok, "a flip between Reserve and Commit must force the client to re-reserve")

	addr2, err := pool.Reserve(buf, size)
	require.NoError(t, err)
	newTestObject(addr2, 0)
	ok = pool.Commit(buf, addr2, size)
	assert.True(t, ok, "committing against a fresh reservation made after the flip must succeed")

	for tr.State() != TraceFinished {
		if _, err := tr.Step(); err != nil {
			require.NoError(t, err)
		}
	}
	require.NoError(t, tr.Destroy())
}

// TestAMCEmergencyPinsOnForwardingFailure exercises scenario 6 (§8): a
// commit limit tight enough that the forwarding buffer cannot acquire a new
// segment mid-collection must push every trace sharing that scan into
// emergency mode, which nails the remaining live objects in place instead
// of copying them, rather than ever losing or corrupting reachable data.
func TestAMCEmergencyPinsOnForwardingFailure(t *testing.T) {
	arena := NewArena(ArenaParams{CommitLimit: 100})
	chain := NewChain(
		GenParams{Capacity: 4096, Mortality: 0.5},
		GenParams{Capacity: 1 << 20, Mortality: 0.2},
	)
	pool, err := NewAMCPool(arena, AMCParams{
		Chain:    chain,
		Format:   newTestFormat(),
		RankSet:  RankSetOf(format.RankExact),
		ExtendBy: 64,
		Pinned:   PinInterior,
	})
	require.NoError(t, err)

	buf := pool.CreateBuffer(false)
	root := allocTestObject(t, pool, buf, 0)
	_ = allocTestObject(t, pool, buf, 0) // unreachable garbage sharing the same segment
	closeBuffer(pool, buf)

	table := []Address{root}
	r := NewTableRoot(format.RankExact, table)
	arena.AddRoot(r)

	tr := runFullCollection(t, arena)
	require.NoError(t, tr.Destroy())

	assert.True(t, tr.IsEmergency(), "exhausting the forwarding buffer's commit limit must push the trace into emergency mode")
	assert.Equal(t, root, table[0], "a pinned root must stay in place rather than be forwarded")
	assert.Equal(t, Word(testTagLive), *word(root, 0), "the root object must survive untouched, not overwritten by a forwarding marker")
	assert.Greater(t, tr.Preserved(), Size(0), "the nailed segment's bytes should be accounted as preserved in place")

	arena.RemoveRoot(r)
}

// TestArenaCommitLimitRejectsOversizedSegment checks that a configured
// commit limit is actually enforced, and that the resulting error wraps
// ResRESOURCE and names the commit limit.
func TestArenaCommitLimitRejectsOversizedSegment(t *testing.T) {
	arena := NewArena(ArenaParams{CommitLimit: 128})
	chain := NewChain(GenParams{Capacity: 4096, Mortality: 0.5})
	pool, err := NewAMCPool(arena, AMCParams{
		Chain:    chain,
		Format:   newTestFormat(),
		RankSet:  RankSetOf(format.RankExact),
		ExtendBy: 4096,
	})
	require.NoError(t, err)

	buf := pool.CreateBuffer(false)
	_, err = pool.Reserve(buf, Size(testObjectWords)*WordSize)
	require.Error(t, err)
	assert.ErrorIs(t, err, ResRESOURCE)
	assert.Contains(t, err.Error(), "commit limit")
}
