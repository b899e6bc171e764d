package mps

import (
	"github.com/ravenmem/mps/nailboard"
	"github.com/ravenmem/mps/refset"
	"github.com/ravenmem/mps/shield"
)

// Segment is a contiguous aligned range of memory owned by a single pool.
//
// Invariant: if a trace t is flipped and this segment is grey for t, either
// ModeRead is raised on it or it is nailed for t; its summary is always a
// superset of the post-fix summary of the references it actually contains,
// unless ModeWrite is raised, in which case the summary may be universal.
type Segment struct {
	pool  Pool
	gen   *Generation
	base  Address
	limit Address

	rankSet RankSet
	summary refset.Set

	grey   TraceSet
	white  TraceSet
	nailed TraceSet

	shieldMode shield.Mode
	buffer     *Buffer
	board      *nailboard.Board

	// deferred segments do not contribute to their generation's newSize
	// accounting yet, either because they were allocated by a ramping
	// generation's redirected forwarding buffer, or through a hash-array
	// allocation point created with the deferred keyword option.
	deferred bool
}

// Base and Limit return the segment's extent.
func (s *Segment) Base() Address  { return s.base }
func (s *Segment) Limit() Address { return s.limit }
func (s *Segment) Size() Size     { return s.limit - s.base }

// Pool returns the pool that owns this segment.
func (s *Segment) Pool() Pool { return s.pool }

// IsWhite reports whether the segment is condemned for trace id.
func (s *Segment) IsWhite(id TraceID) bool { return s.white.Has(id) }

// IsGrey reports whether the segment is grey (reachable, unscanned) for id.
func (s *Segment) IsGrey(id TraceID) bool { return s.grey.Has(id) }

// IsNailed reports whether id has pinned this segment.
func (s *Segment) IsNailed(id TraceID) bool { return s.nailed.Has(id) }

// Summary returns the segment's current zone-set summary.
func (s *Segment) Summary() refset.Set { return s.summary }

// SetSummary installs a freshly computed summary, replacing the old one.
// Used after a nailed multi-pass scan, where the working summary computed
// during scanning no longer decomposes cleanly into fixed/unfixed parts.
func (s *Segment) SetSummary(sum refset.Set) { s.summary = sum }

// whiten adds trace id to this segment's white set. Called by a pool's
// Whiten once it has decided the segment may be condemned.
func (s *Segment) whiten(id TraceID) { s.white = s.white.With(id) }

// grayFor adds trace id to this segment's grey set.
func (s *Segment) grayFor(id TraceID) { s.grey = s.grey.With(id) }

// blacken removes trace id from this segment's grey set once it has been
// fully scanned for that trace. Once the segment is grey for no flipped
// trace at all, the read barrier protecting it serves no further purpose
// and is lowered.
func (s *Segment) blacken(id TraceID) {
	s.grey = s.grey.Without(id)
	if s.grey.IsEmpty() {
		s.shieldMode &^= shield.ModeRead
	}
}

// unwhiten removes trace id from the white set, once it has been reclaimed.
func (s *Segment) unwhiten(id TraceID) { s.white = s.white.Without(id) }

// ensureBoard creates a nailboard for this segment if it does not have one
// yet. It is invalid to call this if the segment is already nailed without
// one; the fix protocol must detect that case and pin conservatively
// instead of calling this (§8, "creating a nailboard when already nailed
// without a board is forbidden").
func (s *Segment) ensureBoard(align Size) *nailboard.Board {
	assertf(s.board != nil || s.nailed.IsEmpty(), "segment nailed without a board")
	if s.board == nil {
		s.board = nailboard.New(s.base, s.limit, align)
	}
	return s.board
}

// destroyBoard discards the segment's nailboard, once no trace needs it any
// more.
func (s *Segment) destroyBoard() { s.board = nil }

// Buffer is a bump-allocator view into a segment. Addresses always satisfy
// base <= scanLimit <= init <= alloc <= limit (§8 invariant 9): init
// separates memory the client has initialized from memory it has not yet
// touched, and scanLimit marks how far the collector has already observed.
type Buffer struct {
	seg *Segment

	base      Address
	scanLimit Address
	init      Address
	alloc     Address
	limit     Address

	// forwarding marks a buffer used by the collector itself to copy
	// objects into the next generation, as opposed to a mutator allocation
	// point.
	forwarding bool

	// targetGen is the generation new segments backing this buffer are
	// assigned to.
	targetGen *Generation

	// deferred marks a hash-array allocation point (a keyword option at
	// buffer creation): segments it creates start deferred regardless of
	// ramp state.
	deferred bool

	// epoch captures the arena's flip epoch at the time of the last
	// Reserve, so Commit can detect a flip happened in between and fail.
	epoch uint64
}

// Segment returns the segment currently backing this buffer, or nil if it
// has none attached.
func (b *Buffer) Segment() *Segment { return b.seg }

// Reserved returns [init, limit): everything past the last successful
// Commit, which covers any reservation not yet committed together with the
// buffer's unallocated tail.
func (b *Buffer) Reserved() (base, limit Address) { return b.init, b.limit }
