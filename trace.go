package mps

import (
	"errors"
	"math"

	"github.com/ravenmem/mps/format"
	"github.com/ravenmem/mps/refset"
	"github.com/ravenmem/mps/shield"
)

// TraceState is a trace's position in the collection-cycle state machine:
//
//	INIT -> UNFLIPPED -> FLIPPED -> RECLAIM -> FINISHED
//
// UNFLIPPED exists transiently inside Flip; nothing outside the package
// currently observes a trace sitting in it, since this design does not
// implement the concurrent read-barrier scanning that would make pausing
// there meaningful (§4.4).
type TraceState int

const (
	TraceInit TraceState = iota
	TraceUnflipped
	TraceFlipped
	TraceReclaim
	TraceFinished
)

func (s TraceState) String() string {
	switch s {
	case TraceInit:
		return "INIT"
	case TraceUnflipped:
		return "UNFLIPPED"
	case TraceFlipped:
		return "FLIPPED"
	case TraceReclaim:
		return "RECLAIM"
	case TraceFinished:
		return "FINISHED"
	default:
		return "TraceState(?)"
	}
}

// Trace is a single collection cycle.
type Trace struct {
	arena *Arena
	id    TraceID
	state TraceState

	white   refset.Set
	mayMove refset.Set

	condemned  Size
	foundation Size
	forwarded  Size
	preserved  Size
	reclaimed  Size

	rate Size

	emergency bool
}

// TraceCreate allocates a free trace slot on the arena and returns a new
// Trace in state INIT. It fails with ResLIMIT if every slot is busy.
func TraceCreate(a *Arena) (*Trace, error) {
	for id := TraceID(0); id < TraceMax; id++ {
		if a.traces[id] == nil {
			t := &Trace{arena: a, id: id, state: TraceInit}
			a.traces[id] = t
			a.busy = a.busy.With(id)
			return t, nil
		}
	}
	return nil, ResLIMIT
}

// Destroy frees the trace's slot. It is only valid once the trace has
// reached FINISHED.
func (t *Trace) Destroy() error {
	if t.state != TraceFinished {
		return ResPARAM
	}
	t.arena.traces[t.id] = nil
	t.arena.busy = t.arena.busy.Without(t.id)
	t.arena.flipped = t.arena.flipped.Without(t.id)
	return nil
}

// ID and State expose the trace's identity and current position in the
// state machine.
func (t *Trace) ID() TraceID        { return t.id }
func (t *Trace) State() TraceState  { return t.state }
func (t *Trace) IsEmergency() bool  { return t.emergency }
func (t *Trace) Condemned() Size    { return t.condemned }
func (t *Trace) Forwarded() Size    { return t.forwarded }
func (t *Trace) Preserved() Size    { return t.preserved }
func (t *Trace) Reclaimed() Size    { return t.reclaimed }

// CondemnRefSet computes the condemned set for this trace: every segment
// whose zone summary is a subset of set, belonging to a GC-attributed pool,
// is whitened. The pool decides whether it can actually be condemned (e.g.
// AMC refuses a segment still fully covered by a live mutator buffer) and,
// if moving, adds itself to mayMove.
func (t *Trace) CondemnRefSet(set refset.Set) error {
	if t.state != TraceInit {
		return ResPARAM
	}
	for _, seg := range t.arena.segTable {
		if !refset.IsSubset(seg.Summary(), set) {
			continue
		}
		if err := seg.pool.Whiten(t, seg); err != nil {
			return err
		}
	}
	return nil
}

// whitenSegment is called by a Pool's Whiten once it accepts condemning
// seg: it records the segment as white for t, folds its size into
// t.condemned, and — if moving — extends t.mayMove to cover it. openSpan
// excludes the portion of the segment still owned by a live, not-yet-empty
// allocation buffer from the condemned accounting; AMCPool.emptyBuffer adds
// that same span back in once the buffer detaches, so the two additions
// sum to exactly seg.Size() rather than double-counting it.
func (t *Trace) whitenSegment(seg *Segment, moving bool, openSpan Size) {
	seg.whiten(t.id)
	t.white = refset.Union(t.white, refset.OfRange(t.arena.zoneShift, seg.base, seg.limit))
	t.condemned += seg.Size() - openSpan
	if moving {
		t.mayMove = refset.Union(t.mayMove, refset.OfRange(t.arena.zoneShift, seg.base, seg.limit))
	}
}

// Flip suspends mutator threads, makes every live allocation buffer either
// observe the post-flip world or fail its next commit, ages location
// dependencies, scans roots at ranks AMBIG then EXACT, raises read
// protection on every segment left grey, and resumes mutator threads
// (§4.4).
func (t *Trace) Flip() error {
	if t.state != TraceInit {
		return ResPARAM
	}
	t.state = TraceUnflipped

	if err := t.arena.platform.SuspendAll(); err != nil {
		return err
	}

	// foundation is the work already known about at flip time: everything
	// CondemnRefSet folded into t.condemned before this call. EstimateRate
	// adds the expected survivors of that work on top of it to pace scanning.
	t.foundation = t.condemned

	t.arena.epochStore(t.arena.epochLoad() + 1)
	t.arena.LDAge(t.mayMove)

	// Trip every open buffer: scanLimit becomes "how far the collector has
	// observed this buffer's contents as of this flip", which is what a
	// later Whiten compares against to decide whether a still-allocating
	// segment holds anything worth condemning (§4.6, "nothing but the
	// buffer itself").
	for _, seg := range t.arena.segTable {
		if buf := seg.buffer; buf != nil {
			buf.scanLimit = buf.init
		}
	}

	for _, rank := range [...]format.Rank{format.RankAmbig, format.RankExact} {
		for _, root := range t.arena.roots {
			if root.rank != rank {
				continue
			}
			if err := t.scanRootFlip(root, rank); err != nil {
				_ = t.arena.platform.ResumeAll()
				return err
			}
		}
	}

	for _, seg := range t.arena.segTable {
		if seg.IsGrey(t.id) {
			seg.shieldMode |= shield.ModeRead
			if err := t.arena.platform.Protect(seg.base, seg.limit, seg.shieldMode); err != nil {
				_ = t.arena.platform.ResumeAll()
				return err
			}
		}
	}

	t.arena.flipped = t.arena.flipped.With(t.id)
	t.state = TraceFlipped
	t.gcMessage(MessageGCStart, "condemn")

	return t.arena.platform.ResumeAll()
}

// scanRootFlip scans one root during Flip, retrying once in emergency
// (pin-only) mode if the first attempt fails because a forwarding buffer
// could not be refilled. A Reserve failure inside forwardCopy happens
// before anything is copied, committed or forwarded, so nothing fixed
// before the failure has been mutated; redoing the whole root from scratch
// under fixEmergency costs nothing and loses no work — entries the first
// pass already forwarded now point at a non-white segment and are left
// alone, the rest get pinned instead of copied.
func (t *Trace) scanRootFlip(root *Root, rank format.Rank) error {
	ss := newScanState(t.arena, TraceSetOf(t.id), rank)
	err := root.scanner(ss.Fix)
	if err == nil {
		return nil
	}
	if err := t.onScanFailure(err); err != nil {
		return err
	}
	ss = newScanState(t.arena, TraceSetOf(t.id), rank)
	return root.scanner(ss.Fix)
}

// scanSegment scans seg on behalf of t, at whichever rank its pool reports
// for the segment, and blackens it if fully scanned.
func (t *Trace) scanSegment(seg *Segment) (bool, error) {
	rank := format.RankExact
	if !seg.rankSet.Has(format.RankExact) && seg.rankSet.Has(format.RankAmbig) {
		rank = format.RankAmbig
	}
	ss := newScanState(t.arena, TraceSetOf(t.id), rank)
	// Clear seg's grey bit for the duration of the scan rather than only
	// after it: forwarding an object into seg itself (seg backs the
	// forwarding buffer being scanned) greys seg again, and that copy must be
	// left for a later pass instead of being lost to blacken.
	seg.grey = seg.grey.Without(t.id)
	done, err := seg.pool.Scan(ss, seg)
	if err != nil {
		seg.grayFor(t.id)
		return false, err
	}
	if !done || seg.IsGrey(t.id) {
		seg.grayFor(t.id)
		return done, nil
	}
	seg.blacken(t.id)
	return done, nil
}

// scanWeakRoots fixes every weak-rank root once every grey segment has been
// scanned and the trace's live set is therefore fully known: only at this
// point can a weak reference be correctly judged dead, rather than merely
// not-yet-discovered. Flip itself only scans roots "at ranks AMBIG then
// EXACT" (§4.4); WEAK is deliberately held back until grey is exhausted.
func (t *Trace) scanWeakRoots() error {
	ss := newScanState(t.arena, TraceSetOf(t.id), format.RankWeak)
	for _, root := range t.arena.roots {
		if root.rank != format.RankWeak {
			continue
		}
		if err := root.scanner(ss.Fix); err != nil {
			return err
		}
	}
	return nil
}

// findGreySegment returns the grey segment this trace should scan next:
// the lowest-ranked kind of grey work outstanding, with ties (segments of
// the same rank) broken by ring (segment-table) order.
func (t *Trace) findGreySegment() *Segment {
	var best *Segment
	bestRank := format.Rank(math.MaxInt32)
	for _, seg := range t.arena.segTable {
		if !seg.IsGrey(t.id) {
			continue
		}
		rank := minRank(seg.rankSet)
		if best == nil || rank < bestRank {
			best, bestRank = seg, rank
		}
	}
	return best
}

func minRank(rs RankSet) format.Rank {
	for _, r := range [...]format.Rank{format.RankAmbig, format.RankExact, format.RankWeak} {
		if rs.Has(r) {
			return r
		}
	}
	return format.RankExact
}

// Step advances the trace by one unit of work: scanning a grey segment
// while FLIPPED, or reclaiming a white segment while RECLAIM. It reports
// whether the trace made a state transition (FLIPPED->RECLAIM or
// RECLAIM->FINISHED) this call.
func (t *Trace) Step() (advanced bool, err error) {
	switch t.state {
	case TraceFlipped:
		seg := t.findGreySegment()
		if seg == nil {
			if err := t.scanWeakRoots(); err != nil {
				return false, t.onScanFailure(err)
			}
			t.state = TraceReclaim
			return true, nil
		}
		if _, err := t.scanSegment(seg); err != nil {
			return false, t.onScanFailure(err)
		}
		return false, nil

	case TraceReclaim:
		white := make([]*Segment, 0)
		for _, seg := range t.arena.segTable {
			if seg.IsWhite(t.id) {
				white = append(white, seg)
			}
		}
		for _, seg := range white {
			if err := seg.pool.Reclaim(t, seg); err != nil {
				return false, err
			}
		}
		t.state = TraceFinished
		t.gcMessage(MessageGCEnd, "reclaim")
		return true, nil

	default:
		return false, ResPARAM
	}
}

// onScanFailure is called when a scan fails, typically because a forwarding
// buffer could not be refilled. It puts every trace sharing the scan into
// emergency mode and lets the next Step retry with the pin-only fix
// function instead of propagating the failure, unless the underlying error
// is a contract violation rather than a resource condition.
func (t *Trace) onScanFailure(err error) error {
	var res Res
	if !errors.As(err, &res) || !IsAllocFailure(res) {
		return err
	}
	t.emergency = true
	return nil
}

// Expedite drives the trace all the way to FINISHED in emergency mode,
// pinning rather than forwarding for the remainder of the cycle. It is for
// a caller that needs the trace done right now regardless of pause-time
// budget. CollectFull does not use it: it steps its trace to FINISHED with
// the ordinary (copying) fix.
func (t *Trace) Expedite() error {
	t.emergency = true
	for t.state != TraceFinished {
		if _, err := t.Step(); err != nil {
			return err
		}
	}
	return nil
}

// EstimateRate computes the number of bytes of scan work this trace should
// perform per poll: expected total work (foundation plus expected
// survivors) spread over finishingWork/pollInterval polls (at least one),
// plus one. The arena's PauseTime is not an input.
func (t *Trace) EstimateRate(pollInterval Size, expectedSurvivors Size) Size {
	finishingWork := t.foundation + expectedSurvivors
	polls := Size(1)
	if pollInterval > 0 {
		polls = finishingWork / pollInterval
		if polls == 0 {
			polls = 1
		}
	}
	t.rate = finishingWork/polls + 1
	return t.rate
}

// expectedSurvivors estimates how many bytes of the condemned set this
// trace has not yet scanned are expected to still be alive, weighting each
// white segment's remaining size by its own generation's configured
// mortality (§3, §4.4). A segment whose pool is not an AMCPool (there is
// only one pool class in this design, but a hand-rolled stub could exist in
// a test) contributes its full size, the conservative assumption.
func (t *Trace) expectedSurvivors() Size {
	var total Size
	for _, seg := range t.arena.segTable {
		if !seg.IsWhite(t.id) || !seg.IsGrey(t.id) {
			continue
		}
		survival := 1.0
		if _, ok := seg.pool.(*AMCPool); ok && seg.gen != nil {
			mortality := seg.gen.Mortality()
			if mortality < 0 {
				mortality = 0
			} else if mortality > 1 {
				mortality = 1
			}
			survival = 1 - mortality
		}
		total += Size(float64(seg.Size()) * survival)
	}
	return total
}

// pollStep drives this FLIPPED trace by one paced unit of work: it scans
// grey segments, in findGreySegment order, until it has covered at least
// EstimateRate's bytes or run out of grey segments (in which case it scans
// weak roots and transitions to RECLAIM, same as Step). It is the bounded
// counterpart to calling Step in a loop to completion; Arena.Poll calls it
// once per allocation-path poll rather than draining the whole trace.
func (t *Trace) pollStep(pollInterval Size) error {
	rate := t.EstimateRate(pollInterval, t.expectedSurvivors())
	var scanned Size
	for scanned < rate {
		seg := t.findGreySegment()
		if seg == nil {
			if err := t.scanWeakRoots(); err != nil {
				return t.onScanFailure(err)
			}
			t.state = TraceReclaim
			return nil
		}
		size := seg.Size()
		if _, err := t.scanSegment(seg); err != nil {
			return t.onScanFailure(err)
		}
		scanned += size
	}
	return nil
}
