package mps

import (
	"sort"

	"github.com/ravenmem/mps/format"
	"github.com/ravenmem/mps/nailboard"
	"github.com/ravenmem/mps/refset"
)

// PinPolicy selects how an AMC pool decides whether an ambiguously-pinned
// object's whole extent must be treated as immovable.
type PinPolicy int

const (
	// PinBase pins an object only if the nail lands exactly on its base
	// address.
	PinBase PinPolicy = iota
	// PinInterior pins an object if any nail lands anywhere within its
	// extent, which is the safer choice for clients whose ambiguous
	// references may point mid-object. It must be asked for explicitly:
	// PinBase is the zero value of PinPolicy.
	PinInterior
)

// RampState is the AMC ramp pattern's state machine: a declared allocation
// pattern where a generation's forwarding is temporarily redirected to
// itself so a burst of short-lived allocation does not provoke premature
// promotion.
type RampState int

const (
	RampOutside RampState = iota
	RampBegin
	RampRamping
	RampFinish
	RampCollecting
)

// AMCParams configures an AMC pool at creation.
type AMCParams struct {
	Chain  *Chain
	Format format.Format
	// RankSet is RankSetEmpty for the AMCZ leaf variant (objects contain no
	// outgoing references and are never scanned) or RankSetOf(format.RankExact)
	// for the reference-carrying AMC variant.
	RankSet RankSet
	// ExtendBy is the minimum size of a freshly created segment.
	ExtendBy Size
	// LargeSize is recorded on the pool but not consulted when allocating:
	// every object, whatever its size, is placed in its buffer's current
	// segment, and a refill only makes the new segment larger than ExtendBy
	// when the object being reserved would not fit in ExtendBy bytes.
	LargeSize Size
	// Pinned selects the ambiguous-pin policy.
	Pinned PinPolicy
	// RampGenIndex names which generation in the chain the ramp pattern
	// applies to; AfterRampGen is the next one (forwarding resumes there on
	// RampEnd). Defaults to 0 (the nursery) if left zero.
	RampGenIndex int
}

// AMCPool implements the Automatic Mostly-Copying pool class: a generational
// copying collector for one chain of generations. It is the only pool
// class this package implements; the AMCZ ("leaf") variant is simply an
// AMCPool created with RankSet: RankSetEmpty.
type AMCPool struct {
	arena  *Arena
	chain  *Chain
	format format.Format

	rankSet   RankSet
	extendBy  Size
	largeSize Size
	pinned    PinPolicy

	gens         []*Generation
	nursery      *Generation
	rampGen      *Generation
	afterRampGen *Generation
	rampMode     RampState
	rampCount    int
}

// NewAMCPool creates an AMC pool on arena, registers it, and wires up its
// generation chain's forwarding targets.
func NewAMCPool(a *Arena, params AMCParams) (*AMCPool, error) {
	if params.Chain == nil || params.Format == nil {
		return nil, ResPARAM
	}
	if params.ExtendBy == 0 {
		params.ExtendBy = 64 * 1024
	}

	p := &AMCPool{
		arena:     a,
		chain:     params.Chain,
		format:    params.Format,
		rankSet:   params.RankSet,
		extendBy:  params.ExtendBy,
		largeSize: params.LargeSize,
		pinned:    params.Pinned,
	}

	for i := 0; i < params.Chain.Len(); i++ {
		p.gens = append(p.gens, newGeneration(params.Chain, i))
	}
	for i, g := range p.gens {
		if i+1 < len(p.gens) {
			g.forwardTo = p.gens[i+1]
		} else {
			g.forwardTo = g // the last generation forwards to itself
		}
	}
	p.nursery = p.gens[0]
	p.rampGen = p.gens[params.RampGenIndex]
	if params.RampGenIndex+1 < len(p.gens) {
		p.afterRampGen = p.gens[params.RampGenIndex+1]
	} else {
		p.afterRampGen = p.rampGen
	}

	a.registerPool(p)
	return p, nil
}

func (p *AMCPool) isLeaf() bool { return p.rankSet.IsEmpty() }

// TotalSize and FreeSize implement Pool.
func (p *AMCPool) TotalSize() Size {
	var total Size
	for _, g := range p.gens {
		total += g.totalSize
	}
	return total
}

func (p *AMCPool) FreeSize() Size {
	var free Size
	for _, g := range p.gens {
		free += g.freeSize
	}
	return free
}

// newSegment allocates a fresh segment of at least size bytes, assigns it to
// gen, and gives it the initial rank set and summary the design calls for:
// (rankSet, Univ) for a non-leaf pool, (Empty, Empty) for a leaf one, since
// a leaf segment cannot contain a reference by construction.
func (p *AMCPool) newSegment(gen *Generation, size Size, deferred bool) (*Segment, error) {
	size = SizeAlignUp(size, p.format.Alignment())
	base, err := p.arena.reserveSpace(size, p.format.Alignment())
	if err != nil {
		return nil, err
	}
	seg := &Segment{pool: p, base: base, limit: base + size}
	if p.isLeaf() {
		seg.rankSet = RankSetEmpty
		seg.summary = refset.Empty
	} else {
		seg.rankSet = p.rankSet
		seg.summary = refset.Univ
	}
	gen.addSegment(seg, deferred)
	p.arena.addSegment(seg)
	return seg, nil
}

// CreateBuffer creates a mutator allocation point targeting the nursery.
// hashArray marks a buffer whose segments defer their size accounting
// regardless of ramp state, matching a client's hash-array allocation
// keyword option.
func (p *AMCPool) CreateBuffer(hashArray bool) *Buffer {
	return &Buffer{targetGen: p.nursery, deferred: hashArray}
}

// createForwardBuffer creates the collector-owned allocation point a
// generation's objects are copied into when they survive a collection of
// that generation. Each generation has at most one, created lazily.
func (p *AMCPool) createForwardBuffer(destGen *Generation) *Buffer {
	return &Buffer{forwarding: true, targetGen: destGen}
}

// DestroyBuffer detaches and discards buf, padding out any unused tail of
// its current segment first.
func (p *AMCPool) DestroyBuffer(buf *Buffer) {
	if buf.seg != nil {
		p.emptyBuffer(buf)
	}
}

// Reserve returns a fresh [addr, addr+size) span from buf, creating or
// replacing its backing segment if necessary.
func (p *AMCPool) Reserve(buf *Buffer, size Size) (Address, error) {
	size = SizeAlignUp(size, p.format.Alignment())
	if buf.seg == nil || buf.alloc+size > buf.limit {
		if err := p.refill(buf, size); err != nil {
			return 0, err
		}
		// A buffer refill is exactly the allocation-path poll point §2 and §5
		// call for: it is the moment a new segment was just created, so it is
		// cheap to also ask whether a generation has crossed its
		// condemnation threshold and advance any collection already running
		// by a bounded amount of work. Only mutator buffers poll: a
		// forwarding buffer's Reserve happens from inside forwardCopy, itself
		// called while a trace is mid-scan, and polling there would recurse
		// into scanning the very trace already on the call stack.
		if !buf.forwarding {
			if err := p.arena.Poll(); err != nil {
				return 0, err
			}
		}
	}
	addr := buf.alloc
	buf.alloc = addr + size
	buf.epoch = p.arena.epochLoad()
	if buf.seg != nil {
		buf.seg.gen.bufferedSize += size
	}
	return addr, nil
}

// Commit advances buf.init to buf.alloc, publishing the just-initialized
// object to the collector, unless a flip happened since the matching
// Reserve — in which case it returns false and the client must
// re-initialize from a fresh Reserve (§4, Buffer invariant; §8 boundary
// behavior on commit races).
func (p *AMCPool) Commit(buf *Buffer, addr Address, size Size) bool {
	if buf.epoch != p.arena.epochLoad() {
		return false
	}
	buf.init = addr + SizeAlignUp(size, p.format.Alignment())
	if buf.seg != nil {
		buf.seg.gen.bufferedSize -= size
	}
	return true
}

func (p *AMCPool) refill(buf *Buffer, size Size) error {
	if buf.seg != nil {
		p.emptyBuffer(buf)
	}

	segSize := p.extendBy
	if size > segSize {
		segSize = size
	}

	deferred := buf.deferred || (p.rampMode == RampRamping && buf.forwarding && buf.targetGen == p.rampGen)
	seg, err := p.newSegment(buf.targetGen, segSize, deferred)
	if err != nil {
		return err
	}

	buf.seg = seg
	buf.base = seg.base
	buf.scanLimit = seg.base
	buf.init = seg.base
	buf.alloc = seg.base
	buf.limit = seg.limit
	seg.buffer = buf
	return nil
}

// emptyBuffer detaches buf from its segment: any unused tail is padded so
// the segment stays walkable, and allocation that happened into an
// already-condemned segment is folded into that trace's condemned
// accounting, since it was white from the moment it was created (§4.6).
func (p *AMCPool) emptyBuffer(buf *Buffer) {
	seg := buf.seg
	if seg == nil {
		return
	}
	if buf.init < buf.limit {
		p.format.Pad(buf.init, buf.limit-buf.init)
		buf.init = buf.limit
	}

	for id := TraceID(0); id < TraceMax; id++ {
		if seg.IsWhite(id) {
			if t := p.arena.traces[id]; t != nil {
				t.condemned += buf.limit - buf.base
			}
		}
	}

	seg.buffer = nil
	buf.seg = nil
}

// Whiten implements Pool: it condemns seg for tr, refusing only when a live
// mutator buffer covers the segment in its entirety (there is nothing in it
// yet to preserve or reclaim).
func (p *AMCPool) Whiten(tr *Trace, seg *Segment) error {
	if seg.pool != p {
		return ResPARAM
	}
	var openSpan Size
	if buf := seg.buffer; buf != nil {
		if buf.scanLimit == seg.base {
			// Nothing but the buffer itself: refuse to condemn.
			return nil
		}
		if buf.scanLimit != buf.limit {
			// Nail everything past what the collector has observed as of the
			// last flip: committed-but-unscanned objects and the
			// reserved-but-uncommitted tail alike, since neither is safe to
			// move out from under a mutator that may still be writing into it.
			// A segment whose buffer was fully observed by the flip needs no
			// board at all: forcing one here would push Scan onto the
			// nailed-only path and silently skip scanning this segment's
			// genuinely live, unnailed content.
			board := seg.ensureBoard(p.format.Alignment())
			board.SetRange(buf.scanLimit, buf.limit)
		}
		buf.base = buf.scanLimit
		// [buf.base, buf.limit) is still owned by the live buffer and has not
		// been emptied yet; emptyBuffer folds this same span into the
		// condemned total when the buffer finally detaches, so it must be
		// excluded here to avoid counting it twice.
		openSpan = buf.limit - buf.base
	}

	seg.gen.markOld(seg.Size())
	tr.whitenSegment(seg, true, openSpan)
	return nil
}

// Scan implements Pool. A nailed segment uses the nailed-scan loop: walk
// the segment skipping by format.Skip, classify each object as pinned or
// not by the configured policy, and scan pinned objects in place (unpinned
// ones may still move, so scanning them here would be unsound). Emergency
// fixes can pin new objects mid-pass, in which case the pass repeats until
// a pass pins nothing new. An un-nailed segment is a plain linear scan.
func (p *AMCPool) Scan(ss *ScanState, seg *Segment) (bool, error) {
	if seg.board != nil {
		return p.scanNailed(ss, seg)
	}
	return p.scanPlain(ss, seg)
}

// bufferScanBound reports how far into buf's segment it is currently safe
// to scan. A mutator buffer uses scanLimit, the commit point as of the last
// flip (§4.6): anything the mutator committed since is not yet known safe.
// A forwarding buffer has no such snapshot to fall back on — it was created
// during this very trace — so it uses the buffer's live init, letting the
// collector's own copying keep pace with the scan pointer within the same
// cycle (the classic copy-and-scan-to-space pattern).
func bufferScanBound(buf *Buffer) Address {
	if buf.forwarding {
		return buf.init
	}
	return buf.scanLimit
}

func (p *AMCPool) scanPlain(ss *ScanState, seg *Segment) (bool, error) {
	limit := seg.limit
	if seg.buffer != nil {
		limit = min(bufferScanBound(seg.buffer), seg.limit)
	}
	if err := p.format.Scan(ss, seg.base, limit); err != nil {
		return false, err
	}
	seg.SetSummary(ss.Summary())
	return true, nil
}

func (p *AMCPool) scanNailed(ss *ScanState, seg *Segment) (bool, error) {
	board := seg.board
	for {
		board.ClearNewNails()
		scanLimit := seg.limit
		if seg.buffer != nil {
			scanLimit = bufferScanBound(seg.buffer)
		}
		for obj := seg.base; obj < seg.limit; {
			next := p.format.Skip(obj)
			pinned := p.isPinned(board, obj, next)
			if pinned && obj < scanLimit {
				if err := p.format.Scan(ss, obj, next); err != nil {
					return false, err
				}
			}
			obj = next
		}
		if !board.NewNails() {
			break
		}
		ss.setSummary(ss.Summary())
	}
	seg.SetSummary(ss.Summary())
	return true, nil
}

func (p *AMCPool) isPinned(board *nailboard.Board, base, limit Address) bool {
	if p.pinned == PinBase {
		return board.Get(base)
	}
	return !board.IsResRange(base, limit)
}

// Reclaim implements Pool. An un-nailed white segment has had everything
// worth keeping copied elsewhere already, so the whole segment is freed. A
// nailed segment is walked, coalescing runs of non-preserved objects into
// padding via format.Pad; if nothing in it survived and no buffer is
// attached, the whole segment is freed too.
func (p *AMCPool) Reclaim(tr *Trace, seg *Segment) error {
	if seg.board == nil {
		p.reportFinalized(tr, seg.base, seg.limit)
		tr.reclaimed += seg.Size()
		p.freeSegment(seg)
		return nil
	}

	board := seg.board
	var runStart Address
	inRun := false
	preserved := 0

	flushRun := func(end Address) {
		if inRun && end > runStart {
			p.format.Pad(runStart, end-runStart)
		}
		inRun = false
	}

	for obj := seg.base; obj < seg.limit; {
		next := p.format.Skip(obj)
		keep := p.isPinned(board, obj, next) || (p.format.IsMoved(obj) != 0)
		if keep {
			flushRun(obj)
			preserved++
		} else {
			if !inRun {
				runStart = obj
				inRun = true
			}
			p.reportFinalized(tr, obj, next)
		}
		obj = next
	}
	flushRun(seg.limit)

	if preserved == 0 && seg.buffer == nil {
		tr.reclaimed += seg.Size()
		p.freeSegment(seg)
		return nil
	}

	tr.preserved += seg.Size()
	seg.nailed = seg.nailed.Without(tr.id)
	if seg.nailed.IsEmpty() {
		// The board is shared by every trace nailing this segment (multiple
		// FLIPPED traces may coexist, §5); only destroy it once none of them
		// still has it nailed, or a later fix on a still-nailing trace would
		// hit ensureBoard's "nailed without a board" assertion.
		seg.destroyBoard()
	}
	seg.unwhiten(tr.id)
	return nil
}

// reportFinalized queues a MessageFinalization for every address registered
// with Arena.Finalize that falls in [base, limit) and is about to be
// reclaimed, in increasing address order.
func (p *AMCPool) reportFinalized(tr *Trace, base, limit Address) {
	var hits []Address
	for addr := range p.arena.finalized {
		if addr >= base && addr < limit {
			hits = append(hits, addr)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
	for _, addr := range hits {
		delete(p.arena.finalized, addr)
		p.arena.enqueueMessage(&Message{kind: MessageFinalization, FinalizationRef: addr})
	}
}

func (p *AMCPool) freeSegment(seg *Segment) {
	seg.gen.removeSegment(seg)
	p.arena.removeSegment(seg)
}

// RampBegin enters the ramp pattern: while ramping, rampGen's forwarding
// buffer targets itself instead of afterRampGen, and new segments it
// creates are deferred so the burst of allocation does not itself provoke
// a collection. Any forwarding buffer rampGen already has cached is
// detached first, so the next object it forwards lazily recreates one
// against the redirected target.
func (p *AMCPool) RampBegin() {
	assertf(p.rampMode == RampOutside || p.rampCount > 0, "ramp: RampBegin while not OUTSIDE and not nested")
	p.rampCount++
	if p.rampMode == RampOutside {
		p.rampMode = RampRamping
		p.rampGen.forwardTo = p.rampGen
		p.dropForwardBuffer(p.rampGen)
	}
}

// RampEnd leaves the ramp pattern entered by a matching RampBegin. Once the
// outermost RampBegin/RampEnd pair completes, the ramp generation's whole
// deferred total (hash-array segments included) is folded back into
// newSize in this same call, without waiting for a collection, forwarding
// resumes targeting afterRampGen, and the state passes through RampFinish
// straight back to RampOutside; RampCollecting is never entered.
func (p *AMCPool) RampEnd() {
	assertf(p.rampCount > 0, "ramp: RampEnd without a matching RampBegin")
	p.rampCount--
	if p.rampCount == 0 {
		p.rampMode = RampFinish
		p.rampGen.undefer(p.rampGen.deferred)
		p.rampGen.forwardTo = p.afterRampGen
		p.dropForwardBuffer(p.rampGen)
		p.rampMode = RampOutside
	}
}

// dropForwardBuffer detaches and discards gen's cached forwarding buffer, if
// it has one, padding out its current segment first.
func (p *AMCPool) dropForwardBuffer(gen *Generation) {
	if gen.forwardBuffer == nil {
		return
	}
	p.emptyBuffer(gen.forwardBuffer)
	gen.forwardBuffer = nil
}

// RampMode reports the pool's current ramp state, for tests and
// diagnostics.
func (p *AMCPool) RampMode() RampState { return p.rampMode }
