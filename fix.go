package mps

import (
	"unsafe"

	"github.com/ravenmem/mps/format"
	"github.com/ravenmem/mps/refset"
)

// memmove copies size bytes from src to dst. Segment memory is backed by
// real Go byte slices the arena keeps alive (see Arena.reserveSpace); this
// is the one place that memory is touched as bytes rather than treated as
// an opaque address.
func memmove(dst, src Address, size Size) {
	if size == 0 || dst == src {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(size))
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(size))
	copy(d, s)
}

// fixNormal is the AMC fix protocol's copying variant (§4.5): ambiguous
// references get nailed, exact references to a white object get forwarded
// (copied into the object's generation's forwarding target) the first time
// they are discovered and simply redirected on every subsequent discovery.
// Weak references are redirected if their target has already moved, left
// alone if it is pinned, and splatted to zero otherwise.
func fixNormal(ss *ScanState, seg *Segment, ref *Address) error {
	addr := *ref

	if seg.white.Inter(ss.traces).IsEmpty() {
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
		return nil
	}

	if ss.rank == format.RankAmbig {
		return fixAmbig(ss, seg, addr)
	}

	p, ok := seg.pool.(*AMCPool)
	if !ok {
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
		return nil
	}

	if fwd := p.format.IsMoved(addr); fwd != 0 {
		*ref = fwd
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, fwd))
		return nil
	}

	objEnd := p.format.Skip(addr)

	// A segment can be nailed for this trace while the particular object ref
	// points at is not itself pinned: the nailed bit is per-segment (set the
	// moment anything in it is nailed), but the nailboard's pin policy is
	// per-object. Only grey-and-return without copying when this object's own
	// extent is actually pinned (or the segment has no board at all, which
	// can only happen transiently before any object in it has been nailed);
	// otherwise fall through and forward it like any other white object.
	if !seg.nailed.Inter(ss.traces).IsEmpty() && (seg.board == nil || p.isPinned(seg.board, addr, objEnd)) {
		ss.traces.Each(func(id TraceID) { seg.grayFor(id) })
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
		return nil
	}

	if ss.rank == format.RankWeak {
		// Nothing has proven the referent live by the time a weak reference
		// to it is discovered, and it is not pinned in place either; weak
		// references never keep an object alive, so splat it rather than
		// forward it.
		*ref = 0
		return nil
	}

	newAddr, err := forwardCopy(p, seg, addr, objEnd)
	if err != nil {
		return err
	}
	p.format.Forward(addr, newAddr)
	*ref = newAddr

	// The copy now sitting in the destination segment has not been scanned
	// for this trace: union greyness and summary from the source segment
	// into it so the collector eventually discovers its own outgoing
	// references, rather than treating a freshly forwarded object as if it
	// were already black.
	if destSeg := ss.arena.segmentOf(newAddr); destSeg != nil {
		ss.traces.Each(func(id TraceID) { destSeg.grayFor(id) })
		destSeg.SetSummary(refset.Union(destSeg.Summary(), seg.Summary()))
	}

	if _, ok := ss.arena.finalized[addr]; ok {
		delete(ss.arena.finalized, addr)
		ss.arena.finalized[newAddr] = struct{}{}
	}

	ss.traces.Each(func(id TraceID) {
		if tr := ss.arena.traces[id]; tr != nil {
			tr.forwarded += objEnd - addr
		}
	})

	ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, newAddr))
	return nil
}

// fixEmergency is the pin-only fallback used once a trace has entered
// emergency mode (typically because a forwarding buffer could not be
// refilled): every white object it would otherwise have forwarded is
// instead nailed in place, exactly as an ambiguous reference would be.
func fixEmergency(ss *ScanState, seg *Segment, ref *Address) error {
	addr := *ref

	if seg.white.Inter(ss.traces).IsEmpty() {
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
		return nil
	}

	if ss.rank == format.RankAmbig {
		return fixAmbig(ss, seg, addr)
	}

	p, ok := seg.pool.(*AMCPool)
	if !ok {
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
		return nil
	}

	if fwd := p.format.IsMoved(addr); fwd != 0 {
		*ref = fwd
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, fwd))
		return nil
	}

	if ss.rank == format.RankWeak {
		*ref = 0
		return nil
	}

	objEnd := p.format.Skip(addr)
	board := seg.ensureBoard(p.format.Alignment())
	board.SetRange(addr, objEnd)
	ss.traces.Each(func(id TraceID) {
		seg.grayFor(id)
		seg.nailed = seg.nailed.With(id)
	})
	ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
	return nil
}

// fixAmbig is shared by both fix variants: an ambiguous reference can never
// be safely forwarded (the mutator might be holding a non-pointer that
// merely looks like this address), so it is always nailed. If the granule
// was already nailed, nothing about the segment's state changes.
func fixAmbig(ss *ScanState, seg *Segment, addr Address) error {
	align := Size(WordSize)
	if p, ok := seg.pool.(*AMCPool); ok {
		align = p.format.Alignment()
	}
	board := seg.ensureBoard(align)
	if board.Set(addr) {
		ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
		return nil
	}

	ss.traces.Each(func(id TraceID) {
		seg.grayFor(id)
		seg.nailed = seg.nailed.With(id)
	})
	ss.fixedSummary = refset.Union(ss.fixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
	return nil
}

// forwardCopy copies [obj, objEnd) into seg's generation's forwarding
// target and returns the new location. A Commit failure means a flip
// raced the reservation; the loop simply tries again against the buffer's
// now-current epoch.
func forwardCopy(p *AMCPool, seg *Segment, obj, objEnd Address) (Address, error) {
	size := objEnd - obj
	srcGen := seg.gen
	if srcGen.forwardBuffer == nil {
		srcGen.forwardBuffer = p.createForwardBuffer(srcGen.forwardTo)
	}
	buf := srcGen.forwardBuffer

	for {
		addr, err := p.Reserve(buf, size)
		if err != nil {
			return 0, err
		}
		memmove(addr, obj, size)
		if p.Commit(buf, addr, size) {
			return addr, nil
		}
	}
}
