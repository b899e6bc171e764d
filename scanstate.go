package mps

import (
	"github.com/ravenmem/mps/format"
	"github.com/ravenmem/mps/refset"
)

// fixFunc is the shape of both the normal and emergency fix entry points.
type fixFunc func(ss *ScanState, seg *Segment, ref *Address) error

// ScanState is the per-scan transient state threaded through one call to a
// format's Scan method. It carries which traces the scan is being done on
// behalf of, at what rank, and accumulates the two summaries fix needs to
// maintain a segment's post-scan RefSet.
type ScanState struct {
	arena *Arena
	traces TraceSet
	rank   format.Rank
	white  refset.Set

	fix fixFunc

	unfixedSummary refset.Set
	fixedSummary   refset.Set

	wasMarked bool

	// Counters, for rate pacing and diagnostics.
	scannedSize Size
	fixRefCount uint64
}

// newScanState initializes a ScanState for scanning on behalf of traces at
// the given rank. If any trace in traces is in emergency mode, the fix
// function is the emergency (pin-only) variant rather than the normal
// (copying) one.
func newScanState(a *Arena, traces TraceSet, rank format.Rank) *ScanState {
	ss := &ScanState{arena: a, traces: traces, rank: rank, wasMarked: true}

	emergency := false
	traces.Each(func(id TraceID) {
		if t := a.traces[id]; t != nil {
			ss.white = refset.Union(ss.white, t.white)
			if t.emergency {
				emergency = true
			}
		}
	})

	if emergency {
		ss.fix = fixEmergency
	} else {
		ss.fix = fixNormal
	}
	return ss
}

// Fix implements format.Fixer: it is called once per candidate reference
// field discovered while scanning, and dispatches to the scan state's
// configured fix function (normal or emergency) against the segment that
// contains *ref.
func (ss *ScanState) Fix(ref *Address) error {
	ss.fixRefCount++
	addr := *ref
	seg := ss.arena.segmentOf(addr)
	if seg == nil {
		// Only RankAmbig may legitimately have no backing segment — an
		// ambiguous root can hold a non-pointer that merely looks like an
		// address. An EXACT or WEAK reference with no segment is a contract
		// violation by the client's scanner, not a recoverable condition
		// (§4.5 step 1, "permit only if rank < EXACT").
		assertf(ss.rank == format.RankAmbig, "fix: rank %s reference %#x has no backing segment", ss.rank, addr)
		return nil
	}
	return ss.fix(ss, seg, ref)
}

// Summary returns fixed ∪ (unfixed − white): references already fixed keep
// their post-fix zone, and references not yet fixed but in the white set
// are guaranteed to be translated by a later fix, so their pre-fix zone
// must not leak into the summary (§4.3).
func (ss *ScanState) Summary() refset.Set {
	return refset.Union(ss.fixedSummary, refset.Diff(ss.unfixedSummary, ss.white))
}

// setSummary replaces both accumulated summaries with sum treated entirely
// as "fixed", discarding unfixedSummary. Used after an emergency pass set
// new nails: the partial unfixedSummary computed so far saw some
// already-fixed references as its input and is unsound to keep around (§9,
// "emergency mode correctness").
func (ss *ScanState) setSummary(sum refset.Set) {
	ss.fixedSummary = sum
	ss.unfixedSummary = refset.Empty
}

// addUnfixed folds a reference's pre-fix zone into the scan state's running
// unfixed summary, before fix has had a chance to run on it. Scan helpers
// that want to track the summary incrementally as they walk an object
// (rather than relying solely on Fix) call this; the AMC fix protocol
// itself updates fixedSummary directly.
func (ss *ScanState) addUnfixed(addr Address) {
	ss.unfixedSummary = refset.Union(ss.unfixedSummary, refset.OfAddr(ss.arena.zoneShift, addr))
}
