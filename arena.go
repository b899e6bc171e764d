package mps

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ravenmem/mps/internal/task"
	"github.com/ravenmem/mps/refset"
	"github.com/ravenmem/mps/shield"
)

// ArenaParams configures an Arena at creation time. All tuning knobs live
// here rather than as process-global state, so that multiple arenas in one
// process (e.g. in tests) never interfere with each other (§9).
type ArenaParams struct {
	// ZoneShift controls how addresses hash into RefSet zones; smaller
	// values give coarser, cheaper-to-compute summaries.
	ZoneShift uint
	// CommitLimit bounds total committed memory across all pools; zero
	// means unbounded.
	CommitLimit Size
	// SpareCommitLimit bounds memory the arena is willing to keep mapped but
	// uncommitted as a cache against future growth.
	SpareCommitLimit Size
	// PauseTime is the target duration of a single incremental scan step. The
	// arena records it, but rate pacing does not read it: EstimateRate is
	// driven by PollInterval alone.
	PauseTime time.Duration
	// PollInterval is the quantum of allocation, in bytes, a single poll is
	// paced against (§4.4's "polls remaining"); it stands in for a wall-clock
	// interval since this design drives polling from allocation volume
	// rather than a timer. Zero means DefaultPollInterval.
	PollInterval Size
	// Platform supplies the barrier and thread-suspension capability. If
	// nil, a software Platform with no real memory protection is used.
	Platform shield.Platform
}

// DefaultPollInterval is used when ArenaParams.PollInterval is left zero.
const DefaultPollInterval Size = 4096

// DefaultZoneShift matches typical small-object alignment granularity; it
// gives a reasonable zone count without being tied to any one platform's
// page size.
const DefaultZoneShift = 12

// Arena is the root container owning all memory a collector manages: the
// segment table, the pool and root rings, the trace slots, and the tuning
// parameters used to pace collection.
type Arena struct {
	self uintptr // PMutex reentrancy token for calls made while already entered
	mu   task.PMutex

	platform shield.Platform

	zoneShift uint
	epoch     atomic.Uint64

	commitLimit      Size
	spareCommitLimit Size
	committed        Size
	pauseTime        time.Duration
	pollInterval     Size

	// segTable is kept sorted by base for segmentOf's binary search. Real
	// implementations of this design use a splay tree keyed by address
	// range; a sorted slice gives the same "find the segment containing an
	// address" query in O(log n) with far less code, which is the right
	// trade for a from-scratch engine (see DESIGN.md).
	segTable []*Segment

	pools []Pool
	roots []*Root

	traces     [TraceMax]*Trace
	busy       TraceSet
	flipped    TraceSet
	nextThread uintptr

	parked bool

	// keepAlive holds the backing storage of every segment this arena has
	// handed out, so Go's own collector never reclaims memory this package
	// is still managing. This package stops short of the OS virtual-memory
	// layer (§1 Non-goals); real deployments reserve and commit address
	// space directly instead of borrowing it from the host runtime's heap.
	keepAlive [][]byte

	finalized      map[Address]struct{}
	messages       []*Message
	messageEnabled [3]bool
}

// NewArena creates an arena with the given parameters. A zero ZoneShift is
// replaced with DefaultZoneShift, and a nil Platform is replaced with a
// software shield backend.
func NewArena(params ArenaParams) *Arena {
	if params.ZoneShift == 0 {
		params.ZoneShift = DefaultZoneShift
	}
	if params.PollInterval == 0 {
		params.PollInterval = DefaultPollInterval
	}
	a := &Arena{
		zoneShift:        params.ZoneShift,
		commitLimit:      params.CommitLimit,
		spareCommitLimit: params.SpareCommitLimit,
		pauseTime:        params.PauseTime,
		pollInterval:     params.PollInterval,
		platform:         params.Platform,
	}
	if a.platform == nil {
		a.platform = shield.NewSoftware(a.handleFault)
	}
	return a
}

// enter takes the arena lock for self; PMutex treats a second Lock with the
// same self value as a nested, non-blocking re-acquisition (§5, §9). No
// code calls enter or leave. Park, RegisterThread and handleFault lock
// a.mu directly with token 0; the other entry points (AddRoot,
// StartCollect, CollectFull, Poll, Finalize, the LD calls, buffer Reserve
// and Commit, and so on) take no lock, so they are not serialized against
// each other.
func (a *Arena) enter(self uintptr) { a.mu.Lock(self) }
func (a *Arena) leave(self uintptr) { a.mu.Unlock(self) }

// RegisterThread registers the calling mutator thread with the arena's
// shield platform and returns an opaque token to pass to subsequent calls
// that must identify "this thread" (notably the recursive arena lock).
func (a *Arena) RegisterThread() (uintptr, error) {
	a.mu.Lock(0)
	a.nextThread++
	id := a.nextThread
	a.mu.Unlock(0)
	return id, a.platform.RegisterThread(id)
}

// DeregisterThread removes a thread previously returned by RegisterThread.
func (a *Arena) DeregisterThread(token uintptr) error {
	return a.platform.DeregisterThread(token)
}

// ZoneShift returns the arena's configured zone shift.
func (a *Arena) ZoneShift() uint { return a.zoneShift }

func (a *Arena) epochLoad() uint64     { return a.epoch.Load() }
func (a *Arena) epochStore(v uint64)   { a.epoch.Store(v) }

// addSegment inserts seg into the segment table, keeping it sorted by base.
func (a *Arena) addSegment(seg *Segment) {
	i := sort.Search(len(a.segTable), func(i int) bool { return a.segTable[i].base >= seg.base })
	a.segTable = append(a.segTable, nil)
	copy(a.segTable[i+1:], a.segTable[i:])
	a.segTable[i] = seg
}

// removeSegment deletes seg from the segment table.
func (a *Arena) removeSegment(seg *Segment) {
	i := sort.Search(len(a.segTable), func(i int) bool { return a.segTable[i].base >= seg.base })
	if i < len(a.segTable) && a.segTable[i] == seg {
		a.segTable = append(a.segTable[:i], a.segTable[i+1:]...)
	}
}

// segmentOf returns the segment containing addr, or nil if addr is not
// inside any live segment. This is the "constant-time table lookup" of
// §4.5 step 1, approximated here by binary search (see DESIGN.md).
func (a *Arena) segmentOf(addr Address) *Segment {
	i := sort.Search(len(a.segTable), func(i int) bool { return a.segTable[i].base > addr }) - 1
	if i < 0 || i >= len(a.segTable) {
		return nil
	}
	seg := a.segTable[i]
	if addr < seg.base || addr >= seg.limit {
		return nil
	}
	return seg
}

// reserveSpace hands back size bytes of fresh, zeroed memory aligned to
// align, committing it against the arena's accounting. It stands in for the
// reserve-then-commit virtual memory operation a real deployment would
// perform against the OS directly (see the keepAlive field doc).
func (a *Arena) reserveSpace(size, align Size) (Address, error) {
	need := size + align
	if a.commitLimit != 0 && a.committed+need > a.commitLimit {
		return 0, fmt.Errorf("%w: committing %s would exceed commit limit %s (already committed %s)",
			ResRESOURCE, FormatSize(need), FormatSize(a.commitLimit), FormatSize(a.committed))
	}
	buf := make([]byte, need)
	a.keepAlive = append(a.keepAlive, buf)
	a.committed += Size(len(buf))
	return AlignUp(Address(uintptr(unsafe.Pointer(&buf[0]))), align), nil
}

// registerPool adds pool to the arena's pool ring.
func (a *Arena) registerPool(p Pool) { a.pools = append(a.pools, p) }

// Pools returns the arena's currently registered pools.
func (a *Arena) Pools() []Pool { return append([]Pool(nil), a.pools...) }

// AddRoot registers a root with the arena; it will be scanned at every
// future flip until removed with RemoveRoot.
func (a *Arena) AddRoot(r *Root) { a.roots = append(a.roots, r) }

// RemoveRoot deregisters a previously added root.
func (a *Arena) RemoveRoot(r *Root) {
	for i, root := range a.roots {
		if root == r {
			a.roots = append(a.roots[:i], a.roots[i+1:]...)
			return
		}
	}
}

// Park waits for every trace currently running on the arena to finish, then
// stops Poll from starting or advancing any collection until Release is
// called. StartCollect and CollectFull do not check it. It is used before
// operations, like a diagnostic walk, that need a quiescent heap.
func (a *Arena) Park() error {
	a.mu.Lock(0)
	defer a.mu.Unlock(0)
	for !a.busy.IsEmpty() {
		if err := a.driveOneStepLocked(); err != nil {
			return err
		}
	}
	a.parked = true
	return nil
}

// driveOneStepLocked advances every busy trace by one unit of work,
// flipping any that are still in INIT, destroying any that finish. The
// arena lock must already be held.
func (a *Arena) driveOneStepLocked() error {
	var busy TraceSet
	a.busy.Each(func(id TraceID) { busy = busy.With(id) })

	var firstErr error
	busy.Each(func(id TraceID) {
		tr := a.traces[id]
		if tr == nil {
			return
		}
		if tr.state == TraceInit {
			if err := tr.Flip(); err != nil && firstErr == nil {
				firstErr = err
			}
			return
		}
		if _, err := tr.Step(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if tr.state == TraceFinished {
			_ = tr.Destroy()
		}
	})
	return firstErr
}

// StartCollect begins a new collection cycle (§6): it creates a trace,
// condemns every segment whose zone summary is a subset of set, and flips
// it, leaving the trace FLIPPED and ready to be driven by Poll, Step or
// Expedite. Passing refset.Univ condemns the whole heap.
func (a *Arena) StartCollect(set refset.Set) (*Trace, error) {
	tr, err := TraceCreate(a)
	if err != nil {
		return nil, err
	}
	if err := tr.CondemnRefSet(set); err != nil {
		return nil, err
	}
	if err := tr.Flip(); err != nil {
		return nil, err
	}
	return tr, nil
}

// CollectFull runs one complete collection of the whole heap to completion
// before returning (§6), regardless of any pause-time budget. It is the
// synchronous counterpart to the incremental driving Poll does.
func (a *Arena) CollectFull() error {
	tr, err := a.StartCollect(refset.Univ)
	if err != nil {
		return err
	}
	for tr.State() != TraceFinished {
		if _, err := tr.Step(); err != nil {
			return err
		}
	}
	return tr.Destroy()
}

// Poll is the bounded incremental-work entry point called from allocation
// paths (§2 "poll driver", §5 "buffer fill... may trigger a poll"): it
// starts a new collection if some generation has crossed its configured
// condemnation threshold and nothing is running yet, then advances every
// FLIPPED trace by one EstimateRate-paced unit of scan work. Unlike Park or
// CollectFull it never drives a trace to completion in one call.
func (a *Arena) Poll() error {
	if a.parked {
		return nil
	}
	if a.busy.IsEmpty() {
		if err := a.maybeStartCollect(); err != nil {
			return err
		}
	}
	for id := TraceID(0); id < TraceMax; id++ {
		tr := a.traces[id]
		if tr == nil || tr.state != TraceFlipped {
			continue
		}
		if err := tr.pollStep(a.pollInterval); err != nil {
			return err
		}
		if tr.state == TraceFinished {
			_ = tr.Destroy()
		}
	}
	return nil
}

// maybeStartCollect begins a full-heap collection if any AMC generation in
// any registered pool should be condemned. This design's CondemnRefSet has
// no per-generation granularity (see DESIGN.md), so a poll-triggered
// collection always condemns everything rather than just the generation
// that crossed its threshold.
func (a *Arena) maybeStartCollect() error {
	for _, p := range a.pools {
		amc, ok := p.(*AMCPool)
		if !ok {
			continue
		}
		for _, g := range amc.gens {
			if g.ShouldCondemn() {
				_, err := a.StartCollect(refset.Univ)
				return err
			}
		}
	}
	return nil
}

// Release lets collection resume after a Park.
func (a *Arena) Release() { a.parked = false }

// Clamp stops Poll from starting or advancing collections (unlike Park, it
// does not wait for in-progress ones to finish) until Release is called.
// StartCollect and CollectFull do not check it.
func (a *Arena) Clamp() { a.parked = true }

// Postmortem releases the arena lock unconditionally for diagnostic
// dumping, regardless of whether a trace is mid-cycle. It must only be used
// once the arena is no longer being driven by any mutator thread (typically
// from a crash handler).
func (a *Arena) Postmortem() {
	a.mu = task.PMutex{}
}

// CommitLimit and SpareCommitLimit report the arena's configured limits.
func (a *Arena) CommitLimit() Size      { return a.commitLimit }
func (a *Arena) SpareCommitLimit() Size { return a.spareCommitLimit }
func (a *Arena) Committed() Size        { return a.committed }

// SetPauseTime updates the recorded target incremental-step duration. Rate
// pacing does not read it (see ArenaParams.PauseTime).
func (a *Arena) SetPauseTime(d time.Duration) { a.pauseTime = d }

// handleFault is the collector's shield.FaultHandler: it removes greyness
// from the faulting segment for every flipped trace, then allows the
// platform to lower protection and retry the access (§5).
func (a *Arena) handleFault(f shield.Fault) error {
	a.mu.Lock(0)
	defer a.mu.Unlock(0)
	seg := a.segmentOf(f.Addr)
	if seg == nil {
		return nil
	}
	a.flipped.Each(func(id TraceID) {
		if seg.IsGrey(id) {
			tr := a.traces[id]
			if tr != nil {
				_, _ = tr.scanSegment(seg)
			}
		}
	})
	return a.platform.Protect(seg.base, seg.limit, seg.shieldMode)
}
