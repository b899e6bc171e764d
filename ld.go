package mps

import "github.com/ravenmem/mps/refset"

// LD is a location dependency: a client handle that lets the mutator safely
// use the current address of a movable object (for example, as a hash key)
// by recording when and where it might be invalidated by a later move.
//
// The epoch check is lock-free, relying only on atomic word reads of the
// arena's epoch counter (§4.7); LDAdd and LDIsStale do not take the arena
// lock.
type LD struct {
	epoch uint64
	zones refset.Set
}

// Reset clears ld so it depends on nothing.
func (ld *LD) Reset() {
	ld.epoch = 0
	ld.zones = refset.Empty
}

// LDAdd records that ld now depends on the current location of the object
// at addr: if any trace completes and moves something whose zone overlaps
// addr's zone after this call, ld becomes stale.
func (a *Arena) LDAdd(ld *LD, addr Address) {
	ld.epoch = a.epochLoad()
	ld.zones = refset.Union(ld.zones, refset.OfAddr(a.zoneShift, addr))
}

// Merge folds src's dependency into dst, so dst becomes stale whenever
// either would have.
func (ld *LD) Merge(src *LD) {
	if src.epoch < ld.epoch {
		ld.epoch = src.epoch
	}
	ld.zones = refset.Union(ld.zones, src.zones)
}

// LDIsStale reports whether ld may have been invalidated: some trace that
// has completed since LDAdd recorded ld's epoch might have moved an object
// whose zone is in ld's recorded set. A false result is a sound guarantee
// that nothing tracked by ld has moved; a true result may be a false
// positive (zones are coarser than individual objects).
func (a *Arena) LDIsStale(ld *LD) bool {
	return a.epochLoad() != ld.epoch
}

// LDAge is called on flip to bump the arena's epoch and record which zones
// may have moved as a result, so that every LD recorded before this call
// becomes conservatively stale with respect to those zones.
//
// This implementation only tracks a single global epoch rather than a
// per-zone epoch history, so any movement at all invalidates every LD
// regardless of zone overlap; a fuller implementation could narrow
// LDIsStale to check zone overlap against the specific epoch at which each
// zone last moved. That refinement is left as future work (see
// DESIGN.md's Open Question on write-barrier summary precision, which has
// the same shape of tradeoff).
func (a *Arena) LDAge(moved refset.Set) {
	if moved == refset.Empty {
		return
	}
	a.epochStore(a.epochLoad() + 1)
}
