package mps

// Transform is an atomic batch relocation of references that live outside
// the traced heap. It is applied in one step, not via a trace. The only
// such references it updates are the arena's own finalization
// registrations (see Apply); references held in client memory are not
// touched.
type Transform struct {
	arena *Arena
	olds  []Address
	news  []Address
}

// NewTransform creates an empty transform on a.
func NewTransform(a *Arena) *Transform {
	return &Transform{arena: a}
}

// Add records that old should become new when Apply runs.
func (tr *Transform) Add(old, new Address) {
	tr.olds = append(tr.olds, old)
	tr.news = append(tr.news, new)
}

// Apply retargets every external reference registered with Finalize that
// matches one of the transform's old addresses, broadcasting the whole
// batch as a single update. It does not touch the traced heap itself —
// only addresses this package has been told about via Finalize, which is
// the one place outside of fix that this package tracks addresses by
// identity across a move.
func (tr *Transform) Apply() error {
	for i, old := range tr.olds {
		if _, ok := tr.arena.finalized[old]; ok {
			delete(tr.arena.finalized, old)
			tr.arena.finalized[tr.news[i]] = struct{}{}
		}
	}
	return nil
}

// Destroy discards the transform without applying it.
func (tr *Transform) Destroy() {
	tr.olds = nil
	tr.news = nil
}

// Walk visits every formatted object in every AMC pool while the arena is
// parked, skipping objects that have been forwarded (IsMoved non-zero) and,
// in a segment with an attached buffer, everything past the buffer's init.
// Padding objects, and objects no collection has yet found unreachable,
// are visited too. fn is called once per object with the pool that owns it
// and the object's current address.
func (a *Arena) Walk(fn func(pool Pool, obj Address) error) error {
	if err := a.Park(); err != nil {
		return err
	}
	defer a.Release()

	for _, seg := range a.segTable {
		amc, ok := seg.pool.(*AMCPool)
		if !ok {
			continue
		}
		limit := seg.limit
		if seg.buffer != nil {
			limit = seg.buffer.init
		}
		for obj := seg.base; obj < limit; {
			next := amc.format.Skip(obj)
			if amc.format.IsMoved(obj) == 0 {
				if err := fn(seg.pool, obj); err != nil {
					return err
				}
			}
			obj = next
		}
	}
	return nil
}
