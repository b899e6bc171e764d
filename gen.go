package mps

// GenParams describes one generation's configured capacity and mortality
// estimate, as supplied when a chain is created.
type GenParams struct {
	// Capacity is the approximate size, in bytes, at which this generation
	// should be condemned.
	Capacity Size
	// Mortality is the expected fraction (0..1) of this generation's
	// contents that will die in a typical collection of it; it feeds the
	// rate-pacing estimate of expected survivors.
	Mortality float64
}

// Chain is an ordered list of generation descriptors. The last generation
// in a chain forwards to itself: there is nothing to promote into beyond
// the oldest generation.
type Chain struct {
	gens []GenParams
}

// NewChain builds a chain from the given generation descriptors, youngest
// first.
func NewChain(gens ...GenParams) *Chain {
	assertf(len(gens) > 0, "gen: chain must have at least one generation")
	return &Chain{gens: append([]GenParams(nil), gens...)}
}

// Len returns the number of generations in the chain.
func (c *Chain) Len() int { return len(c.gens) }

// Params returns the configured parameters of generation i.
func (c *Chain) Params(i int) GenParams { return c.gens[i] }

// Generation is a per-pool bucket of segments aged together. Condemnation
// and promotion happen per-generation: a whole generation is condemned at
// once, and whatever survives is forwarded into the next generation in the
// chain (or back into itself, for the last one, or while ramping).
type Generation struct {
	chain *Chain
	index int

	// Accounting, all in bytes.
	totalSize    Size
	freeSize     Size
	newSize      Size // allocated since the generation was last collected
	oldSize      Size // allocated before that and not yet collected
	bufferedSize Size // reserved by live buffers but not yet committed
	deferred     Size // newSize not yet materialized (ramping / hash-array)

	segments []*Segment

	// forwardTo is the generation this one's forwarding buffer currently
	// targets. Normally the next generation in the chain; redirected to
	// itself while ramping, and pinned to the last generation once there is
	// nowhere further to promote.
	forwardTo *Generation

	forwardBuffer *Buffer
}

// newGeneration creates generation index of chain, with no segments and no
// forwarding target set; the pool wires forwardTo once all generations of
// the chain exist.
func newGeneration(chain *Chain, index int) *Generation {
	return &Generation{chain: chain, index: index}
}

// Index returns this generation's position in its chain (0 = youngest).
func (g *Generation) Index() int { return g.index }

// Capacity returns the configured condemnation threshold for this
// generation.
func (g *Generation) Capacity() Size { return g.chain.Params(g.index).Capacity }

// Mortality returns the configured mortality estimate for this generation.
func (g *Generation) Mortality() float64 { return g.chain.Params(g.index).Mortality }

// TotalSize, FreeSize, NewSize, OldSize and BufferedSize report the current
// accounting totals for this generation, matching the pool-gen accounting
// the design calls for.
func (g *Generation) TotalSize() Size    { return g.totalSize }
func (g *Generation) FreeSize() Size     { return g.freeSize }
func (g *Generation) NewSize() Size      { return g.newSize }
func (g *Generation) OldSize() Size      { return g.oldSize }
func (g *Generation) BufferedSize() Size { return g.bufferedSize }

// ShouldCondemn reports whether this generation's new (uncollected) size
// has crossed its configured capacity and it is therefore a candidate for
// the next collection's condemned set. Size is unsigned, and deferred
// routinely exceeds newSize while ramping (every new segment's bytes go
// straight to deferred rather than newSize), so the subtraction must not be
// allowed to wrap: deferred-but-not-yet-materialized bytes simply don't
// count toward the threshold yet.
func (g *Generation) ShouldCondemn() bool {
	if g.deferred >= g.newSize {
		return false
	}
	return g.newSize-g.deferred >= g.Capacity()
}

// addSegment adds seg to this generation's ring and folds its size into the
// appropriate accounting bucket.
func (g *Generation) addSegment(seg *Segment, deferred bool) {
	seg.gen = g
	seg.deferred = deferred
	g.segments = append(g.segments, seg)
	g.totalSize += seg.Size()
	if deferred {
		g.deferred += seg.Size()
	} else {
		g.newSize += seg.Size()
	}
}

// removeSegment drops seg from this generation's ring, e.g. on reclaim. A
// reclaimed segment was whitened (and therefore moved into oldSize by
// markOld) before it could be freed, so its bytes come back out of oldSize
// and into freeSize rather than vanishing from the accounting entirely.
func (g *Generation) removeSegment(seg *Segment) {
	for i, s := range g.segments {
		if s == seg {
			g.segments = append(g.segments[:i], g.segments[i+1:]...)
			break
		}
	}
	g.totalSize -= seg.Size()
	if seg.Size() > g.oldSize {
		g.oldSize = 0
	} else {
		g.oldSize -= seg.Size()
	}
	g.freeSize += seg.Size()
}

// markOld transfers size bytes of a segment's accounting from new to old,
// on whiten: a segment being condemned is no longer "newly allocated", it
// is "awaiting this collection's verdict".
func (g *Generation) markOld(size Size) {
	if size > g.newSize {
		size = g.newSize
	}
	g.newSize -= size
	g.oldSize += size
}

// undefer moves size bytes of deferred accounting into newSize. Its only
// caller is AMCPool.RampEnd, which passes the generation's whole deferred
// total when the outermost ramp ends.
func (g *Generation) undefer(size Size) {
	if size > g.deferred {
		size = g.deferred
	}
	g.deferred -= size
	g.newSize += size
}

// Segments returns the generation's current segment ring. Callers must not
// retain the returned slice across a collection.
func (g *Generation) Segments() []*Segment { return g.segments }
