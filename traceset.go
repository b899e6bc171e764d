package mps

// TraceMax bounds the number of collection cycles that may be in flight on
// one arena simultaneously. The source this design is grounded on documents
// a constraint that only a single trace is truly exclusive at a time for
// ramp and whiten bookkeeping (see DESIGN.md, ".single-collection"); the
// state machine itself tolerates several FLIPPED traces, so the limit here
// is generous rather than 1.
const TraceMax = 8

// TraceID identifies a trace's slot in the arena.
type TraceID uint8

// TraceSet is a bitset over trace slots: bit i corresponds to TraceID(i).
// Segments carry several of these (grey, white, nailed) rather than a
// pointer per trace, which keeps them small and makes set operations single
// instructions instead of loops.
type TraceSet uint8

// TraceSetEmpty is the set containing no traces.
const TraceSetEmpty TraceSet = 0

// TraceSetOf builds a TraceSet containing exactly the given ids.
func TraceSetOf(ids ...TraceID) TraceSet {
	var s TraceSet
	for _, id := range ids {
		s = s.With(id)
	}
	return s
}

// With returns s with id added.
func (s TraceSet) With(id TraceID) TraceSet { return s | (1 << id) }

// Without returns s with id removed.
func (s TraceSet) Without(id TraceID) TraceSet { return s &^ (1 << id) }

// Has reports whether id is a member of s.
func (s TraceSet) Has(id TraceID) bool { return s&(1<<id) != 0 }

// Union returns the union of s and t.
func (s TraceSet) Union(t TraceSet) TraceSet { return s | t }

// Inter returns the intersection of s and t.
func (s TraceSet) Inter(t TraceSet) TraceSet { return s & t }

// Diff returns s with every trace in t removed.
func (s TraceSet) Diff(t TraceSet) TraceSet { return s &^ t }

// IsSubset reports whether every trace in s is also in t.
func (s TraceSet) IsSubset(t TraceSet) bool { return s&t == s }

// IsEmpty reports whether s contains no traces.
func (s TraceSet) IsEmpty() bool { return s == TraceSetEmpty }

// Single reports the sole member of s and true, or (0, false) if s does not
// contain exactly one trace.
func (s TraceSet) Single() (TraceID, bool) {
	if s == 0 || s&(s-1) != 0 {
		return 0, false
	}
	for i := TraceID(0); i < TraceMax; i++ {
		if s.Has(i) {
			return i, true
		}
	}
	return 0, false
}

// Each calls f for every trace id in s, in increasing order.
func (s TraceSet) Each(f func(TraceID)) {
	for i := TraceID(0); i < TraceMax; i++ {
		if s.Has(i) {
			f(i)
		}
	}
}
