// Package format describes the client object-format contract: the
// capability set a language runtime supplies so the collector can discover,
// move, and reclaim objects of that runtime's own making.
//
// Everything in this package is a consumer-side interface. The collector
// never implements a Format itself; it only calls into one supplied by the
// client. Every method here must be async-signal-safe, re-entrant,
// non-allocating, and bounded to a small, fixed amount of stack, because
// some of them run from inside the read-barrier fault handler.
package format

// Rank classifies where a reference was discovered and constrains how the
// collector's fix protocol is allowed to treat it.
type Rank int

const (
	// RankAmbig references were found by conservatively scanning a region
	// where every word might or might not be a pointer (e.g. a mutator
	// stack). Fix must tolerate non-pointer values at this rank.
	RankAmbig Rank = iota
	// RankExact references are known, at compile time or by the format, to
	// always be valid pointers (or null).
	RankExact
	// RankWeak references must be splatted rather than kept alive if the
	// referent would not otherwise survive the cycle.
	RankWeak
)

func (r Rank) String() string {
	switch r {
	case RankAmbig:
		return "AMBIG"
	case RankExact:
		return "EXACT"
	case RankWeak:
		return "WEAK"
	default:
		return "Rank(?)"
	}
}

// Fixer is the capability a scan state exposes back to a Format's Scan
// method: call Fix once for every candidate reference field discovered,
// in increasing address order. Fix may rewrite *ref in place (to the
// post-move address of its target) or leave it untouched.
type Fixer interface {
	Fix(ref *uintptr) error
}

// Format is the capability set a client supplies describing the layout of
// objects it allocates through the collector. A single Format instance may
// be shared by several pools and must outlive all of them.
type Format interface {
	// Alignment all objects of this format are aligned to.
	Alignment() uintptr

	// HeaderSize is the number of bytes of client header that precede the
	// client-visible object at any address the collector hands back from an
	// allocation. The collector preserves this header verbatim when it
	// copies an object.
	HeaderSize() uintptr

	// Skip returns the address of the object immediately following obj,
	// including any padding objects the collector inserted.
	Skip(obj uintptr) uintptr

	// Scan calls fixer.Fix for every reference field found in [base, limit),
	// which is an integral number of whole objects. Scan must visit objects
	// in increasing address order and must not allocate.
	Scan(fixer Fixer, base, limit uintptr) error

	// Forward overwrites the object at old with a forwarding marker
	// ("broken heart") recording that it has moved to new. After Forward
	// returns, Skip(old) must still return the same value it did before the
	// object moved, and IsMoved(old) must return new.
	Forward(old, new uintptr)

	// IsMoved returns the forwarding target of obj if Forward has been
	// called on it, or 0 if obj has not moved.
	IsMoved(obj uintptr) uintptr

	// Pad overwrites [obj, obj+size) with a single padding object that
	// remains Skip-able and Scan-able (as an object with no references).
	// size is always a multiple of Alignment.
	Pad(obj uintptr, size uintptr)
}

// ClassFormat is an optional extension a format may provide, corresponding
// to the CLASS option in the format option set: a way to classify an object
// independent of its scan state, used by walkers and diagnostics.
type ClassFormat interface {
	Format
	Class(obj uintptr) uintptr
}
