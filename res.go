package mps

// Res is a result code returned across the client-facing surface of the
// collector. Internal engine code that cannot fail (or whose failure is a
// programming error, not a runtime condition) uses ordinary panics instead;
// Res is reserved for conditions the client is expected to handle.
type Res int

const (
	// ResOK indicates success.
	ResOK Res = iota
	// ResFAIL is a generic failure with no more specific code.
	ResFAIL
	// ResLIMIT means a fixed-size resource was exhausted, e.g. no trace id
	// was free when a collection was requested.
	ResLIMIT
	// ResRESOURCE means an allocation failed because the arena is out of
	// memory or has hit a configured commit limit.
	ResRESOURCE
	// ResPARAM means a contract violation: a null required argument, an
	// unaligned address, the wrong pool class, a closed object. No state
	// changes when this is returned.
	ResPARAM
	// ResUNIMPL marks a capability that is deliberately not implemented.
	ResUNIMPL
)

func (r Res) String() string {
	switch r {
	case ResOK:
		return "OK"
	case ResFAIL:
		return "FAIL"
	case ResLIMIT:
		return "LIMIT"
	case ResRESOURCE:
		return "RESOURCE"
	case ResPARAM:
		return "PARAM"
	case ResUNIMPL:
		return "UNIMPL"
	default:
		return "Res(?)"
	}
}

func (r Res) Error() string { return "mps: " + r.String() }

// IsAllocFailure reports whether res is one of the codes that an allocation
// retry loop should treat as "try a GC and/or emergency mode", as opposed to
// a contract violation that must propagate unconditionally.
func IsAllocFailure(res Res) bool {
	return res == ResRESOURCE || res == ResLIMIT
}
