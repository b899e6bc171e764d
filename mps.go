// Package mps implements the tracing engine of an embeddable, incremental,
// generational, moving garbage collector: the trace state machine, the
// generational tricolor invariant, the fix protocol, and the AMC pool class
// that performs copying collection for a generation.
//
// The package does not implement a compacting mark-sweep collector, is not
// concurrent with the mutator (it stops the world for a flip and then scans
// incrementally under barriers), and does not require precise stack maps —
// ambiguous roots are supported via nailing. It deliberately stops short of
// the OS virtual-memory layer (segment memory is borrowed from the Go heap),
// non-moving pool classes (the Pool interface is their only
// representation), and telemetry. Its segment table is a plain sorted
// slice. Object layout is consumed through the format package's interfaces,
// and barriers and thread suspension through the shield package's Platform
// interface, which ships a Software and a POSIX backend.
package mps

import (
	"fmt"
	"unsafe"

	"github.com/inhies/go-bytesize"
)

// Address is a pointer-sized integer used throughout the collector in place
// of unsafe.Pointer, so that arithmetic (alignment, ranges, zone hashing)
// reads naturally.
type Address = uintptr

// Word is a machine word, the natural unit of scanning and of RefSet zones.
type Word = uintptr

// Size is a byte count.
type Size = uintptr

// WordSize is the size in bytes of a Word.
const WordSize = unsafe.Sizeof(Word(0))

// AlignUp rounds addr up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(addr Address, align Size) Address {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to the nearest multiple of align, which must be
// a power of two.
func AlignDown(addr Address, align Size) Address {
	return addr &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr Address, align Size) bool {
	return addr&(align-1) == 0
}

// SizeAlignUp rounds size up to the nearest multiple of align.
func SizeAlignUp(size Size, align Size) Size {
	return (size + align - 1) &^ (align - 1)
}

// ParseSize parses a human-readable size such as "64KB", "2MiB" or "512"
// (bytes, if no unit is given), for configuration values like
// ArenaParams.CommitLimit, GenParams.Capacity and AMCParams.ExtendBy that a
// caller would otherwise have to spell out in raw bytes.
func ParseSize(s string) (Size, error) {
	bs, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("mps: invalid size %q: %w", s, err)
	}
	return Size(bs), nil
}

// FormatSize renders size the same way ParseSize's input looks, picking the
// largest unit that keeps the value at or above one, for use in diagnostic
// output and error messages.
func FormatSize(size Size) string {
	return bytesize.New(float64(size)).String()
}
