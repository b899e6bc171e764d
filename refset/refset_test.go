package refset

import "testing"

func TestOfAddrMatchesOfRange(t *testing.T) {
	tests := []struct {
		name  string
		shift uint
		addr  uintptr
	}{
		{"zone zero", 12, 0x1000},
		{"high zone", 12, 0xfff00000},
		{"unaligned", 8, 0x12345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			single := OfAddr(tt.shift, tt.addr)
			ranged := OfRange(tt.shift, tt.addr, tt.addr+1)
			if !IsSubset(single, ranged) {
				t.Fatalf("OfAddr(%#x) = %#x not a subset of OfRange = %#x", tt.addr, single, ranged)
			}
		})
	}
}

func TestOfRangeWideFallsBackToUniv(t *testing.T) {
	const shift = 12
	base := uintptr(0)
	limit := base + (uintptr(Width)+1)<<shift
	if got := OfRange(shift, base, limit); got != Univ {
		t.Fatalf("OfRange over a huge span = %#x, want Univ", got)
	}
}

func TestOfRangeEmptyWhenBaseGELimit(t *testing.T) {
	if got := OfRange(12, 0x2000, 0x1000); got != Empty {
		t.Fatalf("OfRange(base >= limit) = %#x, want Empty", got)
	}
	if got := OfRange(12, 0x1000, 0x1000); got != Empty {
		t.Fatalf("OfRange(base == limit) = %#x, want Empty", got)
	}
}

func TestAlgebra(t *testing.T) {
	a := Set(0b0101)
	b := Set(0b0110)

	if got := Union(a, b); got != 0b0111 {
		t.Fatalf("Union = %#b, want 0b0111", got)
	}
	if got := Inter(a, b); got != 0b0100 {
		t.Fatalf("Inter = %#b, want 0b0100", got)
	}
	if got := Diff(a, b); got != 0b0001 {
		t.Fatalf("Diff = %#b, want 0b0001", got)
	}
	if !IsSubset(Inter(a, b), a) {
		t.Fatalf("Inter(a,b) must be a subset of a")
	}
	if IsSubset(a, Inter(a, b)) {
		t.Fatalf("a must not be a subset of its own strict intersection with b here")
	}
}

func TestUnivAndEmptyAreComplementary(t *testing.T) {
	if !IsEmpty(Inter(Empty, Univ)) {
		t.Fatalf("Empty ∩ Univ must be Empty")
	}
	if Union(Empty, Univ) != Univ {
		t.Fatalf("Empty ∪ Univ must be Univ")
	}
}

func TestSoundnessOfSegmentSummary(t *testing.T) {
	// Simulate a segment holding references scattered across its extent and
	// check that the summary of the whole range is a superset of every
	// individual reference's zone.
	const shift = 10
	base, limit := uintptr(0x10000), uintptr(0x20000)
	refs := []uintptr{0x10010, 0x15000, 0x1ffff}

	summary := OfRange(shift, base, limit)
	for _, r := range refs {
		if !IsSubset(OfAddr(shift, r), summary) {
			t.Fatalf("reference %#x zone not covered by range summary %#x", r, summary)
		}
	}
}
