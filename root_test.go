package mps

import (
	"testing"
	"unsafe"

	"github.com/ravenmem/mps/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTableRootVisitsEveryWord checks that a plain table root offers every
// word in the table to the fixer, in order.
func TestTableRootVisitsEveryWord(t *testing.T) {
	table := []Address{0x10, 0x20, 0x30}
	r := NewTableRoot(format.RankExact, table)
	assert.Equal(t, format.RankExact, r.rank)

	var visited []Address
	require.NoError(t, r.scanner(func(ref *Address) error {
		visited = append(visited, *ref)
		return nil
	}))
	assert.Equal(t, table, visited)
}

// TestTaggedTableRootFiltersByPattern checks that only words matching
// mask/pattern are offered to the fixer, and that the rest are left alone.
func TestTaggedTableRootFiltersByPattern(t *testing.T) {
	const mask, pattern Address = 0x3, 0x0 // only word-aligned (tag bits clear) slots are pointers
	table := []Address{0x1000, 0x1001, 0x2000}
	r := NewTaggedTableRoot(format.RankAmbig, table, mask, pattern)

	var visited []Address
	require.NoError(t, r.scanner(func(ref *Address) error {
		visited = append(visited, *ref)
		return nil
	}))
	assert.Equal(t, []Address{0x1000, 0x2000}, visited, "tagged (non-pointer) slots must be skipped")
}

// TestFormatRootDelegatesToFormatScan checks that a format root's scanner
// walks the given region using the format's own Scan, offering each live
// object's reference field to the fixer.
func TestFormatRootDelegatesToFormatScan(t *testing.T) {
	buf := make([]byte, 4*int(WordSize))
	base := Address(uintptr(unsafe.Pointer(&buf[0])))
	obj := newTestObject(base, 0x99)
	_ = obj

	r := NewFormatRoot(format.RankExact, newTestFormat(), base, base+2*WordSize)

	var visited []Address
	require.NoError(t, r.scanner(func(ref *Address) error {
		visited = append(visited, *ref)
		return nil
	}))
	require.Len(t, visited, 1)
	assert.Equal(t, Address(0x99), visited[0])
}
