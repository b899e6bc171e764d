package mps

import (
	"unsafe"

	"github.com/ravenmem/mps/format"
)

// testObjectWords is the fixed size, in words, of every live object this
// test format allocates: a tag word and a single pointer field. Real
// clients have far richer layouts (see format.BitLayout for the common
// case); a fixed two-word shape is the smallest thing that exercises
// Scan/Forward/IsMoved/Pad/Skip faithfully.
const testObjectWords = 2

const (
	testTagLive = 0
	testTagPad  = 1
	testTagFwd  = 2
)

// testFormat is a minimal format.Format for tests: every live object is two
// words, [tag, ref]; a pad object is [tagPad, sizeInWords]; a forwarded
// object is [tagFwd, newAddress].
type testFormat struct{}

func newTestFormat() *testFormat { return &testFormat{} }

func (f *testFormat) Alignment() uintptr { return unsafe.Sizeof(uintptr(0)) }
func (f *testFormat) HeaderSize() uintptr { return 0 }

func word(addr uintptr, i int) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr + uintptr(i)*unsafe.Sizeof(uintptr(0))))
}

func (f *testFormat) Skip(obj uintptr) uintptr {
	switch *word(obj, 0) {
	case testTagPad:
		return obj + *word(obj, 1)*unsafe.Sizeof(uintptr(0))
	default:
		return obj + testObjectWords*unsafe.Sizeof(uintptr(0))
	}
}

func (f *testFormat) Scan(fixer format.Fixer, base, limit uintptr) error {
	for obj := base; obj < limit; obj = f.Skip(obj) {
		if *word(obj, 0) != testTagLive {
			continue
		}
		if err := fixer.Fix(word(obj, 1)); err != nil {
			return err
		}
	}
	return nil
}

func (f *testFormat) Forward(old, new uintptr) {
	*word(old, 0) = testTagFwd
	*word(old, 1) = new
}

func (f *testFormat) IsMoved(obj uintptr) uintptr {
	if *word(obj, 0) != testTagFwd {
		return 0
	}
	return *word(obj, 1)
}

func (f *testFormat) Pad(obj uintptr, size uintptr) {
	*word(obj, 0) = testTagPad
	*word(obj, 1) = size / unsafe.Sizeof(uintptr(0))
}

// newTestObject initializes a live object at addr with the given pointer
// field (0 for none) and returns addr unchanged, for chaining into table
// roots.
func newTestObject(addr uintptr, ref uintptr) uintptr {
	*word(addr, 0) = testTagLive
	*word(addr, 1) = ref
	return addr
}

func testObjectRef(addr uintptr) uintptr { return *word(addr, 1) }
