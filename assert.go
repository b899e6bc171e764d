package mps

import (
	"fmt"

	"github.com/sigurn/crc16"
)

// debugAsserts gates the internal consistency checks made through assertf.
// It is off by default; set it in an init() in a test binary to turn the
// checks into panics. There is no build tag for it.
var debugAsserts = false

// assertf panics with a formatted message if cond is false and debugAsserts
// is enabled. It marks a contract violation or an internal invariant break,
// never a recoverable resource condition — those are reported through Res
// instead. Outside debug builds this is a no-op: a client programming error
// it would have caught is undefined behavior, per §7, not a release-build
// abort.
func assertf(cond bool, format string, args ...any) {
	if debugAsserts && !cond {
		panic("mps: " + fmt.Sprintf(format, args...))
	}
}

// crc16Table is the checksum table used by checksum, shared across calls
// rather than rebuilt per segment.
var crc16Table = crc16.MakeTable(crc16.CRC16_XMODEM)

// checksum computes a CRC-16 (XMODEM) integrity checksum over a byte range,
// for checkedWord. It is not a security checksum and is not exposed outside
// the package. No collector code path constructs or checks a checkedWord;
// the pair is a standalone helper.
func checksum(b []byte) uint16 {
	return crc16.Checksum(b, crc16Table)
}

// checkedWord pairs a value with a checksum of its own bytes, so that valid
// can detect a torn or stray write into the value.
type checkedWord struct {
	value Word
	sum   uint16
}

func newCheckedWord(v Word) checkedWord {
	return checkedWord{value: v, sum: checksum(wordBytes(v))}
}

func (c checkedWord) valid() bool {
	return checksum(wordBytes(c.value)) == c.sum
}

func wordBytes(v Word) []byte {
	b := make([]byte, WordSize)
	for i := Size(0); i < WordSize; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
