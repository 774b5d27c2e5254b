package wire

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// LLLineSize is the size of an LL line in bytes.
const LLLineSize = 16

// LLLinesPerThread is the number of lines one thread moves
// per step.
const LLLinesPerThread = 8

// An LLLine is the transfer unit of the LL protocol.
//
// Each flag follows its data word: a transport that delivers
// bytes in order (sockets) or in 8-byte units (RDMA) can
// never expose a fresh flag next to stale data.
type LLLine struct {
	Data1 uint32
	Flag1 uint32
	Data2 uint32
	Flag2 uint32
}

// MakeLL builds a line carrying 8 bytes of data.
func MakeLL(data uint64, flag uint32) LLLine {
	return LLLine{
		Data1: uint32(data),
		Flag1: flag,
		Data2: uint32(data >> 32),
		Flag2: flag,
	}
}

// Data returns the 8 data bytes of the line.
func (l LLLine) Data() uint64 {
	return uint64(l.Data1) | uint64(l.Data2)<<32
}

// Valid reports whether both halves carry flag.
func (l LLLine) Valid(flag uint32) bool {
	return l.Flag1 == flag && l.Flag2 == flag
}

// Pack returns the two 8-byte halves of the line as they are
// laid out in memory (little endian: data in the low word).
func (l LLLine) Pack() [2]uint64 {
	return [2]uint64{
		uint64(l.Data1) | uint64(l.Flag1)<<32,
		uint64(l.Data2) | uint64(l.Flag2)<<32,
	}
}

// UnpackLL is the inverse of LLLine.Pack.
func UnpackLL(v [2]uint64) LLLine {
	return LLLine{
		Data1: uint32(v[0]),
		Flag1: uint32(v[0] >> 32),
		Data2: uint32(v[1]),
		Flag2: uint32(v[1] >> 32),
	}
}

// StoreLL writes line idx of a buffer viewed as words.
// Each half is a single 8-byte atomic store.
func StoreLL(words []uint64, idx int, line LLLine) {
	p := line.Pack()
	atomic.StoreUint64(&words[2*idx], p[0])
	atomic.StoreUint64(&words[2*idx+1], p[1])
}

// TornStoreLL writes a line as four separate 4-byte stores,
// data before flag, like a byte-stream transport does.
// A reader racing with it sees stale flags, never fresh
// flags next to stale data.
func TornStoreLL(words []uint64, idx int, line LLLine) {
	halves := (*[4]uint32)(unsafe.Pointer(&words[2*idx]))
	atomic.StoreUint32(&halves[0], line.Data1)
	atomic.StoreUint32(&halves[1], line.Flag1)
	atomic.StoreUint32(&halves[2], line.Data2)
	atomic.StoreUint32(&halves[3], line.Flag2)
}

// ReadLL atomically reads both halves of a line.
func ReadLL(words []uint64, idx int) LLLine {
	return UnpackLL([2]uint64{
		atomic.LoadUint64(&words[2*idx]),
		atomic.LoadUint64(&words[2*idx+1]),
	})
}

// LoadLL reads a line and returns its data if it carries
// the expected flag.
func LoadLL(words []uint64, idx int, flag uint32) (uint64, bool) {
	line := ReadLL(words, idx)
	if !line.Valid(flag) {
		return 0, false
	}
	return line.Data(), true
}

// StoreLLPayload writes payload into the first lines of
// words, zero-padding the last line.
func StoreLLPayload(words []uint64, payload []byte, flag uint32) {
	for i := 0; i*8 < len(payload); i++ {
		StoreLL(words, i, MakeLL(ChunkWord(payload[i*8:]), flag))
	}
}

// CleanLL re-primes every line of words with zero data and
// the given flag.
func CleanLL(words []uint64, flag uint32) {
	for i := 0; i < len(words)/2; i++ {
		StoreLL(words, i, MakeLL(0, flag))
	}
}

// ChunkWord reads up to 8 bytes of b as a zero-padded
// little-endian word.
func ChunkWord(b []byte) uint64 {
	if len(b) >= 8 {
		return binary.LittleEndian.Uint64(b)
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:])
}

// PutWord writes the first min(8, len(b)) bytes of a
// little-endian word into b.
func PutWord(b []byte, v uint64) {
	if len(b) >= 8 {
		binary.LittleEndian.PutUint64(b, v)
		return
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(b, tmp[:])
}
