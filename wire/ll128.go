package wire

import "sync/atomic"

const (
	LL128LineSize  = 64
	LL128LineElems = LL128LineSize / 8
	LL128DataElems = LL128LineElems - 1

	LL128MaxThreads          = 256
	LL128ElemsPerThread      = 120
	LL128ShmemElemsPerThread = 8
	LL128ShmemSize           = LL128ShmemElemsPerThread * LL128MaxThreads
)

// LL128Split returns how many of nThreads are given to the
// receive/reduce side of an operation that both receives and
// sends: receiving from several sources costs more than
// sending, so the split is 70/30 rounded down to warps of 32.
func LL128Split(nThreads int) int {
	return (nThreads * 7 / (10 * 32)) * 32
}

// LL128SplitThreads splits nThreads into reduce and
// broadcast groups, falling back to an even split when the
// block is too small for LL128Split to give both groups a
// thread.
func LL128SplitThreads(nThreads int) (reduce, bcast int) {
	reduce = LL128Split(nThreads)
	if reduce <= 0 || reduce >= nThreads {
		reduce = nThreads / 2
	}
	return reduce, nThreads - reduce
}

// LL128GroupLines returns the number of lines nThreads
// threads move per step.
func LL128GroupLines(nThreads int) int {
	return nThreads * LL128ElemsPerThread / LL128LineElems
}

// LL128WarpRanges statically assigns nLines lines of a slot
// to the warps of an nThreads block, in warp order.
// Each range is [start, end).
func LL128WarpRanges(nThreads, nLines int) [][2]int {
	nWarps := (nThreads + WarpSize - 1) / WarpSize
	if nWarps < 1 {
		nWarps = 1
	}
	per := (nLines + nWarps - 1) / nWarps
	ranges := make([][2]int, 0, nWarps)
	for w := 0; w < nWarps; w++ {
		start := w * per
		end := start + per
		if start > nLines {
			start = nLines
		}
		if end > nLines {
			end = nLines
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// StoreLL128 writes one line: up to LL128DataElems payload
// words, then the flag word.
func StoreLL128(words []uint64, line int, payload []uint64, flag uint32) {
	base := line * LL128LineElems
	for i := 0; i < LL128DataElems; i++ {
		var v uint64
		if i < len(payload) {
			v = payload[i]
		}
		atomic.StoreUint64(&words[base+i], v)
	}
	atomic.StoreUint64(&words[base+LL128DataElems], uint64(flag))
}

// LoadLL128 reads one line into dst if its flag word carries
// flag, and reports whether it did.
func LoadLL128(words []uint64, line int, flag uint32, dst []uint64) bool {
	base := line * LL128LineElems
	if atomic.LoadUint64(&words[base+LL128DataElems]) != uint64(flag) {
		return false
	}
	for i := range dst {
		if i >= LL128DataElems {
			break
		}
		dst[i] = atomic.LoadUint64(&words[base+i])
	}
	return true
}

// CleanLL128 re-primes every line of words with flag.
func CleanLL128(words []uint64, flag uint32) {
	for line := 0; line < len(words)/LL128LineElems; line++ {
		StoreLL128(words, line, nil, flag)
	}
}

// CopyLine copies one line of lineWords words from src to
// dst with atomic word loads and stores, flag word last.
// torn selects socket-style 4-byte stores for LL lines.
func CopyLine(dst, src []uint64, line, lineWords int, torn bool) {
	base := line * lineWords
	if torn && lineWords == LLLineSize/8 {
		TornStoreLL(dst, line, ReadLL(src, line))
		return
	}
	for i := 0; i < lineWords; i++ {
		atomic.StoreUint64(&dst[base+i], atomic.LoadUint64(&src[base+i]))
	}
}
