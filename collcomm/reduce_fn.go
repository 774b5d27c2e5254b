package collcomm

import (
	"encoding/binary"
	"math"

	"github.com/unixpickle/devcomm/work"
	"github.com/x448/float16"
)

// A ReduceFn is an operation that reduces many vectors
// into a single vector, on the host.
type ReduceFn func(vecs ...[]float32) []float32

// Sum is a ReduceFn that computes a vector sum.
func Sum(vecs ...[]float32) []float32 {
	return fold(vecs, func(x, y float32) float32 { return x + y })
}

// Prod is a ReduceFn that computes an elementwise product.
func Prod(vecs ...[]float32) []float32 {
	return fold(vecs, func(x, y float32) float32 { return x * y })
}

// Max is a ReduceFn that computes an elementwise maximum.
func Max(vecs ...[]float32) []float32 {
	return fold(vecs, func(x, y float32) float32 { return max(x, y) })
}

// Min is a ReduceFn that computes an elementwise minimum.
func Min(vecs ...[]float32) []float32 {
	return fold(vecs, func(x, y float32) float32 { return min(x, y) })
}

// ReduceFnFor returns the host equivalent of a device
// reduction.
func ReduceFnFor(op work.RedOp) ReduceFn {
	switch op {
	case work.Prod:
		return Prod
	case work.Max:
		return Max
	case work.Min:
		return Min
	}
	return Sum
}

func fold(vecs [][]float32, f func(x, y float32) float32) []float32 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]float32{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			res[i] = f(res[i], x)
		}
	}
	return res
}

// PutValues encodes vec into buf as elements of type dt.
func PutValues(buf []byte, dt work.DataType, vec []float32) {
	for i, x := range vec {
		if dt == work.Float16 {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(x).Bits())
		} else {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
		}
	}
}

// Values decodes a buffer of elements of type dt.
func Values(buf []byte, dt work.DataType) []float32 {
	res := make([]float32, len(buf)/dt.Size())
	for i := range res {
		if dt == work.Float16 {
			res[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		} else {
			res[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	}
	return res
}
