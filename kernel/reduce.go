package kernel

import (
	"encoding/binary"
	"math"

	"github.com/unixpickle/devcomm/work"
	"github.com/x448/float16"
)

// reduce sets dst[i] = a[i] op b[i] elementwise. The slices
// must have equal lengths and may alias.
func reduce(dt work.DataType, op work.RedOp, dst, a, b []byte) {
	if len(a) != len(dst) || len(b) != len(dst) {
		panic("mismatching lengths")
	}
	le := binary.LittleEndian
	switch dt {
	case work.Float32:
		for i := 0; i+4 <= len(dst); i += 4 {
			x := math.Float32frombits(le.Uint32(a[i:]))
			y := math.Float32frombits(le.Uint32(b[i:]))
			le.PutUint32(dst[i:], math.Float32bits(apply(op, x, y)))
		}
	case work.Float16:
		for i := 0; i+2 <= len(dst); i += 2 {
			x := float16.Frombits(le.Uint16(a[i:])).Float32()
			y := float16.Frombits(le.Uint16(b[i:])).Float32()
			le.PutUint16(dst[i:], float16.Fromfloat32(apply(op, x, y)).Bits())
		}
	default:
		panic("unknown data type")
	}
}

func apply(op work.RedOp, x, y float32) float32 {
	switch op {
	case work.Sum:
		return x + y
	case work.Prod:
		return x * y
	case work.Max:
		if y > x {
			return y
		}
		return x
	case work.Min:
		if y < x {
			return y
		}
		return x
	}
	panic("unknown reduction")
}
