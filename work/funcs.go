package work

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/wire"
)

// A Func is a collective or point-to-point operation.
type Func uint8

const (
	Broadcast Func = iota
	Reduce
	AllGather
	ReduceScatter
	AllReduce
	Gather
	Scatter
	AllToAll
	AllToAllv
	SendRecv

	NumFuncs = int(SendRecv) + 1
)

func (f Func) String() string {
	names := [...]string{"Broadcast", "Reduce", "AllGather", "ReduceScatter", "AllReduce",
		"Gather", "Scatter", "AllToAll", "AllToAllv", "SendRecv"}
	if int(f) < len(names) {
		return names[f]
	}
	return fmt.Sprintf("Func(%d)", uint8(f))
}

// Kind returns the shape kind descriptors of f carry.
// Rooted and uniform all-to-all operations use the
// collective shape for their root and per-rank count.
func (f Func) Kind() Kind {
	switch f {
	case SendRecv:
		return KindP2P
	case AllToAllv:
		return KindA2AV
	}
	return KindColl
}

// An Algo is the topology an operation runs over.
type Algo uint8

const (
	Tree Algo = iota
	Ring
	CollNet

	NumAlgos = int(CollNet) + 1
)

func (a Algo) String() string {
	switch a {
	case Tree:
		return "Tree"
	case Ring:
		return "Ring"
	case CollNet:
		return "CollNet"
	}
	return fmt.Sprintf("Algo(%d)", uint8(a))
}

// A RedOp is an elementwise reduction.
type RedOp uint8

const (
	Sum RedOp = iota
	Prod
	Max
	Min

	NumRedOps = int(Min) + 1
)

func (r RedOp) String() string {
	switch r {
	case Sum:
		return "Sum"
	case Prod:
		return "Prod"
	case Max:
		return "Max"
	case Min:
		return "Min"
	}
	return fmt.Sprintf("RedOp(%d)", uint8(r))
}

// A DataType is an element type.
type DataType uint8

const (
	Float32 DataType = iota
	Float16

	NumDataTypes = int(Float16) + 1
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("DataType(%d)", uint8(d))
}

// Size returns the size of one element in bytes.
func (d DataType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// A FuncDesc selects the device function that runs a
// descriptor.
type FuncDesc struct {
	Fn    Func
	Algo  Algo
	Proto wire.Protocol
	Op    RedOp
	Type  DataType
}

// Index packs f into a function table index.
func (f FuncDesc) Index() uint16 {
	idx := int(f.Fn)
	idx = idx*NumRedOps + int(f.Op)
	idx = idx*NumDataTypes + int(f.Type)
	idx = idx*NumAlgos + int(f.Algo)
	idx = idx*wire.NumProtocols + int(f.Proto)
	return uint16(idx)
}

// DecodeFuncIndex is the inverse of FuncDesc.Index.
func DecodeFuncIndex(idx uint16) (FuncDesc, error) {
	total := NumFuncs * NumRedOps * NumDataTypes * NumAlgos * wire.NumProtocols
	if int(idx) >= total {
		return FuncDesc{}, errors.Errorf("function index %d out of range", idx)
	}
	i := int(idx)
	var f FuncDesc
	f.Proto = wire.Protocol(i % wire.NumProtocols)
	i /= wire.NumProtocols
	f.Algo = Algo(i % NumAlgos)
	i /= NumAlgos
	f.Type = DataType(i % NumDataTypes)
	i /= NumDataTypes
	f.Op = RedOp(i % NumRedOps)
	f.Fn = Func(i / NumRedOps)
	return f, nil
}

func (f FuncDesc) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", f.Fn, f.Algo, f.Proto, f.Op, f.Type)
}
