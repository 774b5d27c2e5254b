// Package work defines the descriptors the host hands to
// device kernels and the per-channel queue that aggregates
// them across a kernel launch.
package work

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/memspace"
)

// ElemSize is the size of a serialized Elem.
const ElemSize = 64

// NoNext is the NextIndex of a descriptor that ends a
// chain.
const NoNext = 0xffff

func init() {
	if ElemSize&(ElemSize-1) != 0 {
		panic("work element size must be a power of two")
	}
}

// A Kind selects the shape variant of a descriptor.
type Kind uint8

const (
	KindColl Kind = iota
	KindP2P
	KindA2AV
)

func (k Kind) String() string {
	switch k {
	case KindColl:
		return "coll"
	case KindP2P:
		return "p2p"
	case KindA2AV:
		return "a2av"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// A Shape is the variant part of a descriptor.
type Shape interface {
	Kind() Kind

	// encodeShape writes the variant fields into the shape
	// area of a record. The area is zeroed beforehand.
	encodeShape(area []byte)
}

// CollShape describes a collective's share of work on one
// channel.
type CollShape struct {
	Bid           uint8
	NChannels     uint8
	Root          uint32
	Count         uint64
	LastChunkSize uint64
}

// P2PShape describes a paired send and receive with the
// peer at a signed rank distance.
type P2PShape struct {
	Delta     int32
	SendCount uint64
	RecvCount uint64
}

// A2AVShape describes an all-to-all with per-peer counts
// stored out of line in Extra.
type A2AVShape struct {
	Bid       uint8
	NChannels uint8
	Count     uint64
	Extra     memspace.Handle
}

func (c *CollShape) Kind() Kind { return KindColl }
func (p *P2PShape) Kind() Kind  { return KindP2P }
func (a *A2AVShape) Kind() Kind { return KindA2AV }

// Offsets into a record. The shape area follows the common
// NThreads field so any consumer can read NThreads before
// knowing the kind.
const (
	offComm      = 0
	offOpCount   = 8
	offSendBuff  = 16
	offRecvBuff  = 24
	offNThreads  = 32
	offShape     = 34
	offShapeEnd  = 56
	offFuncIndex = 56
	offNext      = 58
	offStatus    = 60

	statusActive    = 1
	statusKindShift = 8
)

func (c *CollShape) encodeShape(area []byte) {
	area[0] = c.Bid
	area[1] = c.NChannels
	binary.LittleEndian.PutUint32(area[2:], c.Root)
	binary.LittleEndian.PutUint64(area[6:], c.Count)
	binary.LittleEndian.PutUint64(area[14:], c.LastChunkSize)
}

func (p *P2PShape) encodeShape(area []byte) {
	binary.LittleEndian.PutUint32(area[2:], uint32(p.Delta))
	binary.LittleEndian.PutUint64(area[6:], p.SendCount)
	binary.LittleEndian.PutUint64(area[14:], p.RecvCount)
}

func (a *A2AVShape) encodeShape(area []byte) {
	area[0] = a.Bid
	area[1] = a.NChannels
	binary.LittleEndian.PutUint64(area[6:], a.Count)
	binary.LittleEndian.PutUint64(area[14:], packHandle(a.Extra))
}

func decodeShape(kind Kind, area []byte) (Shape, error) {
	switch kind {
	case KindColl:
		return &CollShape{
			Bid:           area[0],
			NChannels:     area[1],
			Root:          binary.LittleEndian.Uint32(area[2:]),
			Count:         binary.LittleEndian.Uint64(area[6:]),
			LastChunkSize: binary.LittleEndian.Uint64(area[14:]),
		}, nil
	case KindP2P:
		return &P2PShape{
			Delta:     int32(binary.LittleEndian.Uint32(area[2:])),
			SendCount: binary.LittleEndian.Uint64(area[6:]),
			RecvCount: binary.LittleEndian.Uint64(area[14:]),
		}, nil
	case KindA2AV:
		return &A2AVShape{
			Bid:       area[0],
			NChannels: area[1],
			Count:     binary.LittleEndian.Uint64(area[6:]),
			Extra:     unpackHandle(binary.LittleEndian.Uint64(area[14:])),
		}, nil
	}
	return nil, errors.Errorf("unknown descriptor kind %d", kind)
}

// Common holds the fields every variant shares.
type Common struct {
	NThreads uint16
}

// Args are the operands and shape of one operation.
//
// Buffer handles are stored without their sizes; the shape
// determines how much of each buffer is addressed.
type Args struct {
	Comm     memspace.Handle
	OpCount  uint64
	SendBuff memspace.Handle
	RecvBuff memspace.Handle
	Common
	Shape Shape
}

// An Elem is one slot of a work queue.
type Elem struct {
	Args
	FuncIndex uint16
	NextIndex uint16
	Active    bool
}

// Coll returns the collective shape, or nil.
func (e *Elem) Coll() *CollShape {
	s, _ := e.Shape.(*CollShape)
	return s
}

// P2P returns the point-to-point shape, or nil.
func (e *Elem) P2P() *P2PShape {
	s, _ := e.Shape.(*P2PShape)
	return s
}

// A2AV returns the all-to-all shape, or nil.
func (e *Elem) A2AV() *A2AVShape {
	s, _ := e.Shape.(*A2AVShape)
	return s
}

// MarshalBinary encodes e as an ElemSize record.
func (e *Elem) MarshalBinary() ([]byte, error) {
	res := make([]byte, ElemSize)
	if err := e.encode(res); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(res[offStatus:], e.status())
	return res, nil
}

// encode writes everything but the status word.
func (e *Elem) encode(rec []byte) error {
	if e.Shape == nil {
		return errors.New("descriptor has no shape")
	}
	binary.LittleEndian.PutUint64(rec[offComm:], packHandle(e.Comm))
	binary.LittleEndian.PutUint64(rec[offOpCount:], e.OpCount)
	binary.LittleEndian.PutUint64(rec[offSendBuff:], packHandle(e.SendBuff))
	binary.LittleEndian.PutUint64(rec[offRecvBuff:], packHandle(e.RecvBuff))
	binary.LittleEndian.PutUint16(rec[offNThreads:], e.NThreads)
	area := rec[offShape:offShapeEnd]
	for i := range area {
		area[i] = 0
	}
	e.Shape.encodeShape(area)
	binary.LittleEndian.PutUint16(rec[offFuncIndex:], e.FuncIndex)
	binary.LittleEndian.PutUint16(rec[offNext:], e.NextIndex)
	return nil
}

func (e *Elem) status() uint32 {
	s := uint32(e.Shape.Kind()) << statusKindShift
	if e.Active {
		s |= statusActive
	}
	return s
}

// UnmarshalBinary decodes a record produced by
// MarshalBinary.
func (e *Elem) UnmarshalBinary(data []byte) error {
	if len(data) != ElemSize {
		return errors.Errorf("work record has %d bytes, expected %d", len(data), ElemSize)
	}
	return e.decode(data, binary.LittleEndian.Uint32(data[offStatus:]))
}

func (e *Elem) decode(rec []byte, status uint32) error {
	shape, err := decodeShape(Kind(status>>statusKindShift), rec[offShape:offShapeEnd])
	if err != nil {
		return err
	}
	*e = Elem{
		Args: Args{
			Comm:     unpackHandle(binary.LittleEndian.Uint64(rec[offComm:])),
			OpCount:  binary.LittleEndian.Uint64(rec[offOpCount:]),
			SendBuff: unpackHandle(binary.LittleEndian.Uint64(rec[offSendBuff:])),
			RecvBuff: unpackHandle(binary.LittleEndian.Uint64(rec[offRecvBuff:])),
			Common:   Common{NThreads: binary.LittleEndian.Uint16(rec[offNThreads:])},
			Shape:    shape,
		},
		FuncIndex: binary.LittleEndian.Uint16(rec[offFuncIndex:]),
		NextIndex: binary.LittleEndian.Uint16(rec[offNext:]),
		Active:    status&statusActive != 0,
	}
	return nil
}

func packHandle(h memspace.Handle) uint64 {
	if h.IsNil() {
		return 0
	}
	return h.Pack()
}

func unpackHandle(v uint64) memspace.Handle {
	if v == 0 {
		return memspace.Handle{}
	}
	return memspace.Unpack(v)
}
