// Package memspace models the memory shared between the
// host, device kernels and remote peers.
//
// Buffers are never addressed with bare pointers.
// A Handle names an Arena, an offset into it and the
// memory space through which it is being accessed, and a
// Mapper resolves handles to bytes.
package memspace

import "fmt"

// A Space identifies where memory lives relative to the
// code that addresses it.
type Space uint8

const (
	// Invalid is the Space of the nil Handle.
	Invalid Space = iota

	// HostLocal memory is host-resident and owned by the
	// addressing rank (e.g. host-visible peer tables or
	// shared-memory transport buffers).
	HostLocal

	// DeviceLocal memory is resident on the addressing
	// rank's device.
	DeviceLocal

	// RemotePeer memory is owned by another rank and is
	// written through a mapping (e.g. a sender writing into
	// its receiver's buffer).
	RemotePeer
)

// String returns a short name for the space.
func (s Space) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case HostLocal:
		return "host"
	case DeviceLocal:
		return "device"
	case RemotePeer:
		return "remote"
	}
	return fmt.Sprintf("Space(%d)", uint8(s))
}

const (
	offsetBits = 40
	arenaBits  = 16

	// MaxOffset is the largest offset a packed Handle can
	// carry.
	MaxOffset = 1<<offsetBits - 1
)

// A Handle is a typed reference to a range of bytes in an
// Arena.
//
// The zero Handle is nil.
type Handle struct {
	Space  Space
	Arena  uint16
	Offset uint64
	Size   uint64
}

// IsNil checks if the handle refers to nothing.
func (h Handle) IsNil() bool {
	return h.Space == Invalid
}

// Sub returns a handle to a sub-range of h.
func (h Handle) Sub(offset, size uint64) Handle {
	if offset+size > h.Size {
		panic("sub-range out of bounds")
	}
	return Handle{
		Space:  h.Space,
		Arena:  h.Arena,
		Offset: h.Offset + offset,
		Size:   size,
	}
}

// Pack encodes the space, arena and offset of h into a
// single word for storage in fixed-size records.
//
// The size is not encoded: records that store handles keep
// their own lengths.
func (h Handle) Pack() uint64 {
	if h.Offset > MaxOffset {
		panic("offset too large to pack")
	}
	return uint64(h.Space)<<(offsetBits+arenaBits) | uint64(h.Arena)<<offsetBits | h.Offset
}

// Unpack decodes a word produced by Handle.Pack.
// The resulting handle has a zero Size.
func Unpack(v uint64) Handle {
	return Handle{
		Space:  Space(v >> (offsetBits + arenaBits)),
		Arena:  uint16(v >> offsetBits),
		Offset: v & MaxOffset,
	}
}

// String formats the handle for logs.
func (h Handle) String() string {
	if h.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%s:%d+%#x[%d]", h.Space, h.Arena, h.Offset, h.Size)
}
