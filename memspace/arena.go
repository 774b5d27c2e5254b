package memspace

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// CacheLineSize is the alignment of every arena and of every
// allocation inside one.
const CacheLineSize = 64

// AlignedSize rounds size up to a multiple of CacheLineSize.
func AlignedSize(size uint64) uint64 {
	return (size + CacheLineSize - 1) &^ (CacheLineSize - 1)
}

// alignedBytes allocates a zeroed byte slice whose first
// element is cache-line aligned.
func alignedBytes(size uint64) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+CacheLineSize-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	var offset uintptr
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size)]
}

// A Region is a named allocation inside an Arena.
type Region struct {
	Name   string
	Offset uint64
	Size   uint64
}

// An Arena is one pre-allocated block of memory owned by a
// single rank and living in a single Space.
//
// Allocation is a bump allocator: regions are never freed
// individually, the arena lives as long as its
// communicator.
type Arena struct {
	id    uint16
	space Space
	owner int
	buf   []byte

	lock    sync.Mutex
	next    uint64
	regions []Region
}

// ID returns the arena's identifier within its Mapper.
func (a *Arena) ID() uint16 {
	return a.id
}

// Space returns where the arena lives.
func (a *Arena) Space() Space {
	return a.space
}

// Owner returns the rank that owns the arena.
func (a *Arena) Owner() int {
	return a.owner
}

// Size returns the capacity of the arena in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.buf))
}

// Free returns the number of unallocated bytes.
func (a *Arena) Free() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return uint64(len(a.buf)) - a.next
}

// Regions returns a copy of the allocated regions, in
// allocation order.
func (a *Arena) Regions() []Region {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]Region{}, a.regions...)
}

// Alloc reserves a cache-line aligned, zeroed region.
func (a *Arena) Alloc(name string, size uint64) (Handle, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	aligned := AlignedSize(size)
	if a.next+aligned > uint64(len(a.buf)) {
		return Handle{}, errors.Errorf("arena %d (%s, rank %d): cannot fit %q (%d bytes, %d free)",
			a.id, a.space, a.owner, name, size, uint64(len(a.buf))-a.next)
	}
	offset := a.next
	a.next += aligned
	a.regions = append(a.regions, Region{Name: name, Offset: offset, Size: size})
	return Handle{Space: a.space, Arena: a.id, Offset: offset, Size: size}, nil
}

// MustAlloc is like Alloc, but panics on failure.
func (a *Arena) MustAlloc(name string, size uint64) Handle {
	h, err := a.Alloc(name, size)
	if err != nil {
		panic(err)
	}
	return h
}
