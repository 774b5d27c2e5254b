package memspace

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// A Mapper owns every Arena of a communicator and resolves
// handles to memory.
//
// It is safe to use a Mapper from many Goroutines.
type Mapper struct {
	lock   sync.RWMutex
	arenas []*Arena
}

// NewMapper creates an empty Mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// NewArena allocates and registers an arena.
//
// The space must be HostLocal or DeviceLocal: RemotePeer is
// a view of another rank's memory, not a place to allocate.
func (m *Mapper) NewArena(space Space, owner int, size uint64) (*Arena, error) {
	if space != HostLocal && space != DeviceLocal {
		return nil, errors.Errorf("cannot allocate an arena in space %s", space)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.arenas) >= 1<<arenaBits-1 {
		return nil, errors.New("too many arenas")
	}
	a := &Arena{
		id:    uint16(len(m.arenas) + 1),
		space: space,
		owner: owner,
		buf:   alignedBytes(AlignedSize(size)),
	}
	m.arenas = append(m.arenas, a)
	return a, nil
}

// Arena looks up an arena by id.
func (m *Mapper) Arena(id uint16) (*Arena, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if id == 0 || int(id) > len(m.arenas) {
		return nil, errors.Errorf("unknown arena %d", id)
	}
	return m.arenas[id-1], nil
}

// Remote returns the view of h that another rank uses to
// write into it.
func (m *Mapper) Remote(h Handle) Handle {
	if h.IsNil() {
		return h
	}
	h.Space = RemotePeer
	return h
}

// Owner returns the rank owning the memory behind h.
func (m *Mapper) Owner(h Handle) (int, error) {
	a, err := m.Arena(h.Arena)
	if err != nil {
		return 0, err
	}
	return a.owner, nil
}

// Resolve returns the bytes referenced by h.
//
// Local handles must match the arena's space. Remote
// handles may refer to any arena.
func (m *Mapper) Resolve(h Handle) ([]byte, error) {
	if h.IsNil() {
		return nil, errors.New("resolve nil handle")
	}
	a, err := m.Arena(h.Arena)
	if err != nil {
		return nil, err
	}
	if h.Space != RemotePeer && h.Space != a.space {
		return nil, errors.Errorf("handle %s addresses %s arena %d", h, a.space, a.id)
	}
	if h.Offset+h.Size > uint64(len(a.buf)) || h.Offset+h.Size < h.Offset {
		return nil, errors.Errorf("handle %s out of bounds of arena %d (%d bytes)", h, a.id, len(a.buf))
	}
	return a.buf[h.Offset : h.Offset+h.Size : h.Offset+h.Size], nil
}

// Words resolves h as a slice of 64-bit words suitable for
// atomic access.
func (m *Mapper) Words(h Handle) ([]uint64, error) {
	if h.Offset%8 != 0 || h.Size%8 != 0 {
		return nil, errors.Errorf("handle %s is not word aligned", h)
	}
	b, err := m.Resolve(h)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8), nil
}

// Cell resolves the first word of h as an atomic 64-bit
// cell, as used for head, tail and pointer-exchange words.
func (m *Mapper) Cell(h Handle) (*atomic.Uint64, error) {
	if h.Size < 8 || h.Offset%8 != 0 {
		return nil, errors.Errorf("handle %s is not a 64-bit cell", h)
	}
	b, err := m.Resolve(h.Sub(0, 8))
	if err != nil {
		return nil, err
	}
	return (*atomic.Uint64)(unsafe.Pointer(&b[0])), nil
}

// Cell32 resolves the first four bytes of h as an atomic
// 32-bit cell.
func (m *Mapper) Cell32(h Handle) (*atomic.Uint32, error) {
	if h.Size < 4 || h.Offset%4 != 0 {
		return nil, errors.Errorf("handle %s is not a 32-bit cell", h)
	}
	b, err := m.Resolve(h.Sub(0, 4))
	if err != nil {
		return nil, err
	}
	return (*atomic.Uint32)(unsafe.Pointer(&b[0])), nil
}
