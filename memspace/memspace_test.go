package memspace

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePack(t *testing.T) {
	for _, h := range []Handle{
		{Space: DeviceLocal, Arena: 1, Offset: 0},
		{Space: HostLocal, Arena: 7, Offset: 0x1234},
		{Space: RemotePeer, Arena: 0xffff, Offset: MaxOffset},
	} {
		got := Unpack(h.Pack())
		assert.Equal(t, h, got)
	}
	assert.True(t, Unpack(Handle{}.Pack()).IsNil())
}

func TestArenaAlloc(t *testing.T) {
	m := NewMapper()
	a, err := m.NewArena(DeviceLocal, 3, 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Owner())
	assert.Equal(t, uint64(1024), a.Size())

	h1, err := a.Alloc("first", 10)
	require.NoError(t, err)
	h2, err := a.Alloc("second", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h1.Offset)
	assert.Equal(t, uint64(CacheLineSize), h2.Offset)
	assert.Equal(t, uint64(1024-64-128), a.Free())

	_, err = a.Alloc("too big", 2000)
	assert.Error(t, err)

	b, err := m.Resolve(h2)
	require.NoError(t, err)
	assert.Len(t, b, 100)
	assert.Zero(t, uintptr(unsafe.Pointer(&b[0]))%CacheLineSize)

	regions := a.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, "second", regions[1].Name)
}

func TestResolveChecks(t *testing.T) {
	m := NewMapper()
	_, err := m.NewArena(RemotePeer, 0, 64)
	assert.Error(t, err)

	a, err := m.NewArena(HostLocal, 0, 256)
	require.NoError(t, err)
	h := a.MustAlloc("x", 64)

	_, err = m.Resolve(Handle{})
	assert.Error(t, err)

	wrongSpace := h
	wrongSpace.Space = DeviceLocal
	_, err = m.Resolve(wrongSpace)
	assert.Error(t, err)

	_, err = m.Resolve(m.Remote(h))
	assert.NoError(t, err)

	outside := h
	outside.Offset = 250
	_, err = m.Resolve(outside)
	assert.Error(t, err)

	unknown := h
	unknown.Arena = 99
	_, err = m.Resolve(unknown)
	assert.Error(t, err)
}

func TestCellsShareMemory(t *testing.T) {
	m := NewMapper()
	a, err := m.NewArena(DeviceLocal, 0, 128)
	require.NoError(t, err)
	h := a.MustAlloc("tail", 16)

	local, err := m.Cell(h)
	require.NoError(t, err)
	remote, err := m.Cell(m.Remote(h))
	require.NoError(t, err)
	remote.Store(42)
	assert.Equal(t, uint64(42), local.Load())

	words, err := m.Words(h)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, uint64(42), words[0])

	_, err = m.Cell(h.Sub(4, 8))
	assert.Error(t, err)
}
