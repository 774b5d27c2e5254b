package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/wire"
)

func testElems() []Elem {
	comm := memspace.Handle{Space: memspace.DeviceLocal, Arena: 1, Offset: 0x40}
	send := memspace.Handle{Space: memspace.DeviceLocal, Arena: 2, Offset: 0x1000}
	recv := memspace.Handle{Space: memspace.RemotePeer, Arena: 3, Offset: 0x2000}
	extra := memspace.Handle{Space: memspace.HostLocal, Arena: 4, Offset: 0x80}
	return []Elem{
		{
			Args: Args{
				Comm: comm, OpCount: 1 << 40, SendBuff: send, RecvBuff: recv,
				Common: Common{NThreads: 256},
				Shape: &CollShape{Bid: 3, NChannels: 4, Root: 0xdeadbeef,
					Count: 1 << 33, LastChunkSize: 12345},
			},
			FuncIndex: FuncDesc{Fn: AllReduce, Algo: Ring, Proto: wire.Simple}.Index(),
			NextIndex: NoNext,
		},
		{
			Args: Args{
				Comm: comm, OpCount: 7, SendBuff: send,
				Common: Common{NThreads: 64},
				Shape:  &P2PShape{Delta: -3, SendCount: 0xffffffffff, RecvCount: 9},
			},
			FuncIndex: FuncDesc{Fn: SendRecv, Proto: wire.LL}.Index(),
			NextIndex: 5,
			Active:    true,
		},
		{
			Args: Args{
				Comm: comm, OpCount: 8, SendBuff: send, RecvBuff: recv,
				Common: Common{NThreads: 128},
				Shape:  &A2AVShape{Bid: 1, NChannels: 2, Count: 77, Extra: extra},
			},
			FuncIndex: FuncDesc{Fn: AllToAllv, Proto: wire.LL128}.Index(),
		},
	}
}

func TestElemRoundTrip(t *testing.T) {
	for _, e := range testElems() {
		e := e
		t.Run(e.Shape.Kind().String(), func(t *testing.T) {
			data, err := e.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, data, ElemSize)
			var decoded Elem
			require.NoError(t, decoded.UnmarshalBinary(data))
			assert.Equal(t, e, decoded)
			assert.Equal(t, e.NThreads, uint16(data[offNThreads])|uint16(data[offNThreads+1])<<8)
		})
	}
}

func TestElemNoVariantContamination(t *testing.T) {
	elems := testElems()
	rec := make([]byte, ElemSize)
	for i := range rec {
		rec[i] = 0xff
	}
	for _, first := range elems {
		first := first
		for _, second := range elems {
			second := second
			require.NoError(t, first.encode(rec))
			require.NoError(t, second.encode(rec))
			var decoded Elem
			require.NoError(t, decoded.decode(rec, second.status()))
			assert.Equal(t, second.Shape, decoded.Shape)
		}
	}

	// Bytes a variant does not use are zero.
	require.NoError(t, elems[1].encode(rec))
	assert.Equal(t, []byte{0, 0}, rec[offShape:offShape+2])
	require.NoError(t, elems[2].encode(rec))
	assert.Equal(t, []byte{0, 0, 0, 0}, rec[offShape+2:offShape+6])
}

func TestElemErrors(t *testing.T) {
	var e Elem
	_, err := e.MarshalBinary()
	assert.Error(t, err)
	assert.Error(t, e.UnmarshalBinary(make([]byte, ElemSize-1)))

	rec := make([]byte, ElemSize)
	rec[offStatus+1] = 9
	assert.Error(t, e.UnmarshalBinary(rec))
}

func TestFuncIndex(t *testing.T) {
	seen := map[uint16]bool{}
	for fn := 0; fn < NumFuncs; fn++ {
		for algo := 0; algo < NumAlgos; algo++ {
			for _, proto := range wire.Protocols {
				for op := 0; op < NumRedOps; op++ {
					for dt := 0; dt < NumDataTypes; dt++ {
						f := FuncDesc{Fn: Func(fn), Algo: Algo(algo), Proto: proto,
							Op: RedOp(op), Type: DataType(dt)}
						idx := f.Index()
						assert.False(t, seen[idx], "duplicate index for %s", f)
						seen[idx] = true
						decoded, err := DecodeFuncIndex(idx)
						require.NoError(t, err)
						assert.Equal(t, f, decoded)
					}
				}
			}
		}
	}
	_, err := DecodeFuncIndex(uint16(len(seen)))
	assert.Error(t, err)
}

func testQueue(t *testing.T, capacity int) *Queue {
	m := memspace.NewMapper()
	a, err := m.NewArena(memspace.DeviceLocal, 0, uint64(capacity*ElemSize))
	require.NoError(t, err)
	q, err := NewQueue(m, a, capacity)
	require.NoError(t, err)
	return q
}

func collElem(opCount uint64) *Elem {
	return &Elem{Args: Args{OpCount: opCount, Shape: &CollShape{Count: opCount}}}
}

func TestQueueOrderAndCount(t *testing.T) {
	q := testQueue(t, 8)
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(collElem(uint64(i))))
		assert.Equal(t, i+1, q.Count())
	}
	assert.Equal(t, ErrQueueFull, q.Enqueue(collElem(8)))

	assert.Equal(t, 8, q.BeginLaunch())
	assert.Equal(t, uint64(0), q.Start())
	for i := 0; i < 3; i++ {
		e, idx, ok, err := q.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), idx)
		assert.Equal(t, uint64(i), e.OpCount)
		assert.True(t, e.Active)
		q.Complete(idx)
	}
	assert.Equal(t, 5, q.Count())

	for i := 8; i < 11; i++ {
		require.NoError(t, q.Enqueue(collElem(uint64(i))))
	}
	assert.Equal(t, ErrQueueFull, q.Enqueue(collElem(11)))
	assert.Equal(t, 8, q.Count())

	// The running launch only drains what it was given.
	for i := 3; i < 8; i++ {
		e, idx, ok, err := q.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), e.OpCount)
		q.Complete(idx)
	}
	_, _, ok, err := q.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, q.Count())

	assert.Equal(t, 3, q.BeginLaunch())
	assert.Equal(t, uint64(8), q.Start())
	for i := 8; i < 11; i++ {
		e, idx, ok, err := q.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), e.OpCount)
		q.Complete(idx)
	}
	assert.Equal(t, 0, q.Count())
	assert.Equal(t, q.Tail(), q.Head())
}

func TestQueueStopsAtInactiveSlot(t *testing.T) {
	q := testQueue(t, 4)
	require.NoError(t, q.Enqueue(collElem(1)))
	require.NoError(t, q.Enqueue(collElem(2)))
	q.BeginLaunch()

	// A slot whose status word has not been published yet is
	// never consumed, whatever the count says.
	q.status[0].Store(0)
	_, _, ok, err := q.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueChain(t *testing.T) {
	q := testQueue(t, 4)
	require.NoError(t, q.Enqueue(collElem(0)))
	q.BeginLaunch()
	_, idx, _, _ := q.Next()
	q.Complete(idx)

	chain := []Elem{*collElem(1), *collElem(2), *collElem(3)}
	require.NoError(t, q.Chain(chain))
	assert.Equal(t, ErrQueueFull, q.Chain([]Elem{*collElem(4), *collElem(5)}))
	assert.Equal(t, 3, q.Count())

	q.BeginLaunch()
	var links []uint16
	for {
		e, idx, ok, err := q.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if len(links) > 0 {
			assert.Equal(t, links[len(links)-1], q.Slot(idx))
		}
		links = append(links, e.NextIndex)
		q.Complete(idx)
	}
	assert.Equal(t, []uint16{2, 3, NoNext}, links)
}

func TestQueueChainAllOrNothing(t *testing.T) {
	q := testQueue(t, 8)
	err := q.Chain([]Elem{*collElem(1), *collElem(2), {}})
	require.Error(t, err)
	assert.Equal(t, 0, q.Count())
	assert.Equal(t, uint64(0), q.Tail())

	// The queue is still usable from the same slot.
	require.NoError(t, q.Chain([]Elem{*collElem(3), *collElem(4)}))
	assert.Equal(t, 2, q.BeginLaunch())
	e, idx, ok, err := q.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), idx)
	assert.Equal(t, uint64(3), e.OpCount)
}

func TestQueueCapacity(t *testing.T) {
	m := memspace.NewMapper()
	a, err := m.NewArena(memspace.DeviceLocal, 0, 1<<20)
	require.NoError(t, err)
	for _, c := range []int{0, 3, 1 << 16} {
		_, err := NewQueue(m, a, c)
		assert.Error(t, err, "capacity %d", c)
	}
	q, err := NewQueue(m, a, MaxOps)
	require.NoError(t, err)
	assert.Equal(t, MaxOps, q.Capacity())
	assert.Equal(t, uint64(MaxOps*ElemSize), q.Region().Size)
}
