package devcomm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/topo"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
)

// testComm builds rank 0 of a 2-rank communicator with one
// P2P connection to rank 1 per channel.
func testComm(t *testing.T, numChannels int) (*Comm, *memspace.Arena) {
	m := memspace.NewMapper()
	var mem [2]conn.RankMemory
	for i := range mem {
		host, err := m.NewArena(memspace.HostLocal, i, 1<<20)
		require.NoError(t, err)
		dev, err := m.NewArena(memspace.DeviceLocal, i, 1<<20)
		require.NoError(t, err)
		mem[i] = conn.RankMemory{Rank: i, Host: host, Device: dev}
	}
	setup := &conn.Setup{Mapper: m, BuffSizes: [wire.NumProtocols]int{1024, 4096, 1024}}
	comm := &Comm{
		ID:     uuid.New(),
		Rank:   0,
		NRanks: 2,
		Abort:  abort.NewFlag(),
		Mapper: m,
	}
	for i := 0; i < numChannels; i++ {
		ring, err := topo.NewRing([]int{1, 0}, 0)
		require.NoError(t, err)
		require.NoError(t, ring.PublishDevice(m, mem[0].Device))
		up, err := topo.NewBinaryTree([]int{0, 1}, 0)
		require.NoError(t, err)
		chain, err := topo.NewChainTree([]int{1, 0}, 0)
		require.NoError(t, err)
		q, err := work.NewQueue(m, mem[0].Device, 16)
		require.NoError(t, err)

		ch := &Channel{
			ID:         i,
			Ring:       ring,
			TreeUp:     up,
			TreeDn:     up,
			CollTreeUp: chain,
			CollTreeDn: chain,
			Peers:      make([]conn.Peer, 2),
			Queue:      q,
		}
		if i%2 == 0 {
			ch.Prof = &trace.Prof{}
		}
		send, _, err := setup.Connect(conn.P2P, mem[0], mem[1])
		require.NoError(t, err)
		_, recv, err := setup.Connect(conn.P2P, mem[1], mem[0])
		require.NoError(t, err)
		ch.Peers[1] = conn.Peer{Send: send, Recv: recv}
		require.NoError(t, ch.PublishPeers(m, mem[0].Device))
		require.NoError(t, comm.AddChannel(ch))
	}
	return comm, mem[0].Device
}

func TestChannelRecord(t *testing.T) {
	comm, arena := testComm(t, 3)
	ch := comm.Channel(1)
	require.NoError(t, ch.Queue.Enqueue(&work.Elem{Args: work.Args{Shape: &work.CollShape{}}}))
	require.NoError(t, comm.PublishChannels(arena))

	for i := 0; i < comm.NumChannels(); i++ {
		h := comm.ChannelHandle(i)
		assert.Equal(t, uint64(ChannelSize), h.Size)
		assert.Equal(t, comm.ChannelHandle(0).Offset+uint64(i*ChannelSize), h.Offset)

		rec, err := comm.DeviceChannel(i)
		require.NoError(t, err)
		c := comm.Channel(i)
		assert.Equal(t, i, rec.ID)
		assert.Equal(t, 2, rec.NRanks)
		assert.Equal(t, c.Ring.Prev, rec.RingPrev)
		assert.Equal(t, c.Ring.Next, rec.RingNext)
		assert.Equal(t, c.Ring.DevUserRanks, rec.UserRanks)
		assert.Equal(t, c.TreeUp, rec.TreeUp)
		assert.Equal(t, c.CollTreeDn, rec.CollTreeDn)
		assert.Equal(t, c.DevPeers, rec.DevPeers)
		assert.Equal(t, c.Queue.Region(), rec.WorkFifo)
		assert.Equal(t, i%2 == 0, rec.Profiling)
	}
	rec, err := comm.DeviceChannel(1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CollCount)
	assert.Equal(t, uint64(1), rec.FifoTail)
}

func TestDevicePeers(t *testing.T) {
	comm, _ := testComm(t, 1)
	ch := comm.Channel(0)
	for rank := 0; rank < 2; rank++ {
		p, err := ch.DevicePeer(comm.Mapper, rank)
		require.NoError(t, err)
		assert.Equal(t, ch.Peer(rank).Send.Conn, p.Send.Conn)
		assert.Equal(t, ch.Peer(rank).Recv.Conn, p.Recv.Conn)
	}
	assert.True(t, ch.Peer(1).Send.Connected)
	assert.False(t, ch.Peer(0).Send.Connected)
	_, err := ch.DevicePeer(comm.Mapper, 2)
	assert.Error(t, err)
}

func TestAddChannelLimits(t *testing.T) {
	comm, _ := testComm(t, MaxChannels)
	assert.Error(t, comm.AddChannel(&Channel{ID: MaxChannels, Peers: make([]conn.Peer, 2)}))

	comm, _ = testComm(t, 1)
	assert.Error(t, comm.AddChannel(&Channel{ID: 5, Peers: make([]conn.Peer, 2)}))
	assert.Error(t, comm.AddChannel(&Channel{ID: 1, Peers: make([]conn.Peer, 3)}))
}

func TestCommAbort(t *testing.T) {
	comm, _ := testComm(t, 1)
	assert.NoError(t, comm.CheckAbort())
	comm.SetAbort("operator request")
	assert.ErrorIs(t, comm.CheckAbort(), abort.ErrAborted)
}
