// Package devcomm defines the objects a kernel receives: the
// communicator and its channels, with the fixed-size records
// device code indexes by raw stride.
package devcomm

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/topo"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/work"
)

const (
	// MaxChannels bounds the channels of a communicator.
	MaxChannels = 32

	// ChannelSize is the stride of serialized channels.
	ChannelSize = 512
)

// Channel record layout. Fields past channelLayoutEnd are
// reserved; new fields must fit before ChannelSize.
const (
	chOffID        = 0
	chOffNRanks    = 4
	chOffRingPrev  = 8
	chOffRingNext  = 12
	chOffUserRanks = 16
	chOffTrees     = 24
	treeRecordSize = 20
	chOffDevPeers  = chOffTrees + 4*treeRecordSize
	chOffNPeers    = chOffDevPeers + 8
	chOffWorkFifo  = chOffNPeers + 8
	chOffFifoCap   = chOffWorkFifo + 8
	chOffFifoHead  = chOffFifoCap + 8
	chOffFifoTail  = chOffFifoHead + 8
	chOffCollStart = chOffFifoTail + 8
	chOffCollCount = chOffCollStart + 8
	chOffFlags     = chOffCollCount + 4

	channelLayoutEnd = chOffFlags + 4

	chFlagProfiling = 1
)

func init() {
	if ChannelSize&(ChannelSize-1) != 0 || channelLayoutEnd > ChannelSize {
		panic("channel record does not fit its stride")
	}
}

// A Channel is one ring/tree lane of a communicator as seen
// by one rank.
type Channel struct {
	ID int

	Ring       *topo.Ring
	TreeUp     topo.Tree
	TreeDn     topo.Tree
	CollTreeUp topo.Tree
	CollTreeDn topo.Tree

	// Peers is indexed by rank. DevPeers is the device copy,
	// a table of conn.PeerSize records.
	Peers    []conn.Peer
	DevPeers memspace.Handle

	Queue *work.Queue
	Prof  *trace.Prof
}

// Peer returns the connections to rank.
func (c *Channel) Peer(rank int) *conn.Peer {
	if rank < 0 || rank >= len(c.Peers) {
		panic("index out of bounds")
	}
	return &c.Peers[rank]
}

// PublishPeers writes the device copy of the peer table.
func (c *Channel) PublishPeers(m *memspace.Mapper, a *memspace.Arena) error {
	h, err := a.Alloc("devPeers", uint64(conn.PeerSize*len(c.Peers)))
	if err != nil {
		return errors.Wrapf(err, "channel %d: publish peers", c.ID)
	}
	buf, err := m.Resolve(h)
	if err != nil {
		return err
	}
	for i := range c.Peers {
		data, err := c.Peers[i].MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "channel %d: peer %d", c.ID, i)
		}
		copy(buf[i*conn.PeerSize:], data)
	}
	c.DevPeers = h
	return nil
}

// DevicePeer reads one peer from the device copy.
func (c *Channel) DevicePeer(m *memspace.Mapper, rank int) (*conn.Peer, error) {
	if rank < 0 || uint64((rank+1)*conn.PeerSize) > c.DevPeers.Size {
		return nil, errors.Errorf("channel %d: no device peer %d", c.ID, rank)
	}
	buf, err := m.Resolve(c.DevPeers.Sub(uint64(rank*conn.PeerSize), conn.PeerSize))
	if err != nil {
		return nil, err
	}
	var p conn.Peer
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarshalBinary encodes the channel as a ChannelSize
// record. The queue cursors are sampled at call time.
func (c *Channel) MarshalBinary() ([]byte, error) {
	if c.Ring == nil {
		return nil, errors.Errorf("channel %d has no ring", c.ID)
	}
	res := make([]byte, ChannelSize)
	le := binary.LittleEndian
	le.PutUint32(res[chOffID:], uint32(c.ID))
	le.PutUint32(res[chOffNRanks:], uint32(c.Ring.Size()))
	le.PutUint32(res[chOffRingPrev:], uint32(int32(c.Ring.Prev)))
	le.PutUint32(res[chOffRingNext:], uint32(int32(c.Ring.Next)))
	le.PutUint64(res[chOffUserRanks:], packHandle(c.Ring.DevUserRanks))
	for i, t := range []topo.Tree{c.TreeUp, c.TreeDn, c.CollTreeUp, c.CollTreeDn} {
		putTree(res[chOffTrees+i*treeRecordSize:], t)
	}
	le.PutUint64(res[chOffDevPeers:], packHandle(c.DevPeers))
	le.PutUint32(res[chOffNPeers:], uint32(len(c.Peers)))
	if q := c.Queue; q != nil {
		le.PutUint64(res[chOffWorkFifo:], packHandle(q.Region()))
		le.PutUint32(res[chOffFifoCap:], uint32(q.Capacity()))
		le.PutUint64(res[chOffFifoHead:], q.Head())
		le.PutUint64(res[chOffFifoTail:], q.Tail())
		le.PutUint64(res[chOffCollStart:], q.Start())
		le.PutUint32(res[chOffCollCount:], uint32(q.Count()))
	}
	var flags uint32
	if c.Prof != nil {
		flags |= chFlagProfiling
	}
	le.PutUint32(res[chOffFlags:], flags)
	return res, nil
}

// A ChannelRecord is the decoded form of a serialized
// Channel, as device code sees it.
type ChannelRecord struct {
	ID       int
	NRanks   int
	RingPrev int
	RingNext int

	// UserRanks addresses the device copy of the ring
	// permutation.
	UserRanks memspace.Handle

	TreeUp     topo.Tree
	TreeDn     topo.Tree
	CollTreeUp topo.Tree
	CollTreeDn topo.Tree

	DevPeers memspace.Handle
	NPeers   int

	WorkFifo     memspace.Handle
	FifoCapacity int
	FifoHead     uint64
	FifoTail     uint64
	CollStart    uint64
	CollCount    int

	Profiling bool
}

// UnmarshalChannel decodes a record produced by
// Channel.MarshalBinary.
func UnmarshalChannel(data []byte) (*ChannelRecord, error) {
	if len(data) != ChannelSize {
		return nil, errors.Errorf("channel record has %d bytes, expected %d", len(data), ChannelSize)
	}
	le := binary.LittleEndian
	r := &ChannelRecord{
		ID:       int(le.Uint32(data[chOffID:])),
		NRanks:   int(le.Uint32(data[chOffNRanks:])),
		RingPrev: int(int32(le.Uint32(data[chOffRingPrev:]))),
		RingNext: int(int32(le.Uint32(data[chOffRingNext:]))),
		NPeers:   int(le.Uint32(data[chOffNPeers:])),

		FifoCapacity: int(le.Uint32(data[chOffFifoCap:])),
		FifoHead:     le.Uint64(data[chOffFifoHead:]),
		FifoTail:     le.Uint64(data[chOffFifoTail:]),
		CollStart:    le.Uint64(data[chOffCollStart:]),
		CollCount:    int(le.Uint32(data[chOffCollCount:])),

		Profiling: le.Uint32(data[chOffFlags:])&chFlagProfiling != 0,
	}
	r.UserRanks = unpackHandle(le.Uint64(data[chOffUserRanks:]), uint64(4*r.NRanks))
	r.DevPeers = unpackHandle(le.Uint64(data[chOffDevPeers:]), uint64(conn.PeerSize*r.NPeers))
	r.WorkFifo = unpackHandle(le.Uint64(data[chOffWorkFifo:]),
		uint64(work.ElemSize*r.FifoCapacity))
	trees := []*topo.Tree{&r.TreeUp, &r.TreeDn, &r.CollTreeUp, &r.CollTreeDn}
	for i, t := range trees {
		*t = getTree(data[chOffTrees+i*treeRecordSize:])
	}
	return r, nil
}

func putTree(b []byte, t topo.Tree) {
	binary.LittleEndian.PutUint32(b, uint32(int32(t.Depth)))
	binary.LittleEndian.PutUint32(b[4:], uint32(int32(t.Up)))
	for i, d := range t.Down {
		binary.LittleEndian.PutUint32(b[8+4*i:], uint32(int32(d)))
	}
}

func getTree(b []byte) topo.Tree {
	t := topo.Tree{
		Depth: int(int32(binary.LittleEndian.Uint32(b))),
		Up:    int(int32(binary.LittleEndian.Uint32(b[4:]))),
	}
	for i := range t.Down {
		t.Down[i] = int(int32(binary.LittleEndian.Uint32(b[8+4*i:])))
	}
	return t
}

func packHandle(h memspace.Handle) uint64 {
	if h.IsNil() {
		return 0
	}
	return h.Pack()
}

func unpackHandle(v, size uint64) memspace.Handle {
	if v == 0 {
		return memspace.Handle{}
	}
	h := memspace.Unpack(v)
	h.Size = size
	return h
}
