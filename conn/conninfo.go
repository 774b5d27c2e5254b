// Package conn implements the point-to-point connections
// between adjacent peers of a channel: the descriptors
// shared with device code, the step-counted flow control of
// each protocol and the proxy that drives network links.
package conn

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/wire"
)

// Direct-access bits of ConnInfo.Direct.
const (
	// DirectGPU means the two sides can address each other's
	// device memory, enabling pointer exchange.
	DirectGPU = 0x01

	// DirectNIC means the network engine writes straight into
	// device memory.
	DirectNIC = 0x10
)

const (
	// ConnInfoSize is the size of a serialized Connector.
	ConnInfoSize = 128

	// PeerSize is the size of a serialized Peer.
	PeerSize = 2 * ConnInfoSize

	cellSize = 8
	fifoSize = wire.Steps * 8
)

// ConnInfo describes one direction of a connection as seen
// by one side.
//
// On the sending side, Buffs, Tail and Fifo address the
// receiver's memory (or a local staging copy when a proxy
// forwards the data) and Head is local. On the receiving
// side it is the other way around.
type ConnInfo struct {
	Buffs [wire.NumProtocols]memspace.Handle

	Tail        memspace.Handle
	Head        memspace.Handle
	Direct      int
	PtrExchange memspace.Handle
	Fifo        memspace.Handle

	// Step counts the slots this side has produced or
	// consumed. It is shared by every protocol.
	Step uint64

	// LLLastCleaning is the step of the last cleaning pass
	// of the flagged buffers.
	LLLastCleaning uint64
}

// BuffSize returns the size of the buffer for p.
func (c *ConnInfo) BuffSize(p wire.Protocol) int {
	return int(c.Buffs[p].Size)
}

// A Connector is one side of one direction of a connection.
type Connector struct {
	Connected bool
	Transport Transport
	Conn      ConnInfo

	// Proxy is set on the sending side of a connection whose
	// data is forwarded by a proxy.
	Proxy *ProxyArgs
}

// A Peer holds both directions of a connection to one
// neighbor.
type Peer struct {
	Send Connector
	Recv Connector
}

// MarshalBinary encodes the connector as a fixed
// ConnInfoSize record.
func (c *Connector) MarshalBinary() ([]byte, error) {
	res := make([]byte, ConnInfoSize)
	info := &c.Conn
	for i, h := range info.Buffs {
		binary.LittleEndian.PutUint64(res[8*i:], packHandle(h))
		if h.Size > 1<<32-1 {
			return nil, errors.Errorf("buffer %s too large for a connection record", h)
		}
		binary.LittleEndian.PutUint32(res[24+4*i:], uint32(h.Size))
	}
	binary.LittleEndian.PutUint32(res[36:], uint32(info.Direct))
	binary.LittleEndian.PutUint64(res[40:], packHandle(info.Tail))
	binary.LittleEndian.PutUint64(res[48:], packHandle(info.Head))
	binary.LittleEndian.PutUint64(res[56:], packHandle(info.PtrExchange))
	binary.LittleEndian.PutUint64(res[64:], packHandle(info.Fifo))
	binary.LittleEndian.PutUint64(res[72:], info.Step)
	binary.LittleEndian.PutUint64(res[80:], info.LLLastCleaning)
	if c.Connected {
		res[88] = 1
	}
	res[89] = uint8(c.Transport)
	return res, nil
}

// UnmarshalBinary decodes a record produced by
// MarshalBinary. The Proxy field is host-only state and is
// not restored.
func (c *Connector) UnmarshalBinary(data []byte) error {
	if len(data) != ConnInfoSize {
		return errors.Errorf("connection record has %d bytes, expected %d", len(data), ConnInfoSize)
	}
	var info ConnInfo
	for i := range info.Buffs {
		info.Buffs[i] = unpackHandle(binary.LittleEndian.Uint64(data[8*i:]),
			uint64(binary.LittleEndian.Uint32(data[24+4*i:])))
	}
	info.Direct = int(binary.LittleEndian.Uint32(data[36:]))
	info.Tail = unpackHandle(binary.LittleEndian.Uint64(data[40:]), cellSize)
	info.Head = unpackHandle(binary.LittleEndian.Uint64(data[48:]), cellSize)
	info.PtrExchange = unpackHandle(binary.LittleEndian.Uint64(data[56:]), cellSize)
	info.Fifo = unpackHandle(binary.LittleEndian.Uint64(data[64:]), fifoSize)
	info.Step = binary.LittleEndian.Uint64(data[72:])
	info.LLLastCleaning = binary.LittleEndian.Uint64(data[80:])
	*c = Connector{
		Connected: data[88] != 0,
		Transport: Transport(data[89]),
		Conn:      info,
	}
	return nil
}

// MarshalBinary encodes the peer as a fixed PeerSize
// record, send side first.
func (p *Peer) MarshalBinary() ([]byte, error) {
	send, err := p.Send.MarshalBinary()
	if err != nil {
		return nil, err
	}
	recv, err := p.Recv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(send, recv...), nil
}

// UnmarshalBinary decodes a record produced by
// MarshalBinary.
func (p *Peer) UnmarshalBinary(data []byte) error {
	if len(data) != PeerSize {
		return errors.Errorf("peer record has %d bytes, expected %d", len(data), PeerSize)
	}
	if err := p.Send.UnmarshalBinary(data[:ConnInfoSize]); err != nil {
		return errors.Wrap(err, "send")
	}
	return errors.Wrap(p.Recv.UnmarshalBinary(data[ConnInfoSize:]), "recv")
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
