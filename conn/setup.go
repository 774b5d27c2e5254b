package conn

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/wire"
)

// RankMemory holds the arenas a rank allocates connection
// resources from.
type RankMemory struct {
	Rank   int
	Host   *memspace.Arena
	Device *memspace.Arena
}

// A Setup describes how to build connections.
type Setup struct {
	Mapper    *memspace.Mapper
	BuffSizes [wire.NumProtocols]int

	// GDR lets NET receivers expose device memory to the
	// network engine.
	GDR bool

	// Torn makes proxies deliver LL lines with 4-byte stores.
	Torn bool
}

// Validate checks the buffer sizes against the line and
// slot granularity of each protocol.
func (s *Setup) Validate() error {
	units := [wire.NumProtocols]int{
		wire.LL:     wire.Steps * wire.LLLineSize,
		wire.LL128:  wire.Steps * wire.LL128LineSize,
		wire.Simple: wire.Steps * 8,
	}
	for _, p := range wire.Protocols {
		size := s.BuffSizes[p]
		if size <= 0 || size%units[p] != 0 {
			return errors.Errorf("%s buffer size %d is not a positive multiple of %d",
				p, size, units[p])
		}
	}
	return nil
}

// Connect builds one direction of a connection from sender
// to receiver and returns both sides.
//
// The receiver owns the buffers, tail and fifo; the sender
// owns the head and pointer-exchange cells. For NET links,
// the sender also owns a staging copy of everything it
// writes, and the returned send side carries the ProxyArgs
// needed to forward it.
func (s *Setup) Connect(t Transport, sender, receiver RankMemory) (send, recv Connector, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrapf(err, "connect %s %d->%d", t, sender.Rank, receiver.Rank)
		}
	}()
	if err := s.Validate(); err != nil {
		return send, recv, err
	}

	bufArena := receiver.Device
	direct := 0
	switch t {
	case P2P:
		direct = DirectGPU
	case SHM:
		bufArena = receiver.Host
	case NET:
		if s.GDR {
			direct = DirectNIC
		} else {
			bufArena = receiver.Host
		}
	default:
		return send, recv, errors.New("no transport")
	}

	var recvBuffs [wire.NumProtocols]memspace.Handle
	for _, p := range wire.Protocols {
		recvBuffs[p], err = bufArena.Alloc("buff."+p.String(), uint64(s.BuffSizes[p]))
		if err != nil {
			return send, recv, err
		}
	}
	recvTail, err := receiver.Device.Alloc("tail", cellSize)
	if err != nil {
		return send, recv, err
	}
	recvFifo, err := receiver.Device.Alloc("fifo", fifoSize)
	if err != nil {
		return send, recv, err
	}
	head, err := sender.Device.Alloc("head", cellSize)
	if err != nil {
		return send, recv, err
	}
	ptr, err := sender.Device.Alloc("ptrExchange", cellSize)
	if err != nil {
		return send, recv, err
	}

	m := s.Mapper
	recv = Connector{
		Connected: true,
		Transport: t,
		Conn: ConnInfo{
			Buffs:       recvBuffs,
			Tail:        recvTail,
			Head:        m.Remote(head),
			Direct:      direct,
			PtrExchange: m.Remote(ptr),
			Fifo:        recvFifo,
		},
	}
	send = Connector{
		Connected: true,
		Transport: t,
		Conn: ConnInfo{
			Tail:        m.Remote(recvTail),
			Head:        head,
			Direct:      direct,
			PtrExchange: ptr,
			Fifo:        m.Remote(recvFifo),
		},
	}
	for _, p := range wire.Protocols {
		send.Conn.Buffs[p] = m.Remote(recvBuffs[p])
	}
	if t != NET {
		return send, recv, nil
	}

	args := &ProxyArgs{
		Sender:     sender.Rank,
		Receiver:   receiver.Rank,
		RemoteTail: m.Remote(recvTail),
		RemoteFifo: m.Remote(recvFifo),
		Torn:       s.Torn,
	}
	for _, p := range wire.Protocols {
		args.Staging[p], err = sender.Device.Alloc("staging."+p.String(), uint64(s.BuffSizes[p]))
		if err != nil {
			return send, recv, err
		}
		args.Remote[p] = m.Remote(recvBuffs[p])
	}
	if args.Posted, err = sender.Device.Alloc("posted", cellSize); err != nil {
		return send, recv, err
	}
	if args.Forwarded, err = sender.Device.Alloc("forwarded", cellSize); err != nil {
		return send, recv, err
	}
	if args.StagingFifo, err = sender.Device.Alloc("staging.fifo", fifoSize); err != nil {
		return send, recv, err
	}
	send.Conn.Buffs = args.Staging
	send.Conn.Tail = args.Posted
	send.Conn.Fifo = args.StagingFifo
	send.Proxy = args
	return send, recv, nil
}
