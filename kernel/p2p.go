package kernel

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/work"
)

// exchange sends out to sendPeer and receives in from
// recvPeer, alternating one chunk of each so that every rank
// of a pairwise exchange keeps making progress. A negative
// peer skips that direction; exchanging with self is a
// copy.
func (o *op) exchange(sendPeer int, out []byte, recvPeer int, in []byte) error {
	rank := o.k.comm.Rank
	if sendPeer == rank && recvPeer == rank {
		if len(out) != len(in) {
			return errors.Errorf("self exchange of %d bytes into %d", len(out), len(in))
		}
		copy(in, out)
		return nil
	}
	if sendPeer == rank || recvPeer == rank {
		return errors.New("self exchange must send and receive")
	}
	chunkBytes := o.chunk * o.esize
	nSend := divUp(len(out), chunkBytes)
	nRecv := divUp(len(in), chunkBytes)
	if sendPeer < 0 {
		nSend = 0
	}
	if recvPeer < 0 {
		nRecv = 0
	}
	var p prims
	p.op = o
	var err error
	if nSend > 0 {
		if p.send, err = o.k.sender(sendPeer, o.threads); err != nil {
			return err
		}
	}
	if nRecv > 0 {
		if p.recv, err = o.k.receiver(recvPeer, o.threads); err != nil {
			return err
		}
	}
	for i := 0; i < max(nSend, nRecv); i++ {
		if i < nSend {
			if err := p.Send(segment(out, i*chunkBytes, min(chunkBytes, len(out)-i*chunkBytes))); err != nil {
				return errors.Wrapf(err, "send to rank %d", sendPeer)
			}
		}
		if i < nRecv {
			if err := p.Recv(segment(in, i*chunkBytes, min(chunkBytes, len(in)-i*chunkBytes))); err != nil {
				return errors.Wrapf(err, "receive from rank %d", recvPeer)
			}
		}
	}
	return nil
}

func (o *op) peerAt(delta int) int {
	n := o.k.comm.NRanks
	return ((o.k.comm.Rank+delta)%n + n) % n
}

// sendRecv pairs a send to the rank delta ahead with a
// receive from the rank delta behind.
func (o *op) sendRecv() error {
	s := o.elem.P2P()
	if err := o.requireBuffers(s.SendCount > 0, s.RecvCount > 0); err != nil {
		return err
	}
	delta := int(s.Delta)
	return o.exchange(o.peerAt(delta), o.send, o.peerAt(-delta), o.recv)
}

// gather collects every rank's block at the root, in rank
// order.
func (o *op) gather() error {
	c := o.elem.Coll()
	root, rank, count := int(c.Root), o.k.comm.Rank, int(c.Count)
	if err := o.requireBuffers(true, rank == root); err != nil {
		return err
	}
	if rank != root {
		return o.exchange(root, o.send, -1, nil)
	}
	for peer := 0; peer < o.k.comm.NRanks; peer++ {
		block := o.recvSeg(peer*count, count)
		var err error
		if peer == rank {
			err = o.exchange(rank, o.send, rank, block)
		} else {
			err = o.exchange(-1, nil, peer, block)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// scatter hands each rank its block of the root's buffer.
func (o *op) scatter() error {
	c := o.elem.Coll()
	root, rank, count := int(c.Root), o.k.comm.Rank, int(c.Count)
	if err := o.requireBuffers(rank == root, true); err != nil {
		return err
	}
	if rank != root {
		return o.exchange(-1, nil, root, o.recv)
	}
	for peer := 0; peer < o.k.comm.NRanks; peer++ {
		block := o.sendSeg(peer*count, count)
		var err error
		if peer == rank {
			err = o.exchange(rank, block, rank, o.recv)
		} else {
			err = o.exchange(peer, block, -1, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// allToAll exchanges equal blocks with every rank. Rank
// distances are spread across the channels of the
// operation.
func (o *op) allToAll() error {
	if err := o.requireBuffers(true, true); err != nil {
		return err
	}
	c := o.elem.Coll()
	count := int(c.Count)
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	for delta := bid; delta < o.k.comm.NRanks; delta += nChannels {
		to, from := o.peerAt(delta), o.peerAt(-delta)
		err := o.exchange(to, o.sendSeg(to*count, count), from, o.recvSeg(from*count, count))
		if err != nil {
			return err
		}
	}
	return nil
}

// a2avCounts holds the per-rank counts and displacements of
// an all-to-all, in elements.
type a2avCounts struct {
	sendCounts, sendDispls []uint64
	recvCounts, recvDispls []uint64
}

// readCounts reads the extra array of a descriptor: four
// consecutive arrays of NRanks little endian uint64 values.
func (o *op) readCounts(s *work.A2AVShape) (*a2avCounts, error) {
	n := o.k.comm.NRanks
	h := s.Extra
	if h.IsNil() {
		return nil, errors.New("all-to-all has no count array")
	}
	h.Size = uint64(4 * 8 * n)
	buf, err := o.k.comm.Mapper.Resolve(h)
	if err != nil {
		return nil, errors.Wrap(err, "all-to-all counts")
	}
	arr := func(i int) []uint64 {
		res := make([]uint64, n)
		for j := range res {
			res[j] = binary.LittleEndian.Uint64(buf[(i*n+j)*8:])
		}
		return res
	}
	return &a2avCounts{
		sendCounts: arr(0),
		sendDispls: arr(1),
		recvCounts: arr(2),
		recvDispls: arr(3),
	}, nil
}

func (a *a2avCounts) sendExtent() uint64 {
	return extent(a.sendCounts, a.sendDispls)
}

func (a *a2avCounts) recvExtent() uint64 {
	return extent(a.recvCounts, a.recvDispls)
}

func extent(counts, displs []uint64) uint64 {
	var res uint64
	for i, c := range counts {
		if c > 0 {
			res = max(res, displs[i]+c)
		}
	}
	return res
}

// allToAllv exchanges variable blocks with every rank,
// spreading rank distances across channels like allToAll.
func (o *op) allToAllv() error {
	s := o.elem.A2AV()
	counts, err := o.readCounts(s)
	if err != nil {
		return err
	}
	if err := o.requireBuffers(counts.sendExtent() > 0, counts.recvExtent() > 0); err != nil {
		return err
	}
	bid, nChannels := channelSplit(s.Bid, s.NChannels)
	for delta := bid; delta < o.k.comm.NRanks; delta += nChannels {
		to, from := o.peerAt(delta), o.peerAt(-delta)
		out := o.sendSeg(int(counts.sendDispls[to]), int(counts.sendCounts[to]))
		in := o.recvSeg(int(counts.recvDispls[from]), int(counts.recvCounts[from]))
		if err := o.exchange(to, out, from, in); err != nil {
			return err
		}
	}
	return nil
}
