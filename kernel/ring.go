package kernel

// Ring collectives. A channel handles its own slice of
// every loop of nChannels*nRanks*chunk elements, so that
// channels split an operation without coordination.
// Chunks are addressed by rank, following the ring's
// user-rank order from the local rank.

func (o *op) ring() (int, int, int) {
	r := o.k.ch.Ring
	return r.Size(), r.Prev, r.Next
}

// ringAllReduce runs a reduce-scatter pass followed by an
// all-gather pass around the ring, 2(n-1) steps per loop.
func (o *op) ringAllReduce() error {
	if err := o.requireBuffers(true, true); err != nil {
		return err
	}
	c := o.elem.Coll()
	size := int(c.Count)
	n, prev, next := o.ring()
	if n == 1 {
		copy(o.recv, o.send)
		return nil
	}
	ring := o.k.ch.Ring
	p, err := o.newPrims(prev, next)
	if err != nil {
		return err
	}
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	loop := nChannels * n * o.chunk
	for grid := 0; grid < size; grid += loop {
		chunk := min(o.chunk, divUp(size-grid, nChannels*n))
		base := grid + bid*n*chunk
		at := func(rank int) (int, int) {
			off := base + rank*chunk
			return off, span(size, off, chunk)
		}

		off, cnt := at(ring.UserRank(n - 1))
		if err := p.Send(o.sendSeg(off, cnt)); err != nil {
			return err
		}
		for j := 2; j < n; j++ {
			off, cnt = at(ring.UserRank(n - j))
			if err := p.RecvReduceSend(o.sendSeg(off, cnt)); err != nil {
				return err
			}
		}
		off, cnt = at(ring.UserRank(0))
		if err := p.RecvReduceCopySend(o.sendSeg(off, cnt), o.recvSeg(off, cnt)); err != nil {
			return err
		}
		for j := 1; j < n-1; j++ {
			off, cnt = at(ring.UserRank(n - j))
			if err := p.RecvCopySend(o.recvSeg(off, cnt)); err != nil {
				return err
			}
		}
		off, cnt = at(ring.UserRank(1))
		if err := p.Recv(o.recvSeg(off, cnt)); err != nil {
			return err
		}
	}
	return nil
}

// ringBroadcast streams the root's buffer around the ring.
// On Simple over direct connections each rank receives
// straight into its output.
func (o *op) ringBroadcast() error {
	c := o.elem.Coll()
	root := int(c.Root)
	rank := o.k.comm.Rank
	if err := o.requireBuffers(rank == root, true); err != nil {
		return err
	}
	size := int(c.Count)
	n, prev, next := o.ring()
	if n == 1 {
		copy(o.recv, o.send)
		return nil
	}
	recvPeer, sendPeer := prev, next
	if rank == root {
		recvPeer = -1
	} else if next == root {
		sendPeer = -1
	}
	p, err := o.newPrims(recvPeer, sendPeer)
	if err != nil {
		return err
	}
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	for grid := 0; grid < size; grid += nChannels * o.chunk {
		off := grid + bid*o.chunk
		cnt := span(size, off, o.chunk)
		dst := o.recvSeg(off, cnt)
		switch {
		case rank == root:
			err = p.DirectCopySend(o.sendSeg(off, cnt), dst)
		case next == root:
			err = p.DirectRecv(o.recvSegHandle(off, cnt), dst)
		default:
			err = p.DirectRecvCopySend(o.recvSegHandle(off, cnt), dst)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ringReduce accumulates around the ring starting after the
// root, which receives the result.
func (o *op) ringReduce() error {
	c := o.elem.Coll()
	root := int(c.Root)
	rank := o.k.comm.Rank
	if err := o.requireBuffers(true, rank == root); err != nil {
		return err
	}
	size := int(c.Count)
	n, prev, next := o.ring()
	if n == 1 {
		copy(o.recv, o.send)
		return nil
	}
	recvPeer, sendPeer := prev, next
	if prev == root {
		recvPeer = -1
	} else if rank == root {
		sendPeer = -1
	}
	p, err := o.newPrims(recvPeer, sendPeer)
	if err != nil {
		return err
	}
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	for grid := 0; grid < size; grid += nChannels * o.chunk {
		off := grid + bid*o.chunk
		cnt := span(size, off, o.chunk)
		switch {
		case prev == root:
			err = p.Send(o.sendSeg(off, cnt))
		case rank == root:
			err = p.RecvReduceCopy(o.sendSeg(off, cnt), o.recvSeg(off, cnt))
		default:
			err = p.RecvReduceSend(o.sendSeg(off, cnt))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ringAllGather forwards every rank's block around the
// ring, n-1 steps per loop.
func (o *op) ringAllGather() error {
	if err := o.requireBuffers(true, true); err != nil {
		return err
	}
	c := o.elem.Coll()
	count := int(c.Count)
	n, prev, next := o.ring()
	ring := o.k.ch.Ring
	if n == 1 {
		copy(o.recv, o.send)
		return nil
	}
	p, err := o.newPrims(prev, next)
	if err != nil {
		return err
	}
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	for grid := 0; grid < count; grid += nChannels * o.chunk {
		off := grid + bid*o.chunk
		cnt := span(count, off, o.chunk)
		block := func(rank int) []byte {
			return o.recvSeg(rank*count+off, cnt)
		}
		if err := p.CopySend(o.sendSeg(off, cnt), block(ring.UserRank(0))); err != nil {
			return err
		}
		for j := 1; j < n-1; j++ {
			if err := p.RecvCopySend(block(ring.UserRank(n - j))); err != nil {
				return err
			}
		}
		if err := p.Recv(block(ring.UserRank(1))); err != nil {
			return err
		}
	}
	return nil
}

// ringReduceScatter reduces each rank's block around the
// ring so that it ends at its owner, n-1 steps per loop.
func (o *op) ringReduceScatter() error {
	if err := o.requireBuffers(true, true); err != nil {
		return err
	}
	c := o.elem.Coll()
	count := int(c.Count)
	n, prev, next := o.ring()
	ring := o.k.ch.Ring
	if n == 1 {
		copy(o.recv, o.send)
		return nil
	}
	p, err := o.newPrims(prev, next)
	if err != nil {
		return err
	}
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	for grid := 0; grid < count; grid += nChannels * o.chunk {
		off := grid + bid*o.chunk
		cnt := span(count, off, o.chunk)
		block := func(rank int) []byte {
			return o.sendSeg(rank*count+off, cnt)
		}
		if err := p.Send(block(ring.UserRank(n - 1))); err != nil {
			return err
		}
		for j := 2; j < n; j++ {
			if err := p.RecvReduceSend(block(ring.UserRank(n - j))); err != nil {
				return err
			}
		}
		err := p.RecvReduceCopy(block(ring.UserRank(0)), o.recvSeg(off, cnt))
		if err != nil {
			return err
		}
	}
	return nil
}
