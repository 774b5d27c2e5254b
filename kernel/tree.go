package kernel

import (
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/topo"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// treeAllReduce reduces up the tree to the root and
// broadcasts the result back down.
//
// The two phases run concurrently in separate groups of
// threads: the up phase receives from the children and
// sends to the parent, the down phase receives from the
// parent and sends to the children, so the groups never
// share a connection. At the root, a chunk is broadcast
// once its reduction is complete.
func (o *op) treeAllReduce(tree topo.Tree) error {
	if err := o.requireBuffers(true, true); err != nil {
		return err
	}
	c := o.elem.Coll()
	size := int(c.Count)
	bid, nChannels := channelSplit(c.Bid, c.NChannels)
	type chunk struct{ off, cnt int }
	var chunks []chunk
	for grid := 0; grid < size; grid += nChannels * o.chunk {
		off := grid + bid*o.chunk
		chunks = append(chunks, chunk{off, span(size, off, o.chunk)})
	}

	upThreads, downThreads := wire.LL128SplitThreads(o.threads)
	children := tree.Children()
	up, err := o.treeEnds(children, []int{tree.Up}, upThreads)
	if err != nil {
		return err
	}
	down, err := o.treeEnds([]int{tree.Up}, children, downThreads)
	if err != nil {
		return err
	}

	ready := make(chan int, len(chunks))
	// A failed phase aborts the communicator so that the
	// other phase stops waiting.
	fail := func(err error) error {
		if !errors.Is(err, abort.ErrAborted) {
			klog.Warningf("kernel: rank %d channel %d: %v", o.k.comm.Rank, o.k.ch.ID, err)
			o.k.comm.SetAbort(err.Error())
		}
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		for i, ch := range chunks {
			if err := up.reduceUp(o.sendSeg(ch.off, ch.cnt), o.recvSeg(ch.off, ch.cnt)); err != nil {
				return fail(errors.Wrap(err, "tree up"))
			}
			if tree.IsRoot() {
				ready <- i
			}
		}
		return nil
	})
	g.Go(func() error {
		for i, ch := range chunks {
			if tree.IsRoot() {
				select {
				case <-ready:
				case <-o.k.comm.Abort.Done():
					return o.k.comm.CheckAbort()
				}
			}
			if err := down.broadcastDown(o.recvSeg(ch.off, ch.cnt)); err != nil {
				return fail(errors.Wrapf(err, "tree down chunk %d", i))
			}
		}
		return nil
	})
	return g.Wait()
}

// treeEnds is the set of connections one tree phase uses.
type treeEnds struct {
	op    *op
	recvs []*conn.Receiver
	sends []*conn.Sender

	acc []byte
	in  []byte
}

func (o *op) treeEnds(from, to []int, threads int) (*treeEnds, error) {
	t := &treeEnds{
		op:  o,
		acc: make([]byte, o.chunk*o.esize),
		in:  make([]byte, o.chunk*o.esize),
	}
	for _, peer := range from {
		if peer == topo.NoPeer {
			continue
		}
		r, err := o.k.receiver(peer, threads)
		if err != nil {
			return nil, err
		}
		t.recvs = append(t.recvs, r)
	}
	for _, peer := range to {
		if peer == topo.NoPeer {
			continue
		}
		s, err := o.k.sender(peer, threads)
		if err != nil {
			return nil, err
		}
		t.sends = append(t.sends, s)
	}
	return t, nil
}

// reduceUp folds each child's contribution into the local
// one in child order. The result goes to the parent, or to
// dst at the root.
func (t *treeEnds) reduceUp(src, dst []byte) error {
	start := time.Now()
	acc := src
	if len(t.recvs) > 0 {
		acc = t.acc[:len(src)]
		if len(t.sends) == 0 {
			acc = dst
		}
		copy(acc, src)
		in := t.in[:len(src)]
		for _, r := range t.recvs {
			if err := t.recv(r, in); err != nil {
				return err
			}
			t.op.reduce(acc, acc, in)
		}
	} else if len(t.sends) == 0 {
		copy(dst, src)
	}
	for _, s := range t.sends {
		if err := s.Send(t.op.fn.Proto, acc); err != nil {
			return err
		}
	}

	prim := trace.PrimRecvReduceSend
	switch {
	case len(t.recvs) == 0 && len(t.sends) > 0:
		prim = trace.PrimSend
	case len(t.sends) == 0:
		prim = trace.PrimRecvReduceCopy
	}
	t.op.k.ch.Prof.Record(prim, start, len(src))
	return nil
}

// broadcastDown receives dst from the parent, unless this
// is the root, and passes it to every child.
func (t *treeEnds) broadcastDown(dst []byte) error {
	start := time.Now()
	prim := trace.PrimSend
	for _, r := range t.recvs {
		prim = trace.PrimRecvCopySend
		if err := t.recv(r, dst); err != nil {
			return err
		}
	}
	if len(t.sends) == 0 {
		prim = trace.PrimRecv
	}
	for _, s := range t.sends {
		if err := s.Send(t.op.fn.Proto, dst); err != nil {
			return err
		}
	}
	t.op.k.ch.Prof.Record(prim, start, len(dst))
	return nil
}

func (t *treeEnds) recv(r *conn.Receiver, dst []byte) error {
	n, err := r.Recv(t.op.fn.Proto, dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return errors.Errorf("received %d bytes, expected %d", n, len(dst))
	}
	return nil
}
