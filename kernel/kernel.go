// Package kernel runs the device side of a communicator:
// it drains a channel's work queue and moves each
// descriptor's data through the channel's connections.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/devcomm"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
	"k8s.io/klog/v2"
)

// A Kernel is the resident state of one channel of one
// rank. Endpoints are bound on first use and reused across
// launches.
//
// A Kernel must not be launched from two Goroutines at
// once.
type Kernel struct {
	comm *devcomm.Comm
	ch   *devcomm.Channel

	senders   map[int]*conn.Sender
	receivers map[int]*conn.Receiver
}

// New creates the kernel for one channel of comm.
func New(comm *devcomm.Comm, channel int) *Kernel {
	return &Kernel{
		comm:      comm,
		ch:        comm.Channel(channel),
		senders:   map[int]*conn.Sender{},
		receivers: map[int]*conn.Receiver{},
	}
}

// Launch drains the descriptors enqueued before the launch
// began and returns how many were completed.
//
// The abort flag is checked before each descriptor and
// inside every wait; once it is observed nothing else is
// drained. A failure other than an abort sets the abort
// flag so that the peers waiting on this rank stop too.
//
// Waits inside a transfer only observe the abort flag, so
// the end of ctx aborts the communicator.
func (k *Kernel) Launch(ctx context.Context) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		k.comm.SetAbort(fmt.Sprintf("rank %d channel %d: %v", k.comm.Rank, k.ch.ID,
			context.Cause(ctx)))
	})
	defer stop()

	q := k.ch.Queue
	n := q.BeginLaunch()
	k.emit(trace.KernelLaunch, 0, 0, uint32(n), q.Start())

	var expectNext uint16 = work.NoNext
	for done := 0; ; done++ {
		if err := k.comm.CheckAbort(); err != nil {
			k.emit(trace.Abort, 0, 0, uint32(done), 0)
			return done, err
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		e, idx, ok, err := q.Next()
		if err != nil {
			return done, k.fail(err)
		} else if !ok {
			return done, nil
		}
		if expectNext != work.NoNext && q.Slot(idx) != expectNext {
			return done, k.fail(errors.Errorf("chain expected slot %d, found %d",
				expectNext, q.Slot(idx)))
		}
		expectNext = e.NextIndex

		start := time.Now()
		if err := k.run(e); err != nil {
			if errors.Is(err, abort.ErrAborted) {
				k.emit(trace.Abort, e.FuncIndex, e.OpCount, uint32(done), 0)
				return done, err
			}
			return done, k.fail(errors.Wrapf(err, "op %d", e.OpCount))
		}
		k.ch.Prof.AddTotal(time.Since(start))
		q.Complete(idx)
		k.emit(trace.CollEnd, e.FuncIndex, e.OpCount, 0, idx)
	}
}

// Launch runs one launch of a channel's kernel.
func Launch(ctx context.Context, comm *devcomm.Comm, channel int) (int, error) {
	return New(comm, channel).Launch(ctx)
}

func (k *Kernel) fail(err error) error {
	err = errors.WithMessagef(err, "rank %d channel %d", k.comm.Rank, k.ch.ID)
	klog.Warningf("kernel: %v", err)
	k.comm.SetAbort(err.Error())
	return err
}

func (k *Kernel) emit(typ trace.RecordType, funcIndex uint16, opCount uint64, data0 uint32,
	data1 uint64) {
	k.comm.Trace.Emit(typ, uint8(k.ch.ID), funcIndex, opCount, data0, data1)
}

func (k *Kernel) options(threads int) conn.Options {
	return conn.Options{
		Scheme:   k.comm.Scheme,
		Poll:     k.comm.Poll,
		Abort:    k.comm.Abort,
		NThreads: threads,
	}
}

func (k *Kernel) sender(peer, threads int) (*conn.Sender, error) {
	if s, ok := k.senders[peer]; ok {
		s.SetThreads(threads)
		return s, nil
	}
	s, err := conn.NewSender(k.comm.Mapper, &k.ch.Peer(peer).Send, k.options(threads))
	if err != nil {
		return nil, errors.Wrapf(err, "send to rank %d", peer)
	}
	k.senders[peer] = s
	return s, nil
}

func (k *Kernel) receiver(peer, threads int) (*conn.Receiver, error) {
	if r, ok := k.receivers[peer]; ok {
		r.SetThreads(threads)
		return r, nil
	}
	r, err := conn.NewReceiver(k.comm.Mapper, &k.ch.Peer(peer).Recv, k.options(threads))
	if err != nil {
		return nil, errors.Wrapf(err, "receive from rank %d", peer)
	}
	k.receivers[peer] = r
	return r, nil
}

// op is one descriptor being executed.
type op struct {
	k    *Kernel
	elem *work.Elem
	fn   work.FuncDesc

	esize   int
	chunk   int
	threads int

	sendH, recvH memspace.Handle
	send, recv   []byte
}

func (k *Kernel) run(e *work.Elem) error {
	fn, err := work.DecodeFuncIndex(e.FuncIndex)
	if err != nil {
		return err
	}
	if fn.Fn.Kind() != e.Shape.Kind() {
		return errors.Errorf("%s carries a %s shape", fn.Fn, e.Shape.Kind())
	}
	o := &op{k: k, elem: e, fn: fn, esize: fn.Type.Size(), threads: int(e.NThreads)}
	if o.threads == 0 {
		o.threads = wire.MaxThreads
	}
	if err := o.bindBuffers(); err != nil {
		return err
	}
	k.logOp(o)

	switch fn.Fn {
	case work.AllReduce:
		switch fn.Algo {
		case work.Ring:
			return o.ringAllReduce()
		case work.Tree:
			return o.treeAllReduce(k.ch.TreeUp)
		case work.CollNet:
			return o.treeAllReduce(k.ch.CollTreeUp)
		}
	case work.Broadcast, work.Reduce, work.AllGather, work.ReduceScatter:
		if fn.Algo != work.Ring {
			return errors.Errorf("%s has no %s algorithm", fn.Fn, fn.Algo)
		}
		switch fn.Fn {
		case work.Broadcast:
			return o.ringBroadcast()
		case work.Reduce:
			return o.ringReduce()
		case work.AllGather:
			return o.ringAllGather()
		default:
			return o.ringReduceScatter()
		}
	case work.SendRecv:
		return o.sendRecv()
	case work.Gather:
		return o.gather()
	case work.Scatter:
		return o.scatter()
	case work.AllToAll:
		return o.allToAll()
	case work.AllToAllv:
		return o.allToAllv()
	}
	return errors.Errorf("unsupported function %s", fn)
}

func (k *Kernel) logOp(o *op) {
	if klog.V(2).Enabled() {
		klog.Infof("kernel: rank %d channel %d op %d: %s", k.comm.Rank, k.ch.ID,
			o.elem.OpCount, o.fn)
	}
}

// bindBuffers sizes and resolves the user buffers from the
// shape and picks the chunk size.
func (o *op) bindBuffers() error {
	n := uint64(o.k.comm.NRanks)
	var sendCount, recvCount, chunk uint64
	switch s := o.elem.Shape.(type) {
	case *work.CollShape:
		chunk = s.LastChunkSize
		sendCount, recvCount = s.Count, s.Count
		switch o.fn.Fn {
		case work.AllGather, work.Gather:
			recvCount = n * s.Count
		case work.ReduceScatter, work.Scatter:
			sendCount = n * s.Count
		case work.AllToAll:
			sendCount, recvCount = n*s.Count, n*s.Count
		}
	case *work.P2PShape:
		sendCount, recvCount = s.SendCount, s.RecvCount
	case *work.A2AVShape:
		counts, err := o.readCounts(s)
		if err != nil {
			return err
		}
		sendCount, recvCount = counts.sendExtent(), counts.recvExtent()
	}
	var err error
	if o.sendH, o.send, err = o.resolve(o.elem.SendBuff, sendCount); err != nil {
		return errors.Wrap(err, "send buffer")
	}
	if o.recvH, o.recv, err = o.resolve(o.elem.RecvBuff, recvCount); err != nil {
		return errors.Wrap(err, "recv buffer")
	}

	limit := o.k.maxPayload(o.fn.Proto) / o.esize
	if limit == 0 {
		return errors.Errorf("%s slots cannot carry a %s element", o.fn.Proto, o.fn.Type)
	}
	o.chunk = limit
	if chunk > 0 && chunk < uint64(limit) {
		o.chunk = int(chunk)
	}
	return nil
}

func (o *op) resolve(h memspace.Handle, count uint64) (memspace.Handle, []byte, error) {
	if h.IsNil() {
		return h, nil, nil
	}
	h.Size = count * uint64(o.esize)
	buf, err := o.k.comm.Mapper.Resolve(h)
	return h, buf, err
}

// maxPayload is the per-step capacity of p shared by every
// connection of the communicator.
func (k *Kernel) maxPayload(p wire.Protocol) int {
	return p.SlotPayload(wire.SlotSize(k.comm.BuffSizes[p]))
}

func (o *op) reduce(dst, a, b []byte) {
	reduce(o.fn.Type, o.fn.Op, dst, a, b)
}

// sendSeg and recvSeg address count elements at an element
// offset of the user buffers.
func (o *op) sendSeg(off, count int) []byte {
	return segment(o.send, off*o.esize, count*o.esize)
}

func (o *op) recvSeg(off, count int) []byte {
	return segment(o.recv, off*o.esize, count*o.esize)
}

func (o *op) recvSegHandle(off, count int) memspace.Handle {
	if count == 0 {
		return o.recvH.Sub(0, 0)
	}
	return o.recvH.Sub(uint64(off*o.esize), uint64(count*o.esize))
}

func segment(b []byte, off, n int) []byte {
	if n == 0 {
		return nil
	}
	if off+n > len(b) {
		panic(fmt.Sprintf("segment [%d, %d) out of %d byte buffer", off, off+n, len(b)))
	}
	return b[off : off+n]
}

func (o *op) requireBuffers(send, recv bool) error {
	if send && o.sendH.IsNil() {
		return errors.Errorf("%s needs a send buffer", o.fn.Fn)
	}
	if recv && o.recvH.IsNil() {
		return errors.Errorf("%s needs a receive buffer", o.fn.Fn)
	}
	return nil
}

func divUp(x, y int) int {
	return (x + y - 1) / y
}

// span clamps a range of up to n elements at off to a
// buffer of size elements.
func span(size, off, n int) int {
	if off >= size {
		return 0
	}
	if off+n > size {
		return size - off
	}
	return n
}

func channelSplit(bid, nChannels uint8) (int, int) {
	if nChannels == 0 {
		return 0, 1
	}
	return int(bid), int(nChannels)
}
