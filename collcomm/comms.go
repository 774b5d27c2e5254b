package collcomm

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/devcomm"
	"github.com/unixpickle/devcomm/kernel"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/work"
	"golang.org/x/sync/errgroup"
)

// Comms is one rank's view of a Fabric.
//
// Operations are enqueued on every channel of the rank and
// run by launching the channels' kernels. All ranks must
// issue the same operations in the same order.
type Comms struct {
	Fabric *Fabric
	Comm   *devcomm.Comm

	kernels []*kernel.Kernel
	opCount uint64
	buffers map[string]memspace.Handle
}

// An Op is an operation to enqueue.
type Op struct {
	Func work.FuncDesc

	Send memspace.Handle
	Recv memspace.Handle

	// Count and Root describe collectives. Count is per rank
	// for operations whose buffers hold one block per rank.
	Count uint64
	Root  int

	// Delta, SendCount and RecvCount describe SendRecv.
	Delta     int
	SendCount uint64
	RecvCount uint64

	// Counts addresses the count array of AllToAllv.
	Counts memspace.Handle

	// ChunkSize is the number of elements moved per step.
	// Zero uses the largest chunk a slot holds.
	ChunkSize uint64

	// Channels limits the channels the operation is split
	// across. Zero uses every channel.
	Channels int
}

// Size gets the number of ranks.
func (c *Comms) Size() int {
	return c.Comm.NRanks
}

// Index returns the current rank.
func (c *Comms) Index() int {
	return c.Comm.Rank
}

// Buffer returns a device buffer of size bytes reserved
// under name. Buffers are reused by later calls with the
// same name, so arena space is not consumed per operation.
func (c *Comms) Buffer(name string, size uint64) (memspace.Handle, error) {
	if c.buffers == nil {
		c.buffers = map[string]memspace.Handle{}
	}
	if h, ok := c.buffers[name]; ok && h.Size >= size {
		return h.Sub(0, size), nil
	}
	h, err := c.Fabric.Memory[c.Index()].Device.Alloc(name, max(size, 8))
	if err != nil {
		return h, errors.Wrapf(err, "rank %d: buffer %s", c.Index(), name)
	}
	c.buffers[name] = h
	return h.Sub(0, size), nil
}

// Bytes resolves a buffer.
func (c *Comms) Bytes(h memspace.Handle) ([]byte, error) {
	return c.Comm.Mapper.Resolve(h)
}

// PutCounts writes the count array of an AllToAllv into the
// buffer named name. All values are in elements.
func (c *Comms) PutCounts(name string, sendCounts, sendDispls, recvCounts,
	recvDispls []uint64) (memspace.Handle, error) {
	n := c.Size()
	h, err := c.Buffer(name, uint64(4*8*n))
	if err != nil {
		return h, err
	}
	buf, err := c.Bytes(h)
	if err != nil {
		return h, err
	}
	for i, arr := range [][]uint64{sendCounts, sendDispls, recvCounts, recvDispls} {
		if len(arr) != n {
			return h, errors.Errorf("count array %d has %d entries for %d ranks", i, len(arr), n)
		}
		for j, x := range arr {
			binary.LittleEndian.PutUint64(buf[(i*n+j)*8:], x)
		}
	}
	return h, nil
}

// Enqueue adds op to the queues of the channels it runs on.
func (c *Comms) Enqueue(op *Op) error {
	nChannels := c.Comm.NumChannels()
	if op.Channels > 0 && op.Channels < nChannels {
		nChannels = op.Channels
	}
	switch op.Func.Fn {
	case work.SendRecv, work.Gather, work.Scatter:
		// Rooted and point-to-point transfers are not split.
		nChannels = 1
	}
	// An op is queued on all of its channels or on none.
	for i := 0; i < nChannels; i++ {
		if c.Comm.Channel(i).Queue.Free() < 1 {
			return errors.Wrapf(work.ErrQueueFull, "rank %d channel %d", c.Index(), i)
		}
	}
	c.opCount++
	for i := 0; i < nChannels; i++ {
		e := &work.Elem{
			Args: work.Args{
				Comm:     c.Comm.ChannelHandle(i),
				OpCount:  c.opCount,
				SendBuff: op.Send,
				RecvBuff: op.Recv,
				Common:   work.Common{NThreads: uint16(c.Fabric.Config.NThreads)},
			},
			FuncIndex: op.Func.Index(),
			NextIndex: work.NoNext,
		}
		switch op.Func.Fn.Kind() {
		case work.KindColl:
			e.Shape = &work.CollShape{
				Bid:           uint8(i),
				NChannels:     uint8(nChannels),
				Root:          uint32(op.Root),
				Count:         op.Count,
				LastChunkSize: op.ChunkSize,
			}
		case work.KindP2P:
			e.Shape = &work.P2PShape{
				Delta:     int32(op.Delta),
				SendCount: op.SendCount,
				RecvCount: op.RecvCount,
			}
		case work.KindA2AV:
			e.Shape = &work.A2AVShape{
				Bid:       uint8(i),
				NChannels: uint8(nChannels),
				Count:     op.Count,
				Extra:     op.Counts,
			}
		}
		if err := c.Comm.Channel(i).Queue.Enqueue(e); err != nil {
			return errors.Wrapf(err, "rank %d channel %d", c.Index(), i)
		}
	}
	return nil
}

// Launch runs every channel's kernel until its queue is
// drained.
func (c *Comms) Launch(ctx context.Context) error {
	var g errgroup.Group
	for _, k := range c.kernels {
		k := k
		g.Go(func() error {
			_, err := k.Launch(ctx)
			return err
		})
	}
	return g.Wait()
}

// Run enqueues op and launches the kernels.
func (c *Comms) Run(ctx context.Context, op *Op) error {
	if err := c.Enqueue(op); err != nil {
		return err
	}
	return c.Launch(ctx)
}
