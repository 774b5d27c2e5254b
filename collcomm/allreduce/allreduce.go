// Package allreduce implements algorithms for reducing
// vectors across every rank of a Fabric.
package allreduce

import (
	"context"

	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/work"
)

// Allreducer is an algorithm that reduces vectors that are
// distributed across ranks, leaving the result on every
// rank.
//
// Every rank of a Fabric must call Allreduce with vectors
// of the same length.
type Allreducer interface {
	Allreduce(ctx context.Context, c *collcomm.Comms, data []float32,
		op work.RedOp) ([]float32, error)
}

// stage copies data into the rank's send buffer and reserves
// a receive buffer of recvCount elements.
func stage(c *collcomm.Comms, data []float32, dt work.DataType,
	recvCount int) (send, recv memspace.Handle, err error) {
	send, err = c.Buffer("allreduce.send", uint64(len(data)*dt.Size()))
	if err != nil {
		return
	}
	buf, err := c.Bytes(send)
	if err != nil {
		return
	}
	collcomm.PutValues(buf, dt, data)
	recv, err = c.Buffer("allreduce.recv", uint64(recvCount*dt.Size()))
	return
}

func readBack(c *collcomm.Comms, h memspace.Handle, dt work.DataType) ([]float32, error) {
	buf, err := c.Bytes(h)
	if err != nil {
		return nil, err
	}
	return collcomm.Values(buf, dt), nil
}
