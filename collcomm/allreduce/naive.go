package allreduce

import (
	"context"

	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
)

// A NaiveAllreducer gathers every vector on every rank and
// reduces them on the host.
type NaiveAllreducer struct {
	Protocol wire.Protocol
}

// Allreduce runs op on all of the ranks' vectors on every
// rank.
func (n NaiveAllreducer) Allreduce(ctx context.Context, c *collcomm.Comms, data []float32,
	op work.RedOp) ([]float32, error) {
	send, recv, err := stage(c, data, work.Float32, len(data)*c.Size())
	if err != nil {
		return nil, err
	}
	err = c.Run(ctx, &collcomm.Op{
		Func: work.FuncDesc{
			Fn:    work.AllGather,
			Algo:  work.Ring,
			Proto: n.Protocol,
			Type:  work.Float32,
		},
		Send:  send,
		Recv:  recv,
		Count: uint64(len(data)),
	})
	if err != nil {
		return nil, err
	}
	gathered, err := readBack(c, recv, work.Float32)
	if err != nil {
		return nil, err
	}
	gatheredVecs := make([][]float32, c.Size())
	for i := range gatheredVecs {
		gatheredVecs[i] = gathered[i*len(data) : (i+1)*len(data)]
	}
	return collcomm.ReduceFnFor(op)(gatheredVecs...), nil
}
