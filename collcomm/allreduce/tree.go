package allreduce

import (
	"context"

	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
)

// A TreeAllreducer reduces up a tree to a root rank and
// then broadcasts the result back down, pipelining both
// phases chunk by chunk.
//
// If CollNet is set, the chain tree of each channel is used
// instead of the binary tree.
type TreeAllreducer struct {
	Protocol wire.Protocol
	CollNet  bool
}

// Allreduce reduces data with op on every rank.
func (t TreeAllreducer) Allreduce(ctx context.Context, c *collcomm.Comms, data []float32,
	op work.RedOp) ([]float32, error) {
	send, recv, err := stage(c, data, work.Float32, len(data))
	if err != nil {
		return nil, err
	}
	algo := work.Tree
	if t.CollNet {
		algo = work.CollNet
	}
	err = c.Run(ctx, &collcomm.Op{
		Func: work.FuncDesc{
			Fn:    work.AllReduce,
			Algo:  algo,
			Proto: t.Protocol,
			Op:    op,
			Type:  work.Float32,
		},
		Send:  send,
		Recv:  recv,
		Count: uint64(len(data)),
	})
	if err != nil {
		return nil, err
	}
	return readBack(c, recv, work.Float32)
}
