package allreduce

import (
	"context"

	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
)

// A StreamAllreducer splits a vector up into chunks and
// streams them around the ring of every channel at once.
//
// Each loop first reduce-scatters, so that every rank ends
// up with one fully reduced chunk, and then all-gathers the
// reduced chunks.
type StreamAllreducer struct {
	Protocol wire.Protocol
	Type     work.DataType

	// ChunkSize is the number of elements per step. If it
	// is 0, the largest chunk a slot holds is used.
	ChunkSize int
}

// Allreduce reduces data with op on every rank.
func (s StreamAllreducer) Allreduce(ctx context.Context, c *collcomm.Comms, data []float32,
	op work.RedOp) ([]float32, error) {
	send, recv, err := stage(c, data, s.Type, len(data))
	if err != nil {
		return nil, err
	}
	err = c.Run(ctx, &collcomm.Op{
		Func: work.FuncDesc{
			Fn:    work.AllReduce,
			Algo:  work.Ring,
			Proto: s.Protocol,
			Op:    op,
			Type:  s.Type,
		},
		Send:      send,
		Recv:      recv,
		Count:     uint64(len(data)),
		ChunkSize: uint64(s.ChunkSize),
	})
	if err != nil {
		return nil, err
	}
	return readBack(c, recv, s.Type)
}
