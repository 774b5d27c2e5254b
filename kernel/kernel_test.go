package kernel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/config"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/kernel"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
)

func testConfig(numRanks int) *config.Config {
	cfg := config.Default()
	cfg.Ranks = numRanks
	cfg.BuffSizes = config.BuffSizes{LL: 1024, LL128: 2048, Simple: 1024}
	cfg.QueueCapacity = 16
	cfg.ArenaSize = 1 << 20
	cfg.Poll = conn.PollPolicy{SpinBudget: 16, YieldBudget: 1 << 30, AbortEvery: 1}
	return cfg
}

func runFabric(t *testing.T, cfg *config.Config,
	fn func(ctx context.Context, c *collcomm.Comms) error) *collcomm.Fabric {
	f, err := collcomm.NewFabric(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, f.Run(ctx, fn))
	return f
}

func putBuffer(c *collcomm.Comms, name string, dt work.DataType,
	vals []float32) (memspace.Handle, error) {
	h, err := c.Buffer(name, uint64(len(vals)*dt.Size()))
	if err != nil {
		return h, err
	}
	buf, err := c.Bytes(h)
	if err != nil {
		return h, err
	}
	collcomm.PutValues(buf, dt, vals)
	return h, nil
}

func readBuffer(c *collcomm.Comms, h memspace.Handle, dt work.DataType) ([]float32, error) {
	buf, err := c.Bytes(h)
	if err != nil {
		return nil, err
	}
	return collcomm.Values(buf, dt), nil
}

func rankValues(rank, count int) []float32 {
	res := make([]float32, count)
	for i := range res {
		res[i] = float32(rank*100 + i%37)
	}
	return res
}

func TestRingAllReduceSteps(t *testing.T) {
	const numRanks = 4
	const count = 1024
	cfg := testConfig(numRanks)
	cfg.Channels = 1

	results := make([][]float32, numRanks)
	f := runFabric(t, cfg, func(ctx context.Context, c *collcomm.Comms) error {
		send, err := putBuffer(c, "send", work.Float32, rankValues(c.Index(), count))
		if err != nil {
			return err
		}
		recv, err := c.Buffer("recv", count*4)
		if err != nil {
			return err
		}
		err = c.Run(ctx, &collcomm.Op{
			Func:      work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.Simple},
			Send:      send,
			Recv:      recv,
			Count:     count,
			ChunkSize: 32,
		})
		if err != nil {
			return err
		}
		results[c.Index()], err = readBuffer(c, recv, work.Float32)
		return err
	})

	for i := 0; i < count; i++ {
		var expected float32
		for r := 0; r < numRanks; r++ {
			expected += rankValues(r, count)[i]
		}
		for r, res := range results {
			if res[i] != expected {
				t.Fatalf("rank %d element %d: expected %f but got %f", r, i, expected, res[i])
			}
		}
	}

	// Each connection moves one slot per step. A loop covers
	// n*chunk = 128 elements in 2*(n-1) = 6 steps, so 1024
	// elements take ceil(1024/128) = 8 loops, i.e. 48 steps.
	// ceil(count/chunkSize) counts chunks per rank block here,
	// with chunkSize the per-loop elements of one rank.
	for rank, comm := range f.Comms {
		ch := comm.Channel(0)
		assert.EqualValues(t, 48, ch.Peer(ch.Ring.Next).Send.Conn.Step, "rank %d send", rank)
		assert.EqualValues(t, 48, ch.Peer(ch.Ring.Prev).Recv.Conn.Step, "rank %d recv", rank)
		assert.Equal(t, 0, ch.Queue.Count())
	}
}

func TestRingCollectives(t *testing.T) {
	const numRanks = 3
	const count = 555
	for _, fn := range []work.Func{work.Broadcast, work.Reduce, work.AllGather,
		work.ReduceScatter} {
		fn := fn
		for _, proto := range wire.Protocols {
			proto := proto
			for _, links := range []string{"P2P", "SHM", "NET"} {
				links := links
				name := fmt.Sprintf("%s/%s/%s", fn, proto, links)
				t.Run(name, func(t *testing.T) {
					cfg := testConfig(numRanks)
					cfg.Profile = true
					switch links {
					case "SHM":
						cfg.Intra = conn.SHM.String()
					case "NET":
						cfg.RanksPerNode = 1
					}
					testRingCollective(t, cfg, work.FuncDesc{Fn: fn, Algo: work.Ring,
						Proto: proto}, count)
				})
			}
		}
	}
}

func testRingCollective(t *testing.T, cfg *config.Config, desc work.FuncDesc, count int) {
	n := cfg.Ranks
	const root = 1
	sendLen, recvLen := count, count
	switch desc.Fn {
	case work.AllGather:
		recvLen = n * count
	case work.ReduceScatter:
		sendLen = n * count
	}
	inputs := make([][]float32, n)
	for r := range inputs {
		inputs[r] = rankValues(r, sendLen)
	}

	results := make([][]float32, n)
	f := runFabric(t, cfg, func(ctx context.Context, c *collcomm.Comms) error {
		var send memspace.Handle
		if desc.Fn != work.Broadcast || c.Index() == root {
			var err error
			send, err = putBuffer(c, "send", desc.Type, inputs[c.Index()])
			if err != nil {
				return err
			}
		}
		var recv memspace.Handle
		if desc.Fn != work.Reduce || c.Index() == root {
			var err error
			recv, err = c.Buffer("recv", uint64(recvLen*desc.Type.Size()))
			if err != nil {
				return err
			}
		}
		err := c.Run(ctx, &collcomm.Op{Func: desc, Send: send, Recv: recv, Count: uint64(count),
			Root: root})
		if err != nil || recv.IsNil() {
			return err
		}
		results[c.Index()], err = readBuffer(c, recv, desc.Type)
		return err
	})

	sum := collcomm.Sum(inputs...)
	for r, res := range results {
		var expected []float32
		switch desc.Fn {
		case work.Broadcast:
			expected = inputs[root]
		case work.Reduce:
			if r != root {
				assert.Nil(t, res)
				continue
			}
			expected = sum
		case work.AllGather:
			for _, in := range inputs {
				expected = append(expected, in...)
			}
		case work.ReduceScatter:
			expected = sum[r*count : (r+1)*count]
		}
		require.Equal(t, expected, res, "rank %d", r)
	}

	prof := f.Prof()
	assert.Greater(t, prof.Total, time.Duration(0))
	if desc.Fn == work.Broadcast {
		direct := desc.Proto == wire.Simple && cfg.RanksPerNode == 0 && cfg.Intra != conn.SHM.String()
		if direct {
			assert.Positive(t, prof.Stats[trace.PrimDirectRecv].Calls)
		} else {
			assert.Zero(t, prof.Stats[trace.PrimDirectRecv].Calls)
		}
	}
}

func TestAllReduceOps(t *testing.T) {
	const numRanks = 5
	const count = 300
	inputs := make([][]float32, numRanks)
	for r := range inputs {
		inputs[r] = make([]float32, count)
		for i := range inputs[r] {
			inputs[r][i] = []float32{-2, -1, 1, 2}[(r+i)%4]
		}
	}
	for _, op := range []work.RedOp{work.Sum, work.Prod, work.Max, work.Min} {
		op := op
		for _, dt := range []work.DataType{work.Float32, work.Float16} {
			dt := dt
			for _, algo := range []work.Algo{work.Ring, work.Tree, work.CollNet} {
				desc := work.FuncDesc{Fn: work.AllReduce, Algo: algo, Proto: wire.LL128,
					Op: op, Type: dt}
				t.Run(desc.String(), func(t *testing.T) {
					results := make([][]float32, numRanks)
					runFabric(t, testConfig(numRanks), func(ctx context.Context,
						c *collcomm.Comms) error {
						send, err := putBuffer(c, "send", dt, inputs[c.Index()])
						if err != nil {
							return err
						}
						recv, err := c.Buffer("recv", uint64(count*dt.Size()))
						if err != nil {
							return err
						}
						err = c.Run(ctx, &collcomm.Op{Func: desc, Send: send, Recv: recv,
							Count: count})
						if err != nil {
							return err
						}
						results[c.Index()], err = readBuffer(c, recv, dt)
						return err
					})
					expected := collcomm.ReduceFnFor(op)(inputs...)
					for r, res := range results {
						require.Equal(t, expected, res, "rank %d", r)
					}
				})
			}
		}
	}
}

func TestAllReduceInPlace(t *testing.T) {
	const numRanks = 4
	const count = 1000
	results := make([][]float32, numRanks)
	runFabric(t, testConfig(numRanks), func(ctx context.Context, c *collcomm.Comms) error {
		buf, err := putBuffer(c, "data", work.Float32, rankValues(c.Index(), count))
		if err != nil {
			return err
		}
		desc := work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.Simple}
		if err := c.Run(ctx, &collcomm.Op{Func: desc, Send: buf, Recv: buf, Count: count}); err != nil {
			return err
		}
		results[c.Index()], err = readBuffer(c, buf, work.Float32)
		return err
	})
	inputs := make([][]float32, numRanks)
	for r := range inputs {
		inputs[r] = rankValues(r, count)
	}
	expected := collcomm.Sum(inputs...)
	for r, res := range results {
		require.Equal(t, expected, res, "rank %d", r)
	}
}

func TestSendRecv(t *testing.T) {
	const numRanks = 3
	for _, delta := range []int{0, 1, 2} {
		delta := delta
		for _, proto := range wire.Protocols {
			proto := proto
			t.Run(fmt.Sprintf("Delta=%d/%s", delta, proto), func(t *testing.T) {
				results := make([][]float32, numRanks)
				runFabric(t, testConfig(numRanks), func(ctx context.Context,
					c *collcomm.Comms) error {
					sendCount := 100 + c.Index()
					from := (c.Index() - delta + numRanks) % numRanks
					recvCount := 100 + from
					send, err := putBuffer(c, "send", work.Float32, rankValues(c.Index(), sendCount))
					if err != nil {
						return err
					}
					recv, err := c.Buffer("recv", uint64(recvCount*4))
					if err != nil {
						return err
					}
					err = c.Run(ctx, &collcomm.Op{
						Func:      work.FuncDesc{Fn: work.SendRecv, Proto: proto},
						Send:      send,
						Recv:      recv,
						Delta:     delta,
						SendCount: uint64(sendCount),
						RecvCount: uint64(recvCount),
					})
					if err != nil {
						return err
					}
					results[c.Index()], err = readBuffer(c, recv, work.Float32)
					return err
				})
				for r, res := range results {
					from := (r - delta + numRanks) % numRanks
					require.Equal(t, rankValues(from, 100+from), res, "rank %d", r)
				}
			})
		}
	}
}

func TestGatherScatter(t *testing.T) {
	const numRanks = 4
	const count = 77
	const root = 2
	for _, proto := range wire.Protocols {
		proto := proto
		t.Run(proto.String(), func(t *testing.T) {
			gathered := make([]float32, 0, numRanks*count)
			for r := 0; r < numRanks; r++ {
				gathered = append(gathered, rankValues(r, count)...)
			}
			var rootResult []float32
			scattered := make([][]float32, numRanks)
			runFabric(t, testConfig(numRanks), func(ctx context.Context,
				c *collcomm.Comms) error {
				send, err := putBuffer(c, "send", work.Float32, rankValues(c.Index(), count))
				if err != nil {
					return err
				}
				var recv memspace.Handle
				if c.Index() == root {
					if recv, err = c.Buffer("recv", numRanks*count*4); err != nil {
						return err
					}
				}
				err = c.Run(ctx, &collcomm.Op{
					Func:  work.FuncDesc{Fn: work.Gather, Proto: proto},
					Send:  send,
					Recv:  recv,
					Count: count,
					Root:  root,
				})
				if err != nil {
					return err
				}
				if c.Index() == root {
					if rootResult, err = readBuffer(c, recv, work.Float32); err != nil {
						return err
					}
				}

				// Scatter the gathered buffer back out.
				out, err := c.Buffer("scattered", count*4)
				if err != nil {
					return err
				}
				err = c.Run(ctx, &collcomm.Op{
					Func:  work.FuncDesc{Fn: work.Scatter, Proto: proto},
					Send:  recv,
					Recv:  out,
					Count: count,
					Root:  root,
				})
				if err != nil {
					return err
				}
				scattered[c.Index()], err = readBuffer(c, out, work.Float32)
				return err
			})
			require.Equal(t, gathered, rootResult)
			for r, res := range scattered {
				require.Equal(t, rankValues(r, count), res, "rank %d", r)
			}
		})
	}
}

func TestAllToAll(t *testing.T) {
	const numRanks = 5
	const count = 64
	for _, channels := range []int{1, 2, 3} {
		channels := channels
		t.Run(fmt.Sprintf("Channels=%d", channels), func(t *testing.T) {
			cfg := testConfig(numRanks)
			cfg.Channels = channels
			results := make([][]float32, numRanks)
			runFabric(t, cfg, func(ctx context.Context, c *collcomm.Comms) error {
				send, err := putBuffer(c, "send", work.Float32,
					rankValues(c.Index(), numRanks*count))
				if err != nil {
					return err
				}
				recv, err := c.Buffer("recv", numRanks*count*4)
				if err != nil {
					return err
				}
				err = c.Run(ctx, &collcomm.Op{
					Func:  work.FuncDesc{Fn: work.AllToAll, Proto: wire.LL},
					Send:  send,
					Recv:  recv,
					Count: count,
				})
				if err != nil {
					return err
				}
				results[c.Index()], err = readBuffer(c, recv, work.Float32)
				return err
			})
			for r, res := range results {
				for src := 0; src < numRanks; src++ {
					expected := rankValues(src, numRanks*count)[r*count : (r+1)*count]
					require.Equal(t, expected, res[src*count:(src+1)*count], "rank %d from %d", r, src)
				}
			}
		})
	}
}

func TestAllToAllv(t *testing.T) {
	const numRanks = 4
	blockSize := func(from, to int) int {
		return 10 * ((from + 2*to) % 3)
	}
	value := func(from, to, i int) float32 {
		return float32(from*1000 + to*100 + i)
	}
	layout := func(sizes []int) (counts, displs []uint64) {
		var off uint64
		for _, s := range sizes {
			counts = append(counts, uint64(s))
			displs = append(displs, off)
			off += uint64(s)
		}
		return
	}

	results := make([][]float32, numRanks)
	runFabric(t, testConfig(numRanks), func(ctx context.Context, c *collcomm.Comms) error {
		rank := c.Index()
		var out []float32
		sendSizes := make([]int, numRanks)
		recvSizes := make([]int, numRanks)
		for p := 0; p < numRanks; p++ {
			sendSizes[p] = blockSize(rank, p)
			recvSizes[p] = blockSize(p, rank)
			for i := 0; i < sendSizes[p]; i++ {
				out = append(out, value(rank, p, i))
			}
		}
		sendCounts, sendDispls := layout(sendSizes)
		recvCounts, recvDispls := layout(recvSizes)
		counts, err := c.PutCounts("counts", sendCounts, sendDispls, recvCounts, recvDispls)
		if err != nil {
			return err
		}
		send, err := putBuffer(c, "send", work.Float32, out)
		if err != nil {
			return err
		}
		var total uint64
		for _, x := range recvCounts {
			total += x
		}
		recv, err := c.Buffer("recv", total*4)
		if err != nil {
			return err
		}
		err = c.Run(ctx, &collcomm.Op{
			Func:   work.FuncDesc{Fn: work.AllToAllv, Proto: wire.Simple},
			Send:   send,
			Recv:   recv,
			Counts: counts,
		})
		if err != nil {
			return err
		}
		results[rank], err = readBuffer(c, recv, work.Float32)
		return err
	})

	for r, res := range results {
		var expected []float32
		for p := 0; p < numRanks; p++ {
			for i := 0; i < blockSize(p, r); i++ {
				expected = append(expected, value(p, r, i))
			}
		}
		require.Equal(t, expected, res, "rank %d", r)
	}
}

func TestQueuedOps(t *testing.T) {
	const numRanks = 3
	const count = 200
	const numOps = 5
	cfg := testConfig(numRanks)
	cfg.Trace = true

	results := make([][]float32, numRanks)
	f := runFabric(t, cfg, func(ctx context.Context, c *collcomm.Comms) error {
		desc := work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.LL}
		buf, err := putBuffer(c, "data", work.Float32, rankValues(c.Index(), count))
		if err != nil {
			return err
		}
		for i := 0; i < numOps; i++ {
			err := c.Enqueue(&collcomm.Op{Func: desc, Send: buf, Recv: buf, Count: count})
			if err != nil {
				return err
			}
		}
		if err := c.Launch(ctx); err != nil {
			return err
		}
		results[c.Index()], err = readBuffer(c, buf, work.Float32)
		return err
	})

	expected := make([]float32, count)
	for r := 0; r < numRanks; r++ {
		for i, x := range rankValues(r, count) {
			expected[i] += x
		}
	}
	for i := 1; i < numOps; i++ {
		for j := range expected {
			expected[j] *= numRanks
		}
	}
	for r, res := range results {
		require.Equal(t, expected, res, "rank %d", r)
	}

	var lock sync.Mutex
	counts := map[trace.RecordType]int{}
	reader := trace.NewReader(f.Trace, time.Millisecond, func(r trace.Record) {
		lock.Lock()
		counts[r.Type]++
		lock.Unlock()
	})
	reader.Drain()
	launches := numRanks * cfg.Channels
	assert.Equal(t, launches, counts[trace.KernelLaunch])
	assert.Equal(t, launches*numOps, counts[trace.CollEnd])
	assert.Zero(t, counts[trace.Abort])
	assert.Zero(t, reader.Lost())
}

func TestChain(t *testing.T) {
	const numRanks = 2
	const count = 50
	cfg := testConfig(numRanks)
	cfg.Channels = 1
	results := make([][]float32, numRanks)
	runFabric(t, cfg, func(ctx context.Context, c *collcomm.Comms) error {
		a, err := putBuffer(c, "a", work.Float32, rankValues(c.Index(), count))
		if err != nil {
			return err
		}
		b, err := c.Buffer("b", count*4)
		if err != nil {
			return err
		}
		elems := make([]work.Elem, 2)
		for i, bufs := range [][2]memspace.Handle{{a, b}, {b, a}} {
			elems[i] = work.Elem{
				Args: work.Args{
					Comm:     c.Comm.ChannelHandle(0),
					OpCount:  uint64(i + 1),
					SendBuff: bufs[0],
					RecvBuff: bufs[1],
					Shape:    &work.P2PShape{Delta: 1, SendCount: count, RecvCount: count},
				},
				FuncIndex: work.FuncDesc{Fn: work.SendRecv, Proto: wire.LL128}.Index(),
			}
		}
		if err := c.Comm.Channel(0).Queue.Chain(elems); err != nil {
			return err
		}
		n, err := kernel.Launch(ctx, c.Comm, 0)
		if err != nil {
			return err
		} else if n != 2 {
			return errors.Errorf("expected 2 descriptors, got %d", n)
		}
		results[c.Index()], err = readBuffer(c, a, work.Float32)
		return err
	})

	// Each rank received its own data back after two hops.
	for r, res := range results {
		require.Equal(t, rankValues(r, count), res, "rank %d", r)
	}
}

func TestAbortPropagation(t *testing.T) {
	const numRanks = 4
	const count = 4096
	cfg := testConfig(numRanks)
	cfg.RanksPerNode = 1

	f, err := collcomm.NewFabric(cfg)
	require.NoError(t, err)
	errs := make([]error, numRanks)
	err = f.Run(context.Background(), func(ctx context.Context, c *collcomm.Comms) error {
		if c.Index() == numRanks-1 {
			// The last rank never joins, leaving the others spinning.
			time.Sleep(20 * time.Millisecond)
			c.Comm.SetAbort("rank gave up")
			return nil
		}
		buf, err := putBuffer(c, "data", work.Float32, rankValues(c.Index(), count))
		if err != nil {
			return err
		}
		desc := work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.Simple}
		err = c.Run(ctx, &collcomm.Op{Func: desc, Send: buf, Recv: buf, Count: count})
		errs[c.Index()] = err
		return err
	})
	require.True(t, errors.Is(err, abort.ErrAborted), "unexpected error: %v", err)
	for rank, err := range errs[:numRanks-1] {
		assert.True(t, errors.Is(err, abort.ErrAborted), "rank %d: %v", rank, err)
	}

	// Nothing more is drained once the flag is set.
	for rank := 0; rank < numRanks-1; rank++ {
		comm := f.Comms[rank]
		for ch := 0; ch < comm.NumChannels(); ch++ {
			assert.Equal(t, 1, comm.Channel(ch).Queue.Count())
			n, err := kernel.Launch(context.Background(), comm, ch)
			assert.Zero(t, n)
			assert.True(t, errors.Is(err, abort.ErrAborted))
		}
	}
}

func TestDeadlineAbortsRun(t *testing.T) {
	cfg := testConfig(2)
	f, err := collcomm.NewFabric(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- f.Run(ctx, func(ctx context.Context, c *collcomm.Comms) error {
			if c.Index() == 1 {
				<-ctx.Done()
				return nil
			}
			buf, err := putBuffer(c, "data", work.Float32, rankValues(0, 1000))
			if err != nil {
				return err
			}
			desc := work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.Simple}
			return c.Run(ctx, &collcomm.Op{Func: desc, Send: buf, Recv: buf, Count: 1000})
		})
	}()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, abort.ErrAborted), "unexpected error: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("run did not stop after its deadline")
	}
	require.True(t, f.Abort.IsSet())
	assert.Contains(t, f.Abort.Err().Error(), context.DeadlineExceeded.Error())
}

func TestDeadlineAbortsLaunch(t *testing.T) {
	cfg := testConfig(2)
	cfg.Channels = 1
	f, err := collcomm.NewFabric(cfg)
	require.NoError(t, err)
	c := f.View(0)
	buf, err := putBuffer(c, "data", work.Float32, rankValues(0, 1000))
	require.NoError(t, err)
	desc := work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.LL}
	require.NoError(t, c.Enqueue(&collcomm.Op{Func: desc, Send: buf, Recv: buf, Count: 1000}))

	// The peer never launches, so the kernel spins until the
	// deadline aborts it.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	n, err := kernel.Launch(ctx, c.Comm, 0)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, abort.ErrAborted), "unexpected error: %v", err)
	require.True(t, c.Comm.Abort.IsSet())
	assert.Contains(t, c.Comm.Abort.Err().Error(), context.DeadlineExceeded.Error())
}

func TestFaultEscalation(t *testing.T) {
	const numRanks = 3
	cfg := testConfig(numRanks)
	cfg.Poll.MaxPolls = 5000

	f, err := collcomm.NewFabric(cfg)
	require.NoError(t, err)
	errs := make([]error, numRanks)
	err = f.Run(context.Background(), func(ctx context.Context, c *collcomm.Comms) error {
		if c.Index() == 0 {
			return nil
		}
		buf, err := putBuffer(c, "data", work.Float32, rankValues(c.Index(), 100))
		if err != nil {
			return err
		}
		desc := work.FuncDesc{Fn: work.AllReduce, Algo: work.Ring, Proto: wire.LL}
		errs[c.Index()] = c.Run(ctx, &collcomm.Op{Func: desc, Send: buf, Recv: buf, Count: 100})
		return errs[c.Index()]
	})
	require.Error(t, err)
	assert.True(t, f.Abort.IsSet())

	var faults int
	for _, err := range errs[1:] {
		require.Error(t, err)
		if errors.Is(err, conn.ErrTransportFault) {
			faults++
		} else {
			assert.True(t, errors.Is(err, abort.ErrAborted), "unexpected error: %v", err)
		}
	}
	assert.Positive(t, faults)
}

func TestInvalidDescriptor(t *testing.T) {
	cfg := testConfig(2)
	cfg.Channels = 1
	f, err := collcomm.NewFabric(cfg)
	require.NoError(t, err)
	comm := f.Comms[0]

	// Broadcast has no tree algorithm.
	e := &work.Elem{
		Args: work.Args{
			Comm:    comm.ChannelHandle(0),
			OpCount: 1,
			Shape:   &work.CollShape{},
		},
		FuncIndex: work.FuncDesc{Fn: work.Broadcast, Algo: work.Tree}.Index(),
		NextIndex: work.NoNext,
	}
	require.NoError(t, comm.Channel(0).Queue.Enqueue(e))
	n, err := kernel.Launch(context.Background(), comm, 0)
	assert.Zero(t, n)
	assert.Error(t, err)
	assert.True(t, f.Abort.IsSet())
}
