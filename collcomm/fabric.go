package collcomm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/config"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/devcomm"
	"github.com/unixpickle/devcomm/kernel"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/topo"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/work"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// A Fabric is a set of communicators, one per rank, living
// in one process and connected over every pair of ranks on
// every channel.
type Fabric struct {
	Config *config.Config
	Mapper *memspace.Mapper
	Links  *conn.LinkMat
	Abort  *abort.Flag

	// Trace is nil unless tracing is configured.
	Trace *trace.Ring

	Memory []conn.RankMemory
	Comms  []*devcomm.Comm

	proxies []*conn.Proxy
	views   []*Comms
}

// NewFabric allocates every rank's memory and builds the
// channels and connections described by cfg.
func NewFabric(cfg *config.Config) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, essentials.AddCtx("new fabric", err)
	}
	intra, _ := cfg.IntraTransport()
	f := &Fabric{
		Config: cfg,
		Mapper: memspace.NewMapper(),
		Links:  conn.NewNodeLinkMat(cfg.Ranks, cfg.RanksPerNode, intra),
		Abort:  abort.NewFlag(),
	}
	if cfg.Trace {
		f.Trace = trace.NewRing()
	}
	if err := f.Links.Validate(); err != nil {
		return nil, essentials.AddCtx("new fabric", err)
	}

	id := uuid.New()
	for rank := 0; rank < cfg.Ranks; rank++ {
		host, err := f.Mapper.NewArena(memspace.HostLocal, rank, cfg.ArenaSize)
		if err != nil {
			return nil, essentials.AddCtx("new fabric", err)
		}
		dev, err := f.Mapper.NewArena(memspace.DeviceLocal, rank, cfg.ArenaSize)
		if err != nil {
			return nil, essentials.AddCtx("new fabric", err)
		}
		f.Memory = append(f.Memory, conn.RankMemory{Rank: rank, Host: host, Device: dev})
		f.Comms = append(f.Comms, &devcomm.Comm{
			ID:        id,
			Rank:      rank,
			NRanks:    cfg.Ranks,
			BuffSizes: cfg.BuffSizes.Array(),
			Abort:     f.Abort,
			Mapper:    f.Mapper,
			Scheme:    cfg.Flags,
			Poll:      cfg.Poll,
			Trace:     f.Trace,
		})
		f.proxies = append(f.proxies, conn.NewProxy(rank, f.Mapper, cfg.Poll, f.Abort))
	}

	setup := cfg.Setup()
	setup.Mapper = f.Mapper
	for ch := 0; ch < cfg.Channels; ch++ {
		if err := f.addChannel(setup, ch); err != nil {
			return nil, essentials.AddCtx(fmt.Sprintf("channel %d", ch), err)
		}
	}

	for rank, comm := range f.Comms {
		if err := comm.PublishChannels(f.Memory[rank].Device); err != nil {
			return nil, err
		}
		kernels := make([]*kernel.Kernel, comm.NumChannels())
		for i := range kernels {
			kernels[i] = kernel.New(comm, i)
		}
		f.views = append(f.views, &Comms{Fabric: f, Comm: comm, kernels: kernels})
	}

	var proxied int
	for _, p := range f.proxies {
		proxied += p.NumConns()
	}
	klog.V(1).Infof("fabric %s: %d ranks, %d channels, %d proxied connections", id,
		cfg.Ranks, cfg.Channels, proxied)
	return f, nil
}

// ringOrder alternates the direction of consecutive
// channels' rings so that both directions of every link
// carry traffic.
func ringOrder(n, channel int) []int {
	order := make([]int, n)
	for i := range order {
		if channel%2 == 0 {
			order[i] = i
		} else {
			order[i] = n - 1 - i
		}
	}
	return order
}

func (f *Fabric) addChannel(setup *conn.Setup, id int) error {
	cfg := f.Config
	n := cfg.Ranks
	order := ringOrder(n, id)
	treeOrder := ringOrder(n, 0)
	channels := make([]*devcomm.Channel, n)
	trees := make([]topo.Tree, n)
	chains := make([]topo.Tree, n)
	for rank := range channels {
		mem := f.Memory[rank]
		ring, err := topo.NewRing(order, rank)
		if err != nil {
			return err
		}
		if err := ring.PublishDevice(f.Mapper, mem.Device); err != nil {
			return err
		}
		if err := ring.Validate(f.Mapper, n); err != nil {
			return err
		}
		if trees[rank], err = topo.NewBinaryTree(treeOrder, rank); err != nil {
			return err
		}
		if chains[rank], err = topo.NewChainTree(treeOrder, rank); err != nil {
			return err
		}
		q, err := work.NewQueue(f.Mapper, mem.Device, cfg.QueueCapacity)
		if err != nil {
			return err
		}
		channels[rank] = &devcomm.Channel{
			ID:         id,
			Ring:       ring,
			TreeUp:     trees[rank],
			TreeDn:     trees[rank],
			CollTreeUp: chains[rank],
			CollTreeDn: chains[rank],
			Peers:      make([]conn.Peer, n),
			Queue:      q,
		}
		if cfg.Profile {
			channels[rank].Prof = &trace.Prof{}
		}
	}
	if err := topo.ValidateTrees(trees); err != nil {
		return essentials.AddCtx("tree", err)
	}
	if err := topo.ValidateTrees(chains); err != nil {
		return essentials.AddCtx("chain", err)
	}

	for src := 0; src < n; src++ {
		for dst := 0; dst < n; dst++ {
			if src == dst {
				continue
			}
			send, recv, err := setup.Connect(f.Links.Get(src, dst), f.Memory[src], f.Memory[dst])
			if err != nil {
				return err
			}
			if send.Proxy != nil {
				if err := f.proxies[src].Add(send.Proxy); err != nil {
					return err
				}
			}
			channels[src].Peers[dst].Send = send
			channels[dst].Peers[src].Recv = recv
		}
	}

	for rank, ch := range channels {
		if err := ch.PublishPeers(f.Mapper, f.Memory[rank].Device); err != nil {
			return err
		}
		if err := f.Comms[rank].AddChannel(ch); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return len(f.Comms)
}

// View returns the Comms of one rank.
func (f *Fabric) View(rank int) *Comms {
	return f.views[rank]
}

// Run calls fn for every rank in its own Goroutine while the
// proxies forward NET traffic, and waits for all of them.
//
// If fn fails on one rank, or ctx ends before every rank
// returns, the fabric is aborted so that the other ranks
// stop waiting.
func (f *Fabric) Run(ctx context.Context, fn func(ctx context.Context, c *Comms) error) error {
	stopAbort := context.AfterFunc(ctx, func() {
		f.Abort.Set(fmt.Sprintf("run: %v", context.Cause(ctx)))
	})
	defer stopAbort()

	proxyCtx, stopProxies := context.WithCancel(ctx)
	defer stopProxies()
	var proxies errgroup.Group
	for _, p := range f.proxies {
		p := p
		if p.NumConns() > 0 {
			proxies.Go(func() error {
				return p.Run(proxyCtx)
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range f.views {
		c := c
		g.Go(func() error {
			err := fn(gctx, c)
			if err != nil && !errors.Is(err, abort.ErrAborted) {
				f.Abort.Set(fmt.Sprintf("rank %d: %v", c.Index(), err))
			}
			return err
		})
	}
	err := g.Wait()
	stopProxies()
	if perr := proxies.Wait(); err == nil {
		err = perr
	}
	return err
}

// Prof sums the profiling counters of every channel of
// every rank.
func (f *Fabric) Prof() trace.ProfSnapshot {
	var none *trace.Prof
	res := none.Snapshot()
	for _, comm := range f.Comms {
		for i := 0; i < comm.NumChannels(); i++ {
			if p := comm.Channel(i).Prof; p != nil {
				res.Add(p.Snapshot())
			}
		}
	}
	return res
}
