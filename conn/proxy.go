package conn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/wire"
	"k8s.io/klog/v2"
)

// ProxyArgs describe a connection forwarded by a proxy.
//
// The sender writes into Staging, StagingFifo and Posted as
// if they were the receiver's buffers, fifo and tail. The
// proxy copies each posted slot to Remote and RemoteFifo,
// then advances RemoteTail and Forwarded.
type ProxyArgs struct {
	Sender   int
	Receiver int

	Staging     [wire.NumProtocols]memspace.Handle
	StagingFifo memspace.Handle
	Posted      memspace.Handle
	Forwarded   memspace.Handle

	Remote     [wire.NumProtocols]memspace.Handle
	RemoteFifo memspace.Handle
	RemoteTail memspace.Handle

	// Torn delivers LL lines as 4-byte stores, like a
	// byte-stream transport.
	Torn bool
}

type proxyConn struct {
	args *ProxyArgs

	staging     [wire.NumProtocols][]byte
	stagingW    [wire.NumProtocols][]uint64
	remote      [wire.NumProtocols][]byte
	remoteW     [wire.NumProtocols][]uint64
	stagingFifo []uint64
	remoteFifo  []uint64
	posted      *atomic.Uint64
	forwarded   *atomic.Uint64
	remoteTail  *atomic.Uint64

	done uint64
}

// A Proxy drives the NET connections of one rank.
//
// The proxy only reads the sender's posted count and never
// touches either side's step, so it can never race the
// device contexts' own bookkeeping.
type Proxy struct {
	rank   int
	mapper *memspace.Mapper
	poll   PollPolicy
	abort  *abort.Flag

	lock  sync.Mutex
	conns []*proxyConn
}

// NewProxy creates a proxy with no connections.
func NewProxy(rank int, m *memspace.Mapper, poll PollPolicy, flag *abort.Flag) *Proxy {
	return &Proxy{rank: rank, mapper: m, poll: poll, abort: flag}
}

// Add registers a connection with the proxy.
func (p *Proxy) Add(args *ProxyArgs) error {
	c := &proxyConn{args: args}
	m := p.mapper
	var err error
	for _, proto := range wire.Protocols {
		if c.staging[proto], err = m.Resolve(args.Staging[proto]); err != nil {
			return errors.Wrap(err, "proxy staging")
		}
		if c.remote[proto], err = m.Resolve(args.Remote[proto]); err != nil {
			return errors.Wrap(err, "proxy remote")
		}
		if proto == wire.Simple {
			continue
		}
		if c.stagingW[proto], err = m.Words(args.Staging[proto]); err != nil {
			return errors.Wrap(err, "proxy staging")
		}
		if c.remoteW[proto], err = m.Words(args.Remote[proto]); err != nil {
			return errors.Wrap(err, "proxy remote")
		}
	}
	if c.stagingFifo, err = m.Words(args.StagingFifo); err != nil {
		return errors.Wrap(err, "proxy staging fifo")
	}
	if c.remoteFifo, err = m.Words(args.RemoteFifo); err != nil {
		return errors.Wrap(err, "proxy remote fifo")
	}
	if c.posted, err = m.Cell(args.Posted); err != nil {
		return errors.Wrap(err, "proxy posted")
	}
	if c.forwarded, err = m.Cell(args.Forwarded); err != nil {
		return errors.Wrap(err, "proxy forwarded")
	}
	if c.remoteTail, err = m.Cell(args.RemoteTail); err != nil {
		return errors.Wrap(err, "proxy remote tail")
	}
	c.done = c.forwarded.Load()

	p.lock.Lock()
	p.conns = append(p.conns, c)
	p.lock.Unlock()
	return nil
}

// NumConns returns the number of registered connections.
func (p *Proxy) NumConns() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.conns)
}

// Run forwards posted slots until ctx is done or the abort
// flag is set.
//
// Run returns nil when ctx ends, and the abort error if the
// communicator was aborted.
func (p *Proxy) Run(ctx context.Context) error {
	klog.V(2).Infof("proxy %d: driving %d connections", p.rank, p.NumConns())
	idle := 0
	for {
		// An abort outranks cancellation as the terminal status.
		if p.abort != nil && p.abort.IsSet() {
			klog.V(1).Infof("proxy %d: stopping on abort", p.rank)
			return p.abort.Err()
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		p.lock.Lock()
		conns := p.conns
		p.lock.Unlock()
		progressed := false
		for _, c := range conns {
			if c.progress() {
				progressed = true
			}
		}
		if progressed {
			idle = 0
		} else {
			p.poll.Backoff(idle)
			idle++
		}
	}
}

// progress forwards every slot posted since the last call.
func (c *proxyConn) progress() bool {
	posted := c.posted.Load()
	if posted == c.done {
		return false
	}
	for ; c.done < posted; c.done++ {
		slot := int(c.done % wire.Steps)
		entry := atomic.LoadUint64(&c.stagingFifo[slot])
		kind, size := splitFifoEntry(entry)
		switch kind {
		case int(wire.Simple):
			slotSize := wire.SlotSize(len(c.staging[wire.Simple]))
			start := slot * slotSize
			copy(c.remote[wire.Simple][start:start+size], c.staging[wire.Simple][start:start+size])
		case int(wire.LL), int(wire.LL128):
			proto := wire.Protocol(kind)
			c.copyLines(proto, slot, lineCount(proto, size))
		case fifoKindClean:
			c.copyLines(wire.LL, slot, -1)
			c.copyLines(wire.LL128, slot, -1)
		}
		atomic.StoreUint64(&c.remoteFifo[slot], entry)
		c.remoteTail.Store(c.done + 1)
		c.forwarded.Store(c.done + 1)
	}
	return true
}

// copyLines copies the first n lines of a slot, or all of
// them if n is negative.
func (c *proxyConn) copyLines(p wire.Protocol, slot, n int) {
	lineWords := wire.LL128LineElems
	if p == wire.LL {
		lineWords = wire.LLLineSize / 8
	}
	slotWords := len(c.stagingW[p]) / wire.Steps
	if n < 0 || n*lineWords > slotWords {
		n = slotWords / lineWords
	}
	src := c.stagingW[p][slot*slotWords : (slot+1)*slotWords]
	dst := c.remoteW[p][slot*slotWords : (slot+1)*slotWords]
	for i := 0; i < n; i++ {
		wire.CopyLine(dst, src, i, lineWords, c.args.Torn)
	}
}
