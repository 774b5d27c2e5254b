package conn

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/wire"
)

// Options configure a Sender or Receiver.
type Options struct {
	Scheme wire.FlagScheme
	Poll   PollPolicy
	Abort  *abort.Flag

	// NThreads is the block size used to split LL128 slots
	// between warps. Zero means wire.MaxThreads.
	NThreads int
}

// A fifo entry records the size and kind of a posted slot.
const (
	fifoSizeMask  = 1<<56 - 1
	fifoKindShift = 56
	fifoKindClean = wire.NumProtocols
)

func fifoEntry(kind int, size int) uint64 {
	return uint64(kind)<<fifoKindShift | uint64(size)
}

func splitFifoEntry(e uint64) (kind int, size int) {
	return int(e >> fifoKindShift), int(e & fifoSizeMask)
}

// endpoint holds the resolved memory of one side of a
// connection.
type endpoint struct {
	info *ConnInfo
	opts Options

	bufs  [wire.NumProtocols][]byte
	words [wire.NumProtocols][]uint64
	fifo  []uint64
	head  *atomic.Uint64
	tail  *atomic.Uint64
	ptr   *atomic.Uint64
}

func newEndpoint(m *memspace.Mapper, c *Connector, opts Options) (*endpoint, error) {
	if !c.Connected {
		return nil, errors.New("connector is not connected")
	}
	if err := opts.Scheme.Validate(); err != nil {
		return nil, err
	}
	if opts.NThreads == 0 {
		opts.NThreads = wire.MaxThreads
	}
	e := &endpoint{info: &c.Conn, opts: opts}
	var err error
	for _, p := range wire.Protocols {
		h := c.Conn.Buffs[p]
		if e.bufs[p], err = m.Resolve(h); err != nil {
			return nil, errors.Wrapf(err, "%s buffer", p)
		}
		if p != wire.Simple {
			if e.words[p], err = m.Words(h); err != nil {
				return nil, errors.Wrapf(err, "%s buffer", p)
			}
		}
	}
	if e.fifo, err = m.Words(c.Conn.Fifo); err != nil {
		return nil, errors.Wrap(err, "fifo")
	}
	if e.head, err = m.Cell(c.Conn.Head); err != nil {
		return nil, errors.Wrap(err, "head")
	}
	if e.tail, err = m.Cell(c.Conn.Tail); err != nil {
		return nil, errors.Wrap(err, "tail")
	}
	if e.ptr, err = m.Cell(c.Conn.PtrExchange); err != nil {
		return nil, errors.Wrap(err, "pointer exchange")
	}
	return e, nil
}

// Step returns the connection's current step.
func (e *endpoint) Step() uint64 {
	return e.info.Step
}

// SetThreads changes the block size used for LL128 slots.
func (e *endpoint) SetThreads(n int) {
	e.opts.NThreads = n
}

// MaxPayload returns the largest payload one step of p can
// carry.
func (e *endpoint) MaxPayload(p wire.Protocol) int {
	return p.SlotPayload(wire.SlotSize(len(e.bufs[p])))
}

func (e *endpoint) slot() int {
	return int(e.info.Step % wire.Steps)
}

func (e *endpoint) slotBytes(p wire.Protocol) []byte {
	size := wire.SlotSize(len(e.bufs[p]))
	return e.bufs[p][e.slot()*size : (e.slot()+1)*size]
}

func (e *endpoint) slotWords(p wire.Protocol) []uint64 {
	size := len(e.words[p]) / wire.Steps
	return e.words[p][e.slot()*size : (e.slot()+1)*size]
}

func (e *endpoint) wait(cond func() bool) error {
	return e.opts.Poll.Wait(e.opts.Abort, cond)
}

func (e *endpoint) checkSize(p wire.Protocol, n int) error {
	if limit := e.MaxPayload(p); n > limit {
		return errors.Errorf("%d bytes exceed the %d byte %s slot", n, limit, p)
	}
	return nil
}

// A Sender produces slots on one connection.
//
// A Sender is not safe for concurrent use; each connection
// has a single producing context.
type Sender struct {
	endpoint

	// forwarded is the proxy's progress on a proxied
	// connection.
	forwarded *atomic.Uint64
}

// NewSender binds the sending side of c.
func NewSender(m *memspace.Mapper, c *Connector, opts Options) (*Sender, error) {
	e, err := newEndpoint(m, c, opts)
	if err != nil {
		return nil, errors.Wrap(err, "bind sender")
	}
	s := &Sender{endpoint: *e}
	if c.Proxy != nil {
		if s.forwarded, err = m.Cell(c.Proxy.Forwarded); err != nil {
			return nil, errors.Wrap(err, "bind sender: forwarded")
		}
	}
	return s, nil
}

// Send transfers payload as the next step of the
// connection.
//
// It blocks until the receiver has freed the slot.
func (s *Sender) Send(p wire.Protocol, payload []byte) error {
	if err := s.checkSize(p, len(payload)); err != nil {
		return err
	}
	if p != wire.Simple {
		if err := s.clean(); err != nil {
			return err
		}
	}
	if err := s.waitCredit(); err != nil {
		return errors.Wrapf(err, "send step %d", s.info.Step)
	}
	flag := s.opts.Scheme.Flag(s.info.Step + 1)
	switch p {
	case wire.Simple:
		copy(s.slotBytes(p), payload)
	case wire.LL:
		words := s.slotWords(p)
		for i := 0; i < lineCount(p, len(payload)); i++ {
			wire.StoreLL(words, i, wire.MakeLL(wire.ChunkWord(suffix(payload, i*8)), flag))
		}
	case wire.LL128:
		words := s.slotWords(p)
		var line [wire.LL128DataElems]uint64
		lineBytes := wire.LL128DataElems * 8
		for _, r := range wire.LL128WarpRanges(s.opts.NThreads, lineCount(p, len(payload))) {
			for i := r[0]; i < r[1]; i++ {
				chunk := suffix(payload, i*lineBytes)
				for j := range line {
					line[j] = wire.ChunkWord(suffix(chunk, j*8))
				}
				wire.StoreLL128(words, i, line[:], flag)
			}
		}
	default:
		return errors.Errorf("unknown protocol %d", p)
	}
	s.post(int(p), len(payload))
	return nil
}

// AwaitPtr waits for the receiver to publish the buffer it
// wants the next step written into, and returns a remote
// view of it.
func (s *Sender) AwaitPtr(size uint64) (memspace.Handle, error) {
	if s.info.Direct&DirectGPU == 0 {
		return memspace.Handle{}, errors.New("pointer exchange needs a direct connection")
	}
	if err := s.wait(func() bool { return s.ptr.Load() != 0 }); err != nil {
		return memspace.Handle{}, errors.Wrap(err, "await pointer")
	}
	h := memspace.Unpack(s.ptr.Swap(0))
	h.Space = memspace.RemotePeer
	h.Size = size
	return h, nil
}

// SendDirect writes payload straight into dst, a buffer
// obtained from AwaitPtr, and signals the step as a Simple
// transfer.
func (s *Sender) SendDirect(m *memspace.Mapper, dst memspace.Handle, payload []byte) error {
	buf, err := m.Resolve(dst)
	if err != nil {
		return err
	}
	if len(payload) > len(buf) {
		return errors.Errorf("%d bytes exceed the %d byte direct buffer", len(payload), len(buf))
	}
	if err := s.waitCredit(); err != nil {
		return errors.Wrapf(err, "send step %d", s.info.Step)
	}
	copy(buf, payload)
	s.post(int(wire.Simple), len(payload))
	return nil
}

func (s *Sender) waitCredit() error {
	step := s.info.Step
	return s.wait(func() bool { return s.head.Load()+wire.Steps > step })
}

// post publishes the current slot and advances the step.
func (s *Sender) post(kind, size int) {
	atomic.StoreUint64(&s.fifo[s.slot()], fifoEntry(kind, size))
	s.info.Step++
	s.tail.Store(s.info.Step)
}

// clean re-primes the flagged buffers once the clean
// interval has elapsed.
//
// The sender waits until every posted slot is consumed,
// writes every line with the flag of the current step, and
// skips a full pipeline of steps. The receiver skips the
// same steps on its side without waiting. A proxied sender
// also waits for the cleaned slots to be forwarded before
// it reuses its staging buffer.
func (s *Sender) clean() error {
	info := s.info
	if !s.opts.Scheme.NeedsCleaning(info.Step, info.LLLastCleaning) {
		return nil
	}
	step := info.Step
	if err := s.wait(func() bool { return s.head.Load() >= step }); err != nil {
		return errors.Wrapf(err, "clean at step %d", step)
	}
	flag := s.opts.Scheme.Flag(step + 1)
	wire.CleanLL(s.words[wire.LL], flag)
	wire.CleanLL128(s.words[wire.LL128], flag)
	for i := range s.fifo {
		atomic.StoreUint64(&s.fifo[i], fifoEntry(fifoKindClean, 0))
	}
	info.Step += wire.Steps
	info.LLLastCleaning = info.Step
	s.tail.Store(info.Step)
	if s.forwarded != nil {
		done := info.Step
		if err := s.wait(func() bool { return s.forwarded.Load() >= done }); err != nil {
			return errors.Wrapf(err, "forward clean at step %d", step)
		}
	}
	return nil
}

// lineCount returns the number of lines one step of n
// bytes occupies. Every step carries at least one line so
// the receiver observes it.
func lineCount(p wire.Protocol, n int) int {
	if n == 0 {
		return 1
	}
	return p.Lines(n)
}

func suffix(b []byte, start int) []byte {
	if start >= len(b) {
		return nil
	}
	return b[start:]
}
