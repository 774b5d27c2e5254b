package conn

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/wire"
)

// A Receiver consumes slots on one connection.
//
// A Receiver is not safe for concurrent use.
type Receiver struct {
	endpoint
}

// NewReceiver binds the receiving side of c.
func NewReceiver(m *memspace.Mapper, c *Connector, opts Options) (*Receiver, error) {
	e, err := newEndpoint(m, c, opts)
	if err != nil {
		return nil, errors.Wrap(err, "bind receiver")
	}
	return &Receiver{endpoint: *e}, nil
}

// Recv consumes the next step of the connection into dst.
//
// For Simple, the size comes from the sender and must fit in
// dst. For LL and LL128, the caller knows the size of the
// step and dst must have exactly that length.
// Recv returns the number of bytes received.
func (r *Receiver) Recv(p wire.Protocol, dst []byte) (int, error) {
	if p != wire.Simple {
		if err := r.checkSize(p, len(dst)); err != nil {
			return 0, err
		}
		r.clean()
	}
	step := r.info.Step
	flag := r.opts.Scheme.Flag(step + 1)
	var n int
	switch p {
	case wire.Simple:
		if err := r.waitTail(); err != nil {
			return 0, err
		}
		_, size := splitFifoEntry(atomic.LoadUint64(&r.fifo[r.slot()]))
		if size > len(dst) {
			return 0, errors.Errorf("step %d carries %d bytes, buffer has %d", step, size, len(dst))
		}
		n = copy(dst, r.slotBytes(p)[:size])
	case wire.LL:
		words := r.slotWords(p)
		for i := 0; i < lineCount(p, len(dst)); i++ {
			var data uint64
			err := r.wait(func() bool {
				var ok bool
				data, ok = wire.LoadLL(words, i, flag)
				return ok
			})
			if err != nil {
				return 0, errors.Wrapf(err, "recv step %d line %d", step, i)
			}
			if i*8 < len(dst) {
				wire.PutWord(dst[i*8:], data)
			}
		}
		n = len(dst)
	case wire.LL128:
		words := r.slotWords(p)
		var line [wire.LL128DataElems]uint64
		lineBytes := wire.LL128DataElems * 8
		for _, rng := range wire.LL128WarpRanges(r.opts.NThreads, lineCount(p, len(dst))) {
			for i := rng[0]; i < rng[1]; i++ {
				err := r.wait(func() bool {
					return wire.LoadLL128(words, i, flag, line[:])
				})
				if err != nil {
					return 0, errors.Wrapf(err, "recv step %d line %d", step, i)
				}
				for j, w := range line {
					if off := i*lineBytes + j*8; off < len(dst) {
						wire.PutWord(dst[off:], w)
					}
				}
			}
		}
		n = len(dst)
	default:
		return 0, errors.Errorf("unknown protocol %d", p)
	}
	r.release()
	return n, nil
}

// PostPtr publishes the buffer the sender should write the
// next direct step into.
func (r *Receiver) PostPtr(h memspace.Handle) error {
	if r.info.Direct&DirectGPU == 0 {
		return errors.New("pointer exchange needs a direct connection")
	}
	if err := r.wait(func() bool { return r.ptr.Load() == 0 }); err != nil {
		return errors.Wrap(err, "post pointer")
	}
	r.ptr.Store(h.Pack())
	return nil
}

// RecvDirect waits for a step written with SendDirect and
// returns its size.
func (r *Receiver) RecvDirect() (int, error) {
	if err := r.waitTail(); err != nil {
		return 0, err
	}
	_, size := splitFifoEntry(atomic.LoadUint64(&r.fifo[r.slot()]))
	r.release()
	return size, nil
}

func (r *Receiver) waitTail() error {
	step := r.info.Step
	err := r.wait(func() bool { return r.tail.Load() > step })
	return errors.Wrapf(err, "recv step %d", step)
}

// release returns the current slot to the sender.
func (r *Receiver) release() {
	r.info.Step++
	r.head.Store(r.info.Step)
}

// clean mirrors Sender.clean: the steps the sender spends
// re-priming the buffers are skipped and credited back at
// once.
func (r *Receiver) clean() {
	info := r.info
	if !r.opts.Scheme.NeedsCleaning(info.Step, info.LLLastCleaning) {
		return
	}
	info.Step += wire.Steps
	info.LLLastCleaning = info.Step
	r.head.Store(info.Step)
}
