package work

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/memspace"
)

// MaxOps is the default queue capacity.
const MaxOps = 2048

// ErrQueueFull is returned by Enqueue when every slot is in
// use. Whether to block or retry is up to the caller.
var ErrQueueFull = errors.New("work queue full")

// A Queue is a single-producer, single-consumer ring of
// work descriptors stored in a memory region.
//
// The host enqueues at the tail. A kernel launch drains up
// to the number of descriptors present when the launch began,
// starting at the head. Each slot's status word is written
// last on enqueue and cleared only when the descriptor's
// transfer completes, so the consumer stops at a slot the
// host has not finished writing.
type Queue struct {
	region   memspace.Handle
	buf      []byte
	status   []*atomic.Uint32
	capacity uint64

	tail  uint64
	head  atomic.Uint64
	count atomic.Int64

	start    atomic.Uint64
	launch   atomic.Int64
	consumed int64
}

// NewQueue allocates a queue of capacity slots from arena.
// The capacity must be a power of two that slot indices
// can address.
func NewQueue(m *memspace.Mapper, a *memspace.Arena, capacity int) (*Queue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 || capacity >= NoNext {
		return nil, errors.Errorf("invalid queue capacity %d", capacity)
	}
	h, err := a.Alloc("workFifo", uint64(capacity*ElemSize))
	if err != nil {
		return nil, errors.Wrap(err, "allocate work queue")
	}
	buf, err := m.Resolve(h)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		region:   h,
		buf:      buf,
		status:   make([]*atomic.Uint32, capacity),
		capacity: uint64(capacity),
	}
	for i := range q.status {
		q.status[i], err = m.Cell32(h.Sub(uint64(i*ElemSize+offStatus), 4))
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Region returns the memory holding the queue's records.
func (q *Queue) Region() memspace.Handle {
	return q.region
}

// Capacity returns the number of slots.
func (q *Queue) Capacity() int {
	return int(q.capacity)
}

// Tail returns the index the next descriptor is written at.
func (q *Queue) Tail() uint64 {
	return q.tail
}

// Head returns the index of the oldest descriptor not yet
// completed.
func (q *Queue) Head() uint64 {
	return q.head.Load()
}

// Count returns the number of descriptors enqueued but not
// yet completed.
func (q *Queue) Count() int {
	return int(q.count.Load())
}

// Free returns the number of descriptors that can be
// enqueued before the queue is full.
func (q *Queue) Free() int {
	return int(q.capacity) - q.Count()
}

// Start returns the head index at the beginning of the
// current launch.
func (q *Queue) Start() uint64 {
	return q.start.Load()
}

// Enqueue writes e at the tail.
//
// The record is written first and its status word last, so
// a consumer that sees the slot active sees all of it.
func (q *Queue) Enqueue(e *Elem) error {
	if q.count.Load() >= int64(q.capacity) {
		return ErrQueueFull
	}
	slot := q.tail % q.capacity
	if q.status[slot].Load()&statusActive != 0 {
		return ErrQueueFull
	}
	rec := q.record(slot)
	if err := e.encode(rec); err != nil {
		return err
	}
	active := *e
	active.Active = true
	q.status[slot].Store(active.status())
	q.tail++
	q.count.Add(1)
	return nil
}

// Chain enqueues elems as one linked sequence: each record's
// NextIndex is the slot of its successor, and the last one
// holds NoNext. Either every descriptor is enqueued or none
// is.
func (q *Queue) Chain(elems []Elem) error {
	if len(elems) == 0 {
		return nil
	}
	if int64(len(elems))+q.count.Load() > int64(q.capacity) {
		return ErrQueueFull
	}
	for i := range elems {
		if q.status[(q.tail+uint64(i))%q.capacity].Load()&statusActive != 0 {
			return ErrQueueFull
		}
	}
	var scratch [ElemSize]byte
	for i := range elems {
		if err := elems[i].encode(scratch[:]); err != nil {
			return errors.Wrapf(err, "chain element %d", i)
		}
	}
	for i := range elems {
		e := elems[i]
		e.NextIndex = NoNext
		if i+1 < len(elems) {
			e.NextIndex = uint16((q.tail + 1) % q.capacity)
		}
		if err := q.Enqueue(&e); err != nil {
			return errors.Wrapf(err, "chain element %d", i)
		}
	}
	return nil
}

// BeginLaunch marks the start of a kernel launch and returns
// the number of descriptors it may consume.
func (q *Queue) BeginLaunch() int {
	n := q.count.Load()
	q.start.Store(q.head.Load())
	q.consumed = 0
	q.launch.Store(n)
	return int(n)
}

// Next returns the descriptor at the head without consuming
// it, and its index.
//
// It reports false once the launch count is reached or the
// head slot is not active.
func (q *Queue) Next() (*Elem, uint64, bool, error) {
	if q.consumed >= q.launch.Load() {
		return nil, 0, false, nil
	}
	idx := q.head.Load()
	slot := idx % q.capacity
	status := q.status[slot].Load()
	if status&statusActive == 0 {
		return nil, 0, false, nil
	}
	var e Elem
	if err := e.decode(q.record(slot), status); err != nil {
		return nil, 0, false, errors.Wrapf(err, "work slot %d", slot)
	}
	return &e, idx, true, nil
}

// Complete retires the descriptor at idx, which must be the
// head, once its transfer is done.
func (q *Queue) Complete(idx uint64) {
	if idx != q.head.Load() {
		panic("completing a descriptor out of order")
	}
	q.status[idx%q.capacity].Store(0)
	q.head.Store(idx + 1)
	q.count.Add(-1)
	q.consumed++
}

// Slot returns the queue slot of an index.
func (q *Queue) Slot(idx uint64) uint16 {
	return uint16(idx % q.capacity)
}

func (q *Queue) record(slot uint64) []byte {
	return q.buf[slot*ElemSize : (slot+1)*ElemSize]
}
