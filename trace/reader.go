package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

// A Reader drains a Ring in the background.
//
// Records are passed to an optional sink and logged at
// verbosity 2. Records that were overwritten before the
// reader got to them are counted as lost.
type Reader struct {
	ring     *Ring
	sink     func(Record)
	interval time.Duration

	lock sync.Mutex
	tail uint64

	read atomic.Uint64
	lost atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReader creates a reader that polls ring every
// interval. The sink may be nil.
func NewReader(ring *Ring, interval time.Duration, sink func(Record)) *Reader {
	return &Reader{
		ring:     ring,
		sink:     sink,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background Goroutine.
func (r *Reader) Start() {
	r.startOnce.Do(func() {
		go r.loop()
	})
}

// Stop drains the ring one last time and stops the
// background Goroutine.
func (r *Reader) Stop() {
	r.Start()
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

// Read returns the number of records delivered.
func (r *Reader) Read() uint64 {
	return r.read.Load()
}

// Lost returns the number of records overwritten before
// they could be read.
func (r *Reader) Lost() uint64 {
	return r.lost.Load()
}

func (r *Reader) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.drain(true)
			return
		case <-ticker.C:
			r.drain(false)
		}
	}
}

// Drain delivers every finished record up to the ring's
// current head and returns how many were delivered.
func (r *Reader) Drain() int {
	return r.drain(false)
}

// drain delivers records up to the head. A final drain
// counts records whose writers never finished as lost
// instead of waiting for them.
func (r *Reader) drain(final bool) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	head := r.ring.Written()
	if head-r.tail > Capacity {
		skipped := head - Capacity - r.tail
		r.lost.Add(skipped)
		r.tail = head - Capacity
		klog.Warningf("trace: reader fell behind, %d records lost", skipped)
	}
	var n int
	for ; r.tail < head; r.tail++ {
		rec, done, ok := r.ring.read(r.tail)
		if !done && !final {
			break
		}
		if !ok {
			r.lost.Add(1)
			continue
		}
		klog.V(2).Infof("trace: %s", rec)
		if r.sink != nil {
			r.sink(rec)
		}
		r.read.Add(1)
		n++
	}
	return n
}
