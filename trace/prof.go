// Package trace holds the optional instrumentation of a
// communicator: per-channel profiling counters and an event
// ring drained by a background reader.
package trace

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// A Primitive is a transfer primitive that is profiled.
type Primitive int

const (
	PrimSend Primitive = iota
	PrimDirectSend
	PrimRecv
	PrimDirectRecv
	PrimCopySend
	PrimDirectCopySend
	PrimRecvCopySend
	PrimDirectRecvCopySend
	PrimRecvReduceCopy
	PrimRecvReduceSend
	PrimRecvReduceCopySend
	PrimDirectRecvReduceCopySend

	NumPrimitives = int(PrimDirectRecvReduceCopySend) + 1
)

var primitiveNames = [NumPrimitives]string{
	"send", "directSend", "recv", "directRecv", "copySend", "directCopySend",
	"recvCopySend", "directRecvCopySend", "recvReduceCopy", "recvReduceSend",
	"recvReduceCopySend", "directRecvReduceCopySend",
}

func (p Primitive) String() string {
	if p < 0 || int(p) >= NumPrimitives {
		return fmt.Sprintf("Primitive(%d)", int(p))
	}
	return primitiveNames[p]
}

// A Prof accumulates the time and bytes spent in each
// primitive on one channel.
//
// A nil *Prof is valid and records nothing, so callers do
// not need to check whether profiling is enabled.
type Prof struct {
	nanos [NumPrimitives]atomic.Int64
	bytes [NumPrimitives]atomic.Int64
	calls [NumPrimitives]atomic.Int64

	total    atomic.Int64
	wait     atomic.Int64
	waitRecv atomic.Int64
}

// Record adds one call of prim that started at start and
// moved n bytes.
func (p *Prof) Record(prim Primitive, start time.Time, n int) {
	if p == nil {
		return
	}
	p.nanos[prim].Add(int64(time.Since(start)))
	p.bytes[prim].Add(int64(n))
	p.calls[prim].Add(1)
}

// AddWait adds time spent waiting on a peer. recv selects
// the receive-side counter.
func (p *Prof) AddWait(d time.Duration, recv bool) {
	if p == nil {
		return
	}
	if recv {
		p.waitRecv.Add(int64(d))
	} else {
		p.wait.Add(int64(d))
	}
}

// AddTotal adds time spent running descriptors.
func (p *Prof) AddTotal(d time.Duration) {
	if p == nil {
		return
	}
	p.total.Add(int64(d))
}

// A ProfStat is the snapshot of one primitive's counters.
type ProfStat struct {
	Primitive Primitive
	Time      time.Duration
	Bytes     int64
	Calls     int64
}

// A ProfSnapshot is a consistent-enough copy of a Prof.
type ProfSnapshot struct {
	Stats    [NumPrimitives]ProfStat
	Total    time.Duration
	Wait     time.Duration
	WaitRecv time.Duration
}

// Snapshot copies the counters.
func (p *Prof) Snapshot() ProfSnapshot {
	var s ProfSnapshot
	for i := range s.Stats {
		s.Stats[i].Primitive = Primitive(i)
	}
	if p == nil {
		return s
	}
	for i := range s.Stats {
		s.Stats[i].Time = time.Duration(p.nanos[i].Load())
		s.Stats[i].Bytes = p.bytes[i].Load()
		s.Stats[i].Calls = p.calls[i].Load()
	}
	s.Total = time.Duration(p.total.Load())
	s.Wait = time.Duration(p.wait.Load())
	s.WaitRecv = time.Duration(p.waitRecv.Load())
	return s
}

// Add merges other into s.
func (s *ProfSnapshot) Add(other ProfSnapshot) {
	for i := range s.Stats {
		s.Stats[i].Primitive = Primitive(i)
		s.Stats[i].Time += other.Stats[i].Time
		s.Stats[i].Bytes += other.Stats[i].Bytes
		s.Stats[i].Calls += other.Stats[i].Calls
	}
	s.Total += other.Total
	s.Wait += other.Wait
	s.WaitRecv += other.WaitRecv
}

// Report formats the primitives that were used, one per
// line.
func (s ProfSnapshot) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "total %s, waiting %s (send) %s (recv)\n", s.Total, s.Wait, s.WaitRecv)
	for i, stat := range s.Stats {
		if stat.Calls == 0 {
			continue
		}
		rate := "-"
		if stat.Time > 0 {
			rate = humanize.IBytes(uint64(float64(stat.Bytes)/stat.Time.Seconds())) + "/s"
		}
		fmt.Fprintf(&b, "%-26s %10s calls %10s %12s %12s\n", Primitive(i),
			humanize.Comma(stat.Calls), humanize.IBytes(uint64(stat.Bytes)), stat.Time, rate)
	}
	return b.String()
}
