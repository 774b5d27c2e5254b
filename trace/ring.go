package trace

import (
	"sync/atomic"
	"time"
)

// Capacity is the number of records a Ring holds.
const Capacity = 1024

type ringEntry struct {
	idx uint64
	rec Record
}

// A Ring is a fixed-size trace buffer shared by every
// channel of a communicator.
//
// Writers never wait: each claims the next index with one
// atomic add and installs its record unless a newer one
// already took the slot. The reader detects records it
// missed from the index stored with each entry.
type Ring struct {
	head  atomic.Uint64
	slots [Capacity]atomic.Pointer[ringEntry]
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Add writes a record. A nil ring discards it.
func (r *Ring) Add(rec Record) {
	if r == nil {
		return
	}
	e := &ringEntry{idx: r.head.Add(1) - 1, rec: rec}
	slot := &r.slots[e.idx%Capacity]
	for {
		cur := slot.Load()
		if cur != nil && cur.idx > e.idx {
			return
		}
		if slot.CompareAndSwap(cur, e) {
			return
		}
	}
}

// Emit writes a record stamped with the current time.
func (r *Ring) Emit(typ RecordType, bid uint8, funcIndex uint16, opCount uint64,
	data0 uint32, data1 uint64) {
	if r == nil {
		return
	}
	r.Add(Record{
		Type:      typ,
		Bid:       bid,
		FuncIndex: int16(funcIndex),
		Data0:     data0,
		Timestamp: uint64(time.Now().UnixNano()),
		OpCount:   opCount,
		Data1:     data1,
	})
}

// Written returns the number of records ever claimed.
func (r *Ring) Written() uint64 {
	return r.head.Load()
}

// read returns the record at idx. It reports done=false if
// the writer of idx has not installed it yet, and ok=false
// if a later record took the slot.
func (r *Ring) read(idx uint64) (rec Record, done, ok bool) {
	e := r.slots[idx%Capacity].Load()
	switch {
	case e == nil || e.idx < idx:
		return rec, false, false
	case e.idx > idx:
		return rec, true, false
	}
	return e.rec, true, true
}
