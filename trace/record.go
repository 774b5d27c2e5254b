package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// RecordSize is the size of a serialized Record.
const RecordSize = 32

// A RecordType identifies a trace event.
type RecordType uint8

const (
	KernelLaunch RecordType = iota
	CollEnd
	Abort
)

func (r RecordType) String() string {
	switch r {
	case KernelLaunch:
		return "KernelLaunch"
	case CollEnd:
		return "CollEnd"
	case Abort:
		return "Abort"
	}
	return fmt.Sprintf("RecordType(%d)", uint8(r))
}

// A Record is one trace event.
type Record struct {
	Type      RecordType
	Bid       uint8
	FuncIndex int16
	Data0     uint32
	Timestamp uint64
	OpCount   uint64
	Data1     uint64
}

func (r Record) String() string {
	return fmt.Sprintf("%s bid=%d func=%d op=%d data=%d/%d t=%d", r.Type, r.Bid,
		r.FuncIndex, r.OpCount, r.Data0, r.Data1, r.Timestamp)
}

// MarshalBinary encodes r as a RecordSize record.
func (r Record) MarshalBinary() ([]byte, error) {
	words := r.words()
	res := make([]byte, RecordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(res[8*i:], w)
	}
	return res, nil
}

// UnmarshalBinary decodes a record produced by
// MarshalBinary.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return errors.Errorf("trace record has %d bytes, expected %d", len(data), RecordSize)
	}
	var words [4]uint64
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[8*i:])
	}
	*r = recordFromWords(words)
	return nil
}

// words packs the record into the four words of its
// serialized form: the header word holds type, bid, func
// index and data0.
func (r Record) words() [4]uint64 {
	header := uint64(r.Type) | uint64(r.Bid)<<8 | uint64(uint16(r.FuncIndex))<<16 |
		uint64(r.Data0)<<32
	return [4]uint64{header, r.Timestamp, r.OpCount, r.Data1}
}

func recordFromWords(w [4]uint64) Record {
	return Record{
		Type:      RecordType(w[0]),
		Bid:       uint8(w[0] >> 8),
		FuncIndex: int16(uint16(w[0] >> 16)),
		Data0:     uint32(w[0] >> 32),
		Timestamp: w[1],
		OpCount:   w[2],
		Data1:     w[3],
	}
}
