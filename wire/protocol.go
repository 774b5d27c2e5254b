// Package wire defines the transfer units exchanged between
// adjacent peers: the plain Simple slots and the flagged
// lines of the low-latency protocols.
package wire

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// Steps is the pipeline depth of every connection: the
	// number of slots a producer may run ahead of its
	// consumer.
	Steps = 8

	// NumProtocols is the number of wire formats.
	NumProtocols = 3

	WarpSize   = 64
	MaxThreads = 256
)

// A Protocol selects one of the wire formats of a
// connection.
type Protocol int

const (
	LL Protocol = iota
	LL128
	Simple
)

// Protocols lists every protocol in index order.
var Protocols = [NumProtocols]Protocol{LL, LL128, Simple}

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case LL:
		return "LL"
	case LL128:
		return "LL128"
	case Simple:
		return "Simple"
	}
	return "Unknown"
}

// ParseProtocol parses a protocol name, ignoring case.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range Protocols {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown protocol %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// SlotSize returns the size of one pipeline slot of a
// buffer of buffSize bytes.
func SlotSize(buffSize int) int {
	return buffSize / Steps
}

// SlotPayload returns how many payload bytes fit in a slot
// of slotBytes bytes under protocol p.
func (p Protocol) SlotPayload(slotBytes int) int {
	switch p {
	case LL:
		return slotBytes / LLLineSize * 8
	case LL128:
		return slotBytes / LL128LineSize * LL128DataElems * 8
	default:
		return slotBytes
	}
}

// Lines returns the number of lines needed to carry n
// payload bytes. Simple has no lines and returns 0.
func (p Protocol) Lines(n int) int {
	switch p {
	case LL:
		return (n + 7) / 8
	case LL128:
		return (n + LL128DataElems*8 - 1) / (LL128DataElems * 8)
	default:
		return 0
	}
}
