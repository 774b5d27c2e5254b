package conn

import (
	"strings"

	"github.com/pkg/errors"
)

// A Transport is the mechanism carrying a connection.
type Transport uint8

const (
	NoTransport Transport = iota

	// P2P connections write directly into the peer's device
	// memory.
	P2P

	// SHM connections go through a host buffer owned by the
	// receiver.
	SHM

	// NET connections are forwarded by a proxy from a
	// sender-side staging buffer.
	NET
)

// String returns the transport name.
func (t Transport) String() string {
	switch t {
	case NoTransport:
		return "none"
	case P2P:
		return "P2P"
	case SHM:
		return "SHM"
	case NET:
		return "NET"
	}
	return "unknown"
}

// ParseTransport parses a transport name, ignoring case.
func ParseTransport(s string) (Transport, error) {
	for _, t := range []Transport{P2P, SHM, NET} {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return NoTransport, errors.Errorf("unknown transport %q", s)
}

// A LinkMat is a connectivity matrix.
//
// Entries in the matrix indicate the transport used to send
// from a source rank (row) to a destination rank (column).
type LinkMat struct {
	numRanks int
	links    []Transport
}

// NewLinkMat creates a matrix with no links.
func NewLinkMat(numRanks int) *LinkMat {
	return &LinkMat{
		numRanks: numRanks,
		links:    make([]Transport, numRanks*numRanks),
	}
}

// NewNodeLinkMat creates a matrix for ranks packed onto
// nodes of ranksPerNode ranks each.
//
// Ranks on one node use intra, ranks on different nodes use
// NET.
func NewNodeLinkMat(numRanks, ranksPerNode int, intra Transport) *LinkMat {
	if ranksPerNode < 1 {
		ranksPerNode = numRanks
	}
	l := NewLinkMat(numRanks)
	for src := 0; src < numRanks; src++ {
		for dst := 0; dst < numRanks; dst++ {
			if src == dst {
				continue
			}
			if src/ranksPerNode == dst/ranksPerNode {
				l.Set(src, dst, intra)
			} else {
				l.Set(src, dst, NET)
			}
		}
	}
	return l
}

// NumRanks returns the number of ranks.
func (l *LinkMat) NumRanks() int {
	return l.numRanks
}

// Get an entry in the matrix.
func (l *LinkMat) Get(src, dst int) Transport {
	if src < 0 || dst < 0 || src >= l.numRanks || dst >= l.numRanks {
		panic("index out of bounds")
	}
	return l.links[src*l.numRanks+dst]
}

// Set an entry in the matrix.
func (l *LinkMat) Set(src, dst int, t Transport) {
	if src < 0 || dst < 0 || src >= l.numRanks || dst >= l.numRanks {
		panic("index out of bounds")
	}
	l.links[src*l.numRanks+dst] = t
}

// CountDest counts the links of kind t into dst.
func (l *LinkMat) CountDest(dst int, t Transport) int {
	if dst < 0 || dst >= l.numRanks {
		panic("index out of bounds")
	}
	var count int
	for i := 0; i < l.numRanks; i++ {
		if l.Get(i, dst) == t {
			count++
		}
	}
	return count
}

// CountSource counts the links of kind t out of src.
func (l *LinkMat) CountSource(src int, t Transport) int {
	if src < 0 || src >= l.numRanks {
		panic("index out of bounds")
	}
	var count int
	for i := 0; i < l.numRanks; i++ {
		if l.Get(src, i) == t {
			count++
		}
	}
	return count
}

// Validate checks that every pair of distinct ranks is
// linked in both directions.
func (l *LinkMat) Validate() error {
	for src := 0; src < l.numRanks; src++ {
		for dst := 0; dst < l.numRanks; dst++ {
			t := l.Get(src, dst)
			if src == dst && t != NoTransport {
				return errors.Errorf("rank %d linked to itself", src)
			} else if src != dst && t == NoTransport {
				return errors.Errorf("no link from rank %d to rank %d", src, dst)
			}
		}
	}
	return nil
}
