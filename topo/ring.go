// Package topo describes the logical graphs a collective
// runs over: rings for bandwidth and bounded-arity trees
// for latency.
//
// Topology descriptors are filled in once per communicator
// and are read-only while collectives run.
package topo

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/memspace"
)

// A Ring describes one channel's ring as seen from one rank.
//
// UserRanks lists the ring in traversal order starting at
// the owning rank, so UserRanks[0] is the rank itself,
// UserRanks[1] is Next and UserRanks[n-1] is Prev.
// DevUserRanks holds the device-resident copy of the same
// permutation.
type Ring struct {
	Prev      int
	Next      int
	UserRanks []int

	DevUserRanks memspace.Handle
}

// NewRing creates the ring of rank from a ring order, which
// lists every rank once in traversal order.
func NewRing(order []int, rank int) (*Ring, error) {
	if err := checkPermutation(order); err != nil {
		return nil, err
	}
	start := -1
	for i, r := range order {
		if r == rank {
			start = i
		}
	}
	if start == -1 {
		return nil, errors.Errorf("rank %d not in ring", rank)
	}
	n := len(order)
	userRanks := make([]int, n)
	for i := range userRanks {
		userRanks[i] = order[(start+i)%n]
	}
	return &Ring{
		Prev:      userRanks[n-1],
		Next:      userRanks[1%n],
		UserRanks: userRanks,
	}, nil
}

// Size returns the number of ranks in the ring.
func (r *Ring) Size() int {
	return len(r.UserRanks)
}

// UserRank maps an index in traversal order to a rank.
func (r *Ring) UserRank(i int) int {
	if i < 0 || i >= len(r.UserRanks) {
		panic("index out of bounds")
	}
	return r.UserRanks[i]
}

// Index returns the traversal index of rank, or -1.
func (r *Ring) Index(rank int) int {
	for i, x := range r.UserRanks {
		if x == rank {
			return i
		}
	}
	return -1
}

// PublishDevice allocates and fills the device copy of the
// permutation.
func (r *Ring) PublishDevice(m *memspace.Mapper, a *memspace.Arena) error {
	h, err := a.Alloc("ring.userRanks", uint64(4*len(r.UserRanks)))
	if err != nil {
		return errors.Wrap(err, "publish ring")
	}
	buf, err := m.Resolve(h)
	if err != nil {
		return errors.Wrap(err, "publish ring")
	}
	for i, x := range r.UserRanks {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(x))
	}
	r.DevUserRanks = h
	return nil
}

// DeviceUserRanks reads back the device copy.
func (r *Ring) DeviceUserRanks(m *memspace.Mapper) ([]int, error) {
	buf, err := m.Resolve(r.DevUserRanks)
	if err != nil {
		return nil, err
	}
	res := make([]int, len(buf)/4)
	for i := range res {
		res[i] = int(int32(binary.LittleEndian.Uint32(buf[4*i:])))
	}
	return res, nil
}

// Validate checks that the ring is a permutation of nRanks
// ranks with consistent neighbors and, if m is non-nil, that
// the device copy matches the host copy.
func (r *Ring) Validate(m *memspace.Mapper, nRanks int) error {
	if len(r.UserRanks) != nRanks {
		return errors.Errorf("ring has %d ranks, expected %d", len(r.UserRanks), nRanks)
	}
	if err := checkPermutation(r.UserRanks); err != nil {
		return err
	}
	if r.Next != r.UserRanks[1%nRanks] || r.Prev != r.UserRanks[nRanks-1] {
		return errors.Errorf("ring neighbors %d/%d disagree with permutation", r.Prev, r.Next)
	}
	if m == nil {
		return nil
	}
	dev, err := r.DeviceUserRanks(m)
	if err != nil {
		return errors.Wrap(err, "device ring")
	}
	if len(dev) != len(r.UserRanks) {
		return errors.New("device ring copy has the wrong length")
	}
	for i, x := range dev {
		if x != r.UserRanks[i] {
			return errors.Errorf("device ring copy diverges at index %d: %d != %d",
				i, x, r.UserRanks[i])
		}
	}
	return nil
}

func checkPermutation(order []int) error {
	if len(order) == 0 {
		return errors.New("empty ring")
	}
	seen := make([]bool, len(order))
	for _, r := range order {
		if r < 0 || r >= len(order) {
			return errors.Errorf("rank %d out of range", r)
		}
		if seen[r] {
			return errors.Errorf("rank %d appears twice", r)
		}
		seen[r] = true
	}
	return nil
}
