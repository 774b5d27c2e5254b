package topo

import (
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// MaxTreeArity bounds the children of a tree node.
	MaxTreeArity = 3

	// NoPeer marks a missing parent or child.
	NoPeer = -1
)

// A Tree describes one rank's links in a channel's tree.
type Tree struct {
	Depth int
	Up    int
	Down  [MaxTreeArity]int
}

// EmptyTree returns a tree with no links.
func EmptyTree() Tree {
	return Tree{Up: NoPeer, Down: [MaxTreeArity]int{NoPeer, NoPeer, NoPeer}}
}

// IsRoot checks if the rank has no parent.
func (t Tree) IsRoot() bool {
	return t.Up == NoPeer
}

// Children returns the ranks in the occupied child slots.
func (t Tree) Children() []int {
	var res []int
	for _, d := range t.Down {
		if d != NoPeer {
			res = append(res, d)
		}
	}
	return res
}

// NewBinaryTree creates the links of rank in a binary tree
// laid out over order, which lists every rank once.
// order[0] is the root.
func NewBinaryTree(order []int, rank int) (Tree, error) {
	pos, err := position(order, rank)
	if err != nil {
		return Tree{}, err
	}
	t := EmptyTree()
	t.Depth = bits.Len(uint(len(order)))
	if pos > 0 {
		t.Up = order[(pos-1)/2]
	}
	for i := 0; i < 2; i++ {
		if child := 2*pos + 1 + i; child < len(order) {
			t.Down[i] = order[child]
		}
	}
	return t, nil
}

// NewChainTree creates the links of rank in a chain over
// order, where each rank's only child is its successor.
// Chains are used by collective-network trees.
func NewChainTree(order []int, rank int) (Tree, error) {
	pos, err := position(order, rank)
	if err != nil {
		return Tree{}, err
	}
	t := EmptyTree()
	t.Depth = len(order)
	if pos > 0 {
		t.Up = order[pos-1]
	}
	if pos+1 < len(order) {
		t.Down[0] = order[pos+1]
	}
	return t, nil
}

// Validate checks the links of rank against nRanks.
func (t Tree) Validate(rank, nRanks int) error {
	check := func(peer int, what string) error {
		if peer == NoPeer {
			return nil
		}
		if peer < 0 || peer >= nRanks {
			return errors.Errorf("rank %d: %s %d out of range", rank, what, peer)
		}
		if peer == rank {
			return errors.Errorf("rank %d: %s links to itself", rank, what)
		}
		return nil
	}
	if err := check(t.Up, "parent"); err != nil {
		return err
	}
	for _, d := range t.Down {
		if err := check(d, "child"); err != nil {
			return err
		}
	}
	if t.Depth < 1 || t.Depth > nRanks {
		return errors.Errorf("rank %d: depth %d out of range", rank, t.Depth)
	}
	return nil
}

// ValidateTrees checks that trees, indexed by rank, form a
// single tree: one root, parents and children agree, and
// every rank reaches the root.
func ValidateTrees(trees []Tree) error {
	n := len(trees)
	root := NoPeer
	for rank, t := range trees {
		if err := t.Validate(rank, n); err != nil {
			return err
		}
		if t.IsRoot() {
			if root != NoPeer {
				return errors.Errorf("ranks %d and %d are both roots", root, rank)
			}
			root = rank
		} else if !contains(trees[t.Up].Down, rank) {
			return errors.Errorf("rank %d: parent %d does not list it as a child", rank, t.Up)
		}
		for _, child := range t.Children() {
			if trees[child].Up != rank {
				return errors.Errorf("rank %d: child %d has parent %d", rank, child, trees[child].Up)
			}
		}
	}
	if root == NoPeer {
		return errors.New("tree has no root")
	}
	for rank := range trees {
		cur := rank
		for hops := 0; cur != root; hops++ {
			if hops >= n {
				return errors.Errorf("rank %d does not reach the root", rank)
			}
			cur = trees[cur].Up
		}
	}
	return nil
}

func position(order []int, rank int) (int, error) {
	if err := checkPermutation(order); err != nil {
		return 0, err
	}
	for i, r := range order {
		if r == rank {
			return i, nil
		}
	}
	return 0, errors.Errorf("rank %d not in tree", rank)
}

func contains(down [MaxTreeArity]int, rank int) bool {
	for _, d := range down {
		if d == rank {
			return true
		}
	}
	return false
}
