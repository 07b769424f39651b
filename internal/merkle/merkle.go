// Package merkle builds and proves pairwise SHA-256 Merkle trees over
// event-hash hex strings.
//
// Adapted from pkg/merkle/tree.go's build/proof/verify structure (odd-
// node duplication, level-by-level layers), but internal nodes here
// hash the ASCII text of child hex strings rather than decoded bytes,
// and proof steps are recorded as (side, hash) pairs in the shape of
// fida/merkle.py's prove/verify_proof rather than the teacher's
// Position-of-sibling encoding.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrEmptyLeaves is returned by Build when given no leaves; spec §4.4
// instead defines the empty root as sha256(""), via EmptyRoot.
var ErrEmptyLeaves = errors.New("merkle: no leaves")

// Side records which side of the pairing a recorded sibling sits on.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// Proof is a reconstructed inclusion path for one leaf.
type Proof struct {
	Leaf     string    `json:"leaf"`
	Index    int       `json:"index"`
	Siblings []Sibling `json:"siblings"`
	Root     string    `json:"root"`
}

// Sibling is one step of a Merkle proof path.
type Sibling struct {
	Side Side   `json:"side"`
	Hash string `json:"hash"`
}

// EmptyRoot is the canonical root of a zero-leaf tree (spec §4.4).
// No checkpoint is ever issued with zero leaves, but the value exists
// for callers that need a well-defined empty state.
func EmptyRoot() string {
	return hashHex([]byte{})
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// hashPair computes sha256(left || right) over the ASCII text of the
// two hex strings, per spec §4.4 (not their decoded byte value).
func hashPair(left, right string) string {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	return hashHex(buf)
}

// Build constructs the full layer set from a non-empty leaf list.
// layers[0] is the leaves; each subsequent layer halves (rounding up);
// the last layer holds exactly one element, the root.
func Build(leaves []string) (root string, layers [][]string, err error) {
	if len(leaves) == 0 {
		return "", nil, ErrEmptyLeaves
	}
	layers = make([][]string, 0, 1)
	level := append([]string(nil), leaves...)
	layers = append(layers, level)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: pair with itself.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		layers = append(layers, next)
		level = next
	}
	return level[0], layers, nil
}

// Prove reconstructs the inclusion path for the leaf at index within
// the given layer set (as produced by Build, or rebuilt from persisted
// MerkleNode rows).
func Prove(layers [][]string, index int) (*Proof, error) {
	if len(layers) == 0 || len(layers[0]) == 0 {
		return nil, ErrEmptyLeaves
	}
	if index < 0 || index >= len(layers[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(layers[0]))
	}

	siblings := make([]Sibling, 0, len(layers)-1)
	idx := index
	for lvl := 0; lvl < len(layers)-1; lvl++ {
		layer := layers[lvl]
		isRight := idx%2 == 1
		var sibIdx int
		var side Side
		if isRight {
			sibIdx = idx - 1
			side = SideLeft
		} else {
			sibIdx = idx + 1
			side = SideRight
		}
		var sibHash string
		if sibIdx < len(layer) {
			sibHash = layer[sibIdx]
		} else {
			// Odd-length level: the node was paired with itself.
			sibHash = layer[idx]
		}
		siblings = append(siblings, Sibling{Side: side, Hash: sibHash})
		idx /= 2
	}

	return &Proof{
		Leaf:     layers[0][index],
		Index:    index,
		Siblings: siblings,
		Root:     layers[len(layers)-1][0],
	}, nil
}

// Verify recomputes the root by folding a proof's siblings and checks
// it against the recorded root.
func Verify(p *Proof) bool {
	if p == nil {
		return false
	}
	cur := p.Leaf
	for _, s := range p.Siblings {
		switch s.Side {
		case SideLeft:
			cur = hashPair(s.Hash, cur)
		case SideRight:
			cur = hashPair(cur, s.Hash)
		default:
			return false
		}
	}
	return cur == p.Root
}

// PageHash hashes the ASCII "|"-joined concatenation of leaves, used
// for both checkpoint page hashes and export integrity envelopes
// (spec §4.5 step 3, §6 Export integrity envelope).
func PageHash(leaves []string) string {
	var buf []byte
	for i, l := range leaves {
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, l...)
	}
	return hashHex(buf)
}
