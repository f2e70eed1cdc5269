package merkle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// ErrEmptyTree is returned when a tree is built without leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// Tree is an immutable claim tree. layers[0] holds the leaf hashes in index
// order and the last layer holds the root.
type Tree struct {
	leaves []domain.ClaimLeaf
	layers [][]domain.Hash
	byAddr map[common.Address]int
}

// New builds a tree from leaves. Leaves are placed by Index, which must be
// exactly 0..n-1, so the root only depends on the leaf set and not on the
// order of the slice.
func New(leaves []domain.ClaimLeaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	sorted := append([]domain.ClaimLeaf(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	byAddr := make(map[common.Address]int, len(sorted))
	level := make([]domain.Hash, len(sorted))
	for i, l := range sorted {
		if l.Index != uint64(i) {
			return nil, fmt.Errorf("merkle: leaf indexes must be 0..%d, found %d at position %d", len(sorted)-1, l.Index, i)
		}
		if l.AmountCents <= 0 {
			return nil, fmt.Errorf("merkle: leaf %d has non-positive amount %d", l.Index, l.AmountCents)
		}
		if !common.IsHexAddress(l.Address) {
			return nil, fmt.Errorf("merkle: leaf %d has invalid address %q", l.Index, l.Address)
		}
		addr := common.HexToAddress(l.Address)
		if _, dup := byAddr[addr]; dup {
			return nil, fmt.Errorf("merkle: duplicate address %s", addr.Hex())
		}
		byAddr[addr] = i
		level[i] = LeafHash(l)
	}

	layers := [][]domain.Hash{level}
	for len(level) > 1 {
		next := make([]domain.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		layers = append(layers, next)
		level = next
	}

	return &Tree{leaves: sorted, layers: layers, byAddr: byAddr}, nil
}

// Root returns the tree root.
func (t *Tree) Root() domain.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Leaves returns the leaves in index order.
func (t *Tree) Leaves() []domain.ClaimLeaf {
	return append([]domain.ClaimLeaf(nil), t.leaves...)
}

// Proof returns the sibling path for address. Levels where the node was
// promoted without a sibling contribute nothing.
func (t *Tree) Proof(address string) ([]domain.Hash, domain.ClaimLeaf, error) {
	if !common.IsHexAddress(address) {
		return nil, domain.ClaimLeaf{}, fmt.Errorf("merkle: proof for %q: %w", address, domain.ErrInvalidInput)
	}
	idx, ok := t.byAddr[common.HexToAddress(address)]
	if !ok {
		return nil, domain.ClaimLeaf{}, fmt.Errorf("merkle: proof for %s: %w", address, domain.ErrNotFound)
	}
	leaf := t.leaves[idx]

	var proof []domain.Hash
	for _, level := range t.layers[:len(t.layers)-1] {
		sib := idx ^ 1
		if sib < len(level) {
			proof = append(proof, level[sib])
		}
		idx /= 2
	}
	return proof, leaf, nil
}

// Verify folds proof into leaf and compares the result with root.
func Verify(root domain.Hash, leaf domain.ClaimLeaf, proof []domain.Hash) bool {
	h := LeafHash(leaf)
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}
