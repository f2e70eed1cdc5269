// Package merkle builds the claim tree published for a settled prediction.
// Leaves and inner nodes are hashed the way the settlement contract checks
// them: keccak256 over abi.encodePacked fields, with sorted-pair inner nodes.
package merkle

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// BuildLeaves joins a payout map with the entries' claim addresses. Payouts
// to the same address are summed into one leaf, zero amounts are dropped and
// the leaves are ordered by address bytes with Index set to the position.
func BuildLeaves(payouts map[string]int64, entries []domain.Entry) ([]domain.ClaimLeaf, error) {
	byEntry := make(map[string]domain.Entry, len(entries))
	for _, e := range entries {
		byEntry[e.ID] = e
	}

	totals := make(map[common.Address]int64)
	for entryID, cents := range payouts {
		if cents < 0 {
			return nil, &domain.IntegrityError{Reason: fmt.Sprintf("entry %s has negative payout %d", entryID, cents)}
		}
		if cents == 0 {
			continue
		}
		e, ok := byEntry[entryID]
		if !ok {
			return nil, &domain.IntegrityError{Reason: fmt.Sprintf("payout for unknown entry %s", entryID)}
		}
		if !common.IsHexAddress(e.ClaimAddress) {
			return nil, &domain.IntegrityError{Reason: fmt.Sprintf("entry %s has no valid claim address", entryID)}
		}
		totals[common.HexToAddress(e.ClaimAddress)] += cents
	}

	addrs := make([]common.Address, 0, len(totals))
	for a := range totals {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})

	leaves := make([]domain.ClaimLeaf, len(addrs))
	for i, a := range addrs {
		leaves[i] = domain.ClaimLeaf{
			Address:     a.Hex(),
			AmountCents: totals[a],
			Index:       uint64(i),
		}
	}
	return leaves, nil
}

// LeafHash returns keccak256(abi.encodePacked(address, uint256 amount,
// uint256 index)).
func LeafHash(leaf domain.ClaimLeaf) domain.Hash {
	addr := common.HexToAddress(leaf.Address)
	var h domain.Hash
	copy(h[:], ethcrypto.Keccak256(
		addr.Bytes(),
		common.LeftPadBytes(big.NewInt(leaf.AmountCents).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(leaf.Index).Bytes(), 32),
	))
	return h
}

// hashPair hashes two nodes in ascending byte order, so a proof needs no
// left/right flags.
func hashPair(a, b domain.Hash) domain.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var h domain.Hash
	copy(h[:], ethcrypto.Keccak256(a[:], b[:]))
	return h
}
