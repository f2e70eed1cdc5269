package merkle

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/google/uuid"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var contractABI abi.ABI

func init() {
	var err error
	contractABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "postRoot",
			"type": "function",
			"inputs": [
				{"name": "predictionId", "type": "bytes32"},
				{"name": "root", "type": "bytes32"},
				{"name": "creatorFeeTotal", "type": "uint256"},
				{"name": "platformFeeTotal", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "claim",
			"type": "function",
			"inputs": [
				{"name": "predictionId", "type": "bytes32"},
				{"name": "amount", "type": "uint256"},
				{"name": "index", "type": "uint256"},
				{"name": "proof", "type": "bytes32[]"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("settlement abi parse: " + err.Error())
	}
}

// PredictionKey maps a prediction UUID to the bytes32 key used on-chain:
// the 16 UUID bytes left-padded with zeros.
func PredictionKey(predictionID string) ([32]byte, error) {
	var key [32]byte
	id, err := uuid.Parse(predictionID)
	if err != nil {
		return key, fmt.Errorf("merkle: prediction key %q: %w", predictionID, domain.ErrInvalidInput)
	}
	copy(key[16:], id[:])
	return key, nil
}

// PostRootCalldata encodes postRoot(predictionId, root, creatorFeeTotal,
// platformFeeTotal).
func PostRootCalldata(predictionID string, root domain.Hash, creatorFeeCents, platformFeeCents int64) ([]byte, error) {
	key, err := PredictionKey(predictionID)
	if err != nil {
		return nil, err
	}
	data, err := contractABI.Pack("postRoot",
		key,
		[32]byte(root),
		big.NewInt(creatorFeeCents),
		big.NewInt(platformFeeCents),
	)
	if err != nil {
		return nil, fmt.Errorf("merkle: pack postRoot: %w", err)
	}
	return data, nil
}

// ClaimCalldata encodes claim(predictionId, amount, index, proof).
func ClaimCalldata(predictionID string, leaf domain.ClaimLeaf, proof []domain.Hash) ([]byte, error) {
	key, err := PredictionKey(predictionID)
	if err != nil {
		return nil, err
	}
	path := make([][32]byte, len(proof))
	for i, p := range proof {
		path[i] = p
	}
	data, err := contractABI.Pack("claim",
		key,
		big.NewInt(leaf.AmountCents),
		new(big.Int).SetUint64(leaf.Index),
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("merkle: pack claim: %w", err)
	}
	return data, nil
}
