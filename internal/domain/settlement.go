package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SettlementRecord is the immutable result of settling a prediction.
type SettlementRecord struct {
	PredictionID       string           `json:"prediction_id"`
	WinningOptionID    string           `json:"winning_option_id"`
	WinningPoolCents   int64            `json:"winning_pool_cents"`
	LosingPoolCents    int64            `json:"losing_pool_cents"`
	PlatformFeeCents   int64            `json:"platform_fee_cents"`
	CreatorFeeCents    int64            `json:"creator_fee_cents"`
	DistributableCents int64            `json:"distributable_cents"`
	Payouts            map[string]int64 `json:"payouts"`
	SettledBy          string           `json:"settled_by"`
	CreatedAt          time.Time        `json:"created_at"`
}

// SettleRequest is the store-level request that writes the settlement
// record and performs the transition to settled in one transaction.
type SettleRequest struct {
	Record     SettlementRecord
	FromStatus PredictionStatus
}

// RefundRequest is the store-level request that refunds every active entry
// of a prediction and moves it to refunded.
type RefundRequest struct {
	PredictionID string
	FromStatus   PredictionStatus
	Actor        string
	Now          time.Time
}

// Hash is a 32-byte keccak digest.
type Hash [32]byte

// Hex returns the 0x-prefixed hex encoding.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as 0x-prefixed hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes 0x-prefixed (or bare) hex into h.
func (h *Hash) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(string(text), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hash: decode hex: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("hash: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// ClaimLeaf is one (address, amount) pair of a Merkle claim.
type ClaimLeaf struct {
	Address     string `json:"address"`
	AmountCents int64  `json:"amount_cents"`
	Index       uint64 `json:"index"`
}

// MerkleClaim is the published claim tree of a settled prediction. Proofs
// are derived from Leaves on demand.
type MerkleClaim struct {
	PredictionID     string      `json:"prediction_id"`
	Root             Hash        `json:"root"`
	Leaves           []ClaimLeaf `json:"leaves"`
	PlatformFeeCents int64       `json:"platform_fee_cents"`
	CreatorFeeCents  int64       `json:"creator_fee_cents"`
	Signature        string      `json:"signature,omitempty"`
	PostedAt         time.Time   `json:"posted_at"`
}

// ClaimProof is what a winner needs to call claim on the settlement contract.
type ClaimProof struct {
	PredictionID string    `json:"prediction_id"`
	Address      string    `json:"address"`
	AmountCents  int64     `json:"amount_cents"`
	Index        uint64    `json:"index"`
	Root         string    `json:"root"`
	Proof        []string  `json:"proof"`
	Calldata     string    `json:"calldata"`
	PostedAt     time.Time `json:"posted_at"`
}
