package domain

import "time"

// EntryStatus tracks a stake through settlement.
type EntryStatus string

const (
	EntryStatusActive   EntryStatus = "active"
	EntryStatusWon      EntryStatus = "won"
	EntryStatusLost     EntryStatus = "lost"
	EntryStatusRefunded EntryStatus = "refunded"
)

// Entry is a user's accepted stake on one option.
type Entry struct {
	ID           string      `json:"id"`
	PredictionID string      `json:"prediction_id"`
	OptionID     string      `json:"option_id"`
	UserID       string      `json:"user_id"`
	LockID       string      `json:"lock_id"`
	StakeCents   int64       `json:"stake_cents"`
	PayoutCents  *int64      `json:"payout_cents,omitempty"`
	Status       EntryStatus `json:"status"`
	ClaimAddress string      `json:"claim_address,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	SettledAt    *time.Time  `json:"settled_at,omitempty"`
}

// Account holds a user's spendable balance and the wallet address winnings
// are claimed to.
type Account struct {
	UserID        string    `json:"user_id"`
	BalanceCents  int64     `json:"balance_cents"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
