package domain

import "time"

// LockStatus is the state of an escrow reservation.
type LockStatus string

const (
	LockStatusActive   LockStatus = "active"
	LockStatusConsumed LockStatus = "consumed"
	LockStatusReleased LockStatus = "released"
	LockStatusExpired  LockStatus = "expired"
)

// EscrowLock reserves part of a user's balance for a pending stake.
type EscrowLock struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	PredictionID   string     `json:"prediction_id"`
	OptionID       string     `json:"option_id"`
	AmountCents    int64      `json:"amount_cents"`
	IdempotencyKey string     `json:"idempotency_key"`
	RequestHash    string     `json:"-"`
	Status         LockStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	EntryID        string     `json:"entry_id,omitempty"`
}

// ActiveAt reports whether the lock still holds funds at now. A stored
// active lock past its expiry counts as expired.
func (l EscrowLock) ActiveAt(now time.Time) bool {
	return l.Status == LockStatusActive && now.Before(l.ExpiresAt)
}

// EffectiveStatus returns the status with lazy expiry applied.
func (l EscrowLock) EffectiveStatus(now time.Time) LockStatus {
	if l.Status == LockStatusActive && !now.Before(l.ExpiresAt) {
		return LockStatusExpired
	}
	return l.Status
}

// LockInsert is the store-level request to reserve funds atomically.
type LockInsert struct {
	Lock EscrowLock
	Now  time.Time
}

// ConsumeRequest is the store-level request to turn a lock into an entry.
type ConsumeRequest struct {
	LockID  string
	EntryID string
	Now     time.Time
}
