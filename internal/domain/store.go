package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PredictionStore persists predictions together with their options.
type PredictionStore interface {
	Create(ctx context.Context, p Prediction) error
	GetByID(ctx context.Context, id string) (Prediction, error)
	// Transition moves the prediction to `to` only if its stored status is
	// still `from`. It returns ErrConflict when the status changed underneath.
	Transition(ctx context.Context, id string, from, to PredictionStatus, at time.Time) error
	ListByStatus(ctx context.Context, status PredictionStatus, opts ListOpts) ([]Prediction, error)
	// ListDueForClose returns open predictions whose entry deadline is at or
	// before now.
	ListDueForClose(ctx context.Context, now time.Time, limit int) ([]Prediction, error)
}

// EntryStore reads accepted stakes. Entries are only written through
// EscrowStore.Consume and SettlementStore.
type EntryStore interface {
	GetByID(ctx context.Context, id string) (Entry, error)
	ListByPrediction(ctx context.Context, predictionID string) ([]Entry, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Entry, error)
}

// AccountStore persists user balances and claim addresses.
type AccountStore interface {
	Get(ctx context.Context, userID string) (Account, error)
	// Upsert creates the account or updates its wallet address. The balance
	// is only taken from acct on insert.
	Upsert(ctx context.Context, acct Account) error
	Credit(ctx context.Context, userID string, amountCents int64) (Account, error)
}

// EscrowStore provides the atomic reservation primitives behind the escrow
// lock manager.
type EscrowStore interface {
	// Insert returns the existing lock for (UserID, IdempotencyKey) with
	// created=false, or checks the user's active lock sum against the balance
	// and inserts the lock in the same transaction. ErrInsufficientBalance
	// when it does not fit.
	Insert(ctx context.Context, req LockInsert) (lock EscrowLock, created bool, err error)
	Get(ctx context.Context, id string) (EscrowLock, error)
	GetByKey(ctx context.Context, userID, idempotencyKey string) (EscrowLock, error)
	// Consume flips an active lock to consumed, creates the entry, bumps the
	// option total and debits the balance in one transaction.
	Consume(ctx context.Context, req ConsumeRequest) (Entry, error)
	Release(ctx context.Context, id string, now time.Time) (EscrowLock, error)
	ActiveSum(ctx context.Context, userID string, now time.Time) (int64, error)
	// Expire flips up to limit stored-active locks past their expiry to expired.
	Expire(ctx context.Context, now time.Time, limit int) (int64, error)
	ReleaseForPrediction(ctx context.Context, predictionID string, now time.Time) (int64, error)
}

// SettlementStore persists settlement records and performs the terminal
// payout transitions.
type SettlementStore interface {
	// Settle inserts the record, writes entry payouts and option outcomes and
	// moves the prediction to settled atomically. When a record already
	// exists it is returned with created=false and nothing is written.
	Settle(ctx context.Context, req SettleRequest) (rec SettlementRecord, created bool, err error)
	Get(ctx context.Context, predictionID string) (SettlementRecord, error)
	// Refund credits every active entry's stake back, voids the options and
	// moves the prediction to refunded atomically. It returns the number of
	// refunded entries.
	Refund(ctx context.Context, req RefundRequest) (int64, error)
	// ListUnpublished returns ids of settled predictions without a claim.
	ListUnpublished(ctx context.Context, limit int) ([]string, error)
}

// ClaimStore persists published Merkle claims.
type ClaimStore interface {
	// Create inserts the claim once. An existing claim is returned with
	// created=false.
	Create(ctx context.Context, claim MerkleClaim) (stored MerkleClaim, created bool, err error)
	Get(ctx context.Context, predictionID string) (MerkleClaim, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
