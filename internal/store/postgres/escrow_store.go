package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/lifecycle"
)

var _ domain.EscrowStore = (*EscrowStore)(nil)

// EscrowStore implements domain.EscrowStore using PostgreSQL. Every write
// for a user first locks that user's account row, so reservations and
// consumes for one user are serialized while different users proceed in
// parallel.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates a new EscrowStore backed by the given connection pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

const lockSelectCols = `id::text, user_id, prediction_id::text, option_id::text, amount_cents,
	idempotency_key, request_hash, status, created_at, expires_at, resolved_at, entry_id`

func scanLockRow(row pgx.Row) (domain.EscrowLock, error) {
	var l domain.EscrowLock
	var status string
	err := row.Scan(
		&l.ID, &l.UserID, &l.PredictionID, &l.OptionID, &l.AmountCents,
		&l.IdempotencyKey, &l.RequestHash, &status, &l.CreatedAt, &l.ExpiresAt, &l.ResolvedAt, &l.EntryID,
	)
	if err != nil {
		if noRows(err) {
			return domain.EscrowLock{}, domain.ErrNotFound
		}
		return domain.EscrowLock{}, err
	}
	l.Status = domain.LockStatus(status)
	return l, nil
}

func activeSum(ctx context.Context, q dbtx, userID string, now time.Time) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)::bigint FROM escrow_locks
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2`,
		userID, now,
	).Scan(&sum)
	return sum, err
}

// Insert locks the account row, then either returns the existing lock for
// the key or checks the balance and inserts the new lock.
func (s *EscrowStore) Insert(ctx context.Context, req domain.LockInsert) (domain.EscrowLock, bool, error) {
	l := req.Lock
	var out domain.EscrowLock
	var created bool

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT balance_cents FROM accounts WHERE user_id = $1 FOR UPDATE`, l.UserID,
		).Scan(&balance)
		if err != nil && !noRows(err) {
			return err
		}

		existing, err := scanLockRow(tx.QueryRow(ctx,
			`SELECT `+lockSelectCols+` FROM escrow_locks WHERE user_id = $1 AND idempotency_key = $2`,
			l.UserID, l.IdempotencyKey))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		held, err := activeSum(ctx, tx, l.UserID, req.Now)
		if err != nil {
			return err
		}
		if held+l.AmountCents > balance {
			return fmt.Errorf("held %d + %d exceeds balance %d: %w", held, l.AmountCents, balance, domain.ErrInsufficientBalance)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO escrow_locks (
				id, user_id, prediction_id, option_id, amount_cents, idempotency_key,
				request_hash, status, created_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, $9)
			ON CONFLICT ON CONSTRAINT escrow_locks_user_key DO NOTHING`,
			l.ID, l.UserID, l.PredictionID, l.OptionID, l.AmountCents, l.IdempotencyKey,
			l.RequestHash, l.CreatedAt, l.ExpiresAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Only reachable for users without an account row to lock.
			out, err = scanLockRow(tx.QueryRow(ctx,
				`SELECT `+lockSelectCols+` FROM escrow_locks WHERE user_id = $1 AND idempotency_key = $2`,
				l.UserID, l.IdempotencyKey))
			return err
		}
		out, created = l, true
		out.Status = domain.LockStatusActive
		return nil
	})
	if err != nil {
		return domain.EscrowLock{}, false, fmt.Errorf("postgres: insert lock for %s: %w", l.UserID, err)
	}
	return out, created, nil
}

// Get retrieves a lock by id.
func (s *EscrowStore) Get(ctx context.Context, id string) (domain.EscrowLock, error) {
	if !validID(id) {
		return domain.EscrowLock{}, domain.ErrNotFound
	}
	l, err := scanLockRow(s.pool.QueryRow(ctx, `SELECT `+lockSelectCols+` FROM escrow_locks WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowLock{}, fmt.Errorf("postgres: get lock %s: %w", id, err)
	}
	return l, err
}

// GetByKey retrieves the lock a user created with idempotencyKey.
func (s *EscrowStore) GetByKey(ctx context.Context, userID, idempotencyKey string) (domain.EscrowLock, error) {
	l, err := scanLockRow(s.pool.QueryRow(ctx,
		`SELECT `+lockSelectCols+` FROM escrow_locks WHERE user_id = $1 AND idempotency_key = $2`,
		userID, idempotencyKey))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowLock{}, fmt.Errorf("postgres: get lock by key: %w", err)
	}
	return l, err
}

// Consume converts an active lock into an entry. The lock, prediction and
// account rows are locked for the duration of the transaction.
func (s *EscrowStore) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.Entry, error) {
	if !validID(req.LockID) {
		return domain.Entry{}, fmt.Errorf("postgres: consume lock %s: %w", req.LockID, domain.ErrLockNotActive)
	}
	var entry domain.Entry
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := scanLockRow(tx.QueryRow(ctx,
			`SELECT `+lockSelectCols+` FROM escrow_locks WHERE id = $1 FOR UPDATE`, req.LockID))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrLockNotActive
			}
			return err
		}
		if !l.ActiveAt(req.Now) {
			return fmt.Errorf("lock is %s: %w", l.EffectiveStatus(req.Now), domain.ErrLockNotActive)
		}

		var status string
		var deadline time.Time
		if err := tx.QueryRow(ctx,
			`SELECT status, entry_deadline FROM predictions WHERE id = $1 FOR SHARE`, l.PredictionID,
		).Scan(&status, &deadline); err != nil {
			return err
		}
		if !lifecycle.AcceptsStakes(domain.PredictionStatus(status)) || !req.Now.Before(deadline) {
			if _, err := tx.Exec(ctx,
				`UPDATE escrow_locks SET status = 'released', resolved_at = $2 WHERE id = $1`,
				l.ID, req.Now); err != nil {
				return err
			}
			return commitOnErr{err: fmt.Errorf("prediction %s is %s: %w", l.PredictionID, status, domain.ErrPredictionNotOpen)}
		}

		var wallet string
		tag, err := tx.Exec(ctx, `
			UPDATE accounts SET balance_cents = balance_cents - $2, updated_at = $3
			WHERE user_id = $1 AND balance_cents >= $2`,
			l.UserID, l.AmountCents, req.Now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return &domain.IntegrityError{
				PredictionID: l.PredictionID,
				Reason:       fmt.Sprintf("active lock %s exceeds balance of %s", l.ID, l.UserID),
			}
		}
		if err := tx.QueryRow(ctx,
			`SELECT wallet_address FROM accounts WHERE user_id = $1`, l.UserID).Scan(&wallet); err != nil {
			return err
		}

		tag, err = tx.Exec(ctx, `
			UPDATE prediction_options SET total_staked_cents = total_staked_cents + $3
			WHERE id = $1 AND prediction_id = $2`,
			l.OptionID, l.PredictionID, l.AmountCents)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("option %s of %s: %w", l.OptionID, l.PredictionID, domain.ErrNotFound)
		}

		entry = domain.Entry{
			ID:           req.EntryID,
			PredictionID: l.PredictionID,
			OptionID:     l.OptionID,
			UserID:       l.UserID,
			LockID:       l.ID,
			StakeCents:   l.AmountCents,
			Status:       domain.EntryStatusActive,
			ClaimAddress: wallet,
			CreatedAt:    req.Now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO entries (
				id, prediction_id, option_id, user_id, lock_id, stake_cents, status, claim_address, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			entry.ID, entry.PredictionID, entry.OptionID, entry.UserID, entry.LockID,
			entry.StakeCents, string(entry.Status), entry.ClaimAddress, entry.CreatedAt,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE escrow_locks SET status = 'consumed', resolved_at = $2, entry_id = $3 WHERE id = $1`,
			l.ID, req.Now, entry.ID)
		return err
	})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("postgres: consume lock %s: %w", req.LockID, err)
	}
	return entry, nil
}

// Release frees an active lock; a released lock is returned unchanged.
func (s *EscrowStore) Release(ctx context.Context, id string, now time.Time) (domain.EscrowLock, error) {
	if !validID(id) {
		return domain.EscrowLock{}, fmt.Errorf("postgres: release lock %s: %w", id, domain.ErrLockNotActive)
	}
	var out domain.EscrowLock
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := scanLockRow(tx.QueryRow(ctx,
			`SELECT `+lockSelectCols+` FROM escrow_locks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrLockNotActive
			}
			return err
		}
		if l.Status == domain.LockStatusReleased {
			out = l
			return nil
		}
		if !l.ActiveAt(now) {
			return fmt.Errorf("lock is %s: %w", l.EffectiveStatus(now), domain.ErrLockNotActive)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE escrow_locks SET status = 'released', resolved_at = $2 WHERE id = $1`, id, now); err != nil {
			return err
		}
		l.Status = domain.LockStatusReleased
		l.ResolvedAt = &now
		out = l
		return nil
	})
	if err != nil {
		return domain.EscrowLock{}, fmt.Errorf("postgres: release lock %s: %w", id, err)
	}
	return out, nil
}

// ActiveSum returns the total of the user's unexpired active locks.
func (s *EscrowStore) ActiveSum(ctx context.Context, userID string, now time.Time) (int64, error) {
	sum, err := activeSum(ctx, s.pool, userID, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: active sum %s: %w", userID, err)
	}
	return sum, nil
}

// Expire marks up to limit past-expiry active locks as expired. Rows locked
// by an in-flight consume are skipped and picked up by a later sweep.
func (s *EscrowStore) Expire(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_locks SET status = 'expired', resolved_at = $1
		WHERE id IN (
			SELECT id FROM escrow_locks
			WHERE status = 'active' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseForPrediction releases every unexpired active lock of a prediction.
func (s *EscrowStore) ReleaseForPrediction(ctx context.Context, predictionID string, now time.Time) (int64, error) {
	if !validID(predictionID) {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_locks SET status = 'released', resolved_at = $2
		WHERE prediction_id = $1 AND status = 'active' AND expires_at > $2`,
		predictionID, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: release locks of %s: %w", predictionID, err)
	}
	return tag.RowsAffected(), nil
}
