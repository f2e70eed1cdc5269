package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/lifecycle"
)

var _ domain.EscrowStore = (*EscrowStore)(nil)

// EscrowStore implements domain.EscrowStore.
type EscrowStore struct {
	db *DB
}

// NewEscrowStore creates an EscrowStore.
func NewEscrowStore(db *DB) *EscrowStore {
	return &EscrowStore{db: db}
}

const lockSelectCols = `id, user_id, prediction_id, option_id, amount_cents, idempotency_key,
	request_hash, status, created_at, expires_at, resolved_at, entry_id`

func scanLock(row rowScanner) (domain.EscrowLock, error) {
	var l domain.EscrowLock
	var status string
	var created, expires int64
	var resolved sql.NullInt64

	if err := row.Scan(
		&l.ID, &l.UserID, &l.PredictionID, &l.OptionID, &l.AmountCents, &l.IdempotencyKey,
		&l.RequestHash, &status, &created, &expires, &resolved, &l.EntryID,
	); err != nil {
		return domain.EscrowLock{}, err
	}
	l.Status = domain.LockStatus(status)
	l.CreatedAt = fromNanos(created)
	l.ExpiresAt = fromNanos(expires)
	l.ResolvedAt = timePtr(resolved)
	return l, nil
}

func getLock(ctx context.Context, q querier, query string, args ...any) (domain.EscrowLock, error) {
	l, err := scanLock(q.QueryRowContext(ctx, `SELECT `+lockSelectCols+` FROM escrow_locks WHERE `+query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.EscrowLock{}, domain.ErrNotFound
		}
		return domain.EscrowLock{}, err
	}
	return l, nil
}

func activeSum(ctx context.Context, q querier, userID string, now time.Time) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM escrow_locks
		 WHERE user_id = ? AND status = ? AND expires_at > ?`,
		userID, string(domain.LockStatusActive), toNanos(now),
	).Scan(&sum)
	return sum, err
}

// Insert checks the balance and inserts the lock in one transaction. An
// existing lock for the same key is returned with created=false.
func (s *EscrowStore) Insert(ctx context.Context, req domain.LockInsert) (domain.EscrowLock, bool, error) {
	l := req.Lock
	var out domain.EscrowLock
	var created bool

	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getLock(ctx, tx, `user_id = ? AND idempotency_key = ?`, l.UserID, l.IdempotencyKey)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		var balance int64
		acct, err := getAccount(ctx, tx, l.UserID)
		switch {
		case err == nil:
			balance = acct.BalanceCents
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		held, err := activeSum(ctx, tx, l.UserID, req.Now)
		if err != nil {
			return err
		}
		if held+l.AmountCents > balance {
			return fmt.Errorf("held %d + %d exceeds balance %d: %w", held, l.AmountCents, balance, domain.ErrInsufficientBalance)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_locks (
				id, user_id, prediction_id, option_id, amount_cents, idempotency_key,
				request_hash, status, created_at, expires_at, resolved_at, entry_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`,
			l.ID, l.UserID, l.PredictionID, l.OptionID, l.AmountCents, l.IdempotencyKey,
			l.RequestHash, string(domain.LockStatusActive), toNanos(l.CreatedAt), toNanos(l.ExpiresAt),
		); err != nil {
			return err
		}
		out, created = l, true
		out.Status = domain.LockStatusActive
		return nil
	})
	if err != nil {
		return domain.EscrowLock{}, false, fmt.Errorf("sqlite: insert lock for %s: %w", l.UserID, err)
	}
	return out, created, nil
}

// Get returns a lock by id.
func (s *EscrowStore) Get(ctx context.Context, id string) (domain.EscrowLock, error) {
	l, err := getLock(ctx, s.db.db, `id = ?`, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowLock{}, fmt.Errorf("sqlite: get lock %s: %w", id, err)
	}
	return l, err
}

// GetByKey returns the lock a user created with idempotencyKey.
func (s *EscrowStore) GetByKey(ctx context.Context, userID, idempotencyKey string) (domain.EscrowLock, error) {
	l, err := getLock(ctx, s.db.db, `user_id = ? AND idempotency_key = ?`, userID, idempotencyKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowLock{}, fmt.Errorf("sqlite: get lock by key: %w", err)
	}
	return l, err
}

// Consume turns an active lock into an entry, bumps the option total and
// debits the balance. When the prediction no longer accepts stakes the lock
// is released and ErrPredictionNotOpen returned.
func (s *EscrowStore) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.Entry, error) {
	var entry domain.Entry
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		l, err := getLock(ctx, tx, `id = ?`, req.LockID)
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
		var deadline int64
		if err := tx.QueryRowContext(ctx,
			`SELECT status, entry_deadline FROM predictions WHERE id = ?`, l.PredictionID,
		).Scan(&status, &deadline); err != nil {
			return err
		}
		if !lifecycle.AcceptsStakes(domain.PredictionStatus(status)) || !req.Now.Before(fromNanos(deadline)) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE escrow_locks SET status = ?, resolved_at = ? WHERE id = ?`,
				string(domain.LockStatusReleased), toNanos(req.Now), l.ID); err != nil {
				return err
			}
			return commitOnErr{err: fmt.Errorf("prediction %s is %s: %w", l.PredictionID, status, domain.ErrPredictionNotOpen)}
		}

		acct, err := getAccount(ctx, tx, l.UserID)
		if err != nil {
			return err
		}
		if acct.BalanceCents < l.AmountCents {
			return &domain.IntegrityError{
				PredictionID: l.PredictionID,
				Reason:       fmt.Sprintf("active lock %s exceeds balance of %s", l.ID, l.UserID),
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance_cents = balance_cents - ?, updated_at = ? WHERE user_id = ?`,
			l.AmountCents, toNanos(req.Now), l.UserID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE prediction_options SET total_staked_cents = total_staked_cents + ?
			 WHERE id = ? AND prediction_id = ?`,
			l.AmountCents, l.OptionID, l.PredictionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
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
			ClaimAddress: acct.WalletAddress,
			CreatedAt:    req.Now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (
				id, prediction_id, option_id, user_id, lock_id, stake_cents,
				payout_cents, status, claim_address, created_at, settled_at
			) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL)`,
			entry.ID, entry.PredictionID, entry.OptionID, entry.UserID, entry.LockID, entry.StakeCents,
			string(entry.Status), entry.ClaimAddress, toNanos(entry.CreatedAt),
		); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE escrow_locks SET status = ?, resolved_at = ?, entry_id = ? WHERE id = ?`,
			string(domain.LockStatusConsumed), toNanos(req.Now), entry.ID, l.ID)
		return err
	})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("sqlite: consume lock %s: %w", req.LockID, err)
	}
	return entry, nil
}

// Release frees an active lock. A released lock is returned as is.
func (s *EscrowStore) Release(ctx context.Context, id string, now time.Time) (domain.EscrowLock, error) {
	var out domain.EscrowLock
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		l, err := getLock(ctx, tx, `id = ?`, id)
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE escrow_locks SET status = ?, resolved_at = ? WHERE id = ?`,
			string(domain.LockStatusReleased), toNanos(now), id); err != nil {
			return err
		}
		l.Status = domain.LockStatusReleased
		l.ResolvedAt = &now
		out = l
		return nil
	})
	if err != nil {
		return domain.EscrowLock{}, fmt.Errorf("sqlite: release lock %s: %w", id, err)
	}
	return out, nil
}

// ActiveSum returns the total of the user's unexpired active locks.
func (s *EscrowStore) ActiveSum(ctx context.Context, userID string, now time.Time) (int64, error) {
	sum, err := activeSum(ctx, s.db.db, userID, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: active sum %s: %w", userID, err)
	}
	return sum, nil
}

// Expire marks up to limit past-expiry active locks as expired.
func (s *EscrowStore) Expire(ctx context.Context, now time.Time, limit int) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE escrow_locks SET status = ?, resolved_at = ?
		WHERE id IN (
			SELECT id FROM escrow_locks
			WHERE status = ? AND expires_at <= ?
			ORDER BY expires_at LIMIT ?
		)`,
		string(domain.LockStatusExpired), toNanos(now),
		string(domain.LockStatusActive), toNanos(now), limit)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire locks: %w", err)
	}
	return n, nil
}

// ReleaseForPrediction releases every unexpired active lock of a prediction.
func (s *EscrowStore) ReleaseForPrediction(ctx context.Context, predictionID string, now time.Time) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE escrow_locks SET status = ?, resolved_at = ?
		WHERE prediction_id = ? AND status = ? AND expires_at > ?`,
		string(domain.LockStatusReleased), toNanos(now),
		predictionID, string(domain.LockStatusActive), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: release locks of %s: %w", predictionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: release locks of %s: %w", predictionID, err)
	}
	return n, nil
}
