package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.SettlementStore = (*SettlementStore)(nil)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `prediction_id::text, winning_option_id::text, winning_pool_cents,
	losing_pool_cents, platform_fee_cents, creator_fee_cents, distributable_cents,
	payouts, settled_by, created_at`

func scanSettlementRow(row pgx.Row) (domain.SettlementRecord, error) {
	var r domain.SettlementRecord
	var payouts []byte
	err := row.Scan(
		&r.PredictionID, &r.WinningOptionID, &r.WinningPoolCents,
		&r.LosingPoolCents, &r.PlatformFeeCents, &r.CreatorFeeCents, &r.DistributableCents,
		&payouts, &r.SettledBy, &r.CreatedAt,
	)
	if err != nil {
		if noRows(err) {
			return domain.SettlementRecord{}, domain.ErrNotFound
		}
		return domain.SettlementRecord{}, err
	}
	if err := json.Unmarshal(payouts, &r.Payouts); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("decode payouts: %w", err)
	}
	return r, nil
}

// lockPrediction takes a row lock on the prediction and returns its status.
func lockPrediction(ctx context.Context, tx pgx.Tx, id string) (domain.PredictionStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM predictions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if noRows(err) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.PredictionStatus(status), nil
}

// Settle writes the record, entry payouts and option outcomes and moves the
// prediction to settled in one transaction. An existing record wins.
func (s *SettlementStore) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettlementRecord, bool, error) {
	rec := req.Record
	var out domain.SettlementRecord
	var created bool

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		status, err := lockPrediction(ctx, tx, rec.PredictionID)
		if err != nil {
			return err
		}

		existing, err := scanSettlementRow(tx.QueryRow(ctx,
			`SELECT `+settlementSelectCols+` FROM settlement_records WHERE prediction_id = $1`, rec.PredictionID))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if status != req.FromStatus {
			return fmt.Errorf("prediction %s is %s, not %s: %w", rec.PredictionID, status, req.FromStatus, domain.ErrConflict)
		}

		payouts, err := json.Marshal(rec.Payouts)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE predictions SET status = $2, settled_at = $3, settled_by = $4, updated_at = $3
			WHERE id = $1`,
			rec.PredictionID, string(domain.StatusSettled), rec.CreatedAt, rec.SettledBy); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO settlement_records (
				prediction_id, winning_option_id, winning_pool_cents, losing_pool_cents,
				platform_fee_cents, creator_fee_cents, distributable_cents, payouts, settled_by, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (prediction_id) DO NOTHING`,
			rec.PredictionID, rec.WinningOptionID, rec.WinningPoolCents, rec.LosingPoolCents,
			rec.PlatformFeeCents, rec.CreatorFeeCents, rec.DistributableCents, payouts, rec.SettledBy, rec.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("settlement record of %s: %w", rec.PredictionID, domain.ErrConflict)
		}

		for entryID, cents := range rec.Payouts {
			tag, err := tx.Exec(ctx, `
				UPDATE entries SET payout_cents = $1, status = $2, settled_at = $3
				WHERE id = $4 AND prediction_id = $5 AND option_id = $6 AND status = $7`,
				cents, string(domain.EntryStatusWon), rec.CreatedAt,
				entryID, rec.PredictionID, rec.WinningOptionID, string(domain.EntryStatusActive))
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return &domain.IntegrityError{
					PredictionID: rec.PredictionID,
					Reason:       fmt.Sprintf("payout for entry %s does not match an active winning entry", entryID),
				}
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE entries SET payout_cents = 0, status = $1, settled_at = $2
			WHERE prediction_id = $3 AND status = $4`,
			string(domain.EntryStatusLost), rec.CreatedAt, rec.PredictionID, string(domain.EntryStatusActive)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE prediction_options SET outcome = CASE WHEN id = $1 THEN $2 ELSE $3 END
			WHERE prediction_id = $4`,
			rec.WinningOptionID, string(domain.OutcomeWon), string(domain.OutcomeLost), rec.PredictionID); err != nil {
			return err
		}

		var leftover int64
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM entries WHERE prediction_id = $1 AND option_id = $2 AND status = $3`,
			rec.PredictionID, rec.WinningOptionID, string(domain.EntryStatusLost),
		).Scan(&leftover); err != nil {
			return err
		}
		if leftover > 0 {
			return &domain.IntegrityError{
				PredictionID: rec.PredictionID,
				Reason:       fmt.Sprintf("%d winning entries missing from the payout map", leftover),
			}
		}

		out, created = rec, true
		return nil
	})
	if err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("postgres: settle %s: %w", rec.PredictionID, err)
	}
	return out, created, nil
}

// Get returns the settlement record of a prediction.
func (s *SettlementStore) Get(ctx context.Context, predictionID string) (domain.SettlementRecord, error) {
	if !validID(predictionID) {
		return domain.SettlementRecord{}, domain.ErrNotFound
	}
	r, err := scanSettlementRow(s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM settlement_records WHERE prediction_id = $1`, predictionID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementRecord{}, fmt.Errorf("postgres: get settlement %s: %w", predictionID, err)
	}
	return r, err
}

// Refund credits every active entry's stake back to its owner, voids the
// options, releases outstanding locks and moves the prediction to refunded.
func (s *SettlementStore) Refund(ctx context.Context, req domain.RefundRequest) (int64, error) {
	var count int64
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		status, err := lockPrediction(ctx, tx, req.PredictionID)
		if err != nil {
			return err
		}
		if status != req.FromStatus {
			return fmt.Errorf("prediction %s is %s, not %s: %w", req.PredictionID, status, req.FromStatus, domain.ErrConflict)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE predictions SET status = $2, settled_at = $3, settled_by = $4, updated_at = $3
			WHERE id = $1`,
			req.PredictionID, string(domain.StatusRefunded), req.Now, req.Actor); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE accounts a SET balance_cents = a.balance_cents + r.total, updated_at = $3
			FROM (
				SELECT user_id, SUM(stake_cents) AS total FROM entries
				WHERE prediction_id = $1 AND status = $2
				GROUP BY user_id
			) r
			WHERE a.user_id = r.user_id`,
			req.PredictionID, string(domain.EntryStatusActive), req.Now); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE entries SET status = $1, payout_cents = stake_cents, settled_at = $2
			WHERE prediction_id = $3 AND status = $4`,
			string(domain.EntryStatusRefunded), req.Now, req.PredictionID, string(domain.EntryStatusActive))
		if err != nil {
			return err
		}
		count = tag.RowsAffected()

		if _, err := tx.Exec(ctx,
			`UPDATE prediction_options SET outcome = $1 WHERE prediction_id = $2`,
			string(domain.OutcomeVoid), req.PredictionID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE escrow_locks SET status = $1, resolved_at = $2 WHERE prediction_id = $3 AND status = $4`,
			string(domain.LockStatusReleased), req.Now, req.PredictionID, string(domain.LockStatusActive))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: refund %s: %w", req.PredictionID, err)
	}
	return count, nil
}

// ListUnpublished returns settled predictions that have no Merkle claim yet.
func (s *SettlementStore) ListUnpublished(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.prediction_id::text FROM settlement_records r
		LEFT JOIN merkle_claims c ON c.prediction_id = r.prediction_id
		WHERE c.prediction_id IS NULL
		ORDER BY r.created_at, r.prediction_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unpublished: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan unpublished: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
