package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.SettlementStore = (*SettlementStore)(nil)

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct {
	db *DB
}

// NewSettlementStore creates a SettlementStore.
func NewSettlementStore(db *DB) *SettlementStore {
	return &SettlementStore{db: db}
}

func getSettlement(ctx context.Context, q querier, predictionID string) (domain.SettlementRecord, error) {
	var r domain.SettlementRecord
	var payouts string
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT prediction_id, winning_option_id, winning_pool_cents, losing_pool_cents,
			platform_fee_cents, creator_fee_cents, distributable_cents, payouts, settled_by, created_at
		FROM settlement_records WHERE prediction_id = ?`, predictionID,
	).Scan(
		&r.PredictionID, &r.WinningOptionID, &r.WinningPoolCents, &r.LosingPoolCents,
		&r.PlatformFeeCents, &r.CreatorFeeCents, &r.DistributableCents, &payouts, &r.SettledBy, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SettlementRecord{}, domain.ErrNotFound
		}
		return domain.SettlementRecord{}, err
	}
	if err := json.Unmarshal([]byte(payouts), &r.Payouts); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("decode payouts: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	return r, nil
}

// Settle writes the record, entry payouts and option outcomes and moves the
// prediction to settled in one transaction. An existing record wins.
func (s *SettlementStore) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettlementRecord, bool, error) {
	rec := req.Record
	var out domain.SettlementRecord
	var created bool

	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getSettlement(ctx, tx, rec.PredictionID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		payouts, err := json.Marshal(rec.Payouts)
		if err != nil {
			return err
		}
		at := toNanos(rec.CreatedAt)

		res, err := tx.ExecContext(ctx, `
			UPDATE predictions SET status = ?, settled_at = ?, settled_by = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.StatusSettled), at, rec.SettledBy, at,
			rec.PredictionID, string(req.FromStatus))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("prediction %s left %s: %w", rec.PredictionID, req.FromStatus, domain.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement_records (
				prediction_id, winning_option_id, winning_pool_cents, losing_pool_cents,
				platform_fee_cents, creator_fee_cents, distributable_cents, payouts, settled_by, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.PredictionID, rec.WinningOptionID, rec.WinningPoolCents, rec.LosingPoolCents,
			rec.PlatformFeeCents, rec.CreatorFeeCents, rec.DistributableCents, string(payouts), rec.SettledBy, at,
		); err != nil {
			return err
		}

		for entryID, cents := range rec.Payouts {
			res, err := tx.ExecContext(ctx, `
				UPDATE entries SET payout_cents = ?, status = ?, settled_at = ?
				WHERE id = ? AND prediction_id = ? AND option_id = ? AND status = ?`,
				cents, string(domain.EntryStatusWon), at,
				entryID, rec.PredictionID, rec.WinningOptionID, string(domain.EntryStatusActive))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return &domain.IntegrityError{
					PredictionID: rec.PredictionID,
					Reason:       fmt.Sprintf("payout for entry %s does not match an active winning entry", entryID),
				}
			}
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE entries SET payout_cents = 0, status = ?, settled_at = ?
			WHERE prediction_id = ? AND status = ?`,
			string(domain.EntryStatusLost), at, rec.PredictionID, string(domain.EntryStatusActive))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE prediction_options SET outcome = CASE WHEN id = ? THEN ? ELSE ? END
			WHERE prediction_id = ?`,
			rec.WinningOptionID, string(domain.OutcomeWon), string(domain.OutcomeLost), rec.PredictionID,
		); err != nil {
			return err
		}

		var leftover int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE prediction_id = ? AND option_id = ? AND status = ?`,
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
		return domain.SettlementRecord{}, false, fmt.Errorf("sqlite: settle %s: %w", rec.PredictionID, err)
	}
	return out, created, nil
}

// Get returns the settlement record of a prediction.
func (s *SettlementStore) Get(ctx context.Context, predictionID string) (domain.SettlementRecord, error) {
	r, err := getSettlement(ctx, s.db.db, predictionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementRecord{}, fmt.Errorf("sqlite: get settlement %s: %w", predictionID, err)
	}
	return r, err
}

// Refund credits every active entry's stake back to its owner, voids the
// options, releases outstanding locks and moves the prediction to refunded.
func (s *SettlementStore) Refund(ctx context.Context, req domain.RefundRequest) (int64, error) {
	var count int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		at := toNanos(req.Now)
		res, err := tx.ExecContext(ctx, `
			UPDATE predictions SET status = ?, settled_at = ?, settled_by = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.StatusRefunded), at, req.Actor, at,
			req.PredictionID, string(req.FromStatus))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("prediction %s left %s: %w", req.PredictionID, req.FromStatus, domain.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance_cents = balance_cents + (
					SELECT COALESCE(SUM(e.stake_cents), 0) FROM entries e
					WHERE e.prediction_id = ? AND e.status = ? AND e.user_id = accounts.user_id
				),
				updated_at = ?
			WHERE user_id IN (
				SELECT user_id FROM entries WHERE prediction_id = ? AND status = ?
			)`,
			req.PredictionID, string(domain.EntryStatusActive), at,
			req.PredictionID, string(domain.EntryStatusActive),
		); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE entries SET status = ?, payout_cents = stake_cents, settled_at = ?
			WHERE prediction_id = ? AND status = ?`,
			string(domain.EntryStatusRefunded), at, req.PredictionID, string(domain.EntryStatusActive))
		if err != nil {
			return err
		}
		count, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`UPDATE prediction_options SET outcome = ? WHERE prediction_id = ?`,
			string(domain.OutcomeVoid), req.PredictionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE escrow_locks SET status = ?, resolved_at = ? WHERE prediction_id = ? AND status = ?`,
			string(domain.LockStatusReleased), at, req.PredictionID, string(domain.LockStatusActive))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: refund %s: %w", req.PredictionID, err)
	}
	return count, nil
}

// ListUnpublished returns settled predictions that have no Merkle claim yet.
func (s *SettlementStore) ListUnpublished(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT r.prediction_id FROM settlement_records r
		LEFT JOIN merkle_claims c ON c.prediction_id = r.prediction_id
		WHERE c.prediction_id IS NULL
		ORDER BY r.created_at, r.prediction_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unpublished: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan unpublished: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
