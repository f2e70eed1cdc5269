package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.EntryStore = (*EntryStore)(nil)

// EntryStore implements domain.EntryStore.
type EntryStore struct {
	db *DB
}

// NewEntryStore creates an EntryStore.
func NewEntryStore(db *DB) *EntryStore {
	return &EntryStore{db: db}
}

const entrySelectCols = `id, prediction_id, option_id, user_id, lock_id, stake_cents,
	payout_cents, status, claim_address, created_at, settled_at`

func scanEntry(row rowScanner) (domain.Entry, error) {
	var e domain.Entry
	var status string
	var payout sql.NullInt64
	var created int64
	var settled sql.NullInt64

	if err := row.Scan(
		&e.ID, &e.PredictionID, &e.OptionID, &e.UserID, &e.LockID, &e.StakeCents,
		&payout, &status, &e.ClaimAddress, &created, &settled,
	); err != nil {
		return domain.Entry{}, err
	}
	if payout.Valid {
		v := payout.Int64
		e.PayoutCents = &v
	}
	e.Status = domain.EntryStatus(status)
	e.CreatedAt = fromNanos(created)
	e.SettledAt = timePtr(settled)
	return e, nil
}

func listEntries(ctx context.Context, q querier, query string, args ...any) ([]domain.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetByID returns a single entry.
func (s *EntryStore) GetByID(ctx context.Context, id string) (domain.Entry, error) {
	e, err := scanEntry(s.db.db.QueryRowContext(ctx,
		`SELECT `+entrySelectCols+` FROM entries WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entry{}, domain.ErrNotFound
		}
		return domain.Entry{}, fmt.Errorf("sqlite: get entry %s: %w", id, err)
	}
	return e, nil
}

// ListByPrediction returns every entry of a prediction in creation order.
func (s *EntryStore) ListByPrediction(ctx context.Context, predictionID string) ([]domain.Entry, error) {
	out, err := listEntries(ctx, s.db.db,
		`SELECT `+entrySelectCols+` FROM entries WHERE prediction_id = ? ORDER BY created_at, id`, predictionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entries of %s: %w", predictionID, err)
	}
	return out, nil
}

// ListByUser returns a user's entries, newest first.
func (s *EntryStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Entry, error) {
	query := `SELECT ` + entrySelectCols + ` FROM entries WHERE user_id = ?`
	args := []any{userID}
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toNanos(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, toNanos(*opts.Until))
	}
	query += ` ORDER BY created_at DESC, id`
	query, args = appendLimit(query, args, opts)

	out, err := listEntries(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entries of user %s: %w", userID, err)
	}
	return out, nil
}
