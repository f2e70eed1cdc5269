package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.EntryStore = (*EntryStore)(nil)

// EntryStore implements domain.EntryStore using PostgreSQL.
type EntryStore struct {
	pool *pgxpool.Pool
}

// NewEntryStore creates a new EntryStore backed by the given connection pool.
func NewEntryStore(pool *pgxpool.Pool) *EntryStore {
	return &EntryStore{pool: pool}
}

const entrySelectCols = `id::text, prediction_id::text, option_id::text, user_id, lock_id::text,
	stake_cents, payout_cents, status, claim_address, created_at, settled_at`

func scanEntryRow(row pgx.Row) (domain.Entry, error) {
	var e domain.Entry
	var status string
	err := row.Scan(
		&e.ID, &e.PredictionID, &e.OptionID, &e.UserID, &e.LockID,
		&e.StakeCents, &e.PayoutCents, &status, &e.ClaimAddress, &e.CreatedAt, &e.SettledAt,
	)
	if err != nil {
		return domain.Entry{}, err
	}
	e.Status = domain.EntryStatus(status)
	return e, nil
}

func scanEntryRows(rows pgx.Rows) ([]domain.Entry, error) {
	var out []domain.Entry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetByID retrieves a single entry.
func (s *EntryStore) GetByID(ctx context.Context, id string) (domain.Entry, error) {
	if !validID(id) {
		return domain.Entry{}, domain.ErrNotFound
	}
	e, err := scanEntryRow(s.pool.QueryRow(ctx,
		`SELECT `+entrySelectCols+` FROM entries WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return domain.Entry{}, domain.ErrNotFound
		}
		return domain.Entry{}, fmt.Errorf("postgres: get entry %s: %w", id, err)
	}
	return e, nil
}

// ListByPrediction returns every entry of a prediction in creation order.
func (s *EntryStore) ListByPrediction(ctx context.Context, predictionID string) ([]domain.Entry, error) {
	if !validID(predictionID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entrySelectCols+` FROM entries WHERE prediction_id = $1 ORDER BY created_at, id`, predictionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries of %s: %w", predictionID, err)
	}
	defer rows.Close()

	out, err := scanEntryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan entries of %s: %w", predictionID, err)
	}
	return out, nil
}

// ListByUser returns a user's entries, newest first.
func (s *EntryStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Entry, error) {
	query := `SELECT ` + entrySelectCols + ` FROM entries WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC, id"
	query, args = appendPaging(query, args, argIdx, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries of user %s: %w", userID, err)
	}
	defer rows.Close()

	out, err := scanEntryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan entries of user %s: %w", userID, err)
	}
	return out, nil
}
