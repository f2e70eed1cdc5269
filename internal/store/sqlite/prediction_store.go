package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.PredictionStore = (*PredictionStore)(nil)

// PredictionStore implements domain.PredictionStore.
type PredictionStore struct {
	db *DB
}

// NewPredictionStore creates a PredictionStore.
func NewPredictionStore(db *DB) *PredictionStore {
	return &PredictionStore{db: db}
}

const predictionSelectCols = `id, creator_id, title, status, entry_deadline,
	platform_fee_bps, creator_fee_bps, odds_model, settled_at, settled_by,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner) (domain.Prediction, error) {
	var p domain.Prediction
	var status, model string
	var deadline, created, updated int64
	var settledAt sql.NullInt64

	if err := row.Scan(
		&p.ID, &p.CreatorID, &p.Title, &status, &deadline,
		&p.Fees.PlatformBps, &p.Fees.CreatorBps, &model, &settledAt, &p.SettledBy,
		&created, &updated,
	); err != nil {
		return domain.Prediction{}, err
	}
	p.Status = domain.PredictionStatus(status)
	p.OddsModel = domain.OddsModel(model)
	p.EntryDeadline = fromNanos(deadline)
	p.SettledAt = timePtr(settledAt)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func loadOptions(ctx context.Context, q querier, predictionID string) ([]domain.Option, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, prediction_id, label, position, total_staked_cents, outcome
		 FROM prediction_options WHERE prediction_id = ? ORDER BY position, id`, predictionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opts []domain.Option
	for rows.Next() {
		var o domain.Option
		var outcome string
		if err := rows.Scan(&o.ID, &o.PredictionID, &o.Label, &o.Position, &o.TotalStakedCents, &outcome); err != nil {
			return nil, err
		}
		o.Outcome = domain.OptionOutcome(outcome)
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

func getPrediction(ctx context.Context, q querier, id string) (domain.Prediction, error) {
	p, err := scanPrediction(q.QueryRowContext(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, err
	}
	p.Options, err = loadOptions(ctx, q, id)
	if err != nil {
		return domain.Prediction{}, err
	}
	return p, nil
}

// Create inserts a prediction and its options.
func (s *PredictionStore) Create(ctx context.Context, p domain.Prediction) error {
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO predictions (
				id, creator_id, title, status, entry_deadline,
				platform_fee_bps, creator_fee_bps, odds_model, settled_at, settled_by,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.CreatorID, p.Title, string(p.Status), toNanos(p.EntryDeadline),
			p.Fees.PlatformBps, p.Fees.CreatorBps, string(p.OddsModel), nullNanos(p.SettledAt), p.SettledBy,
			toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
		)
		if err != nil {
			return err
		}
		for _, o := range p.Options {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO prediction_options (id, prediction_id, label, position, total_staked_cents, outcome)
				VALUES (?, ?, ?, ?, ?, ?)`,
				o.ID, p.ID, o.Label, o.Position, o.TotalStakedCents, string(o.Outcome),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: create prediction %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a prediction with its options.
func (s *PredictionStore) GetByID(ctx context.Context, id string) (domain.Prediction, error) {
	p, err := getPrediction(ctx, s.db.db, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Prediction{}, err
		}
		return domain.Prediction{}, fmt.Errorf("sqlite: get prediction %s: %w", id, err)
	}
	return p, nil
}

// Transition moves the prediction from `from` to `to` if it is still in
// `from`.
func (s *PredictionStore) Transition(ctx context.Context, id string, from, to domain.PredictionStatus, at time.Time) error {
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE predictions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toNanos(at), id, string(from))
	if err != nil {
		return fmt.Errorf("sqlite: transition prediction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: transition prediction %s: %w", id, err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM predictions WHERE id = ?)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: transition prediction %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return fmt.Errorf("sqlite: transition prediction %s from %s: %w", id, from, domain.ErrConflict)
	}
	return nil
}

func (s *PredictionStore) list(ctx context.Context, query string, args ...any) ([]domain.Prediction, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []domain.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The single connection must be free before options are loaded.
	rows.Close()

	for i := range out {
		out[i].Options, err = loadOptions(ctx, s.db.db, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListByStatus returns predictions in the given status, newest first.
func (s *PredictionStore) ListByStatus(ctx context.Context, status domain.PredictionStatus, opts domain.ListOpts) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionSelectCols + ` FROM predictions WHERE status = ?`
	args := []any{string(status)}
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

	out, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list predictions by status %s: %w", status, err)
	}
	return out, nil
}

// ListDueForClose returns open predictions whose deadline has passed.
func (s *PredictionStore) ListDueForClose(ctx context.Context, now time.Time, limit int) ([]domain.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.list(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions
		 WHERE status = ? AND entry_deadline <= ?
		 ORDER BY entry_deadline, id LIMIT ?`,
		string(domain.StatusOpen), toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list predictions due for close: %w", err)
	}
	return out, nil
}

func appendLimit(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Offset)
	}
	return query, args
}
