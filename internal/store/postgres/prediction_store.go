package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.PredictionStore = (*PredictionStore)(nil)

// PredictionStore implements domain.PredictionStore using PostgreSQL.
type PredictionStore struct {
	pool *pgxpool.Pool
}

// NewPredictionStore creates a new PredictionStore backed by the given connection pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

const predictionSelectCols = `id::text, creator_id, title, status, entry_deadline,
	platform_fee_bps, creator_fee_bps, odds_model, settled_at, settled_by,
	created_at, updated_at`

func scanPredictionRow(row pgx.Row) (domain.Prediction, error) {
	var p domain.Prediction
	var status, model string

	err := row.Scan(
		&p.ID, &p.CreatorID, &p.Title, &status, &p.EntryDeadline,
		&p.Fees.PlatformBps, &p.Fees.CreatorBps, &model, &p.SettledAt, &p.SettledBy,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Prediction{}, err
	}
	p.Status = domain.PredictionStatus(status)
	p.OddsModel = domain.OddsModel(model)
	return p, nil
}

// loadOptions fills Options for every prediction in ps with one query.
func loadOptions(ctx context.Context, q dbtx, ps []domain.Prediction) error {
	if len(ps) == 0 {
		return nil
	}
	ids := make([]string, len(ps))
	idx := make(map[string]int, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
		idx[p.ID] = i
	}

	rows, err := q.Query(ctx, `
		SELECT id::text, prediction_id::text, label, position, total_staked_cents, outcome
		FROM prediction_options
		WHERE prediction_id = ANY($1::uuid[])
		ORDER BY prediction_id, position, id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var o domain.Option
		var outcome string
		if err := rows.Scan(&o.ID, &o.PredictionID, &o.Label, &o.Position, &o.TotalStakedCents, &outcome); err != nil {
			return err
		}
		o.Outcome = domain.OptionOutcome(outcome)
		i := idx[o.PredictionID]
		ps[i].Options = append(ps[i].Options, o)
	}
	return rows.Err()
}

// Create inserts a prediction and its options in one transaction.
func (s *PredictionStore) Create(ctx context.Context, p domain.Prediction) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO predictions (
				id, creator_id, title, status, entry_deadline,
				platform_fee_bps, creator_fee_bps, odds_model, settled_at, settled_by,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		if _, err := tx.Exec(ctx, query,
			p.ID, p.CreatorID, p.Title, string(p.Status), p.EntryDeadline,
			p.Fees.PlatformBps, p.Fees.CreatorBps, string(p.OddsModel), p.SettledAt, p.SettledBy,
			p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, o := range p.Options {
			batch.Queue(`
				INSERT INTO prediction_options (id, prediction_id, label, position, total_staked_cents, outcome)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				o.ID, p.ID, o.Label, o.Position, o.TotalStakedCents, string(o.Outcome))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: create prediction %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a prediction with its options.
func (s *PredictionStore) GetByID(ctx context.Context, id string) (domain.Prediction, error) {
	if !validID(id) {
		return domain.Prediction{}, domain.ErrNotFound
	}
	p, err := scanPredictionRow(s.pool.QueryRow(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction %s: %w", id, err)
	}
	ps := []domain.Prediction{p}
	if err := loadOptions(ctx, s.pool, ps); err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: load options of %s: %w", id, err)
	}
	return ps[0], nil
}

// Transition is a compare-and-set on the status column.
func (s *PredictionStore) Transition(ctx context.Context, id string, from, to domain.PredictionStatus, at time.Time) error {
	if !validID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("postgres: transition prediction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM predictions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: transition prediction %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: transition prediction %s from %s: %w", id, from, domain.ErrConflict)
	}
	return nil
}

func (s *PredictionStore) list(ctx context.Context, query string, args ...any) ([]domain.Prediction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		p, err := scanPredictionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadOptions(ctx, s.pool, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListByStatus returns predictions in the given status, newest first.
func (s *PredictionStore) ListByStatus(ctx context.Context, status domain.PredictionStatus, opts domain.ListOpts) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionSelectCols + ` FROM predictions WHERE status = $1`
	args := []any{string(status)}
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

	out, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions by status %s: %w", status, err)
	}
	return out, nil
}

// ListDueForClose returns open predictions whose deadline is at or before now.
func (s *PredictionStore) ListDueForClose(ctx context.Context, now time.Time, limit int) ([]domain.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.list(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions
		 WHERE status = $1 AND entry_deadline <= $2
		 ORDER BY entry_deadline, id LIMIT $3`,
		string(domain.StatusOpen), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions due for close: %w", err)
	}
	return out, nil
}

func appendPaging(query string, args []any, argIdx int, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
