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

var _ domain.ClaimStore = (*ClaimStore)(nil)

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a new ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

const claimSelectCols = `prediction_id::text, root, leaves, platform_fee_cents, creator_fee_cents, signature, posted_at`

func scanClaimRow(row pgx.Row) (domain.MerkleClaim, error) {
	var c domain.MerkleClaim
	var root string
	var leaves []byte
	if err := row.Scan(&c.PredictionID, &root, &leaves, &c.PlatformFeeCents, &c.CreatorFeeCents, &c.Signature, &c.PostedAt); err != nil {
		if noRows(err) {
			return domain.MerkleClaim{}, domain.ErrNotFound
		}
		return domain.MerkleClaim{}, err
	}
	if err := c.Root.UnmarshalText([]byte(root)); err != nil {
		return domain.MerkleClaim{}, err
	}
	if err := json.Unmarshal(leaves, &c.Leaves); err != nil {
		return domain.MerkleClaim{}, fmt.Errorf("decode leaves: %w", err)
	}
	return c, nil
}

// Create inserts the claim unless one already exists for the prediction, in
// which case the stored claim is returned with created=false.
func (s *ClaimStore) Create(ctx context.Context, claim domain.MerkleClaim) (domain.MerkleClaim, bool, error) {
	leaves, err := json.Marshal(claim.Leaves)
	if err != nil {
		return domain.MerkleClaim{}, false, fmt.Errorf("postgres: encode leaves: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO merkle_claims (
			prediction_id, root, leaves, platform_fee_cents, creator_fee_cents, signature, posted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (prediction_id) DO NOTHING`,
		claim.PredictionID, claim.Root.Hex(), leaves,
		claim.PlatformFeeCents, claim.CreatorFeeCents, claim.Signature, claim.PostedAt)
	if err != nil {
		return domain.MerkleClaim{}, false, fmt.Errorf("postgres: create claim %s: %w", claim.PredictionID, err)
	}
	if tag.RowsAffected() == 1 {
		return claim, true, nil
	}

	stored, err := s.Get(ctx, claim.PredictionID)
	if err != nil {
		return domain.MerkleClaim{}, false, err
	}
	return stored, false, nil
}

// Get returns the published claim of a prediction.
func (s *ClaimStore) Get(ctx context.Context, predictionID string) (domain.MerkleClaim, error) {
	if !validID(predictionID) {
		return domain.MerkleClaim{}, domain.ErrNotFound
	}
	c, err := scanClaimRow(s.pool.QueryRow(ctx,
		`SELECT `+claimSelectCols+` FROM merkle_claims WHERE prediction_id = $1`, predictionID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.MerkleClaim{}, fmt.Errorf("postgres: get claim %s: %w", predictionID, err)
	}
	return c, err
}
