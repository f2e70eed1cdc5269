package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

var _ domain.ClaimStore = (*ClaimStore)(nil)

// ClaimStore implements domain.ClaimStore.
type ClaimStore struct {
	db *DB
}

// NewClaimStore creates a ClaimStore.
func NewClaimStore(db *DB) *ClaimStore {
	return &ClaimStore{db: db}
}

func getClaim(ctx context.Context, q querier, predictionID string) (domain.MerkleClaim, error) {
	var c domain.MerkleClaim
	var root, leaves string
	var posted int64
	err := q.QueryRowContext(ctx, `
		SELECT prediction_id, root, leaves, platform_fee_cents, creator_fee_cents, signature, posted_at
		FROM merkle_claims WHERE prediction_id = ?`, predictionID,
	).Scan(&c.PredictionID, &root, &leaves, &c.PlatformFeeCents, &c.CreatorFeeCents, &c.Signature, &posted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MerkleClaim{}, domain.ErrNotFound
		}
		return domain.MerkleClaim{}, err
	}
	if err := c.Root.UnmarshalText([]byte(root)); err != nil {
		return domain.MerkleClaim{}, err
	}
	if err := json.Unmarshal([]byte(leaves), &c.Leaves); err != nil {
		return domain.MerkleClaim{}, fmt.Errorf("decode leaves: %w", err)
	}
	c.PostedAt = fromNanos(posted)
	return c, nil
}

// Create inserts the claim unless one already exists for the prediction, in
// which case the stored claim is returned with created=false.
func (s *ClaimStore) Create(ctx context.Context, claim domain.MerkleClaim) (domain.MerkleClaim, bool, error) {
	leaves, err := json.Marshal(claim.Leaves)
	if err != nil {
		return domain.MerkleClaim{}, false, fmt.Errorf("sqlite: encode leaves: %w", err)
	}

	var out domain.MerkleClaim
	var created bool
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO merkle_claims (
				prediction_id, root, leaves, platform_fee_cents, creator_fee_cents, signature, posted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (prediction_id) DO NOTHING`,
			claim.PredictionID, claim.Root.Hex(), string(leaves),
			claim.PlatformFeeCents, claim.CreatorFeeCents, claim.Signature, toNanos(claim.PostedAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out, created = claim, true
			return nil
		}
		out, err = getClaim(ctx, tx, claim.PredictionID)
		return err
	})
	if err != nil {
		return domain.MerkleClaim{}, false, fmt.Errorf("sqlite: create claim %s: %w", claim.PredictionID, err)
	}
	return out, created, nil
}

// Get returns the published claim of a prediction.
func (s *ClaimStore) Get(ctx context.Context, predictionID string) (domain.MerkleClaim, error) {
	c, err := getClaim(ctx, s.db.db, predictionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.MerkleClaim{}, fmt.Errorf("sqlite: get claim %s: %w", predictionID, err)
	}
	return c, err
}
