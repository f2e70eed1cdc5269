package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// Published claims never change, so the TTL only bounds memory.
const claimTTL = 24 * time.Hour

var _ domain.ClaimCache = (*ClaimCache)(nil)

// ClaimCache implements domain.ClaimCache.
//
// Key schema:
//
//	stakepool:claim:{predictionID} - JSON-encoded MerkleClaim
type ClaimCache struct {
	rdb *redis.Client
}

// NewClaimCache creates a ClaimCache backed by the given Client.
func NewClaimCache(c *Client) *ClaimCache {
	return &ClaimCache{rdb: c.Underlying()}
}

func claimKey(predictionID string) string { return "stakepool:claim:" + predictionID }

// Set stores the claim.
func (cc *ClaimCache) Set(ctx context.Context, claim domain.MerkleClaim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("redis: marshal claim %s: %w", claim.PredictionID, err)
	}
	if err := cc.rdb.Set(ctx, claimKey(claim.PredictionID), data, claimTTL).Err(); err != nil {
		return fmt.Errorf("redis: set claim %s: %w", claim.PredictionID, err)
	}
	return nil
}

// Get returns the cached claim or domain.ErrNotFound.
func (cc *ClaimCache) Get(ctx context.Context, predictionID string) (domain.MerkleClaim, error) {
	data, err := cc.rdb.Get(ctx, claimKey(predictionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MerkleClaim{}, domain.ErrNotFound
		}
		return domain.MerkleClaim{}, fmt.Errorf("redis: get claim %s: %w", predictionID, err)
	}
	var claim domain.MerkleClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		return domain.MerkleClaim{}, fmt.Errorf("redis: unmarshal claim %s: %w", predictionID, err)
	}
	return claim, nil
}

// Invalidate drops the cached claim.
func (cc *ClaimCache) Invalidate(ctx context.Context, predictionID string) error {
	if err := cc.rdb.Del(ctx, claimKey(predictionID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate claim %s: %w", predictionID, err)
	}
	return nil
}
