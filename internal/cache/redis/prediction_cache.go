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

const predictionTTL = 30 * time.Second

var _ domain.PredictionCache = (*PredictionCache)(nil)

// PredictionCache implements domain.PredictionCache. Entries are short-lived
// because option totals move with every stake; writers invalidate on change.
//
// Key schema:
//
//	stakepool:prediction:{id} - hash with field "data" containing JSON
type PredictionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPredictionCache creates a PredictionCache backed by the given Client.
func NewPredictionCache(c *Client) *PredictionCache {
	return &PredictionCache{rdb: c.Underlying(), ttl: predictionTTL}
}

func predictionKey(id string) string { return "stakepool:prediction:" + id }

// Set stores p until the TTL lapses.
func (pc *PredictionCache) Set(ctx context.Context, p domain.Prediction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal prediction %s: %w", p.ID, err)
	}
	key := predictionKey(p.ID)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, pc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set prediction %s: %w", p.ID, err)
	}
	return nil
}

// Get returns the cached prediction or domain.ErrNotFound.
func (pc *PredictionCache) Get(ctx context.Context, id string) (domain.Prediction, error) {
	data, err := pc.rdb.HGet(ctx, predictionKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, fmt.Errorf("redis: get prediction %s: %w", id, err)
	}
	var p domain.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Prediction{}, fmt.Errorf("redis: unmarshal prediction %s: %w", id, err)
	}
	return p, nil
}

// Invalidate drops the cached prediction.
func (pc *PredictionCache) Invalidate(ctx context.Context, id string) error {
	if err := pc.rdb.Del(ctx, predictionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate prediction %s: %w", id, err)
	}
	return nil
}
