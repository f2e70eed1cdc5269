package domain

import (
	"context"
	"time"
)

// PredictionCache provides fast prediction reads for previews.
type PredictionCache interface {
	Set(ctx context.Context, p Prediction) error
	Get(ctx context.Context, id string) (Prediction, error)
	Invalidate(ctx context.Context, id string) error
}

// ClaimCache keeps published Merkle claims close to the proof endpoint.
type ClaimCache interface {
	Set(ctx context.Context, claim MerkleClaim) error
	Get(ctx context.Context, predictionID string) (MerkleClaim, error)
	Invalidate(ctx context.Context, predictionID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels and streams.
const (
	ChannelPredictions = "predictions"
	ChannelStakes      = "stakes"
	ChannelSettlements = "settlements"

	// StreamRoots carries postRoot calldata for the external relayer.
	StreamRoots = "settlement:roots"
)
