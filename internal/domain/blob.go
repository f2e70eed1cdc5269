package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// SettlementArchive is the self-contained artifact written to cold storage
// after a claim is published. It carries everything needed to re-verify the
// settlement offline.
type SettlementArchive struct {
	Prediction Prediction       `json:"prediction"`
	Record     SettlementRecord `json:"record"`
	Entries    []Entry          `json:"entries"`
	Claim      MerkleClaim      `json:"claim"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// SettlementArchiver writes settlement artifacts to cold storage.
type SettlementArchiver interface {
	Archive(ctx context.Context, a SettlementArchive) (path string, err error)
}
