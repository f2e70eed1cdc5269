package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

const archiveContentType = "application/json"

var _ domain.SettlementArchiver = (*Archiver)(nil)

// Archiver writes one self-contained JSON document per settled prediction.
// Objects are keyed by the settlement month so operators can list a period:
//
//	settlements/2026/10/<prediction-id>.json
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, audit: audit}
}

// ArchivePath returns the object key for a settlement created at settledAt.
func ArchivePath(predictionID string, settledAt time.Time) string {
	return fmt.Sprintf("settlements/%s/%s.json", settledAt.UTC().Format("2006/01"), predictionID)
}

// Archive uploads a and records the upload in the audit log. Uploading the
// same prediction twice overwrites the object with identical content.
func (a *Archiver) Archive(ctx context.Context, arc domain.SettlementArchive) (string, error) {
	if arc.Record.PredictionID == "" {
		return "", fmt.Errorf("s3blob: archive without prediction id: %w", domain.ErrInvalidInput)
	}
	if arc.ArchivedAt.IsZero() {
		arc.ArchivedAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(arc); err != nil {
		return "", fmt.Errorf("s3blob: encode archive %s: %w", arc.Record.PredictionID, err)
	}

	path := ArchivePath(arc.Record.PredictionID, arc.Record.CreatedAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), archiveContentType); err != nil {
		return "", fmt.Errorf("s3blob: upload archive %s: %w", arc.Record.PredictionID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "settlement.archived", map[string]any{
			"prediction_id": arc.Record.PredictionID,
			"path":          path,
			"bytes":         buf.Len(),
		}); err != nil {
			return path, fmt.Errorf("s3blob: audit archive %s: %w", arc.Record.PredictionID, err)
		}
	}
	return path, nil
}

// DecodeArchive parses an archive document.
func DecodeArchive(r io.Reader) (domain.SettlementArchive, error) {
	var arc domain.SettlementArchive
	dec := json.NewDecoder(r)
	if err := dec.Decode(&arc); err != nil {
		return domain.SettlementArchive{}, fmt.Errorf("s3blob: decode archive: %w", err)
	}
	return arc, nil
}

// ReadArchive fetches and parses the archive stored at path.
func ReadArchive(ctx context.Context, r domain.BlobReader, path string) (domain.SettlementArchive, error) {
	body, err := r.Get(ctx, path)
	if err != nil {
		return domain.SettlementArchive{}, err
	}
	defer body.Close()
	return DecodeArchive(body)
}
