package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// PositionArchiveStore is the slice of the position store the archiver uses.
type PositionArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// AlertArchiveStore is the slice of the alert store the archiver uses.
type AlertArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Alert, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Records are uploaded as one JSONL
// object per run, partitioned by month, and deleted from the database only
// after the upload succeeds.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	alerts    AlertArchiveStore
	audit     domain.AuditStore

	// multipartThreshold is the payload size from which uploads go through
	// the transfer manager.
	multipartThreshold int64
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, positions PositionArchiveStore, alerts AlertArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:             writer,
		positions:          positions,
		alerts:             alerts,
		audit:              audit,
		multipartThreshold: minPartSize,
	}
}

// ArchivePositions moves CLOSED and FAILED positions last updated before the
// cutoff to cold storage.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.positions.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions: query: %w", err)
	}
	ids := make([]string, len(rows))
	for i, p := range rows {
		ids[i] = p.ID
	}
	return archive(ctx, a, "positions", before, rows, ids, a.positions.DeleteByIDs)
}

// ArchiveAlerts moves alerts received before the cutoff to cold storage.
func (a *ArchiveImpl) ArchiveAlerts(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.alerts.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive alerts: query: %w", err)
	}
	ids := make([]string, len(rows))
	for i, al := range rows {
		ids[i] = al.ID
	}
	return archive(ctx, a, "alerts", before, rows, ids, a.alerts.DeleteByIDs)
}

func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	rows []T,
	ids []string,
	del func(context.Context, []string) (int64, error),
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: marshal: %w", kind, err)
	}
	path := archivePath(kind, before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: upload: %w", kind, err)
	}

	deleted, err := del(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: delete archived rows: %w", kind, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":    path,
			"count":   len(rows),
			"deleted": deleted,
			"before":  before.UTC().Format(time.RFC3339),
		}); err != nil {
			return deleted, fmt.Errorf("s3blob: archive %s: audit: %w", kind, err)
		}
	}
	return deleted, nil
}

// upload sends small payloads in one PutObject and large ones in parts.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) >= a.multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
}

// archivePath returns archive/<kind>/<YYYY-MM>/<cutoff>.jsonl.
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format("20060102T150405Z"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
