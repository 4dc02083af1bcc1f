package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Save is an idempotent upsert keyed by id.
type PositionStore interface {
	Save(ctx context.Context, pos Position) error
	LoadOpenPositions(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Position, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// AlertStore persists raw inbound alerts.
type AlertStore interface {
	Insert(ctx context.Context, alert Alert) error
	MarkProcessed(ctx context.Context, id string, status AlertStatus, positionID, reason string) error
	GetByID(ctx context.Context, id string) (Alert, error)
	ListBefore(ctx context.Context, before time.Time) ([]Alert, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// CatalogStore is the read accessor over the admin-managed catalog tables.
type CatalogStore interface {
	ListInstruments(ctx context.Context) ([]Instrument, error)
	ListSources(ctx context.Context) (map[string]string, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
