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

// RunStore persists run reports and their attempts.
type RunStore interface {
	Save(ctx context.Context, report RunReport) error
	GetByID(ctx context.Context, id string) (RunReport, error)
	ListRecent(ctx context.Context, limit int) ([]RunReport, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]RunReport, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
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
