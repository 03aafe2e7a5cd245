package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)

const defaultArchiveBatch = 500

// RunArchiveStore is the slice of domain.RunStore the archiver needs.
type RunArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.RunReport, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObjectChecker confirms an upload landed before rows are deleted.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves finished run reports older than a cutoff into JSONL
// objects, one object per batch, and deletes each batch from the database
// only after its object is confirmed in the bucket.
type Archiver struct {
	writer  domain.BlobWriter
	checker ObjectChecker
	runs    RunArchiveStore
	audit   domain.AuditStore
	batch   int
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil. A non-positive batch
// uses 500.
func NewArchiver(writer domain.BlobWriter, checker ObjectChecker, runs RunArchiveStore, audit domain.AuditStore, batch int, logger *slog.Logger) *Archiver {
	if batch <= 0 {
		batch = defaultArchiveBatch
	}
	return &Archiver{
		writer:  writer,
		checker: checker,
		runs:    runs,
		audit:   audit,
		batch:   batch,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveRuns archives every finished report started before the cutoff and
// returns how many rows were moved.
func (a *Archiver) ArchiveRuns(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for part := 0; ; part++ {
		reports, err := a.runs.ListBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive runs query: %w", err)
		}
		if len(reports) == 0 {
			break
		}

		path := archivePath(before, part)
		if err := a.upload(ctx, path, reports); err != nil {
			return total, err
		}

		// A full page may have more rows behind it; delete only through the
		// last report it covered. Timestamps are stored at microsecond
		// precision.
		cutoff := before
		if len(reports) == a.batch {
			cutoff = reports[len(reports)-1].StartedAt.Add(time.Microsecond)
		}
		deleted, err := a.runs.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive runs delete: %w", err)
		}
		total += deleted

		a.logger.InfoContext(ctx, "archived run batch",
			slog.String("path", path),
			slog.Int("reports", len(reports)),
			slog.Int64("deleted", deleted),
		)
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.runs", map[string]any{
				"path":    path,
				"count":   len(reports),
				"deleted": deleted,
				"before":  before.Format(time.RFC3339),
			}); err != nil {
				a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
			}
		}

		if len(reports) < a.batch {
			break
		}
	}
	return total, nil
}

func (a *Archiver) upload(ctx context.Context, path string, reports []domain.RunReport) error {
	buf, err := marshalJSONL(reports)
	if err != nil {
		return fmt.Errorf("s3blob: archive runs marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive runs upload: %w", err)
	}
	ok, err := a.checker.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive runs verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("s3blob: archive runs verify %s: %w", path, domain.ErrNotFound)
	}
	return nil
}

// archivePath partitions archives by cutoff day:
//
//	archive/runs/2026-01-31/part-0000.jsonl
func archivePath(before time.Time, part int) string {
	return fmt.Sprintf("archive/runs/%s/part-%04d.jsonl", before.UTC().Format("2006-01-02"), part)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
