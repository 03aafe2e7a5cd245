package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Compile-time interface check.
var _ domain.RunStore = (*RunStore)(nil)

// RunStore implements domain.RunStore using PostgreSQL. Decimal columns are
// NUMERIC and travel as text so no precision is lost.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runSelectCols = `id, symbol, future_symbol, amount::text, status,
	entered::text, entered_cost::text, exited::text, profit_percent::text,
	resume_handle, attempts, error, started_at, completed_at`

// Save upserts a report by ID.
func (s *RunStore) Save(ctx context.Context, r domain.RunReport) error {
	attempts := r.Attempts
	if attempts == nil {
		attempts = []domain.AttemptRecord{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("postgres: marshal attempts for run %s: %w", r.ID, err)
	}

	const query = `
		INSERT INTO arb_runs (
			id, symbol, future_symbol, amount, status,
			entered, entered_cost, exited, profit_percent,
			resume_handle, attempts, error, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5,
			$6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE SET
			status         = EXCLUDED.status,
			entered        = EXCLUDED.entered,
			entered_cost   = EXCLUDED.entered_cost,
			exited         = EXCLUDED.exited,
			profit_percent = EXCLUDED.profit_percent,
			resume_handle  = EXCLUDED.resume_handle,
			attempts       = EXCLUDED.attempts,
			error          = EXCLUDED.error,
			completed_at   = EXCLUDED.completed_at,
			updated_at     = NOW()`

	_, err = s.pool.Exec(ctx, query,
		r.ID, r.Symbol, r.FutureSymbol, r.Amount.String(), string(r.Status),
		r.Entered.String(), r.EnteredCost.String(), r.Exited.String(), r.ProfitPercent.String(),
		r.ResumeHandle, attemptsJSON, r.Error, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save run %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns a report or domain.ErrNotFound.
func (s *RunStore) GetByID(ctx context.Context, id string) (domain.RunReport, error) {
	query := `SELECT ` + runSelectCols + ` FROM arb_runs WHERE id = $1`
	r, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunReport{}, fmt.Errorf("postgres: run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("postgres: get run %s: %w", id, err)
	}
	return r, nil
}

// ListRecent returns the most recently started reports.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]domain.RunReport, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runSelectCols + ` FROM arb_runs ORDER BY started_at DESC LIMIT $1`
	return s.list(ctx, "list recent runs", query, limit)
}

// ListBefore returns finished reports started before the cutoff, oldest
// first.
func (s *RunStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.RunReport, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + runSelectCols + ` FROM arb_runs
		WHERE started_at < $1 AND status <> $2
		ORDER BY started_at ASC LIMIT $3`
	return s.list(ctx, "list runs before", query, before, string(domain.RunStatusRunning), limit)
}

// DeleteBefore removes finished reports started before the cutoff and
// returns how many were deleted.
func (s *RunStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM arb_runs WHERE started_at < $1 AND status <> $2`
	tag, err := s.pool.Exec(ctx, query, before, string(domain.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("postgres: delete runs before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *RunStore) list(ctx context.Context, op, query string, args ...any) ([]domain.RunReport, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.RunReport
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (domain.RunReport, error) {
	var (
		r                                     domain.RunReport
		status                                string
		amount, entered, cost, exited, profit string
		attemptsJSON                          []byte
	)
	err := row.Scan(
		&r.ID, &r.Symbol, &r.FutureSymbol, &amount, &status,
		&entered, &cost, &exited, &profit,
		&r.ResumeHandle, &attemptsJSON, &r.Error, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return domain.RunReport{}, err
	}
	r.Status = domain.RunStatus(status)

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.Amount, amount},
		{&r.Entered, entered},
		{&r.EnteredCost, cost},
		{&r.Exited, exited},
		{&r.ProfitPercent, profit},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.RunReport{}, fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &r.Attempts); err != nil {
			return domain.RunReport{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return r, nil
}
