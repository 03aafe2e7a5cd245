package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// RunEventsChannel carries every run event; per-symbol events additionally go
// to RunEventsChannel + ":" + symbol.
const (
	RunEventsChannel = "run"
	RunEventsStream  = "runs"
)

// RunNotifier delivers run events to operators.
type RunNotifier interface {
	NotifyRun(ctx context.Context, ev domain.RunEvent) error
}

// RunService records run lifecycle: it persists reports, publishes events on
// the signal bus, writes the audit log and alerts operators. Any dependency
// may be nil when the deployment does not carry it.
type RunService struct {
	runs     domain.RunStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier RunNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunService creates a RunService.
func NewRunService(
	runs domain.RunStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier RunNotifier,
	logger *slog.Logger,
) *RunService {
	return &RunService{
		runs:     runs,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "run_service")),
		now:      time.Now,
	}
}

// RunStarted persists the running report and announces it.
func (s *RunService) RunStarted(ctx context.Context, r domain.RunReport) {
	s.save(ctx, r)
	s.emit(ctx, domain.RunEvent{
		Type:   domain.RunEventStarted,
		RunID:  r.ID,
		Symbol: r.Symbol,
		Detail: map[string]any{
			"future_symbol": r.FutureSymbol,
			"amount":        r.Amount.String(),
			"resume":        r.ResumeHandle,
		},
	})
}

// AttemptFinished persists progress after an attempt and announces it.
func (s *RunService) AttemptFinished(ctx context.Context, r domain.RunReport, a domain.AttemptRecord) {
	s.save(ctx, r)
	detail := map[string]any{
		"outcome":       string(a.Outcome),
		"spot_order":    a.SpotOrderID,
		"future_order":  a.FutureOrderID,
		"spot_filled":   a.SpotFilled.String(),
		"future_filled": a.FutureFilled.String(),
	}
	if basis, ok := BasisPercent(a.Direction, a.SpotAverage, a.FutureAverage); ok {
		detail["basis_percent"] = basis.StringFixed(4)
	}
	if a.CompensationID != "" {
		detail["compensation_order"] = a.CompensationID
	}
	s.emit(ctx, domain.RunEvent{
		Type:      domain.RunEventAttempt,
		RunID:     r.ID,
		Symbol:    r.Symbol,
		Direction: a.Direction,
		Detail:    detail,
	})
}

// RunFinished persists the final report and announces completion or abort.
func (s *RunService) RunFinished(ctx context.Context, r domain.RunReport) {
	s.save(ctx, r)
	ev := domain.RunEvent{
		Type:   domain.RunEventCompleted,
		RunID:  r.ID,
		Symbol: r.Symbol,
		Detail: map[string]any{
			"entered":        r.Entered.String(),
			"exited":         r.Exited.String(),
			"profit_percent": r.ProfitPercent.StringFixed(4),
			"attempts":       len(r.Attempts),
		},
	}
	if r.Status == domain.RunStatusAborted {
		ev.Type = domain.RunEventAborted
		ev.Detail["error"] = r.Error
		ev.Detail["resume"] = r.ResumeHandle
	}
	s.emit(ctx, ev)
}

// Get returns a persisted report.
func (s *RunService) Get(ctx context.Context, id string) (domain.RunReport, error) {
	if s.runs == nil {
		return domain.RunReport{}, fmt.Errorf("run_service: get %q: %w", id, domain.ErrNotFound)
	}
	r, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("run_service: get %q: %w", id, err)
	}
	return r, nil
}

// ListRecent returns the most recently started reports.
func (s *RunService) ListRecent(ctx context.Context, limit int) ([]domain.RunReport, error) {
	if s.runs == nil {
		return nil, nil
	}
	out, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("run_service: list recent: %w", err)
	}
	return out, nil
}

func (s *RunService) save(ctx context.Context, r domain.RunReport) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Save(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "run_service: save report failed",
			slog.String("run_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}

// emit fans an event out to the bus, the durable stream, the audit log and
// the notifier. Failures are logged; recording never blocks a run.
func (s *RunService) emit(ctx context.Context, ev domain.RunEvent) {
	ev.At = s.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "run_service: marshal event", slog.String("error", err.Error()))
		return
	}

	if s.bus != nil {
		for _, ch := range []string{RunEventsChannel, RunEventsChannel + ":" + ev.Symbol} {
			if err := s.bus.Publish(ctx, ch, payload); err != nil {
				s.logger.WarnContext(ctx, "run_service: publish event failed",
					slog.String("channel", ch),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := s.bus.StreamAppend(ctx, RunEventsStream, payload); err != nil {
			s.logger.WarnContext(ctx, "run_service: stream append failed", slog.String("error", err.Error()))
		}
	}

	if s.audit != nil {
		detail := map[string]any{"run_id": ev.RunID, "symbol": ev.Symbol}
		if ev.Direction != "" {
			detail["direction"] = string(ev.Direction)
		}
		for k, v := range ev.Detail {
			detail[k] = v
		}
		if err := s.audit.Log(ctx, string(ev.Type), detail); err != nil {
			s.logger.WarnContext(ctx, "run_service: audit log failed",
				slog.String("run_id", ev.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyRun(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "run_service: notify failed",
				slog.String("run_id", ev.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.DebugContext(ctx, "run_service: event recorded",
		slog.String("type", string(ev.Type)),
		slog.String("run_id", ev.RunID),
	)
}
