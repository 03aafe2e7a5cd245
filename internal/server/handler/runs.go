package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/executor"
)

// RunStarter launches runs in the background.
type RunStarter interface {
	Start(ctx context.Context, req domain.RunRequest) (domain.RunReport, error)
}

// ActiveRuns lists and cancels in-flight runs.
type ActiveRuns interface {
	Active() []executor.ActiveRun
	Cancel(id string) bool
}

// RunReader reads persisted reports.
type RunReader interface {
	Get(ctx context.Context, id string) (domain.RunReport, error)
	ListRecent(ctx context.Context, limit int) ([]domain.RunReport, error)
}

// RunHandler serves /api/runs.
type RunHandler struct {
	starter RunStarter
	active  ActiveRuns
	reports RunReader
	logger  *slog.Logger
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(starter RunStarter, active ActiveRuns, reports RunReader, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		starter: starter,
		active:  active,
		reports: reports,
		logger:  logger.With(slog.String("handler", "runs")),
	}
}

type startRunRequest struct {
	Symbol       string          `json:"symbol"`
	FutureSymbol string          `json:"future_symbol"`
	Amount       decimal.Decimal `json:"amount"`
	EntrySpread  decimal.Decimal `json:"entry_spread"`
	ExitSpread   decimal.Decimal `json:"exit_spread"`
	Resume       string          `json:"resume"`
}

// StartRun registers and launches a run.
// POST /api/runs
func (h *RunHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	report, err := h.starter.Start(r.Context(), domain.RunRequest{
		Symbol:       body.Symbol,
		FutureSymbol: body.FutureSymbol,
		Amount:       body.Amount,
		EntrySpread:  body.EntrySpread,
		ExitSpread:   body.ExitSpread,
		Resume:       body.Resume,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "start run failed",
				slog.String("symbol", body.Symbol),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "run accepted",
		slog.String("run_id", report.ID),
		slog.String("symbol", report.Symbol),
	)
	writeJSON(w, http.StatusAccepted, report)
}

// ListActive returns in-flight runs.
// GET /api/runs/active
func (h *RunHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	runs := h.active.Active()
	if runs == nil {
		runs = []executor.ActiveRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ListRecent returns recently persisted reports.
// GET /api/runs/recent?limit=20
func (h *RunHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reports.ListRecent(r.Context(), queryLimit(r, 20, 200))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list recent runs failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to list runs")
		return
	}
	if reports == nil {
		reports = []domain.RunReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": reports})
}

// GetRun returns one report.
// GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := h.reports.Get(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "run not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get run failed",
			slog.String("run_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CancelRun stops an in-flight run. The run reconciles open orders and is
// reported as aborted.
// DELETE /api/runs/{id}
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.active.Cancel(id) {
		writeError(w, http.StatusNotFound, "no active run "+id)
		return
	}
	h.logger.InfoContext(r.Context(), "run cancel requested", slog.String("run_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
