package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// EventReader reads the durable run event stream.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// AuditReader lists audit log entries.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// EventHandler replays run events for clients that were not connected to
// the websocket hub, and exposes the audit log. Either source may be nil.
type EventHandler struct {
	events EventReader
	stream string
	audit  AuditReader
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler reading stream from events.
func NewEventHandler(events EventReader, stream string, audit AuditReader, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		events: events,
		stream: stream,
		audit:  audit,
		logger: logger.With(slog.String("handler", "events")),
	}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns stream entries after ?after= (default "0", the start).
// "next" is the cursor for the following call.
// GET /api/events?after=0&limit=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	msgs, err := h.events.StreamRead(r.Context(), h.stream, after, queryLimit(r, 100, 1000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read event stream failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to read events")
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			h.logger.WarnContext(r.Context(), "skipping malformed event", slog.String("id", m.ID))
			next = m.ID
			continue
		}
		out = append(out, streamEvent{ID: m.ID, Event: m.Payload})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}

// ListAudit returns audit entries newest first. since and until are RFC 3339.
// GET /api/audit?limit=50&since=2026-01-02T15:04:05Z
func (h *EventHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	opts := domain.ListOpts{Limit: queryLimit(r, 50, 500)}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
			return
		}
		*dst = &t
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
