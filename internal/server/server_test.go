package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/executor"
	"github.com/alanyoungcy/basisbot/internal/server/handler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRuns struct {
	mu       sync.Mutex
	started  []domain.RunRequest
	startErr error
	active   []executor.ActiveRun
	reports  map[string]domain.RunReport
	canceled []string
}

func (f *fakeRuns) Start(_ context.Context, req domain.RunRequest) (domain.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return domain.RunReport{}, f.startErr
	}
	f.started = append(f.started, req)
	return domain.RunReport{ID: "run-1", Symbol: req.Symbol, Amount: req.Amount, Status: domain.RunStatusRunning}, nil
}

func (f *fakeRuns) Active() []executor.ActiveRun { return f.active }

func (f *fakeRuns) Cancel(id string) bool {
	for _, r := range f.active {
		if r.ID == id {
			f.canceled = append(f.canceled, id)
			return true
		}
	}
	return false
}

func (f *fakeRuns) Get(_ context.Context, id string) (domain.RunReport, error) {
	r, ok := f.reports[id]
	if !ok {
		return domain.RunReport{}, fmt.Errorf("fake: %w", domain.ErrNotFound)
	}
	return r, nil
}

func (f *fakeRuns) ListRecent(context.Context, int) ([]domain.RunReport, error) {
	var out []domain.RunReport
	for _, r := range f.reports {
		out = append(out, r)
	}
	return out, nil
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.calls++
	return d.calls <= 1, nil
}

func newTestServer(t *testing.T, runs *fakeRuns, apiKey string, limiter domain.RateLimiter, checks map[string]handler.HealthCheck) *httptest.Server {
	t.Helper()
	log := discardLogger()
	srv := NewServer(Config{APIKey: apiKey, StartLimit: 1, StartWindow: time.Minute}, Handlers{
		Health: handler.NewHealthHandler("paper", checks, func() int { return len(runs.active) }, log),
		Runs:   handler.NewRunHandler(runs, runs, runs, log),
	}, nil, limiter, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body, key string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartRun(t *testing.T) {
	runs := &fakeRuns{}
	ts := newTestServer(t, runs, "", nil, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/runs",
		`{"symbol":"BTC/USDT","amount":"500","entry_spread":"0.5"}`, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["id"] != "run-1" || body["status"] != "running" {
		t.Fatalf("body = %v", body)
	}
	if len(runs.started) != 1 || !runs.started[0].Amount.Equal(decimal.NewFromInt(500)) ||
		!runs.started[0].EntrySpread.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("started = %+v", runs.started)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestStartRunErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{"symbol":`, nil, http.StatusBadRequest},
		{"unknown field", `{"symbol":"BTC/USDT","amount":"1","bogus":1}`, nil, http.StatusBadRequest},
		{"invalid request", `{"symbol":""}`, fmt.Errorf("x: %w", domain.ErrInvalidRequest), http.StatusBadRequest},
		{"busy", `{"symbol":"BTC/USDT","amount":"1"}`, fmt.Errorf("x: %w", domain.ErrSymbolBusy), http.StatusConflict},
		{"below minimum", `{"symbol":"BTC/USDT","amount":"1"}`, fmt.Errorf("x: %w", domain.ErrBelowMinimum), http.StatusUnprocessableEntity},
		{"risk", `{"symbol":"BTC/USDT","amount":"1"}`, fmt.Errorf("x: %w", domain.ErrRiskRejected), http.StatusUnprocessableEntity},
		{"shutdown", `{"symbol":"BTC/USDT","amount":"1"}`, fmt.Errorf("x: %w", domain.ErrShutdown), http.StatusServiceUnavailable},
		{"venue down", `{"symbol":"BTC/USDT","amount":"1"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeRuns{startErr: tt.err}, "", nil, nil)
			resp, body := do(t, http.MethodPost, ts.URL+"/api/runs", tt.body, "")
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
			if body["error"] == nil {
				t.Fatalf("missing error field: %v", body)
			}
		})
	}
}

func TestRunQueries(t *testing.T) {
	runs := &fakeRuns{
		active:  []executor.ActiveRun{{ID: "a1", Symbol: "BTC/USDT", FutureSymbol: "BTC/USDT:USDT"}},
		reports: map[string]domain.RunReport{"r1": {ID: "r1", Symbol: "ETH/USDT", Status: domain.RunStatusCompleted}},
	}
	ts := newTestServer(t, runs, "", nil, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/runs/active", "", "")
	if resp.StatusCode != http.StatusOK || len(body["runs"].([]any)) != 1 {
		t.Fatalf("active = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/runs/recent?limit=5", "", "")
	if resp.StatusCode != http.StatusOK || len(body["runs"].([]any)) != 1 {
		t.Fatalf("recent = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/runs/r1", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/runs/missing", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing = %d, want 404", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/runs/a1", "", "")
	if resp.StatusCode != http.StatusAccepted || len(runs.canceled) != 1 {
		t.Fatalf("cancel = %d, canceled %v", resp.StatusCode, runs.canceled)
	}
	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/runs/nope", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d, want 404", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, &fakeRuns{}, "secret", nil, nil)

	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/runs/active", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key = %d, want 401", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/runs/active", "", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d, want 401", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/runs/active", "", "secret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("good key = %d, want 200", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health without key = %d, want 200", resp.StatusCode)
	}
}

func TestStartRunRateLimited(t *testing.T) {
	limiter := &denyLimiter{}
	ts := newTestServer(t, &fakeRuns{}, "", limiter, nil)
	body := `{"symbol":"BTC/USDT","amount":"500"}`

	if resp, _ := do(t, http.MethodPost, ts.URL+"/api/runs", body, ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	resp, _ := do(t, http.MethodPost, ts.URL+"/api/runs", body, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestHealthDegraded(t *testing.T) {
	checks := map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	ts := newTestServer(t, &fakeRuns{}, "", nil, checks)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
	deps := body["dependencies"].(map[string]any)
	if deps["postgres"] != "ok" || deps["redis"] != "connection refused" {
		t.Fatalf("dependencies = %v", deps)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeRuns{}, "secret", nil, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatalf("allow origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

type fakeEvents struct {
	after string
	msgs  []domain.StreamMessage
}

func (f *fakeEvents) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	f.after = lastID
	return f.msgs, nil
}

type fakeAudit struct {
	opts domain.ListOpts
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return []domain.AuditEntry{{ID: 1, Event: "run.completed"}}, nil
}

func newEventServer(t *testing.T, events handler.EventReader, audit handler.AuditReader) *httptest.Server {
	t.Helper()
	log := discardLogger()
	runs := &fakeRuns{}
	srv := NewServer(Config{}, Handlers{
		Health: handler.NewHealthHandler("paper", nil, func() int { return 0 }, log),
		Runs:   handler.NewRunHandler(runs, runs, runs, log),
		Events: handler.NewEventHandler(events, "runs", audit, log),
	}, nil, nil, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestListEvents(t *testing.T) {
	events := &fakeEvents{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"type":"run.started","run_id":"r1"}`)},
		{ID: "2-0", Payload: []byte(`not json`)},
		{ID: "3-0", Payload: []byte(`{"type":"run.completed","run_id":"r1"}`)},
	}}
	ts := newEventServer(t, events, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/events?after=0-5", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if events.after != "0-5" {
		t.Fatalf("after = %q", events.after)
	}
	list, _ := body["events"].([]any)
	if len(list) != 2 {
		t.Fatalf("events = %v, want 2 valid entries", body["events"])
	}
	if body["next"] != "3-0" {
		t.Fatalf("next = %v", body["next"])
	}
	first := list[0].(map[string]any)
	if ev := first["event"].(map[string]any); ev["type"] != "run.started" {
		t.Fatalf("first event = %v", first)
	}
}

func TestListAudit(t *testing.T) {
	audit := &fakeAudit{}
	ts := newEventServer(t, nil, audit)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/audit?limit=5&since=2026-01-02T15:04:05Z", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if audit.opts.Limit != 5 || audit.opts.Since == nil || audit.opts.Until != nil {
		t.Fatalf("opts = %+v", audit.opts)
	}
	if want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC); !audit.opts.Since.Equal(want) {
		t.Fatalf("since = %s", audit.opts.Since)
	}
	if entries, _ := body["entries"].([]any); len(entries) != 1 {
		t.Fatalf("entries = %v", body["entries"])
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/audit?until=yesterday", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad until status = %d", resp.StatusCode)
	}
}

func TestEventSourcesUnavailable(t *testing.T) {
	ts := newEventServer(t, nil, nil)
	for _, path := range []string{"/api/events", "/api/audit"} {
		resp, _ := do(t, http.MethodGet, ts.URL+path, "", "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
}
