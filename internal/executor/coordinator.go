package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/feed"
)

// Recorder receives run lifecycle updates. Implementations must not block
// for long; attempts are reported from the executing goroutine.
type Recorder interface {
	RunStarted(ctx context.Context, r domain.RunReport)
	AttemptFinished(ctx context.Context, r domain.RunReport, a domain.AttemptRecord)
	RunFinished(ctx context.Context, r domain.RunReport)
}

// RiskChecker vets a run before any capital is committed.
type RiskChecker interface {
	PreRunCheck(ctx context.Context, req domain.RunRequest, active int) error
}

// Coordinator turns run requests into executed entry and exit phases for a
// symbol pair, one run per symbol at a time.
type Coordinator struct {
	ex       domain.Exchange
	registry *Registry
	cfg      Config
	recorder Recorder
	risk     RiskChecker
	logger   *slog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown bool
}

// NewCoordinator creates a Coordinator. recorder and risk may be nil.
func NewCoordinator(ex domain.Exchange, registry *Registry, cfg Config, recorder Recorder, risk RiskChecker, logger *slog.Logger) *Coordinator {
	if registry == nil {
		registry = NewRegistry(nil, 0)
	}
	return &Coordinator{
		ex:       ex,
		registry: registry,
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		risk:     risk,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
}

// Registry returns the symbol registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

type runHandle struct {
	report  domain.RunReport
	cfg     Config
	spot    domain.Market
	future  domain.Market
	state   *RunState
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	logger  *slog.Logger
}

// Run executes req to completion and returns its final report. Validation
// and registration failures return before anything is placed.
func (c *Coordinator) Run(ctx context.Context, req domain.RunRequest) (domain.RunReport, error) {
	h, err := c.prepare(ctx, req)
	if err != nil {
		return domain.RunReport{}, err
	}
	c.wg.Add(1)
	defer c.wg.Done()
	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()
	return c.execute(h)
}

// Start registers req and executes it in the background. The returned
// report reflects the run as started.
func (c *Coordinator) Start(ctx context.Context, req domain.RunRequest) (domain.RunReport, error) {
	// The run outlives the request that started it.
	h, err := c.prepare(context.WithoutCancel(ctx), req)
	if err != nil {
		return domain.RunReport{}, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.execute(h)
	}()
	return h.report, nil
}

// Shutdown cancels every active run and waits for them to reconcile and
// report, or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()

	c.registry.CancelAll()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) prepare(ctx context.Context, req domain.RunRequest) (*runHandle, error) {
	c.mu.Lock()
	closed := c.shutdown
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("executor: %w", domain.ErrShutdown)
	}

	req.Symbol = strings.TrimSpace(req.Symbol)
	if req.Symbol == "" {
		return nil, fmt.Errorf("executor: %w: symbol required", domain.ErrInvalidRequest)
	}
	if req.FutureSymbol == "" {
		req.FutureSymbol = req.Symbol + c.cfg.FutureSuffix
	}

	var resume *domain.ResumeHandle
	if req.Resume != "" {
		rh, err := domain.ParseResumeHandle(req.Resume)
		if err != nil {
			return nil, fmt.Errorf("executor: %w: %w", domain.ErrInvalidRequest, err)
		}
		resume = &rh
	} else if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("executor: %w: amount must be positive", domain.ErrInvalidRequest)
	}

	cfg := c.cfg
	if !req.EntrySpread.IsZero() {
		cfg.EntrySpread = req.EntrySpread
	}
	if !req.ExitSpread.IsZero() {
		cfg.ExitSpread = req.ExitSpread
	}

	if err := c.ex.LoadMarkets(ctx); err != nil {
		return nil, fmt.Errorf("executor: load markets: %w", err)
	}
	spot, err := c.ex.Market(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: market %s: %w", req.Symbol, err)
	}
	future, err := c.ex.Market(req.FutureSymbol)
	if err != nil {
		return nil, fmt.Errorf("executor: market %s: %w", req.FutureSymbol, err)
	}

	if resume == nil {
		if err := checkMinimum(req, cfg, spot, future); err != nil {
			return nil, err
		}
	}
	if c.risk != nil {
		if err := c.risk.PreRunCheck(ctx, req, len(c.registry.Active())); err != nil {
			return nil, fmt.Errorf("executor: risk check: %w", err)
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	release, err := c.registry.Acquire(ctx, ActiveRun{
		ID:           id,
		Symbol:       req.Symbol,
		FutureSymbol: req.FutureSymbol,
		StartedAt:    now,
	}, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	state := NewRunState(req.Amount)
	if resume != nil {
		state.Resume(*resume)
	}
	h := &runHandle{
		report: domain.RunReport{
			ID:           id,
			Symbol:       req.Symbol,
			FutureSymbol: req.FutureSymbol,
			Amount:       req.Amount,
			Status:       domain.RunStatusRunning,
			StartedAt:    now,
		},
		cfg:     cfg,
		spot:    spot,
		future:  future,
		state:   state,
		ctx:     runCtx,
		cancel:  cancel,
		release: release,
		logger: c.logger.With(
			slog.String("run_id", id),
			slog.String("symbol", req.Symbol),
		),
	}
	state.fill(&h.report)
	return h, nil
}

// checkMinimum refuses budgets too small to clear either venue's minimum
// order cost with headroom.
func checkMinimum(req domain.RunRequest, cfg Config, spot, future domain.Market) error {
	for _, m := range []domain.Market{spot, future} {
		need := m.MinCost.Mul(cfg.MinCostBuffer)
		if m.MinCost.IsPositive() && req.Amount.LessThan(need) {
			return fmt.Errorf("executor: %w: %s needs %s, got %s", domain.ErrBelowMinimum, m.Symbol, need, req.Amount)
		}
	}
	return nil
}

func (c *Coordinator) execute(h *runHandle) (domain.RunReport, error) {
	defer h.release()
	defer h.cancel()
	ctx := h.ctx
	logger := h.logger

	if c.recorder != nil {
		c.recorder.RunStarted(ctx, h.report)
		h.state.Observe(func(rec domain.AttemptRecord) {
			snap := h.snapshot()
			c.recorder.AttemptFinished(ctx, snap, rec)
		})
	}
	logger.Info("run started", slog.String("amount", h.report.Amount.String()))

	err := c.phases(ctx, h)

	report := h.snapshot()
	completed := time.Now().UTC()
	report.CompletedAt = &completed
	switch {
	case err == nil:
		report.Status = domain.RunStatusCompleted
		logger.Info("run completed",
			slog.String("entered", report.Entered.String()),
			slog.String("exited", report.Exited.String()),
			slog.String("profit_percent", report.ProfitPercent.String()),
		)
	default:
		report.Status = domain.RunStatusAborted
		report.Error = err.Error()
		logger.Error("run aborted",
			slog.String("error", err.Error()),
			slog.String("resume", report.ResumeHandle),
		)
	}
	if c.recorder != nil {
		c.recorder.RunFinished(context.WithoutCancel(ctx), report)
	}
	return report, err
}

func (h *runHandle) snapshot() domain.RunReport {
	r := h.report
	h.state.fill(&r)
	return r
}

// phases subscribes to both markets, then runs entry followed by exit.
// Subscriptions are torn down before it returns.
func (c *Coordinator) phases(ctx context.Context, h *runHandle) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	sess := &Session{
		RunID:     h.report.ID,
		Spot:      h.spot,
		Future:    h.future,
		SpotLog:   feed.NewFillLog(h.spot.Symbol),
		FutureLog: feed.NewFillLog(h.future.Symbol),
		Books:     feed.NewBookPair(),
	}

	spotOrders, err := c.ex.WatchOrders(watchCtx, h.spot.Symbol)
	if err != nil {
		return fmt.Errorf("executor: watch orders %s: %w", h.spot.Symbol, err)
	}
	futureOrders, err := c.ex.WatchOrders(watchCtx, h.future.Symbol)
	if err != nil {
		return fmt.Errorf("executor: watch orders %s: %w", h.future.Symbol, err)
	}
	spotBooks, err := c.ex.WatchOrderbook(watchCtx, h.spot.Symbol, h.cfg.BookDepth)
	if err != nil {
		return fmt.Errorf("executor: watch book %s: %w", h.spot.Symbol, err)
	}
	futureBooks, err := c.ex.WatchOrderbook(watchCtx, h.future.Symbol, h.cfg.BookDepth)
	if err != nil {
		return fmt.Errorf("executor: watch book %s: %w", h.future.Symbol, err)
	}

	var feeds errgroup.Group
	feeds.Go(func() error {
		feed.PumpOrders(watchCtx, spotOrders, sess.SpotLog)
		return nil
	})
	feeds.Go(func() error {
		feed.PumpOrders(watchCtx, futureOrders, sess.FutureLog)
		return nil
	})
	feeds.Go(func() error {
		return sess.Books.Run(watchCtx, spotBooks, futureBooks)
	})
	defer func() {
		stopWatch()
		_ = feeds.Wait()
	}()

	for _, dir := range []domain.Direction{domain.DirectionEntry, domain.DirectionExit} {
		if h.state.Done(dir) {
			continue
		}
		if dir == domain.DirectionExit && !h.state.Entered().IsPositive() {
			h.state.MarkDone(dir)
			continue
		}
		ex := NewExecutor(dir, c.ex, sess, h.state, h.cfg, h.logger)
		if err := ex.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}
