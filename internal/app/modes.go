package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/feed"
	"github.com/alanyoungcy/basisbot/internal/server"
	"github.com/alanyoungcy/basisbot/internal/server/handler"
	"github.com/alanyoungcy/basisbot/internal/server/ws"
	"github.com/alanyoungcy/basisbot/internal/service"
)

// shutdownTimeout bounds draining HTTP requests and reconciling active runs.
const shutdownTimeout = 30 * time.Second

// ServeMode exposes the run API and websocket hub until ctx is cancelled,
// then cancels active runs and waits for them to reconcile.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.Int("port", a.cfg.Server.Port))

	g, ctx := errgroup.WithContext(ctx)
	a.startBookRelay(ctx, g, deps)

	active := func() int { return len(deps.Coordinator.Registry().Active()) }

	// The hub needs the shared bus; without Redis only REST is served.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Channel:        service.RunEventsChannel,
			Mode:           a.cfg.Mode,
			Active:         active,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		StartLimit:  a.cfg.Server.StartLimit,
		StartWindow: a.cfg.Server.StartWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, deps.Checks, active, a.logger),
		Runs:   handler.NewRunHandler(deps.Coordinator, deps.Coordinator.Registry(), deps.RunService, a.logger),
		Events: handler.NewEventHandler(deps.SignalBus, service.RunEventsStream, deps.AuditStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutCtx),
			deps.Coordinator.Shutdown(shutCtx),
		)
	})

	return g.Wait()
}

// RunMode executes the [run] request once and logs its report.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	req := domain.RunRequest{
		Symbol:       a.cfg.Run.Symbol,
		FutureSymbol: a.cfg.Run.FutureSymbol,
		Amount:       a.cfg.Run.Amount,
		EntrySpread:  a.cfg.Run.EntrySpread,
		ExitSpread:   a.cfg.Run.ExitSpread,
		Resume:       a.cfg.Run.Resume,
	}
	a.logger.InfoContext(ctx, "starting run mode",
		slog.String("symbol", req.Symbol),
		slog.String("amount", req.Amount.String()),
		slog.Bool("resume", req.Resume != ""),
	)

	relayCtx, stopRelay := context.WithCancel(ctx)
	g, relayCtx := errgroup.WithContext(relayCtx)
	a.startBookRelay(relayCtx, g, deps)

	report, runErr := deps.Coordinator.Run(ctx, req)
	stopRelay()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WarnContext(ctx, "book relay stopped with error", slog.String("error", err.Error()))
	}

	if report.ID != "" {
		a.logger.InfoContext(ctx, "run finished",
			slog.String("run_id", report.ID),
			slog.String("status", string(report.Status)),
			slog.String("entered", report.Entered.String()),
			slog.String("exited", report.Exited.String()),
			slog.String("profit_percent", report.ProfitPercent.String()),
			slog.String("resume_handle", report.ResumeHandle),
			slog.Int("attempts", len(report.Attempts)),
		)
	}
	if runErr != nil {
		return fmt.Errorf("run mode: %w", runErr)
	}
	return nil
}

// ArchiveMode moves run reports older than the retention window to object
// storage and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver requires postgres and s3")
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("before", before))

	n, err := deps.Archiver.ArchiveRuns(ctx, before)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive complete", slog.Int64("runs", n))
	return nil
}

// startBookRelay feeds books announced on the bus into the paper venue.
func (a *App) startBookRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Paper.RelayBooks || deps.SignalBus == nil || deps.BookCache == nil {
		return
	}
	relay := feed.NewBookRelay(deps.SignalBus, deps.BookCache, marketSymbols(a.cfg.Paper), deps.Exchange.SetBook, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}
