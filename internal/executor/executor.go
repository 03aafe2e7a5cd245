package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/arbitrage"
	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Executor drives one direction of a run: every fresh pair of books is
// matched, sized and, when viable, placed as a spot/perpetual leg pair that
// is monitored to completion or reconciled. Only one attempt is in flight at
// a time.
type Executor struct {
	dir        domain.Direction
	spread     decimal.Decimal
	cfg        Config
	ex         domain.Exchange
	sess       *Session
	state      *RunState
	orders     *orderClient
	validator  OrderValidator
	reconciler *Reconciler
	logger     *slog.Logger

	spotMemo   PriceMemo
	futureMemo PriceMemo
	gate       SnapshotGate
	inFlight   atomic.Bool
	failed     int

	now func() time.Time
}

// NewExecutor creates the state machine for dir. The spread is taken from
// cfg.EntrySpread or cfg.ExitSpread.
func NewExecutor(dir domain.Direction, ex domain.Exchange, sess *Session, state *RunState, cfg Config, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	spread := cfg.EntrySpread
	if dir == domain.DirectionExit {
		spread = cfg.ExitSpread
	}
	logger = logger.With(
		slog.String("component", "executor"),
		slog.String("direction", string(dir)),
	)
	return &Executor{
		dir:        dir,
		spread:     spread,
		cfg:        cfg,
		ex:         ex,
		sess:       sess,
		state:      state,
		orders:     newOrderClient(ex, cfg, logger),
		validator:  NewOrderValidator(ex),
		reconciler: NewReconciler(ex, sess, cfg, logger),
		logger:     logger,
		now:        time.Now,
	}
}

// InFlight reports whether an attempt is currently running.
func (e *Executor) InFlight() bool {
	return e.inFlight.Load()
}

// Run evaluates book updates until the direction is executed, a fatal error
// occurs or ctx is done. An attempt still running when ctx ends is allowed to
// reconcile before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	if e.state.Done(e.dir) {
		return nil
	}
	e.logger.Info("direction started", slog.String("spread", e.spread.String()))

	updates := e.sess.Books.Subscribe()
	results := make(chan error, 1)
	pending := false
	trigger := func() {
		if !e.inFlight.CompareAndSwap(false, true) {
			pending = true
			return
		}
		pending = false
		go func() {
			results <- e.tick(ctx)
		}()
	}

	trigger()
	for {
		select {
		case <-ctx.Done():
			if e.inFlight.Load() {
				<-results
				e.inFlight.Store(false)
			}
			return ctx.Err()
		case err := <-results:
			e.inFlight.Store(false)
			if err != nil {
				e.logger.Error("direction aborted", slog.String("error", err.Error()))
				return err
			}
			if e.state.Done(e.dir) {
				e.logger.Info("direction executed")
				return nil
			}
			if pending {
				trigger()
			}
		case <-updates:
			trigger()
		}
	}
}

// tick is one pass of the state machine. A nil error with no state change
// means the books offered nothing to act on.
func (e *Executor) tick(ctx context.Context) error {
	spotBook, futureBook, ok := e.sess.Books.Latest()
	if !ok {
		return nil
	}
	if !e.gate.Consume(spotBook.Nonce, futureBook.Nonce) {
		return nil
	}
	if e.finished() {
		e.state.MarkDone(e.dir)
		return nil
	}

	res := e.match(spotBook, futureBook)
	if res.Empty() || !res.Reference.Found {
		return nil
	}
	if e.volatile(res) {
		if err := sleep(ctx, e.cfg.VolatilityWindow); err != nil {
			return nil
		}
		if spotBook, futureBook, ok = e.sess.Books.Latest(); !ok {
			return nil
		}
		res = e.match(spotBook, futureBook)
		if res.Empty() || !res.Reference.Found || e.volatile(res) {
			e.logger.Debug("reference price volatile, skipping",
				slog.String("spot_ref", res.Reference.Spot.String()),
				slog.String("future_ref", res.Reference.Future.String()),
			)
			return nil
		}
	}

	remaining := e.remainingQty(res.Reference)
	orders, err := ComputeOrders(e.ex, e.validator, remaining, res.Executed, res.Reference, e.sess.Spot, e.sess.Future, e.logger)
	if err != nil {
		return fmt.Errorf("executor: size %s: %w", e.dir, err)
	}
	if orders == nil {
		e.logger.Debug("no feasible order pair", slog.String("executed", res.Executed.String()))
		return nil
	}
	return e.execute(ctx, orders)
}

// execute places, monitors and if needed reconciles one leg pair, then
// books its confirmed fills.
func (e *Executor) execute(ctx context.Context, orders *PairOrders) error {
	from := map[domain.Leg]int64{
		domain.LegSpot:   e.sess.SpotLog.Current().Nonce,
		domain.LegFuture: e.sess.FutureLog.Current().Nonce,
	}
	a := newAttempt(e)

	pair, err := a.place(ctx, orders)
	if err == nil {
		pair, err = a.monitor(ctx, pair, from)
	}

	outcome := domain.AttemptFilled
	var compensation string
	var sig *domain.LegImbalanceError
	switch {
	case err == nil:
	case errors.As(err, &sig):
		e.logger.Warn("leg imbalance, reconciling", slog.String("error", err.Error()))
		// Reconciling must finish even when the run is being torn down.
		rec, rerr := e.reconciler.Reconcile(context.WithoutCancel(ctx), sig)
		if rerr != nil {
			return fmt.Errorf("executor: reconcile %s: %w", e.dir, rerr)
		}
		pair, outcome = rec.Pair, rec.Outcome
		if rec.Compensation != nil {
			compensation = rec.Compensation.ID
		}
	default:
		return fmt.Errorf("executor: attempt %s: %w", e.dir, err)
	}

	rec := e.attemptRecord(pair, outcome, compensation)
	e.state.record(rec)
	e.logger.Info("attempt finished",
		slog.String("outcome", string(outcome)),
		slog.String("spot_filled", rec.SpotFilled.String()),
		slog.String("future_filled", rec.FutureFilled.String()),
	)

	if decimal.Min(rec.SpotFilled, rec.FutureFilled).IsPositive() {
		e.failed = 0
	} else {
		e.failed++
		if limit := e.cfg.MaxFailedAttempts; limit > 0 && e.failed >= limit {
			return fmt.Errorf("executor: %s: %d consecutive attempts filled nothing", e.dir, e.failed)
		}
	}

	if e.finished() {
		e.state.MarkDone(e.dir)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (e *Executor) match(spot, future domain.OrderbookSnapshot) arbitrage.Result {
	spotSide, futureSide := arbitrage.Books(e.dir, spot, future)
	budget := e.state.RemainingNotional()
	if e.dir == domain.DirectionExit {
		budget = e.state.RemainingExit()
	}
	return arbitrage.Match(arbitrage.Request{
		Direction:     e.dir,
		SpotBook:      spotSide,
		FutureBook:    futureSide,
		Percent:       e.spread,
		Budget:        budget,
		MarginPercent: e.cfg.MarginPercent,
	})
}

// volatile reports whether either leg touched exactly its reference price
// while that price has not yet been stable for the volatility window.
func (e *Executor) volatile(res arbitrage.Result) bool {
	now := e.now()
	spot := e.spotMemo.Volatile(res.Reference.Spot, now, e.cfg.VolatilityWindow)
	future := e.futureMemo.Volatile(res.Reference.Future, now, e.cfg.VolatilityWindow)
	return (spot && res.BestSpot().Equal(res.Reference.Spot)) ||
		(future && res.BestFuture().Equal(res.Reference.Future))
}

// remainingQty is what the direction still needs, in base units.
func (e *Executor) remainingQty(ref arbitrage.ReferencePrice) decimal.Decimal {
	if e.dir == domain.DirectionExit {
		return e.state.RemainingExit()
	}
	return e.state.RemainingNotional().Div(ref.Spot)
}

// finished reports whether the direction reached its target, or whatever is
// left is too small for either venue to accept.
func (e *Executor) finished() bool {
	if e.dir == domain.DirectionExit {
		if e.state.ExitComplete() {
			return true
		}
		left := e.state.RemainingExit()
		if left.LessThan(e.sess.Spot.MinAmount) || left.LessThan(e.sess.Future.MinAmount.Mul(e.sess.Future.Unit())) {
			e.logger.Warn("exit residual below venue minimum", slog.String("residual", left.String()))
			return true
		}
		return false
	}
	if e.state.EntryComplete(e.cfg.MarginPercent) {
		return true
	}
	left := e.state.RemainingNotional()
	if arbitrage.CleanResidual(left).IsZero() {
		return true
	}
	return e.state.Entered().IsPositive() &&
		(left.LessThan(e.sess.Spot.MinCost) || left.LessThan(e.sess.Future.MinCost))
}

func (e *Executor) attemptRecord(pair LegPair, outcome domain.AttemptOutcome, compensation string) domain.AttemptRecord {
	rec := domain.AttemptRecord{
		Direction:      e.dir,
		Outcome:        outcome,
		CompensationID: compensation,
		At:             e.now().UTC(),
	}
	if pair.Spot != nil {
		rec.SpotOrderID = pair.Spot.ID
		qty, notional := pair.Spot.ChainFill(e.sess.Spot.Unit())
		rec.SpotFilled = qty
		if qty.IsPositive() {
			rec.SpotAverage = notional.Div(qty)
		}
	}
	if pair.Future != nil {
		rec.FutureOrderID = pair.Future.ID
		qty, notional := pair.Future.ChainFill(e.sess.Future.Unit())
		rec.FutureFilled = qty
		if qty.IsPositive() {
			rec.FutureAverage = notional.Div(qty)
		}
	}
	return rec
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
