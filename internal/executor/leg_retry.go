package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// legRetry is the armed lag timer for one leg of an attempt. Each leg is
// retried at most once per attempt.
type legRetry struct {
	timer  *time.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// armLocked starts the lag timer for leg unless it was already armed in this
// attempt. Caller holds a.mu.
func (a *attempt) armLocked(ctx context.Context, leg domain.Leg) {
	if _, ok := a.retries[leg]; ok {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &legRetry{cancel: cancel}
	r.wg.Add(1)
	r.timer = time.AfterFunc(a.cfg.LagGrace, func() {
		defer r.wg.Done()
		a.retryLeg(rctx, leg)
	})
	a.retries[leg] = r
}

// clearAndWait stops every lag timer of the attempt and waits for retries
// already running to return.
func (a *attempt) clearAndWait() {
	a.mu.Lock()
	retries := make([]*legRetry, 0, len(a.retries))
	for _, r := range a.retries {
		retries = append(retries, r)
	}
	a.mu.Unlock()

	for _, r := range retries {
		if r.timer.Stop() {
			// The callback will never run.
			r.wg.Done()
		}
		r.cancel()
	}
	for _, r := range retries {
		r.wg.Wait()
	}
}

// retryLeg cancels the lagging order, waits for the venue to confirm it and
// re-places whatever is left at a price derived from the filled leg.
func (a *attempt) retryLeg(ctx context.Context, leg domain.Leg) {
	logger := a.logger.With(slog.String("leg", string(leg)))
	head := a.head(leg)
	if head.Done() {
		return
	}

	if !a.orders.Cancel(ctx, &head) {
		logger.Debug("lagging leg cancel refused", slog.String("order_id", head.ID))
	}

	log := a.sess.fills(leg)
	snap := log.Current()
	cur := a.syncHead(leg, snap)
	for !cur.Done() {
		next, err := log.Next(ctx, snap.Nonce+1)
		if err != nil {
			return
		}
		snap = next
		cur = a.syncHead(leg, snap)
	}
	if cur.FullyFilled() {
		a.poke()
		return
	}

	m := a.sess.market(leg)
	qty := cur.Remaining.Mul(m.Unit())
	price := a.retryPrice(leg)
	if !a.validator.Valid(LegOrder{Price: price, Quantity: qty}, m) {
		logger.Warn("retry order invalid, leaving imbalance to reconcile",
			slog.String("qty", qty.String()),
			slog.String("price", price.String()),
		)
		return
	}
	req, err := orderRequest(a.dir, leg, m, a.ex, domain.OrderTypeLimit, qty, price)
	if err != nil {
		logger.Warn("retry order rounding failed", slog.String("error", err.Error()))
		return
	}
	if ctx.Err() != nil {
		return
	}

	// Once submitted the order must be tracked even if the attempt ends.
	placed, err := a.orders.Place(context.WithoutCancel(ctx), req)
	if err != nil {
		logger.Warn("retry placement failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("lagging leg re-placed",
		slog.String("old_order", head.ID),
		slog.String("order_id", placed.ID),
		slog.String("amount", req.Amount.String()),
		slog.String("price", req.Price.String()),
	)
	a.replaceHead(leg, placed)
}

func (a *attempt) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
