package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/basisbot/internal/arbitrage"
	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/feed"
)

// Reconciliation is the settled state of a leg pair after reconciling.
type Reconciliation struct {
	Outcome      domain.AttemptOutcome
	Pair         LegPair
	Compensation *domain.LiveOrder
}

// Reconciler cancels whatever is left of an imbalanced leg pair and squares
// the position with a single market order on the lagging leg.
type Reconciler struct {
	ex      domain.Exchange
	sess    *Session
	orders  *orderClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler for the session's two markets. timeout
// bounds each wait on a fill log.
func NewReconciler(ex domain.Exchange, sess *Session, cfg Config, logger *slog.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		ex:      ex,
		sess:    sess,
		orders:  newOrderClient(ex, cfg, logger),
		timeout: cfg.AttemptTimeout,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

type legState struct {
	order    *domain.LiveOrder
	canceled bool
	nonce    int64
}

// Reconcile settles sig. The returned pair is balanced in base units: either
// both legs filled completely (continued) or the lagging leg was topped up
// by a compensating order (redone). Placement failures of the compensation
// are logged and leave the pair as it stands.
func (r *Reconciler) Reconcile(ctx context.Context, sig *domain.LegImbalanceError) (Reconciliation, error) {
	logger := r.logger.With(slog.String("direction", string(sig.Direction)))
	states := map[domain.Leg]*legState{
		domain.LegSpot:   {order: cloneOrder(sig.Spot)},
		domain.LegFuture: {order: cloneOrder(sig.Future)},
	}

	var g errgroup.Group
	for _, st := range states {
		if st.order == nil || st.order.Done() {
			continue
		}
		g.Go(func() error {
			st.canceled = r.orders.Cancel(ctx, st.order)
			return nil
		})
	}
	_ = g.Wait()

	for leg, st := range states {
		snap := r.sess.fills(leg).Current()
		syncOrder(st.order, snap)
		st.nonce = snap.Nonce
	}

	pair := LegPair{Spot: states[domain.LegSpot].order, Future: states[domain.LegFuture].order}
	if bothFilled(pair) {
		return Reconciliation{Outcome: domain.AttemptContinued, Pair: pair}, nil
	}

	var sg errgroup.Group
	for leg, st := range states {
		if st.order == nil || st.order.Done() {
			continue
		}
		sg.Go(func() error {
			return r.settle(ctx, leg, st, logger)
		})
	}
	if err := sg.Wait(); err != nil {
		return Reconciliation{Pair: pair}, err
	}
	if bothFilled(pair) {
		return Reconciliation{Outcome: domain.AttemptContinued, Pair: pair}, nil
	}

	spotQty := filledQty(pair.Spot, r.sess.Spot.Unit())
	futureQty := filledQty(pair.Future, r.sess.Future.Unit())
	imbalance := futureQty.Sub(spotQty)
	if sig.Direction == domain.DirectionExit {
		imbalance = spotQty.Sub(futureQty)
	}
	out := Reconciliation{Outcome: domain.AttemptRedone, Pair: pair}
	if !spotQty.IsPositive() && !futureQty.IsPositive() {
		out.Outcome = domain.AttemptAbandoned
	}
	if arbitrage.CleanResidual(imbalance.Abs()).IsZero() {
		return out, nil
	}

	lagging := domain.LegSpot
	if futureQty.LessThan(spotQty) {
		lagging = domain.LegFuture
	}
	logger.Warn("compensating leg imbalance",
		slog.String("leg", string(lagging)),
		slog.String("imbalance", imbalance.String()),
		slog.String("spot_filled", spotQty.String()),
		slog.String("future_filled", futureQty.String()),
	)

	comp, err := r.compensate(ctx, sig.Direction, lagging, imbalance.Abs(), pair.get(lagging))
	if err != nil {
		logger.Error("compensation order failed",
			slog.String("leg", string(lagging)),
			slog.String("error", err.Error()),
		)
		return out, nil
	}
	if comp == nil {
		return out, nil
	}
	pair.set(lagging, comp)
	out.Pair = pair
	out.Compensation = comp
	out.Outcome = domain.AttemptRedone
	return out, nil
}

// settle folds further updates into st until the order is done. A leg whose
// log stays silent for a whole timeout is canceled once more; only an
// acknowledged cancel lets it be assumed canceled. While the venue refuses
// the cancel the order may still trade, so settle keeps reading its log.
func (r *Reconciler) settle(ctx context.Context, leg domain.Leg, st *legState, logger *slog.Logger) error {
	log := r.sess.fills(leg)
	for !st.order.Done() {
		wctx, cancel := context.WithTimeout(ctx, r.timeout)
		snap, err := log.Next(wctx, st.nonce+1)
		cancel()
		if err == nil {
			syncOrder(st.order, snap)
			st.nonce = snap.Nonce
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrFillLogClosed) {
			logger.Error("fill log closed before leg settled, marking canceled",
				slog.String("leg", string(leg)),
				slog.String("order_id", st.order.ID),
				slog.Bool("cancel_acked", st.canceled),
			)
			st.order.Status = domain.OrderStatusCanceled
			continue
		}
		if !st.canceled {
			st.canceled = r.orders.Cancel(ctx, st.order)
		}
		if !st.canceled {
			logger.Error("cancel refused and no terminal update for leg, still waiting",
				slog.String("leg", string(leg)),
				slog.String("order_id", st.order.ID),
				slog.String("remaining", st.order.Remaining.String()),
			)
			continue
		}
		logger.Warn("no terminal update for leg, marking canceled",
			slog.String("leg", string(leg)),
			slog.String("order_id", st.order.ID),
			slog.String("cause", err.Error()),
		)
		st.order.Status = domain.OrderStatusCanceled
	}
	return nil
}

// compensate places one market order for qty base units on leg and waits a
// bounded time to observe its fill. An order the venue accepted is treated
// as filled once the wait expires.
func (r *Reconciler) compensate(ctx context.Context, dir domain.Direction, leg domain.Leg, qty decimal.Decimal, prev *domain.LiveOrder) (*domain.LiveOrder, error) {
	m := r.sess.market(leg)
	req, err := orderRequest(dir, leg, m, r.ex, domain.OrderTypeMarket, qty, decimal.Zero)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		r.logger.Warn("imbalance below lot size, not compensating",
			slog.String("leg", string(leg)),
			slog.String("qty", qty.String()),
		)
		return nil, nil
	}

	log := r.sess.fills(leg)
	from := log.Current().Nonce
	placed, err := r.orders.Place(ctx, req)
	if err != nil {
		return nil, err
	}
	comp := &placed
	comp.Tag = &domain.OrderTag{Source: domain.TagSourceRedo, Original: prev}
	if comp.Amount.IsZero() {
		comp.Amount = req.Amount
	}

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	snap := feed.Snapshot{Nonce: from}
	for !comp.Done() {
		snap, err = log.Next(wctx, snap.Nonce+1)
		if err != nil {
			break
		}
		syncOrder(comp, snap)
	}
	if !comp.FullyFilled() {
		comp.Filled = comp.Amount
		comp.Remaining = decimal.Zero
		comp.Status = domain.OrderStatusClosed
	}
	if !comp.Average.IsPositive() && prev != nil {
		comp.Average = firstPositive(prev.Average, prev.Price)
	}
	r.logger.Info("compensation placed",
		slog.String("leg", string(leg)),
		slog.String("order_id", comp.ID),
		slog.String("amount", comp.Amount.String()),
	)
	return comp, nil
}

func bothFilled(p LegPair) bool {
	return p.Spot != nil && p.Future != nil && p.Spot.FullyFilled() && p.Future.FullyFilled()
}

func filledQty(o *domain.LiveOrder, unit decimal.Decimal) decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	qty, _ := o.ChainFill(unit)
	return qty
}

func cloneOrder(o *domain.LiveOrder) *domain.LiveOrder {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}
