package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/feed"
)

// errAttemptTimeout is the cause attached to a leg imbalance raised because
// the attempt ran out of time.
var errAttemptTimeout = errors.New("attempt timed out")

// LegPair holds the two orders of one attempt. A nil leg was never placed.
type LegPair struct {
	Spot   *domain.LiveOrder
	Future *domain.LiveOrder
}

func (p *LegPair) get(leg domain.Leg) *domain.LiveOrder {
	if leg == domain.LegFuture {
		return p.Future
	}
	return p.Spot
}

func (p *LegPair) set(leg domain.Leg, o *domain.LiveOrder) {
	if leg == domain.LegFuture {
		p.Future = o
		return
	}
	p.Spot = o
}

func (p LegPair) imbalance(dir domain.Direction) *domain.LegImbalanceError {
	return &domain.LegImbalanceError{Direction: dir, Spot: p.Spot, Future: p.Future}
}

// syncOrder copies the folded state of o from snap. It reports whether snap
// carried an update for o.
func syncOrder(o *domain.LiveOrder, snap feed.Snapshot) bool {
	if o == nil {
		return false
	}
	u, ok := snap.Find(o.ID)
	if !ok {
		return false
	}
	o.Status = u.Status
	o.Filled = u.Filled
	o.Remaining = u.Remaining
	if u.Average.IsPositive() {
		o.Average = u.Average
	}
	o.UpdatedAt = u.UpdatedAt
	return true
}

// orderRequest builds the venue request for a leg. qty is in base units.
func orderRequest(dir domain.Direction, leg domain.Leg, m domain.Market, p domain.Precision, typ domain.OrderType, qty, price decimal.Decimal) (domain.OrderRequest, error) {
	spotSide, futureSide := dir.Sides()
	req := domain.OrderRequest{
		ClientID: uuid.New().String(),
		Symbol:   m.Symbol,
		Side:     spotSide,
		Type:     typ,
	}
	native := qty
	if leg == domain.LegFuture {
		req.Side = futureSide
		native = qty.Div(m.Unit())
		if dir == domain.DirectionExit {
			req.ReduceOnly = true
		} else {
			req.Leverage = 1
		}
	}
	amount, err := p.AmountToPrecision(m.Symbol, native)
	if err != nil {
		return req, fmt.Errorf("round amount %s: %w", m.Symbol, err)
	}
	req.Amount = amount
	if typ == domain.OrderTypeLimit {
		if req.Price, err = p.PriceToPrecision(m.Symbol, price); err != nil {
			return req, fmt.Errorf("round price %s: %w", m.Symbol, err)
		}
	}
	return req, nil
}

// attempt is one placement of a leg pair and its monitoring.
type attempt struct {
	dir       domain.Direction
	spread    decimal.Decimal
	cfg       Config
	ex        domain.Exchange
	sess      *Session
	orders    *orderClient
	validator OrderValidator
	logger    *slog.Logger

	mu      sync.Mutex
	pair    LegPair
	retries map[domain.Leg]*legRetry
	wake    chan struct{}
}

func newAttempt(e *Executor) *attempt {
	return &attempt{
		dir:       e.dir,
		spread:    e.spread,
		cfg:       e.cfg,
		ex:        e.ex,
		sess:      e.sess,
		orders:    e.orders,
		validator: e.validator,
		logger:    e.logger,
		retries:   make(map[domain.Leg]*legRetry),
		wake:      make(chan struct{}, 1),
	}
}

// place submits both legs concurrently. Any rejection returns a
// *domain.LegImbalanceError carrying whichever leg was accepted.
func (a *attempt) place(ctx context.Context, orders *PairOrders) (LegPair, error) {
	spotReq, err := orderRequest(a.dir, domain.LegSpot, a.sess.Spot, a.ex, domain.OrderTypeLimit, orders.Spot.Quantity, orders.Spot.Price)
	if err != nil {
		return LegPair{}, &domain.InvalidOrderError{Symbol: a.sess.Spot.Symbol, Reason: err.Error()}
	}
	futureReq, err := orderRequest(a.dir, domain.LegFuture, a.sess.Future, a.ex, domain.OrderTypeLimit, orders.Future.Quantity, orders.Future.Price)
	if err != nil {
		return LegPair{}, &domain.InvalidOrderError{Symbol: a.sess.Future.Symbol, Reason: err.Error()}
	}

	var (
		spot, future       domain.LiveOrder
		spotErr, futureErr error
		g                  errgroup.Group
	)
	g.Go(func() error {
		spot, spotErr = a.orders.Place(ctx, spotReq)
		return nil
	})
	g.Go(func() error {
		future, futureErr = a.orders.Place(ctx, futureReq)
		return nil
	})
	_ = g.Wait()

	var pair LegPair
	if spotErr == nil {
		pair.Spot = &spot
	}
	if futureErr == nil {
		pair.Future = &future
	}
	if spotErr != nil || futureErr != nil {
		sig := pair.imbalance(a.dir)
		sig.Cause = errors.Join(spotErr, futureErr)
		return pair, sig
	}

	a.logger.Info("leg pair placed",
		slog.String("spot_order", spot.ID),
		slog.String("future_order", future.ID),
		slog.String("qty", orders.Quantity.String()),
		slog.String("spot_price", spotReq.Price.String()),
		slog.String("future_price", futureReq.Price.String()),
	)
	return pair, nil
}

type legUpdate struct {
	leg  domain.Leg
	snap feed.Snapshot
	err  error
}

// monitor follows both legs through the fill logs until both are fully
// filled or the attempt times out. from holds the last nonce each log had
// reached before placement. Timeout and a closed log both return a
// *domain.LegImbalanceError with the latest pair state.
func (a *attempt) monitor(ctx context.Context, pair LegPair, from map[domain.Leg]int64) (LegPair, error) {
	a.pair = pair

	ctx, cancel := context.WithTimeout(ctx, a.cfg.AttemptTimeout)
	defer cancel()

	updates := make(chan legUpdate)
	var readers sync.WaitGroup
	for _, leg := range []domain.Leg{domain.LegSpot, domain.LegFuture} {
		readers.Add(1)
		go func(leg domain.Leg) {
			defer readers.Done()
			log := a.sess.fills(leg)
			last := from[leg]
			for {
				snap, err := log.Next(ctx, last+1)
				select {
				case updates <- legUpdate{leg: leg, snap: snap, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
				last = snap.Nonce
			}
		}(leg)
	}
	defer readers.Wait()
	defer cancel()

	for {
		a.mu.Lock()
		spotDone := a.pair.Spot.FullyFilled()
		futureDone := a.pair.Future.FullyFilled()
		if spotDone && futureDone {
			a.mu.Unlock()
			a.clearAndWait()
			return a.result(), nil
		}
		if spotDone && !futureDone {
			a.armLocked(ctx, domain.LegFuture)
		}
		if futureDone && !spotDone {
			a.armLocked(ctx, domain.LegSpot)
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			a.clearAndWait()
			sig := a.result().imbalance(a.dir)
			sig.Cause = errAttemptTimeout
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				sig.Cause = ctx.Err()
			}
			return a.result(), sig
		case u := <-updates:
			if u.err != nil {
				if ctx.Err() != nil {
					continue
				}
				a.clearAndWait()
				sig := a.result().imbalance(a.dir)
				sig.Cause = fmt.Errorf("%s fills: %w", u.leg, u.err)
				return a.result(), sig
			}
			a.mu.Lock()
			syncOrder(a.pair.get(u.leg), u.snap)
			a.mu.Unlock()
		case <-a.wake:
		}
	}
}

// result returns a copy of the current pair.
func (a *attempt) result() LegPair {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out LegPair
	if a.pair.Spot != nil {
		spot := *a.pair.Spot
		out.Spot = &spot
	}
	if a.pair.Future != nil {
		future := *a.pair.Future
		out.Future = &future
	}
	return out
}

// head returns a copy of the current order on leg.
func (a *attempt) head(leg domain.Leg) domain.LiveOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.pair.get(leg)
}

// syncHead applies snap to the current order on leg and returns its state.
func (a *attempt) syncHead(leg domain.Leg, snap feed.Snapshot) domain.LiveOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.pair.get(leg)
	syncOrder(o, snap)
	return *o
}

// replaceHead installs next as the order for leg, linked to the one it
// replaces, and catches it up with updates already in the log.
func (a *attempt) replaceHead(leg domain.Leg, next domain.LiveOrder) {
	a.mu.Lock()
	prev := *a.pair.get(leg)
	next.Tag = &domain.OrderTag{Source: domain.TagSourceRetry, Original: &prev}
	a.pair.set(leg, &next)
	syncOrder(&next, a.sess.fills(leg).Current())
	a.mu.Unlock()
	a.poke()
}

// retryPrice derives a new limit for the lagging leg from the filled leg's
// average so the pair still clears the spread.
func (a *attempt) retryPrice(lagging domain.Leg) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(a.spread.Div(hundred))
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.dir == domain.DirectionEntry
	switch {
	case lagging == domain.LegFuture && entry:
		return a.pair.Spot.Average.Mul(factor)
	case lagging == domain.LegSpot && entry:
		return a.pair.Future.Average.Div(factor)
	case lagging == domain.LegFuture:
		return a.pair.Spot.Average.Div(factor)
	default:
		return a.pair.Future.Average.Mul(factor)
	}
}
