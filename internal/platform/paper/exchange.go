// Package paper implements an in-process spot and perpetual venue. Orders
// match against the last book pushed with SetBook; resting limit orders are
// re-matched whenever a new book arrives.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Compile-time interface check.
var _ domain.Exchange = (*Exchange)(nil)

// Exchange is a simulated venue. It is safe for concurrent use.
type Exchange struct {
	logger *slog.Logger

	mu        sync.Mutex
	markets   map[string]domain.Market
	books     map[string]domain.OrderbookSnapshot
	nonces    map[string]int64
	orders    map[string]*domain.LiveOrder
	sequence  []string
	resting   map[string][]string
	bookSubs  map[string][]*bookSub
	orderSubs map[string][]*orderSub

	placeFaults  map[string][]error
	cancelFaults map[string][]error
	placed       []domain.OrderRequest
}

// New creates an empty venue.
func New(logger *slog.Logger) *Exchange {
	return &Exchange{
		logger:       logger.With(slog.String("component", "paper_exchange")),
		markets:      make(map[string]domain.Market),
		books:        make(map[string]domain.OrderbookSnapshot),
		nonces:       make(map[string]int64),
		orders:       make(map[string]*domain.LiveOrder),
		resting:      make(map[string][]string),
		bookSubs:     make(map[string][]*bookSub),
		orderSubs:    make(map[string][]*orderSub),
		placeFaults:  make(map[string][]error),
		cancelFaults: make(map[string][]error),
	}
}

// Name returns the venue identifier.
func (e *Exchange) Name() string { return "paper" }

// AddMarket registers market metadata.
func (e *Exchange) AddMarket(m domain.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[m.Symbol] = m
}

// LoadMarkets is a no-op; markets are registered with AddMarket.
func (e *Exchange) LoadMarkets(context.Context) error { return nil }

// Market returns metadata for symbol.
func (e *Exchange) Market(symbol string) (domain.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[symbol]
	if !ok {
		return domain.Market{}, fmt.Errorf("paper: market %s: %w", symbol, domain.ErrNotFound)
	}
	return m, nil
}

// AmountToPrecision truncates amount to the market's amount step.
func (e *Exchange) AmountToPrecision(symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !m.AmountStep.IsPositive() {
		return amount, nil
	}
	return amount.Div(m.AmountStep).Floor().Mul(m.AmountStep), nil
}

// PriceToPrecision rounds price to the nearest price step.
func (e *Exchange) PriceToPrecision(symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !m.PriceStep.IsPositive() {
		return price, nil
	}
	return price.Div(m.PriceStep).Round(0).Mul(m.PriceStep), nil
}

// FailNextPlace makes the next len(errs) placements on symbol fail in order.
func (e *Exchange) FailNextPlace(symbol string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeFaults[symbol] = append(e.placeFaults[symbol], errs...)
}

// FailNextCancel makes the next len(errs) cancels on symbol fail in order.
func (e *Exchange) FailNextCancel(symbol string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelFaults[symbol] = append(e.cancelFaults[symbol], errs...)
}

// Placed returns every accepted order request, oldest first.
func (e *Exchange) Placed() []domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderRequest, len(e.placed))
	copy(out, e.placed)
	return out
}

// Order returns the current state of an order.
func (e *Exchange) Order(id string) (domain.LiveOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return domain.LiveOrder{}, false
	}
	return *o, true
}

// Orders returns every order on symbol in creation order.
func (e *Exchange) Orders(symbol string) []domain.LiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.LiveOrder
	for _, id := range e.sequence {
		if o := e.orders[id]; o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// SetBook replaces the book for snap.Symbol, re-matches resting orders and
// publishes the resulting book to watchers. The venue assigns the nonce.
func (e *Exchange) SetBook(snap domain.OrderbookSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbol := snap.Symbol
	snap.Bids = cloneLevels(snap.Bids)
	snap.Asks = cloneLevels(snap.Asks)
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	e.books[symbol] = snap

	var updates []domain.LiveOrder
	ids := e.resting[symbol]
	kept := ids[:0]
	for _, id := range ids {
		o := e.orders[id]
		if e.matchLocked(o) {
			updates = append(updates, *o)
		}
		if o.Status == domain.OrderStatusOpen {
			kept = append(kept, id)
		}
	}
	e.resting[symbol] = kept
	e.publishBookLocked(symbol)
	if len(updates) > 0 {
		e.publishOrdersLocked(symbol, updates)
	}
}

// PlaceOrder submits an order. Market orders fill immediately; any amount
// beyond visible depth fills at the last visible level.
func (e *Exchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.LiveOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if faults := e.placeFaults[req.Symbol]; len(faults) > 0 {
		e.placeFaults[req.Symbol] = faults[1:]
		return domain.LiveOrder{}, faults[0]
	}
	if _, ok := e.markets[req.Symbol]; !ok {
		return domain.LiveOrder{}, fmt.Errorf("paper: market %s: %w", req.Symbol, domain.ErrNotFound)
	}
	if !req.Amount.IsPositive() {
		return domain.LiveOrder{}, fmt.Errorf("paper: amount %s: %w", req.Amount, domain.ErrInvalidOrder)
	}
	if req.Type == domain.OrderTypeLimit && !req.Price.IsPositive() {
		return domain.LiveOrder{}, fmt.Errorf("paper: price %s: %w", req.Price, domain.ErrInvalidOrder)
	}
	if req.Type == domain.OrderTypeMarket {
		book := e.books[req.Symbol]
		side := book.Asks
		if req.Side == domain.OrderSideSell {
			side = book.Bids
		}
		if len(side) == 0 {
			return domain.LiveOrder{}, fmt.Errorf("paper: %s %s: %w", req.Side, req.Symbol, domain.ErrInsufficientLiquidity)
		}
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%012d", len(e.placed))
	}
	o := &domain.LiveOrder{
		ID:         uuid.New().String(),
		ClientID:   clientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     domain.OrderStatusOpen,
		Price:      req.Price,
		Amount:     req.Amount,
		Remaining:  req.Amount,
		ReduceOnly: req.ReduceOnly,
		UpdatedAt:  time.Now().UTC(),
	}
	e.orders[o.ID] = o
	e.sequence = append(e.sequence, o.ID)
	e.placed = append(e.placed, req)

	e.matchLocked(o)
	if o.Status == domain.OrderStatusOpen {
		if o.Type == domain.OrderTypeMarket {
			e.sweepLocked(o)
		} else {
			e.resting[o.Symbol] = append(e.resting[o.Symbol], o.ID)
		}
	}
	e.logger.Debug("paper order placed",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.String("amount", o.Amount.String()),
		slog.String("filled", o.Filled.String()),
	)

	e.publishBookLocked(o.Symbol)
	e.publishOrdersLocked(o.Symbol, []domain.LiveOrder{*o})
	return *o, nil
}

// CancelOrder cancels an open order. Cancelling a finished or unknown order
// returns domain.ErrOrderNotFound.
func (e *Exchange) CancelOrder(_ context.Context, id, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if faults := e.cancelFaults[symbol]; len(faults) > 0 {
		e.cancelFaults[symbol] = faults[1:]
		return faults[0]
	}
	o, ok := e.orders[id]
	if !ok || o.Status != domain.OrderStatusOpen {
		return fmt.Errorf("paper: cancel %s: %w", id, domain.ErrOrderNotFound)
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()

	ids := e.resting[symbol]
	for i, rid := range ids {
		if rid == id {
			e.resting[symbol] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	e.publishOrdersLocked(symbol, []domain.LiveOrder{*o})
	return nil
}

// matchLocked fills o against crossing book levels and reports whether any
// quantity traded.
func (e *Exchange) matchLocked(o *domain.LiveOrder) bool {
	book := e.books[o.Symbol]
	levels := &book.Asks
	crosses := func(p decimal.Decimal) bool { return p.LessThanOrEqual(o.Price) }
	if o.Side == domain.OrderSideSell {
		levels = &book.Bids
		crosses = func(p decimal.Decimal) bool { return p.GreaterThanOrEqual(o.Price) }
	}
	if o.Type == domain.OrderTypeMarket {
		crosses = func(decimal.Decimal) bool { return true }
	}

	traded := false
	for len(*levels) > 0 && o.Remaining.IsPositive() {
		top := &(*levels)[0]
		if !crosses(top.Price) {
			break
		}
		qty := decimal.Min(top.Size, o.Remaining)
		e.fillLocked(o, top.Price, qty)
		top.Size = top.Size.Sub(qty)
		if !top.Size.IsPositive() {
			*levels = (*levels)[1:]
		}
		traded = true
	}
	e.books[o.Symbol] = book
	return traded
}

// sweepLocked fills whatever a market order could not take from the book at
// the last traded price.
func (e *Exchange) sweepLocked(o *domain.LiveOrder) {
	price := o.Average
	if !price.IsPositive() {
		return
	}
	e.fillLocked(o, price, o.Remaining)
}

func (e *Exchange) fillLocked(o *domain.LiveOrder, price, qty decimal.Decimal) {
	notional := o.Average.Mul(o.Filled).Add(price.Mul(qty))
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Amount.Sub(o.Filled)
	o.Average = notional.Div(o.Filled)
	o.UpdatedAt = time.Now().UTC()
	if !o.Remaining.IsPositive() {
		o.Remaining = decimal.Zero
		o.Status = domain.OrderStatusClosed
	}
}

func cloneLevels(in []domain.PriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(in))
	copy(out, in)
	return out
}
