package paper

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// bookSub holds at most one pending snapshot; newer books replace older ones.
type bookSub struct {
	depth int
	ch    chan domain.OrderbookSnapshot
}

// orderSub queues every batch so no fill update is ever dropped.
type orderSub struct {
	pending [][]domain.LiveOrder
	wake    chan struct{}
}

// WatchOrderbook streams book snapshots for symbol, starting with the current
// one when present.
func (e *Exchange) WatchOrderbook(ctx context.Context, symbol string, depth int) (<-chan domain.OrderbookSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[symbol]; !ok {
		return nil, fmt.Errorf("paper: watch book %s: %w", symbol, domain.ErrNotFound)
	}
	sub := &bookSub{depth: depth, ch: make(chan domain.OrderbookSnapshot, 1)}
	e.bookSubs[symbol] = append(e.bookSubs[symbol], sub)
	if _, ok := e.books[symbol]; ok {
		e.publishBookLocked(symbol)
	}

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.bookSubs[symbol]
		for i, s := range subs {
			if s == sub {
				e.bookSubs[symbol] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()
	return sub.ch, nil
}

// WatchOrders streams order-update batches for symbol.
func (e *Exchange) WatchOrders(ctx context.Context, symbol string) (<-chan []domain.LiveOrder, error) {
	e.mu.Lock()
	if _, ok := e.markets[symbol]; !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("paper: watch orders %s: %w", symbol, domain.ErrNotFound)
	}
	sub := &orderSub{wake: make(chan struct{}, 1)}
	e.orderSubs[symbol] = append(e.orderSubs[symbol], sub)
	e.mu.Unlock()

	out := make(chan []domain.LiveOrder)
	go func() {
		defer close(out)
		defer e.dropOrderSub(symbol, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
			}
			e.mu.Lock()
			batches := sub.pending
			sub.pending = nil
			e.mu.Unlock()
			for _, b := range batches {
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *Exchange) dropOrderSub(symbol string, sub *orderSub) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.orderSubs[symbol]
	for i, s := range subs {
		if s == sub {
			e.orderSubs[symbol] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (e *Exchange) publishBookLocked(symbol string) {
	subs := e.bookSubs[symbol]
	if len(subs) == 0 {
		return
	}
	e.nonces[symbol]++
	book := e.books[symbol]
	book.Nonce = e.nonces[symbol]
	e.books[symbol] = book

	for _, sub := range subs {
		snap := book
		if sub.depth > 0 {
			if len(snap.Bids) > sub.depth {
				snap.Bids = snap.Bids[:sub.depth]
			}
			if len(snap.Asks) > sub.depth {
				snap.Asks = snap.Asks[:sub.depth]
			}
		}
		snap.Bids = cloneLevels(snap.Bids)
		snap.Asks = cloneLevels(snap.Asks)
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap
	}
}

func (e *Exchange) publishOrdersLocked(symbol string, batch []domain.LiveOrder) {
	for _, sub := range e.orderSubs[symbol] {
		cp := make([]domain.LiveOrder, len(batch))
		copy(cp, batch)
		sub.pending = append(sub.pending, cp)
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}
