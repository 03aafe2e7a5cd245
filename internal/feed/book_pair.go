package feed

import (
	"context"
	"sync"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// BookPair keeps the latest spot and perpetual snapshots of one basis pair
// and notifies subscribers whenever either side changes.
type BookPair struct {
	mu        sync.Mutex
	spot      domain.OrderbookSnapshot
	future    domain.OrderbookSnapshot
	hasSpot   bool
	hasFuture bool
	subs      []chan struct{}
}

// NewBookPair creates an empty pair.
func NewBookPair() *BookPair {
	return &BookPair{}
}

// Subscribe returns a channel that receives a signal after updates. Signals
// coalesce: a slow reader sees one pending signal, never a backlog.
func (p *BookPair) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Latest returns both snapshots once each side has been seen at least once.
func (p *BookPair) Latest() (spot, future domain.OrderbookSnapshot, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spot, p.future, p.hasSpot && p.hasFuture
}

// SetSpot records a spot snapshot.
func (p *BookPair) SetSpot(s domain.OrderbookSnapshot) {
	p.mu.Lock()
	p.spot, p.hasSpot = s, true
	p.notifyLocked()
	p.mu.Unlock()
}

// SetFuture records a perpetual snapshot.
func (p *BookPair) SetFuture(s domain.OrderbookSnapshot) {
	p.mu.Lock()
	p.future, p.hasFuture = s, true
	p.notifyLocked()
	p.mu.Unlock()
}

func (p *BookPair) notifyLocked() {
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run copies both adapter streams into the pair until ctx is done or both
// streams end.
func (p *BookPair) Run(ctx context.Context, spot, future <-chan domain.OrderbookSnapshot) error {
	for spot != nil || future != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-spot:
			if !ok {
				spot = nil
				continue
			}
			p.SetSpot(s)
		case s, ok := <-future:
			if !ok {
				future = nil
				continue
			}
			p.SetFuture(s)
		}
	}
	return nil
}
