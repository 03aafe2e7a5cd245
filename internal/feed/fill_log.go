package feed

import (
	"context"
	"sync"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Snapshot is the fold of a run of fill batches: the latest state of every
// order touched, in order of first appearance, tagged with the highest nonce
// folded. An empty log reports Nonce -1.
type Snapshot struct {
	Orders []domain.LiveOrder
	Nonce  int64
}

// Find returns the folded state of order id.
func (s Snapshot) Find(id string) (domain.LiveOrder, bool) {
	for _, o := range s.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return domain.LiveOrder{}, false
}

// FillLog buffers every order-update batch received for one symbol under a
// dense nonce starting at 0. Readers keep their own cursor, so any number of
// consumers can replay exactly the batches they have not seen.
type FillLog struct {
	symbol string

	mu      sync.Mutex
	batches [][]domain.LiveOrder
	wake    chan struct{}
	closed  bool

	// latest is the fold of every batch, kept up to date by Push.
	latest []domain.LiveOrder
	index  map[string]int
}

// NewFillLog creates an empty log for symbol.
func NewFillLog(symbol string) *FillLog {
	return &FillLog{symbol: symbol, wake: make(chan struct{}), index: make(map[string]int)}
}

// Symbol returns the symbol the log tracks.
func (l *FillLog) Symbol() string { return l.symbol }

// Push appends a batch, wakes every suspended reader and returns the nonce
// assigned. Pushing to a closed log is a no-op returning -1.
func (l *FillLog) Push(batch []domain.LiveOrder) int64 {
	cp := make([]domain.LiveOrder, len(batch))
	copy(cp, batch)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return -1
	}
	l.batches = append(l.batches, cp)
	for _, o := range cp {
		if i, ok := l.index[o.ID]; ok {
			l.latest[i] = o
			continue
		}
		l.index[o.ID] = len(l.latest)
		l.latest = append(l.latest, o)
	}
	close(l.wake)
	l.wake = make(chan struct{})
	return int64(len(l.batches) - 1)
}

// Current returns the fold of every buffered batch. Its cost is bounded by
// the number of distinct orders seen, not the length of the history.
func (l *FillLog) Current() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{Nonce: int64(len(l.batches)) - 1}
	if len(l.latest) > 0 {
		snap.Orders = make([]domain.LiveOrder, len(l.latest))
		copy(snap.Orders, l.latest)
	}
	return snap
}

// Next folds every buffered batch with nonce >= from. When none exists yet it
// suspends until one is pushed, the log is closed, or ctx is done.
func (l *FillLog) Next(ctx context.Context, from int64) (Snapshot, error) {
	if from < 0 {
		from = 0
	}
	for {
		l.mu.Lock()
		if from < int64(len(l.batches)) {
			snap := l.fold(from)
			l.mu.Unlock()
			return snap, nil
		}
		if l.closed {
			l.mu.Unlock()
			return Snapshot{Nonce: from - 1}, domain.ErrFillLogClosed
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{Nonce: from - 1}, ctx.Err()
		case <-wake:
		}
	}
}

// Close releases suspended readers. Buffered history stays readable.
func (l *FillLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.wake)
}

// fold must be called with mu held.
func (l *FillLog) fold(from int64) Snapshot {
	snap := Snapshot{Nonce: int64(len(l.batches)) - 1}
	if from >= int64(len(l.batches)) {
		return snap
	}
	index := make(map[string]int)
	for _, batch := range l.batches[from:] {
		for _, o := range batch {
			if i, ok := index[o.ID]; ok {
				snap.Orders[i] = o
				continue
			}
			index[o.ID] = len(snap.Orders)
			snap.Orders = append(snap.Orders, o)
		}
	}
	return snap
}

// PumpOrders copies batches from an adapter order stream into log until the
// stream ends or ctx is done, then closes the log.
func PumpOrders(ctx context.Context, src <-chan []domain.LiveOrder, log *FillLog) {
	defer log.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-src:
			if !ok {
				return
			}
			if len(batch) > 0 {
				log.Push(batch)
			}
		}
	}
}
