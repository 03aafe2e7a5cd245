package executor

import "sync"

// SnapshotGate remembers the last pair of book nonces a direction acted on so
// the same books are never evaluated twice.
type SnapshotGate struct {
	mu     sync.Mutex
	spot   int64
	future int64
	seen   bool
}

// Consume records the pair and reports whether at least one side is new.
func (g *SnapshotGate) Consume(spotNonce, futureNonce int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen && g.spot == spotNonce && g.future == futureNonce {
		return false
	}
	g.spot, g.future, g.seen = spotNonce, futureNonce, true
	return true
}

// Reset forgets the last consumed pair.
func (g *SnapshotGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = false
}
