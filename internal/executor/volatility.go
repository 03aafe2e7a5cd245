package executor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceMemo remembers the last reference price seen for one leg and when it
// was first observed at that value.
type PriceMemo struct {
	mu    sync.Mutex
	price decimal.Decimal
	since time.Time
	set   bool
}

// Volatile records price and reports whether it changed or has been stable
// for less than window.
func (m *PriceMemo) Volatile(price decimal.Decimal, now time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		m.price, m.since, m.set = price, now, true
	}
	changed := !m.price.Equal(price)
	elapsed := now.Sub(m.since)
	if changed {
		m.price, m.since = price, now
	}
	return changed || elapsed < window
}

// Reset forgets the memo.
func (m *PriceMemo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = false
}
