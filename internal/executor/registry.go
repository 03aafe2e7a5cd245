package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// ActiveRun describes a run holding its symbols.
type ActiveRun struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	FutureSymbol string    `json:"future_symbol"`
	StartedAt    time.Time `json:"started_at"`
}

type registryEntry struct {
	run     ActiveRun
	cancel  context.CancelFunc
	unlocks []func()
}

// Registry ensures at most one run trades a symbol at a time. With a
// LockManager the guarantee extends across processes.
type Registry struct {
	locks   domain.LockManager
	lockTTL time.Duration

	mu      sync.Mutex
	runs    map[string]*registryEntry
	symbols map[string]string
}

// NewRegistry creates a Registry. locks may be nil for a single process.
func NewRegistry(locks domain.LockManager, lockTTL time.Duration) *Registry {
	if lockTTL <= 0 {
		lockTTL = 24 * time.Hour
	}
	return &Registry{
		locks:   locks,
		lockTTL: lockTTL,
		runs:    make(map[string]*registryEntry),
		symbols: make(map[string]string),
	}
}

func symbolLockKey(symbol string) string {
	return "symbol:" + symbol
}

// Acquire registers run and claims both of its symbols. cancel is invoked by
// Cancel and CancelAll. It returns domain.ErrSymbolBusy when either symbol
// is already claimed here or by another process.
func (r *Registry) Acquire(ctx context.Context, run ActiveRun, cancel context.CancelFunc) (release func(), err error) {
	symbols := []string{run.Symbol, run.FutureSymbol}

	r.mu.Lock()
	for _, s := range symbols {
		if id, ok := r.symbols[s]; ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s held by run %s", domain.ErrSymbolBusy, s, id)
		}
	}
	entry := &registryEntry{run: run, cancel: cancel}
	r.runs[run.ID] = entry
	for _, s := range symbols {
		r.symbols[s] = run.ID
	}
	r.mu.Unlock()

	release = func() { r.release(run.ID) }
	if r.locks == nil {
		return release, nil
	}
	for _, s := range symbols {
		unlock, err := r.locks.Acquire(ctx, symbolLockKey(s), r.lockTTL)
		if err != nil {
			release()
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, fmt.Errorf("%w: %s locked by another process", domain.ErrSymbolBusy, s)
			}
			return nil, fmt.Errorf("executor: lock %s: %w", s, err)
		}
		r.mu.Lock()
		entry.unlocks = append(entry.unlocks, unlock)
		r.mu.Unlock()
	}
	return release, nil
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	entry, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.runs, id)
	for s, owner := range r.symbols {
		if owner == id {
			delete(r.symbols, s)
		}
	}
	r.mu.Unlock()

	for _, unlock := range entry.unlocks {
		unlock()
	}
}

// Active lists the registered runs, oldest first.
func (r *Registry) Active() []ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveRun, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancel stops run id. It reports false when no such run is active.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	entry, ok := r.runs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	return true
}

// CancelAll stops every active run.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
}
