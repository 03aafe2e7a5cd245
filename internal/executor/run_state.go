package executor

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/arbitrage"
	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/feed"
)

var hundred = decimal.NewFromInt(100)

// Session is everything a run shares between its directions: market
// metadata, one fill log per leg and the live books.
type Session struct {
	RunID     string
	Spot      domain.Market
	Future    domain.Market
	SpotLog   *feed.FillLog
	FutureLog *feed.FillLog
	Books     *feed.BookPair
}

func (s *Session) market(leg domain.Leg) domain.Market {
	if leg == domain.LegFuture {
		return s.Future
	}
	return s.Spot
}

func (s *Session) fills(leg domain.Leg) *feed.FillLog {
	if leg == domain.LegFuture {
		return s.FutureLog
	}
	return s.SpotLog
}

// RunState is the cumulative progress of one run. Entry accumulates into the
// entered quantity and its notionals; exit into the exited quantity.
type RunState struct {
	mu              sync.Mutex
	amount          decimal.Decimal
	entered         decimal.Decimal
	enteredCost     decimal.Decimal
	enteredProceeds decimal.Decimal
	exited          decimal.Decimal
	profitPercent   decimal.Decimal
	done            map[domain.Direction]bool
	attempts        []domain.AttemptRecord
	observer        func(domain.AttemptRecord)
}

// NewRunState creates state for an entry budget of amount.
func NewRunState(amount decimal.Decimal) *RunState {
	return &RunState{amount: amount, done: make(map[domain.Direction]bool)}
}

// Observe registers fn to be called after every recorded attempt.
func (s *RunState) Observe(fn func(domain.AttemptRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Resume seeds the state from a previous entry and marks entry executed.
func (s *RunState) Resume(h domain.ResumeHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered = h.Quantity
	s.profitPercent = h.ProfitPercent
	s.done[domain.DirectionEntry] = true
}

// Done reports whether dir has been executed.
func (s *RunState) Done(dir domain.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[dir]
}

// MarkDone marks dir executed.
func (s *RunState) MarkDone(dir domain.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[dir] = true
}

// Entered is the base quantity held after entry.
func (s *RunState) Entered() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entered
}

// RemainingNotional is the entry budget not yet spent on spot.
func (s *RunState) RemainingNotional() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decimal.Max(s.amount.Sub(s.enteredCost), decimal.Zero)
}

// RemainingExit is the entered quantity not yet closed.
func (s *RunState) RemainingExit() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decimal.Max(s.entered.Sub(s.exited), decimal.Zero)
}

// EntryComplete reports whether spent notional is within margin of the
// budget.
func (s *RunState) EntryComplete(margin decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enteredCost.IsPositive() {
		return false
	}
	return s.enteredCost.GreaterThanOrEqual(s.amount) ||
		!arbitrage.IsOutsideTolerance(s.amount, s.enteredCost, margin)
}

// ExitComplete reports whether every entered unit has been closed.
func (s *RunState) ExitComplete() bool {
	return arbitrage.CleanResidual(s.RemainingExit()).IsZero()
}

// record applies the confirmed fills of an attempt. Quantities are base
// units; notionals are quote.
func (s *RunState) record(rec domain.AttemptRecord) {
	s.mu.Lock()
	s.apply(rec)
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(rec)
	}
}

// apply must be called with mu held.
func (s *RunState) apply(rec domain.AttemptRecord) {
	s.attempts = append(s.attempts, rec)

	qty := decimal.Min(rec.SpotFilled, rec.FutureFilled)
	if !qty.IsPositive() {
		return
	}
	switch rec.Direction {
	case domain.DirectionEntry:
		s.entered = s.entered.Add(qty)
		s.enteredCost = s.enteredCost.Add(qty.Mul(rec.SpotAverage))
		s.enteredProceeds = s.enteredProceeds.Add(qty.Mul(rec.FutureAverage))
		if s.enteredCost.IsPositive() {
			s.profitPercent = s.enteredProceeds.Sub(s.enteredCost).Div(s.enteredCost).Mul(hundred)
		}
	case domain.DirectionExit:
		s.exited = s.exited.Add(qty)
	}
}

// fill fills the report's quantity fields from the state.
func (s *RunState) fill(r *domain.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Entered = s.entered
	r.EnteredCost = s.enteredCost
	r.Exited = s.exited
	r.ProfitPercent = s.profitPercent
	r.Attempts = append([]domain.AttemptRecord(nil), s.attempts...)
	if !s.done[domain.DirectionExit] && s.entered.Sub(s.exited).IsPositive() {
		r.ResumeHandle = domain.ResumeHandle{
			Quantity:      s.entered.Sub(s.exited),
			ProfitPercent: s.profitPercent,
		}.String()
	} else {
		r.ResumeHandle = ""
	}
}
