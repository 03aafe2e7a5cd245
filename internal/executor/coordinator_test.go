package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/platform/paper"
)

// entryBooks puts spot asks below perpetual bids, with room for 5
// units at 2% basis.
func entryBooks(ex *paper.Exchange) {
	ex.SetBook(book(spotSymbol, [][2]string{{"99", "10"}}, [][2]string{{"100", "5"}, {"101", "5"}}))
	ex.SetBook(book(futureSymbol, [][2]string{{"102", "5"}, {"101.5", "5"}}, [][2]string{{"103", "10"}}))
}

// exitBooks lets the basis close: spot bids above perpetual asks.
func exitBooks(ex *paper.Exchange) {
	ex.SetBook(book(spotSymbol, [][2]string{{"104", "10"}}, [][2]string{{"105", "10"}}))
	ex.SetBook(book(futureSymbol, [][2]string{{"102", "10"}}, [][2]string{{"103", "10"}}))
}

func runAsync(c *Coordinator, req domain.RunRequest) <-chan struct {
	report domain.RunReport
	err    error
} {
	out := make(chan struct {
		report domain.RunReport
		err    error
	}, 1)
	go func() {
		rep, err := c.Run(context.Background(), req)
		out <- struct {
			report domain.RunReport
			err    error
		}{rep, err}
	}()
	return out
}

func TestCoordinatorEntryThenExit(t *testing.T) {
	ex := newVenue(t, "1")
	entryBooks(ex)
	rec := newRecorder()
	c := NewCoordinator(ex, NewRegistry(nil, 0), testConfig(), rec, nil, discardLogger())

	done := runAsync(c, domain.RunRequest{
		Symbol:      spotSymbol,
		Amount:      d("500"),
		EntrySpread: d("0.4"),
	})

	entry := waitAttempt(t, rec, domain.DirectionEntry)
	if entry.Outcome != domain.AttemptFilled {
		t.Fatalf("entry outcome %s", entry.Outcome)
	}
	if !entry.SpotFilled.Equal(d("4.95")) || !entry.FutureFilled.Equal(d("4.95")) {
		t.Fatalf("entry filled spot %s future %s", entry.SpotFilled, entry.FutureFilled)
	}
	if active := c.Registry().Active(); len(active) != 1 || active[0].FutureSymbol != futureSymbol {
		t.Fatalf("active runs %+v", active)
	}
	exitBooks(ex)

	var res struct {
		report domain.RunReport
		err    error
	}
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}
	rep := res.report
	if rep.Status != domain.RunStatusCompleted {
		t.Fatalf("status %s", rep.Status)
	}
	if !rep.Entered.Equal(d("4.95")) || !rep.Exited.Equal(d("4.95")) {
		t.Fatalf("entered %s exited %s", rep.Entered, rep.Exited)
	}
	if !rep.ProfitPercent.Equal(d("2")) {
		t.Fatalf("profit %s want 2", rep.ProfitPercent)
	}
	if rep.ResumeHandle != "" || rep.CompletedAt == nil {
		t.Fatalf("resume %q completed %v", rep.ResumeHandle, rep.CompletedAt)
	}
	if len(c.Registry().Active()) != 0 {
		t.Fatal("symbols still registered")
	}
	if len(rec.finished) != 1 || len(rec.started) != 1 {
		t.Fatalf("recorder started=%d finished=%d", len(rec.started), len(rec.finished))
	}

	var entryFuture, exitFuture bool
	for _, req := range ex.Placed() {
		if req.Symbol != futureSymbol {
			continue
		}
		switch req.Side {
		case domain.OrderSideSell:
			entryFuture = req.Leverage == 1 && !req.ReduceOnly
		case domain.OrderSideBuy:
			exitFuture = req.ReduceOnly
		}
	}
	if !entryFuture || !exitFuture {
		t.Fatalf("future flags entry=%v exit=%v", entryFuture, exitFuture)
	}
}

func TestCoordinatorResumeSkipsEntry(t *testing.T) {
	ex := newVenue(t, "1")
	exitBooks(ex)
	c := NewCoordinator(ex, nil, testConfig(), nil, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := c.Run(ctx, domain.RunRequest{Symbol: spotSymbol, Resume: "2,1.5"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Exited.Equal(d("2")) || !rep.ProfitPercent.Equal(d("1.5")) {
		t.Fatalf("exited %s profit %s", rep.Exited, rep.ProfitPercent)
	}
	for _, req := range ex.Placed() {
		if req.Symbol == spotSymbol && req.Side != domain.OrderSideSell {
			t.Fatalf("entry order placed on resume: %+v", req)
		}
	}
}

func TestCoordinatorRejectsBelowMinimum(t *testing.T) {
	ex := paper.New(discardLogger())
	ex.AddMarket(domain.Market{Symbol: spotSymbol, MinCost: d("10")})
	ex.AddMarket(domain.Market{Symbol: futureSymbol, ContractSize: d("1"), MinCost: d("5")})
	c := NewCoordinator(ex, nil, testConfig(), nil, nil, discardLogger())

	_, err := c.Run(context.Background(), domain.RunRequest{Symbol: spotSymbol, Amount: d("10.5")})
	if !errors.Is(err, domain.ErrBelowMinimum) {
		t.Fatalf("err=%v want ErrBelowMinimum", err)
	}
	if len(c.Registry().Active()) != 0 || len(ex.Placed()) != 0 {
		t.Fatal("rejected run left state behind")
	}
}

func TestCoordinatorValidatesRequest(t *testing.T) {
	ex := newVenue(t, "1")
	c := NewCoordinator(ex, nil, testConfig(), nil, nil, discardLogger())
	tests := []struct {
		name string
		req  domain.RunRequest
	}{
		{"no symbol", domain.RunRequest{Amount: d("100")}},
		{"no amount", domain.RunRequest{Symbol: spotSymbol}},
		{"bad resume", domain.RunRequest{Symbol: spotSymbol, Resume: "x"}},
		{"unknown market", domain.RunRequest{Symbol: "ETH/USDT", Amount: d("100")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Run(context.Background(), tt.req); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestCoordinatorCompensatesRejectedLeg(t *testing.T) {
	ex := newVenue(t, "1")
	entryBooks(ex)
	ex.FailNextPlace(futureSymbol, errors.New("rejected"))
	rec := newRecorder()
	c := NewCoordinator(ex, nil, testConfig(), rec, nil, discardLogger())

	done := runAsync(c, domain.RunRequest{Symbol: spotSymbol, Amount: d("500"), EntrySpread: d("0.4")})
	a := waitAttempt(t, rec, domain.DirectionEntry)
	if a.Outcome != domain.AttemptRedone || a.CompensationID == "" {
		t.Fatalf("attempt %+v", a)
	}
	if !a.SpotFilled.Equal(a.FutureFilled) {
		t.Fatalf("unbalanced attempt spot %s future %s", a.SpotFilled, a.FutureFilled)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	res := <-done
	if res.report.Status != domain.RunStatusAborted {
		t.Fatalf("status %s want aborted", res.report.Status)
	}
	if res.report.ResumeHandle == "" {
		t.Fatal("aborted run with open position has no resume handle")
	}
	if _, err := c.Run(context.Background(), domain.RunRequest{Symbol: spotSymbol, Amount: d("500")}); err == nil {
		t.Fatal("run accepted after shutdown")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil, 0)
	ctx := context.Background()
	canceled := false
	release, err := r.Acquire(ctx, ActiveRun{ID: "a", Symbol: spotSymbol, FutureSymbol: futureSymbol}, func() { canceled = true })
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, ActiveRun{ID: "b", Symbol: "ETH/USDT", FutureSymbol: futureSymbol}, nil); !errors.Is(err, domain.ErrSymbolBusy) {
		t.Fatalf("err=%v want ErrSymbolBusy", err)
	}
	if !r.Cancel("a") || !canceled {
		t.Fatal("cancel did not reach run")
	}
	if r.Cancel("missing") {
		t.Fatal("cancel of unknown run reported true")
	}
	release()
	release()
	if len(r.Active()) != 0 {
		t.Fatal("release left run registered")
	}
	if _, err := r.Acquire(ctx, ActiveRun{ID: "c", Symbol: spotSymbol, FutureSymbol: futureSymbol}, nil); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

type fakeLocks struct {
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() { delete(f.held, key) }, nil
}

func TestRegistryCrossProcessLock(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{symbolLockKey(futureSymbol): true}}
	r := NewRegistry(locks, time.Minute)
	_, err := r.Acquire(context.Background(), ActiveRun{ID: "a", Symbol: spotSymbol, FutureSymbol: futureSymbol}, nil)
	if !errors.Is(err, domain.ErrSymbolBusy) {
		t.Fatalf("err=%v want ErrSymbolBusy", err)
	}
	if locks.held[symbolLockKey(spotSymbol)] {
		t.Fatal("spot lock not released after failure")
	}
	if len(r.Active()) != 0 {
		t.Fatal("failed acquire left run registered")
	}
}
