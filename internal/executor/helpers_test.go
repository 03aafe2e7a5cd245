package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/feed"
	"github.com/alanyoungcy/basisbot/internal/platform/paper"
)

const (
	spotSymbol   = "BTC/USDT"
	futureSymbol = "BTC/USDT:USDT"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 2 * time.Second
	cfg.LagGrace = 20 * time.Millisecond
	cfg.VolatilityWindow = 20 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	return cfg
}

// newVenue registers a spot market and a perpetual with the given contract
// size.
func newVenue(t *testing.T, contractSize string) *paper.Exchange {
	t.Helper()
	ex := paper.New(discardLogger())
	ex.AddMarket(domain.Market{
		Symbol:     spotSymbol,
		Base:       "BTC",
		Quote:      "USDT",
		Kind:       domain.MarketKindSpot,
		AmountStep: d("0.001"),
		PriceStep:  d("0.01"),
	})
	ex.AddMarket(domain.Market{
		Symbol:       futureSymbol,
		Base:         "BTC",
		Quote:        "USDT",
		Kind:         domain.MarketKindSwap,
		ContractSize: d(contractSize),
		AmountStep:   d("0.001"),
		PriceStep:    d("0.01"),
	})
	return ex
}

func book(symbol string, bids, asks [][2]string) domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{Symbol: symbol}
	for _, b := range bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: d(b[0]), Size: d(b[1])})
	}
	for _, a := range asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: d(a[0]), Size: d(a[1])})
	}
	return snap
}

// newSession wires fill logs for both markets to the venue's order streams.
func newSession(t *testing.T, ex *paper.Exchange) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	spot, err := ex.Market(spotSymbol)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	future, err := ex.Market(futureSymbol)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	sess := &Session{
		RunID:     "test",
		Spot:      spot,
		Future:    future,
		SpotLog:   feed.NewFillLog(spotSymbol),
		FutureLog: feed.NewFillLog(futureSymbol),
		Books:     feed.NewBookPair(),
	}
	for _, l := range []*feed.FillLog{sess.SpotLog, sess.FutureLog} {
		ch, err := ex.WatchOrders(ctx, l.Symbol())
		if err != nil {
			t.Fatalf("watch orders: %v", err)
		}
		go feed.PumpOrders(ctx, ch, l)
	}
	return sess
}

func place(t *testing.T, ex *paper.Exchange, req domain.OrderRequest) *domain.LiveOrder {
	t.Helper()
	o, err := ex.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("place %s: %v", req.Symbol, err)
	}
	return &o
}

func limit(symbol string, side domain.OrderSide, amount, price string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol: symbol,
		Side:   side,
		Type:   domain.OrderTypeLimit,
		Amount: d(amount),
		Price:  d(price),
	}
}

// recorder captures lifecycle callbacks.
type recorder struct {
	mu       sync.Mutex
	started  []domain.RunReport
	attempts []domain.AttemptRecord
	finished []domain.RunReport
	attemptC chan domain.AttemptRecord
}

func newRecorder() *recorder {
	return &recorder{attemptC: make(chan domain.AttemptRecord, 16)}
}

func (r *recorder) RunStarted(_ context.Context, rep domain.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rep)
}

func (r *recorder) AttemptFinished(_ context.Context, _ domain.RunReport, a domain.AttemptRecord) {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
	select {
	case r.attemptC <- a:
	default:
	}
}

func (r *recorder) RunFinished(_ context.Context, rep domain.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, rep)
}

func waitAttempt(t *testing.T, r *recorder, dir domain.Direction) domain.AttemptRecord {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case a := <-r.attemptC:
			if a.Direction == dir {
				return a
			}
		case <-timeout:
			t.Fatalf("no %s attempt recorded", dir)
		}
	}
}
