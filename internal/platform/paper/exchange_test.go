package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestExchange(t *testing.T) *Exchange {
	t.Helper()
	ex := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ex.AddMarket(domain.Market{
		Symbol:     "BTC/USDT",
		Kind:       domain.MarketKindSpot,
		AmountStep: d("0.001"),
		PriceStep:  d("0.01"),
	})
	ex.AddMarket(domain.Market{
		Symbol:       "BTC/USDT:USDT",
		Kind:         domain.MarketKindSwap,
		ContractSize: d("0.01"),
		AmountStep:   d("1"),
		PriceStep:    d("0.1"),
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

func TestPrecision(t *testing.T) {
	ex := newTestExchange(t)
	tests := []struct {
		name   string
		fn     func(string, decimal.Decimal) (decimal.Decimal, error)
		symbol string
		in     string
		want   string
	}{
		{"spot amount truncates", ex.AmountToPrecision, "BTC/USDT", "1.23456", "1.234"},
		{"swap amount truncates", ex.AmountToPrecision, "BTC/USDT:USDT", "12.9", "12"},
		{"spot price rounds", ex.PriceToPrecision, "BTC/USDT", "100.005", "100.01"},
		{"swap price rounds", ex.PriceToPrecision, "BTC/USDT:USDT", "100.04", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(tt.symbol, d(tt.in))
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if !got.Equal(d(tt.want)) {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
	if _, err := ex.AmountToPrecision("ETH/USDT", d("1")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestLimitOrderPartialThenBookFill(t *testing.T) {
	ex := newTestExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := ex.WatchOrders(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	ex.SetBook(book("BTC/USDT", nil, [][2]string{{"100", "1"}, {"101", "1"}}))
	o, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Amount: d("3"), Price: d("100.5"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !o.Filled.Equal(d("1")) || o.Status != domain.OrderStatusOpen {
		t.Fatalf("after place filled=%s status=%s want 1 open", o.Filled, o.Status)
	}

	ex.SetBook(book("BTC/USDT", nil, [][2]string{{"100.5", "5"}}))
	got, _ := ex.Order(o.ID)
	if got.Status != domain.OrderStatusClosed || !got.Filled.Equal(d("3")) {
		t.Fatalf("after book filled=%s status=%s want 3 closed", got.Filled, got.Status)
	}
	// (1*100 + 2*100.5) / 3
	if want := d("301").Div(d("3")); !got.Average.Equal(want) {
		t.Fatalf("average=%s want %s", got.Average, want)
	}

	var last domain.LiveOrder
	for i := 0; i < 2; i++ {
		select {
		case batch := <-updates:
			last = batch[len(batch)-1]
		case <-time.After(time.Second):
			t.Fatalf("update %d not delivered", i)
		}
	}
	if last.Status != domain.OrderStatusClosed {
		t.Fatalf("last update status=%s want closed", last.Status)
	}
}

func TestMarketOrderAndCancel(t *testing.T) {
	ex := newTestExchange(t)
	ctx := context.Background()

	if _, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT:USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Amount: d("5"),
	}); !errors.Is(err, domain.ErrInsufficientLiquidity) {
		t.Fatalf("err=%v want ErrInsufficientLiquidity", err)
	}

	ex.SetBook(book("BTC/USDT:USDT", [][2]string{{"102", "2"}}, nil))
	o, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT:USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Amount: d("5"),
	})
	if err != nil {
		t.Fatalf("place market: %v", err)
	}
	if o.Status != domain.OrderStatusClosed || !o.Filled.Equal(d("5")) || !o.Average.Equal(d("102")) {
		t.Fatalf("market order=%+v want 5 filled at 102", o)
	}

	rest, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT:USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("110"),
	})
	if err != nil {
		t.Fatalf("place limit: %v", err)
	}
	if err := ex.CancelOrder(ctx, rest.ID, rest.Symbol); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := ex.CancelOrder(ctx, rest.ID, rest.Symbol); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("second cancel err=%v want ErrOrderNotFound", err)
	}
	if got := ex.Orders("BTC/USDT:USDT"); len(got) != 2 || got[1].Status != domain.OrderStatusCanceled {
		t.Fatalf("orders=%+v want 2 with last canceled", got)
	}
}

func TestFaultInjection(t *testing.T) {
	ex := newTestExchange(t)
	ex.SetBook(book("BTC/USDT", nil, [][2]string{{"100", "10"}}))
	ex.FailNextPlace("BTC/USDT", domain.ErrRateLimited)

	req := domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("99")}
	if _, err := ex.PlaceOrder(context.Background(), req); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err=%v want ErrRateLimited", err)
	}
	o, err := ex.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second place: %v", err)
	}

	ex.FailNextCancel("BTC/USDT", domain.ErrTimeout)
	if err := ex.CancelOrder(context.Background(), o.ID, o.Symbol); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	if err := ex.CancelOrder(context.Background(), o.ID, o.Symbol); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n := len(ex.Placed()); n != 1 {
		t.Fatalf("placed=%d want 1", n)
	}
}

func TestWatchOrderbookDepthAndNonce(t *testing.T) {
	ex := newTestExchange(t)
	ctx, cancel := context.WithCancel(context.Background())

	ex.SetBook(book("BTC/USDT", [][2]string{{"99", "1"}, {"98", "1"}}, [][2]string{{"100", "1"}, {"101", "1"}}))
	ch, err := ex.WatchOrderbook(ctx, "BTC/USDT", 1)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	first := <-ch
	if len(first.Bids) != 1 || len(first.Asks) != 1 {
		t.Fatalf("depth bids=%d asks=%d want 1", len(first.Bids), len(first.Asks))
	}

	ex.SetBook(book("BTC/USDT", [][2]string{{"99.5", "1"}}, nil))
	second := <-ch
	if second.Nonce <= first.Nonce {
		t.Fatalf("nonce %d not after %d", second.Nonce, first.Nonce)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("unexpected snapshot after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after cancel")
	}
}
