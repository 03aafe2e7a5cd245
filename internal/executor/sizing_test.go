package executor

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/arbitrage"
	"github.com/alanyoungcy/basisbot/internal/domain"
)

// togglePrecision rounds the perpetual between two grid points forever.
type togglePrecision struct {
	low, high decimal.Decimal
	fail      bool
}

func (p togglePrecision) AmountToPrecision(symbol string, v decimal.Decimal) (decimal.Decimal, error) {
	if p.fail {
		return decimal.Zero, errors.New("no precision")
	}
	if symbol != futureSymbol {
		return v, nil
	}
	switch {
	case v.Equal(p.high):
		return p.low, nil
	case v.Equal(p.low):
		return p.high, nil
	}
	return v, nil
}

func (p togglePrecision) PriceToPrecision(_ string, v decimal.Decimal) (decimal.Decimal, error) {
	return v, nil
}

func sizingMarkets() (domain.Market, domain.Market) {
	spot := domain.Market{Symbol: spotSymbol, MinAmount: d("0.01")}
	future := domain.Market{Symbol: futureSymbol, ContractSize: d("1"), MinAmount: d("0.01")}
	return spot, future
}

func TestComputeCommonQuantity(t *testing.T) {
	ex := newVenue(t, "0.01")
	spot, _ := ex.Market(spotSymbol)
	future, _ := ex.Market(futureSymbol)

	tests := []struct {
		name     string
		executed string
		want     string
	}{
		{"already on both grids", "1.5", "1.5"},
		{"truncated to spot step", "1.23456", "1.234"},
		{"raised to spot step", "0.000001", "0.001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, converged, err := ComputeCommonQuantity(ex, d(tt.executed), spot, future)
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if !converged {
				t.Fatal("did not converge")
			}
			if !got.Equal(d(tt.want)) {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestComputeCommonQuantityOscillates(t *testing.T) {
	p := togglePrecision{low: d("4.97"), high: d("4.98")}
	spot, future := sizingMarkets()

	got, converged, err := ComputeCommonQuantity(p, d("4.98"), spot, future)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if converged {
		t.Fatal("converged, want oscillation")
	}
	if !got.Equal(d("4.98")) {
		t.Fatalf("got %s want 4.98", got)
	}
}

func TestComputeOrdersWarnsOnOscillation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := togglePrecision{low: d("4.97"), high: d("4.98")}
	spot, future := sizingMarkets()
	ref := arbitrage.ReferencePrice{Spot: d("100"), Future: d("101"), Found: true}

	orders, err := ComputeOrders(p, NewOrderValidator(p), d("4.98"), d("4.98"), ref, spot, future, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if orders == nil {
		t.Fatal("no orders")
	}
	if !orders.Quantity.Equal(d("4.98")) {
		t.Fatalf("qty %s want 4.98", orders.Quantity)
	}
	if !strings.Contains(buf.String(), "quantity did not converge") {
		t.Fatalf("missing warning in %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Fatalf("warning not at WARN level: %q", buf.String())
	}
}

func TestComputeOrders(t *testing.T) {
	ex := newVenue(t, "0.01")
	base := func() (domain.Market, domain.Market) {
		spot, _ := ex.Market(spotSymbol)
		future, _ := ex.Market(futureSymbol)
		return spot, future
	}
	ref := arbitrage.ReferencePrice{Spot: d("100"), Future: d("101"), Found: true}

	t.Run("sized at min of limit and remaining", func(t *testing.T) {
		spot, future := base()
		orders, err := ComputeOrders(ex, NewOrderValidator(ex), d("2"), d("1.2345"), ref, spot, future, discardLogger())
		if err != nil || orders == nil {
			t.Fatalf("orders=%v err=%v", orders, err)
		}
		if !orders.Quantity.Equal(d("1.234")) {
			t.Fatalf("qty %s want 1.234", orders.Quantity)
		}
		if !orders.Spot.Price.Equal(d("100")) || !orders.Future.Price.Equal(d("101")) {
			t.Fatalf("prices %s/%s", orders.Spot.Price, orders.Future.Price)
		}
	})

	t.Run("shrinks to leave a tradable remainder", func(t *testing.T) {
		spot, future := base()
		spot.MinCost = d("10")
		// A full 1.95 would leave 0.05 (5 USDT), below the 10.2 minimum.
		orders, err := ComputeOrders(ex, NewOrderValidator(ex), d("2"), d("1.95"), ref, spot, future, discardLogger())
		if err != nil || orders == nil {
			t.Fatalf("orders=%v err=%v", orders, err)
		}
		left := d("2").Sub(orders.Quantity)
		if left.Mul(ref.Spot).LessThan(d("10.2")) {
			t.Fatalf("remainder %s below minimum cost", left)
		}
	})

	t.Run("inflates below minimum cost", func(t *testing.T) {
		spot, future := base()
		future.MinCost = d("50")
		orders, err := ComputeOrders(ex, NewOrderValidator(ex), d("0.48"), d("0.48"), ref, spot, future, discardLogger())
		if err != nil || orders == nil {
			t.Fatalf("orders=%v err=%v", orders, err)
		}
		if cost := orders.Quantity.Mul(ref.Future); cost.LessThan(d("50")) {
			t.Fatalf("future cost %s below minimum", cost)
		}
	})

	t.Run("infeasible returns nil", func(t *testing.T) {
		spot, future := base()
		spot.MaxAmount = d("0.001")
		spot.MinCost = d("1000")
		orders, err := ComputeOrders(ex, NewOrderValidator(ex), d("1"), d("1"), ref, spot, future, discardLogger())
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if orders != nil {
			t.Fatalf("orders %+v want nil", orders)
		}
	})

	t.Run("no reference", func(t *testing.T) {
		spot, future := base()
		orders, err := ComputeOrders(ex, NewOrderValidator(ex), d("1"), d("1"), arbitrage.ReferencePrice{}, spot, future, discardLogger())
		if err != nil || orders != nil {
			t.Fatalf("orders=%v err=%v", orders, err)
		}
	})

	t.Run("rounding failure is invalid order", func(t *testing.T) {
		spot, future := sizingMarkets()
		p := togglePrecision{fail: true}
		_, err := ComputeOrders(p, NewOrderValidator(p), d("1"), d("1"), ref, spot, future, discardLogger())
		var invalid *domain.InvalidOrderError
		if !errors.As(err, &invalid) {
			t.Fatalf("err=%v want InvalidOrderError", err)
		}
		if !errors.Is(err, domain.ErrInvalidOrder) {
			t.Fatalf("err=%v not ErrInvalidOrder", err)
		}
	})
}

func TestOrderValidator(t *testing.T) {
	ex := newVenue(t, "0.01")
	future, _ := ex.Market(futureSymbol)
	future.MinCost = d("5")
	future.MaxAmount = d("1000")
	v := NewOrderValidator(ex)

	tests := []struct {
		name  string
		order LegOrder
		want  bool
	}{
		{"valid", LegOrder{Price: d("100"), Quantity: d("0.1")}, true},
		{"below min cost", LegOrder{Price: d("100"), Quantity: d("0.01")}, false},
		{"above max contracts", LegOrder{Price: d("100"), Quantity: d("11")}, false},
		{"rounds to zero", LegOrder{Price: d("100"), Quantity: d("0.000001")}, false},
		{"zero price", LegOrder{Price: decimal.Zero, Quantity: d("1")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Valid(tt.order, future); got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}
