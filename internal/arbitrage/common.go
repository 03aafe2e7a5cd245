// Package arbitrage computes executable spot/perpetual opportunities from
// orderbook snapshots. Everything here is pure and allocation-bounded by the
// depth of the books passed in.
package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// DefaultMarginPercent is the entry budget tolerance.
var DefaultMarginPercent = decimal.NewFromInt(10)

// MatchedOrder is the quantity taken at one price level.
type MatchedOrder struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ReferencePrice is the limit price pair quoted for both legs.
type ReferencePrice struct {
	Spot   decimal.Decimal
	Future decimal.Decimal
	Found  bool
}

// Request describes one matching pass.
//
// For entry SpotBook holds spot asks and FutureBook perpetual bids; Budget is
// a quote notional. For exit SpotBook holds spot bids and FutureBook
// perpetual asks; Budget is a base quantity.
type Request struct {
	Direction     domain.Direction
	SpotBook      []domain.PriceLevel
	FutureBook    []domain.PriceLevel
	Percent       decimal.Decimal
	Budget        decimal.Decimal
	MarginPercent decimal.Decimal
}

// Result is the outcome of a matching pass.
type Result struct {
	Direction     domain.Direction
	SpotOrders    []MatchedOrder
	FutureOrders  []MatchedOrder
	Executed      decimal.Decimal
	Reference     ReferencePrice
	Completed     bool
	ProfitPercent decimal.Decimal // entry only

	steps int
}

// Empty reports whether nothing was matched.
func (r Result) Empty() bool {
	return len(r.SpotOrders) == 0 && len(r.FutureOrders) == 0
}

// BestSpot returns the first spot price touched.
func (r Result) BestSpot() decimal.Decimal {
	if len(r.SpotOrders) == 0 {
		return decimal.Zero
	}
	return r.SpotOrders[0].Price
}

// BestFuture returns the first perpetual price touched.
func (r Result) BestFuture() decimal.Decimal {
	if len(r.FutureOrders) == 0 {
		return decimal.Zero
	}
	return r.FutureOrders[0].Price
}

// Match dispatches on the request direction.
func Match(req Request) Result {
	if req.Direction == domain.DirectionExit {
		return MatchExit(req)
	}
	return MatchEntry(req)
}

// Books selects the sides matched for a direction.
func Books(dir domain.Direction, spot, future domain.OrderbookSnapshot) (spotSide, futureSide []domain.PriceLevel) {
	if dir == domain.DirectionExit {
		return spot.Bids, future.Asks
	}
	return spot.Asks, future.Bids
}

// CleanResidual maps magnitudes below domain.Epsilon to zero.
func CleanResidual(v decimal.Decimal) decimal.Decimal {
	if v.Abs().LessThan(domain.Epsilon) {
		return decimal.Zero
	}
	return v
}

// IsOutsideTolerance reports whether target lies outside base ± percent%.
func IsOutsideTolerance(base, target, percent decimal.Decimal) bool {
	tolerance := base.Mul(percent).Div(hundred)
	return target.LessThan(base.Sub(tolerance)) || target.GreaterThan(base.Add(tolerance))
}

// FindMaxPrice finds the pair (inc, dec) whose spread (dec-inc)/inc*100 is
// at least percent and exceeds it by the smallest amount. increasing must be
// sorted ascending and decreasing descending. The decreasing cursor only moves
// toward better prices as the increasing cursor advances, so the scan is
// linear in the combined depth.
func FindMaxPrice(increasing, decreasing []domain.PriceLevel, percent decimal.Decimal) (inc, dec decimal.Decimal, ok bool) {
	factor := decimal.NewFromInt(1).Add(percent.Div(hundred))
	var minExcess decimal.Decimal

	j := len(decreasing) - 1
	for i := 0; i < len(increasing) && j >= 0; i++ {
		price := increasing[i].Price
		required := price.Mul(factor)
		for j >= 0 && decreasing[j].Price.LessThan(required) {
			j--
		}
		if j < 0 {
			break
		}
		other := decreasing[j].Price
		excess := other.Sub(price).Div(price).Mul(hundred).Sub(percent)
		if !ok || excess.LessThan(minExcess) {
			minExcess = excess
			inc, dec, ok = price, other, true
		}
	}
	return inc, dec, ok
}

// appendFill merges qty into the last order when the price repeats.
func appendFill(orders []MatchedOrder, price, qty decimal.Decimal) []MatchedOrder {
	if n := len(orders); n > 0 && orders[n-1].Price.Equal(price) {
		orders[n-1].Quantity = orders[n-1].Quantity.Add(qty)
		return orders
	}
	return append(orders, MatchedOrder{Price: price, Quantity: qty})
}

// sizes copies level quantities so matching can consume them in place.
func sizes(levels []domain.PriceLevel) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	for i, l := range levels {
		out[i] = l.Size
	}
	return out
}
