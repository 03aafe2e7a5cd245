package executor

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/arbitrage"
	"github.com/alanyoungcy/basisbot/internal/domain"
)

const (
	maxQuantityIterations = 10
	maxSizingAttempts     = 10
)

var costBuffer = decimal.RequireFromString("1.02")

// LegOrder is a priced quantity for one leg, in base units.
type LegOrder struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// PairOrders is a sized order pair ready for placement.
type PairOrders struct {
	Spot     LegOrder
	Future   LegOrder
	Quantity decimal.Decimal
}

// OrderValidator checks a leg order against venue precision and limits.
type OrderValidator struct {
	precision domain.Precision
}

// NewOrderValidator creates a validator backed by the venue's rounding.
func NewOrderValidator(p domain.Precision) OrderValidator {
	return OrderValidator{precision: p}
}

// Valid reports whether o, once rounded, satisfies every bound of m. The
// quantity is converted to contracts for derivative markets.
func (v OrderValidator) Valid(o LegOrder, m domain.Market) bool {
	price, err := v.precision.PriceToPrecision(m.Symbol, o.Price)
	if err != nil {
		return false
	}
	amount, err := v.precision.AmountToPrecision(m.Symbol, o.Quantity.Div(m.Unit()))
	if err != nil {
		return false
	}
	if !price.IsPositive() || !amount.IsPositive() {
		return false
	}
	cost := price.Mul(amount).Mul(m.Unit())

	within := func(v, lo, hi decimal.Decimal) bool {
		if lo.IsPositive() && v.LessThan(lo) {
			return false
		}
		if hi.IsPositive() && v.GreaterThan(hi) {
			return false
		}
		return true
	}
	return within(price, m.MinPrice, m.MaxPrice) &&
		within(amount, m.MinAmount, m.MaxAmount) &&
		within(cost, m.MinCost, m.MaxCost)
}

// ComputeCommonQuantity finds a base quantity representable on both legs:
// it rounds to the perpetual's contract grid, then to the spot grid, until the
// value stops moving. converged is false when the bound was hit first; the
// last value is still returned.
func ComputeCommonQuantity(p domain.Precision, executed decimal.Decimal, spot, future domain.Market) (qty decimal.Decimal, converged bool, err error) {
	cs := future.Unit()

	spotMin := firstPositive(spot.MinAmount, spot.AmountStep)
	futureMin := firstPositive(future.MinAmount, future.AmountStep, decimal.NewFromInt(1)).Mul(cs)

	toFuture := func(q decimal.Decimal) (decimal.Decimal, error) {
		contracts, err := p.AmountToPrecision(future.Symbol, q.Div(cs))
		if err != nil {
			return decimal.Zero, fmt.Errorf("round %s: %w", future.Symbol, err)
		}
		return contracts.Mul(cs), nil
	}
	toSpot := func(q decimal.Decimal) (decimal.Decimal, error) {
		r, err := p.AmountToPrecision(spot.Symbol, q)
		if err != nil {
			return decimal.Zero, fmt.Errorf("round %s: %w", spot.Symbol, err)
		}
		return r, nil
	}

	spotInit, err := toSpot(executed)
	if err != nil {
		return decimal.Zero, false, err
	}
	futureInit, err := toFuture(executed)
	if err != nil {
		return decimal.Zero, false, err
	}

	qty = decimal.Max(spotInit, futureInit, spotMin, futureMin)
	for i := 0; i < maxQuantityIterations; i++ {
		prev := qty
		fut, err := toFuture(qty)
		if err != nil {
			return decimal.Zero, false, err
		}
		if qty, err = toSpot(fut); err != nil {
			return decimal.Zero, false, err
		}
		qty = decimal.Max(qty, spotMin, futureMin)
		if qty.Equal(prev) {
			return qty, true, nil
		}
	}
	return qty, false, nil
}

// ComputeOrders sizes an order pair at the reference prices. limit caps the
// matched quantity and remaining is what the direction still needs. A nil
// result means no feasible pair exists for this tick. Rounding failures are
// returned as *domain.InvalidOrderError.
func ComputeOrders(
	p domain.Precision,
	validator OrderValidator,
	remaining, limit decimal.Decimal,
	ref arbitrage.ReferencePrice,
	spot, future domain.Market,
	logger *slog.Logger,
) (*PairOrders, error) {
	if !ref.Found || !ref.Spot.IsPositive() || !ref.Future.IsPositive() {
		return nil, nil
	}
	cs := future.Unit()
	spotMinQty := spot.MinAmount
	futureMinQty := future.MinAmount.Mul(cs)
	reqQtySpot := spot.MinCost.Mul(costBuffer).Div(ref.Spot)
	reqQtyFuture := future.MinCost.Mul(costBuffer).Div(ref.Future)

	executed := decimal.Min(limit, remaining)
	for i := 0; i < maxSizingAttempts; i++ {
		qty, converged, err := ComputeCommonQuantity(p, executed, spot, future)
		if err != nil {
			return nil, &domain.InvalidOrderError{Symbol: spot.Symbol, Reason: err.Error()}
		}
		if !converged {
			logger.Warn("quantity did not converge",
				slog.Int("iterations", maxQuantityIterations),
				slog.String("qty", qty.String()),
			)
		}
		if !qty.IsPositive() {
			return nil, nil
		}
		executed = qty

		// Never leave a remainder the venue would refuse to trade later.
		next := remaining.Sub(executed)
		if next.IsPositive() {
			gap := decimal.Max(
				spotMinQty.Sub(next),
				futureMinQty.Sub(next),
				reqQtySpot.Sub(next),
				reqQtyFuture.Sub(next),
			)
			if gap.IsPositive() {
				executed = executed.Sub(gap)
				continue
			}
		}

		pair := &PairOrders{
			Spot:     LegOrder{Price: ref.Spot, Quantity: executed},
			Future:   LegOrder{Price: ref.Future, Quantity: executed},
			Quantity: executed,
		}
		if !validator.Valid(pair.Spot, spot) || !validator.Valid(pair.Future, future) {
			executed = executed.Mul(costBuffer)
			continue
		}
		return pair, nil
	}
	return nil, nil
}

func firstPositive(vals ...decimal.Decimal) decimal.Decimal {
	for _, v := range vals {
		if v.IsPositive() {
			return v
		}
	}
	return decimal.Zero
}
