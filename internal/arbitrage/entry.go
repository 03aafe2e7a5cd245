package arbitrage

import (
	"github.com/shopspring/decimal"
)

// MatchEntry walks spot asks upward and perpetual bids downward while the
// perpetual trades at least Percent above spot, spending at most Budget of
// quote currency.
func MatchEntry(req Request) Result {
	res := Result{Direction: req.Direction}
	margin := req.MarginPercent
	if margin.IsZero() {
		margin = DefaultMarginPercent
	}

	spotLeft := sizes(req.SpotBook)
	futureLeft := sizes(req.FutureBook)
	available := req.Budget

	var totalSpot, totalFuture, qty decimal.Decimal
	i, j := 0, 0
	for i < len(spotLeft) && j < len(futureLeft) && CleanResidual(available).IsPositive() {
		res.steps++
		spotPrice := req.SpotBook[i].Price
		futurePrice := req.FutureBook[j].Price
		if !spotPrice.IsPositive() {
			break
		}

		diff := futurePrice.Sub(spotPrice).Div(spotPrice).Mul(hundred)
		if CleanResidual(diff).IsZero() || diff.LessThan(req.Percent) {
			break
		}

		take := decimal.Min(available.Div(spotPrice), spotLeft[i], futureLeft[j])
		if CleanResidual(take).IsZero() {
			break
		}

		value := spotPrice.Mul(take)
		totalSpot = totalSpot.Add(value)
		totalFuture = totalFuture.Add(futurePrice.Mul(take))
		available = decimal.Max(available.Sub(value), decimal.Zero)

		res.SpotOrders = appendFill(res.SpotOrders, spotPrice, take)
		res.FutureOrders = appendFill(res.FutureOrders, futurePrice, take)

		spotLeft[i] = spotLeft[i].Sub(take)
		futureLeft[j] = futureLeft[j].Sub(take)
		if CleanResidual(spotLeft[i]).IsZero() {
			i++
		}
		if CleanResidual(futureLeft[j]).IsZero() {
			j++
		}
		qty = qty.Add(take)

		res.Completed = !IsOutsideTolerance(req.Budget, totalSpot, margin) &&
			!IsOutsideTolerance(req.Budget, totalFuture, margin)
	}

	if CleanResidual(qty).IsZero() {
		return Result{Direction: req.Direction, steps: res.steps}
	}

	res.Executed = qty
	if totalSpot.IsPositive() {
		res.ProfitPercent = totalFuture.Sub(totalSpot).Div(totalSpot).Mul(hundred)
	}
	spot, future, ok := FindMaxPrice(req.SpotBook, req.FutureBook, req.Percent)
	res.Reference = ReferencePrice{Spot: spot, Future: future, Found: ok}
	return res
}
