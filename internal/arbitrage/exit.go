package arbitrage

import (
	"github.com/shopspring/decimal"
)

// MatchExit walks spot bids downward and perpetual asks upward while spot
// trades at least Percent above the perpetual, closing at most Budget base
// units.
func MatchExit(req Request) Result {
	res := Result{Direction: req.Direction}

	spotLeft := sizes(req.SpotBook)
	futureLeft := sizes(req.FutureBook)
	available := req.Budget

	i, j := 0, 0
	for i < len(spotLeft) && j < len(futureLeft) && CleanResidual(available).IsPositive() {
		res.steps++
		spotPrice := req.SpotBook[i].Price
		futurePrice := req.FutureBook[j].Price
		if !futurePrice.IsPositive() {
			break
		}

		diff := spotPrice.Sub(futurePrice).Div(futurePrice).Mul(hundred)
		if diff.LessThan(req.Percent) {
			break
		}

		take := decimal.Min(available, spotLeft[i], futureLeft[j])
		if CleanResidual(take).IsZero() {
			break
		}
		available = available.Sub(take)

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
	}

	res.Executed = req.Budget.Sub(CleanResidual(available))
	if CleanResidual(res.Executed).IsZero() {
		return Result{Direction: req.Direction, steps: res.steps}
	}
	res.Completed = CleanResidual(available).IsZero()

	future, spot, ok := FindMaxPrice(req.FutureBook, req.SpotBook, req.Percent)
	res.Reference = ReferencePrice{Spot: spot, Future: future, Found: ok}
	return res
}
