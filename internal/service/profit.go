package service

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// BasisPercent is the spread captured by a filled leg pair, in percent of the
// cheaper leg. Entry buys spot and sells the perpetual, so the basis is
// (future - spot) / spot; exit reverses the legs: (spot - future) / future.
// ok is false when either average is missing.
func BasisPercent(dir domain.Direction, spotAvg, futureAvg decimal.Decimal) (decimal.Decimal, bool) {
	if !spotAvg.IsPositive() || !futureAvg.IsPositive() {
		return decimal.Zero, false
	}
	if dir == domain.DirectionExit {
		return spotAvg.Sub(futureAvg).Div(futureAvg).Mul(hundred), true
	}
	return futureAvg.Sub(spotAvg).Div(spotAvg).Mul(hundred), true
}
