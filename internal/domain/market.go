package domain

import "github.com/shopspring/decimal"

// MarketKind distinguishes the cash market from the perpetual contract.
type MarketKind string

const (
	MarketKindSpot MarketKind = "spot"
	MarketKindSwap MarketKind = "swap"
)

// Market is the venue metadata needed to size and validate orders. Zero
// limits mean unbounded.
type Market struct {
	Symbol       string
	Base         string
	Quote        string
	Kind         MarketKind
	ContractSize decimal.Decimal
	AmountStep   decimal.Decimal
	PriceStep    decimal.Decimal
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	MinCost      decimal.Decimal
	MaxCost      decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
}

// Unit returns the base quantity represented by one native unit.
func (m Market) Unit() decimal.Decimal {
	if m.ContractSize.IsPositive() {
		return m.ContractSize
	}
	return decimal.NewFromInt(1)
}
