package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the residual below which a quantity is treated as zero.
var Epsilon = decimal.New(1, -12)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the order lifecycle as reported by the venue.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed" // fully filled
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusRejected OrderStatus = "rejected"
)

// Terminal reports whether the venue will no longer change the order.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusOpen && s != ""
}

// TagSource names the component that replaced an order.
type TagSource string

const (
	TagSourceRetry TagSource = "retry" // re-placed lagging leg
	TagSourceRedo  TagSource = "redo"  // compensating order after reconcile
)

// OrderTag links an order to the one it replaced.
type OrderTag struct {
	Source   TagSource
	Original *LiveOrder
}

// LiveOrder is the latest known state of an order on a venue. Amount, Filled
// and Remaining are expressed in the market's native unit (contracts for
// derivatives).
type LiveOrder struct {
	ID         string
	ClientID   string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Status     OrderStatus
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Filled     decimal.Decimal
	Remaining  decimal.Decimal
	Average    decimal.Decimal
	ReduceOnly bool
	Tag        *OrderTag
	UpdatedAt  time.Time
}

// FullyFilled reports whether nothing remains to be executed.
func (o LiveOrder) FullyFilled() bool {
	return o.Remaining.LessThanOrEqual(Epsilon)
}

// Done reports whether the order can no longer fill.
func (o LiveOrder) Done() bool {
	return o.Status.Terminal() || o.FullyFilled()
}

// Chain returns the order followed by every order it replaced, newest first.
func (o *LiveOrder) Chain() []*LiveOrder {
	var out []*LiveOrder
	for cur := o; cur != nil; {
		out = append(out, cur)
		if cur.Tag == nil {
			break
		}
		cur = cur.Tag.Original
	}
	return out
}

// ChainFill sums filled quantity and notional across the provenance chain.
// unit converts the native amount to base units (contract size).
func (o *LiveOrder) ChainFill(unit decimal.Decimal) (qty, notional decimal.Decimal) {
	for _, ord := range o.Chain() {
		q := ord.Filled.Mul(unit)
		qty = qty.Add(q)
		notional = notional.Add(q.Mul(ord.Average))
	}
	return qty, notional
}

// OrderRequest is a new order to submit. Amount is in the market's native unit.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Amount     decimal.Decimal
	Price      decimal.Decimal // ignored for market orders
	ReduceOnly bool
	Leverage   int
}
