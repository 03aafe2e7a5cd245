package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Precision rounds values to what a venue accepts for a symbol.
type Precision interface {
	AmountToPrecision(symbol string, amount decimal.Decimal) (decimal.Decimal, error)
	PriceToPrecision(symbol string, price decimal.Decimal) (decimal.Decimal, error)
}

// Exchange is the venue adapter used by the execution engine. Streams are
// closed when ctx is cancelled.
type Exchange interface {
	Precision
	Name() string
	LoadMarkets(ctx context.Context) error
	Market(symbol string) (Market, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (LiveOrder, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	WatchOrderbook(ctx context.Context, symbol string, depth int) (<-chan OrderbookSnapshot, error)
	WatchOrders(ctx context.Context, symbol string) (<-chan []LiveOrder, error)
}
