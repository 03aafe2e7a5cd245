package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookSnapshot is a depth-limited view of one market. Bids are sorted
// descending and asks ascending. Nonce increases with every snapshot the
// venue delivers for the symbol.
type OrderbookSnapshot struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Nonce     int64
	Timestamp time.Time
}

// BestBid returns the top bid, or false when the side is empty.
func (s OrderbookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, or false when the side is empty.
func (s OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}
