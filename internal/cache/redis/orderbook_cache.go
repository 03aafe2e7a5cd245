package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)

// defaultBookTTL expires books nobody refreshes.
const defaultBookTTL = 5 * time.Minute

// OrderbookCache stores the latest snapshot per symbol as one JSON value
// under basisbot:book:{symbol}. Prices and sizes are decimal strings.
type OrderbookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOrderbookCache creates an OrderbookCache. A non-positive ttl uses five
// minutes.
func NewOrderbookCache(c *Client, ttl time.Duration) *OrderbookCache {
	if ttl <= 0 {
		ttl = defaultBookTTL
	}
	return &OrderbookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(symbol string) string {
	return keyPrefix + "book:" + symbol
}

type cachedLevel struct {
	Price decimal.Decimal `json:"p"`
	Size  decimal.Decimal `json:"s"`
}

type cachedBook struct {
	Symbol    string        `json:"symbol"`
	Bids      []cachedLevel `json:"bids"`
	Asks      []cachedLevel `json:"asks"`
	Nonce     int64         `json:"nonce"`
	Timestamp time.Time     `json:"ts"`
}

func encodeBook(snap domain.OrderbookSnapshot) ([]byte, error) {
	cb := cachedBook{
		Symbol:    snap.Symbol,
		Bids:      make([]cachedLevel, len(snap.Bids)),
		Asks:      make([]cachedLevel, len(snap.Asks)),
		Nonce:     snap.Nonce,
		Timestamp: snap.Timestamp,
	}
	for i, l := range snap.Bids {
		cb.Bids[i] = cachedLevel(l)
	}
	for i, l := range snap.Asks {
		cb.Asks[i] = cachedLevel(l)
	}
	return json.Marshal(cb)
}

func decodeBook(data []byte) (domain.OrderbookSnapshot, error) {
	var cb cachedBook
	if err := json.Unmarshal(data, &cb); err != nil {
		return domain.OrderbookSnapshot{}, err
	}
	snap := domain.OrderbookSnapshot{
		Symbol:    cb.Symbol,
		Bids:      make([]domain.PriceLevel, len(cb.Bids)),
		Asks:      make([]domain.PriceLevel, len(cb.Asks)),
		Nonce:     cb.Nonce,
		Timestamp: cb.Timestamp,
	}
	for i, l := range cb.Bids {
		snap.Bids[i] = domain.PriceLevel(l)
	}
	for i, l := range cb.Asks {
		snap.Asks[i] = domain.PriceLevel(l)
	}
	return snap, nil
}

// SetSnapshot replaces the cached book for symbol.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, symbol string, snap domain.OrderbookSnapshot) error {
	data, err := encodeBook(snap)
	if err != nil {
		return fmt.Errorf("redis: encode book %s: %w", symbol, err)
	}
	if err := oc.rdb.Set(ctx, bookKey(symbol), data, oc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", symbol, err)
	}
	return nil
}

// GetSnapshot returns the cached book or domain.ErrNotFound.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	data, err := oc.rdb.Get(ctx, bookKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: book %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get book %s: %w", symbol, err)
	}
	snap, err := decodeBook(data)
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: decode book %s: %w", symbol, err)
	}
	return snap, nil
}
