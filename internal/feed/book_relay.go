package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// BooksChannel is the signal bus channel announcing cached book updates.
const BooksChannel = "books"

// bookEvent is the JSON shape published to BooksChannel by book writers.
type bookEvent struct {
	Symbol string `json:"symbol"`
}

// BookSink receives relayed snapshots.
type BookSink func(snap domain.OrderbookSnapshot)

// BookRelay subscribes to BooksChannel and forwards the cached snapshot for
// each announced symbol to a sink. Paper mode uses it to drive the simulated
// venue from books recorded by another process.
type BookRelay struct {
	bus       domain.SignalBus
	bookCache domain.OrderbookCache
	sink      BookSink
	symbols   map[string]bool
	logger    *slog.Logger
}

// NewBookRelay creates a relay. An empty symbols list relays everything.
func NewBookRelay(bus domain.SignalBus, bookCache domain.OrderbookCache, symbols []string, sink BookSink, logger *slog.Logger) *BookRelay {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &BookRelay{
		bus:       bus,
		bookCache: bookCache,
		sink:      sink,
		symbols:   set,
		logger:    logger.With(slog.String("component", "book_relay")),
	}
}

// Run blocks until ctx is cancelled.
func (r *BookRelay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, BooksChannel)
	if err != nil {
		return fmt.Errorf("book relay: subscribe: %w", err)
	}
	r.logger.Info("book relay started", slog.Int("symbols", len(r.symbols)))
	defer r.logger.Info("book relay stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.handleMessage(ctx, data); err != nil {
				r.logger.Debug("book relay handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (r *BookRelay) handleMessage(ctx context.Context, data []byte) error {
	var ev bookEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	symbol := strings.TrimSpace(ev.Symbol)
	if symbol == "" || (len(r.symbols) > 0 && !r.symbols[symbol]) {
		return nil
	}
	snap, err := r.bookCache.GetSnapshot(ctx, symbol)
	if err != nil {
		return fmt.Errorf("get snapshot %s: %w", symbol, err)
	}
	r.sink(snap)
	return nil
}
