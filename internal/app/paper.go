package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/basisbot/internal/config"
	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/platform/paper"
)

// newPaperExchange registers the configured markets and starting books. When
// bookCache is set the books are cached as well so relays and other
// processes see the same state.
func newPaperExchange(ctx context.Context, cfg config.PaperConfig, bookCache domain.OrderbookCache, logger *slog.Logger) (*paper.Exchange, error) {
	ex := paper.New(logger)
	for _, m := range cfg.Markets {
		ex.AddMarket(toMarket(m))
	}
	for _, b := range cfg.Books {
		snap := toSnapshot(b)
		ex.SetBook(snap)
		if bookCache != nil {
			if err := bookCache.SetSnapshot(ctx, snap.Symbol, snap); err != nil {
				return nil, fmt.Errorf("cache book %s: %w", snap.Symbol, err)
			}
		}
	}
	return ex, nil
}

// toMarket derives base and quote from a unified symbol such as
// "BTC/USDT" or "BTC/USDT:USDT".
func toMarket(m config.PaperMarket) domain.Market {
	base, quote := splitSymbol(m.Symbol)
	return domain.Market{
		Symbol:       m.Symbol,
		Base:         base,
		Quote:        quote,
		Kind:         domain.MarketKind(m.Kind),
		ContractSize: m.ContractSize,
		AmountStep:   m.AmountStep,
		PriceStep:    m.PriceStep,
		MinAmount:    m.MinAmount,
		MinCost:      m.MinCost,
	}
}

func splitSymbol(symbol string) (base, quote string) {
	pair, _, _ := strings.Cut(symbol, ":")
	base, quote, _ = strings.Cut(pair, "/")
	return base, quote
}

// toSnapshot orders bids descending and asks ascending.
func toSnapshot(b config.PaperBook) domain.OrderbookSnapshot {
	bids, asks := toLevels(b.Bids), toLevels(b.Asks)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return domain.OrderbookSnapshot{
		Symbol: b.Symbol,
		Bids:   bids,
		Asks:   asks,
	}
}

func toLevels(in []config.PaperLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.PriceLevel{Price: l.Price, Size: l.Size})
	}
	return out
}

// marketSymbols lists every configured market, used to scope the book relay.
func marketSymbols(cfg config.PaperConfig) []string {
	out := make([]string, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		out = append(out, m.Symbol)
	}
	return out
}
