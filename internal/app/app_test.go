package app

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/config"
	"github.com/alanyoungcy/basisbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func paperConfig() config.Config {
	cfg := config.Defaults()
	cfg.Paper = config.PaperConfig{
		Markets: []config.PaperMarket{
			{Symbol: "BTC/USDT", Kind: "spot", AmountStep: dec("0.0001"), PriceStep: dec("0.01"), MinCost: dec("5")},
			{Symbol: "BTC/USDT:USDT", Kind: "swap", ContractSize: dec("0.001"), AmountStep: dec("1"), PriceStep: dec("0.1")},
		},
		Books: []config.PaperBook{{
			Symbol: "BTC/USDT",
			Bids:   []config.PaperLevel{{Price: dec("99"), Size: dec("1")}, {Price: dec("99.5"), Size: dec("2")}},
			Asks:   []config.PaperLevel{{Price: dec("101"), Size: dec("1")}, {Price: dec("100"), Size: dec("3")}},
		}},
	}
	return cfg
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		symbol, base, quote string
	}{
		{"BTC/USDT", "BTC", "USDT"},
		{"BTC/USDT:USDT", "BTC", "USDT"},
		{"ETH", "ETH", ""},
	}
	for _, tt := range tests {
		base, quote := splitSymbol(tt.symbol)
		if base != tt.base || quote != tt.quote {
			t.Errorf("splitSymbol(%q) = %q, %q; want %q, %q", tt.symbol, base, quote, tt.base, tt.quote)
		}
	}
}

func TestToSnapshotOrdersLevels(t *testing.T) {
	snap := toSnapshot(paperConfig().Paper.Books[0])
	if !snap.Bids[0].Price.Equal(dec("99.5")) {
		t.Errorf("best bid = %s, want 99.5", snap.Bids[0].Price)
	}
	if !snap.Asks[0].Price.Equal(dec("100")) {
		t.Errorf("best ask = %s, want 100", snap.Asks[0].Price)
	}
}

func TestExecutorConfig(t *testing.T) {
	a := config.Defaults().Arbitrage
	a.EntrySpread = dec("0.75")
	a.LagGrace.Duration = 2 * time.Second
	a.MaxFailedAttempts = 9

	got := executorConfig(a)
	if !got.EntrySpread.Equal(dec("0.75")) {
		t.Errorf("EntrySpread = %s", got.EntrySpread)
	}
	if got.LagGrace != 2*time.Second {
		t.Errorf("LagGrace = %s", got.LagGrace)
	}
	if got.MaxFailedAttempts != 9 {
		t.Errorf("MaxFailedAttempts = %d", got.MaxFailedAttempts)
	}
	if got.RetryBaseDelay <= 0 || got.RetryMaxDelay <= 0 {
		t.Error("retry delays should keep executor defaults")
	}
}

func TestWirePaperOnly(t *testing.T) {
	cfg := paperConfig()
	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.RunStore != nil || deps.SignalBus != nil || deps.Archiver != nil {
		t.Fatal("disabled backends should stay nil")
	}
	if len(deps.Checks) != 0 {
		t.Fatalf("checks = %d, want none", len(deps.Checks))
	}

	m, err := deps.Exchange.Market("BTC/USDT:USDT")
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if m.Kind != domain.MarketKindSwap || m.Base != "BTC" || m.Quote != "USDT" {
		t.Fatalf("market = %+v", m)
	}
	if got := deps.Coordinator.Registry().Active(); len(got) != 0 {
		t.Fatalf("active runs = %d", len(got))
	}
}

func TestArchiveModeRequiresArchiver(t *testing.T) {
	cfg := paperConfig()
	a := New(&cfg, testLogger())
	err := a.ArchiveMode(context.Background(), &Dependencies{})
	if err == nil || !strings.Contains(err.Error(), "requires postgres and s3") {
		t.Fatalf("err = %v", err)
	}
}

type fakeArchiver struct {
	before time.Time
}

func (f *fakeArchiver) ArchiveRuns(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

func TestArchiveModeCutoff(t *testing.T) {
	cfg := paperConfig()
	cfg.Archive.RetentionDays = 7
	arch := &fakeArchiver{}
	a := New(&cfg, testLogger())
	if err := a.ArchiveMode(context.Background(), &Dependencies{Archiver: arch}); err != nil {
		t.Fatalf("ArchiveMode: %v", err)
	}
	want := time.Now().UTC().AddDate(0, 0, -7)
	if d := want.Sub(arch.before); d < 0 || d > time.Minute {
		t.Fatalf("cutoff = %s, want about %s", arch.before, want)
	}
}

func TestRunModeRejectsInvalidRequest(t *testing.T) {
	cfg := paperConfig()
	cfg.Mode = "run"
	cfg.Run.Symbol = "BTC/USDT"
	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	// Zero amount without a resume handle never places an order.
	err = New(&cfg, testLogger()).RunMode(context.Background(), deps)
	if err == nil {
		t.Fatal("expected error for zero amount")
	}
	if len(deps.Exchange.Placed()) != 0 {
		t.Fatal("no orders should be placed")
	}
}
