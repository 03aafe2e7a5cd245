package executor

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config tunes the leg-pair state machine.
type Config struct {
	EntrySpread      decimal.Decimal // percent
	ExitSpread       decimal.Decimal // percent
	MarginPercent    decimal.Decimal // entry budget tolerance
	AttemptTimeout   time.Duration
	LagGrace         time.Duration // delay before re-placing a lagging leg
	VolatilityWindow time.Duration
	BookDepth        int
	FutureSuffix     string
	MinCostBuffer    decimal.Decimal // pre-run minimum-cost multiplier
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// MaxFailedAttempts aborts a direction after this many consecutive
	// attempts that filled nothing. Zero disables the cap.
	MaxFailedAttempts int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		EntrySpread:      decimal.RequireFromString("0.40"),
		ExitSpread:       decimal.Zero,
		MarginPercent:    decimal.NewFromInt(10),
		AttemptTimeout:   30 * time.Second,
		LagGrace:         3 * time.Second,
		VolatilityWindow: 3 * time.Second,
		BookDepth:        10,
		FutureSuffix:     ":USDT",
		MinCostBuffer:    decimal.RequireFromString("1.07"),
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MarginPercent.IsZero() {
		c.MarginPercent = def.MarginPercent
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.LagGrace <= 0 {
		c.LagGrace = def.LagGrace
	}
	if c.VolatilityWindow <= 0 {
		c.VolatilityWindow = def.VolatilityWindow
	}
	if c.BookDepth <= 0 {
		c.BookDepth = def.BookDepth
	}
	if c.FutureSuffix == "" {
		c.FutureSuffix = def.FutureSuffix
	}
	if c.MinCostBuffer.IsZero() {
		c.MinCostBuffer = def.MinCostBuffer
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	return c
}
