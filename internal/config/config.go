// Package config defines the basisbot configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by BASISBOT_* environment variables.
type Config struct {
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Risk      RiskConfig      `toml:"risk"`
	Paper     PaperConfig     `toml:"paper"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Run       RunConfig       `toml:"run"`
	Archive   ArchiveConfig   `toml:"archive"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ArbitrageConfig tunes the executor. Percentages are decimal strings
// ("0.4" means 0.4%).
type ArbitrageConfig struct {
	EntrySpread       decimal.Decimal `toml:"entry_spread"`
	ExitSpread        decimal.Decimal `toml:"exit_spread"`
	MarginPercent     decimal.Decimal `toml:"margin_percent"`
	MinCostBuffer     decimal.Decimal `toml:"min_cost_buffer"`
	AttemptTimeout    duration        `toml:"attempt_timeout"`
	LagGrace          duration        `toml:"lag_grace"`
	VolatilityWindow  duration        `toml:"volatility_window"`
	BookDepth         int             `toml:"book_depth"`
	FutureSuffix      string          `toml:"future_suffix"`
	MaxFailedAttempts int             `toml:"max_failed_attempts"`
	SymbolLockTTL     duration        `toml:"symbol_lock_ttl"`
}

// RiskConfig bounds what a single run may do. Zero values disable a limit.
type RiskConfig struct {
	MaxRunAmount   decimal.Decimal `toml:"max_run_amount"`
	MaxActiveRuns  int             `toml:"max_active_runs"`
	AllowedSymbols []string        `toml:"allowed_symbols"`
}

// PaperConfig describes the simulated venue.
type PaperConfig struct {
	Markets []PaperMarket `toml:"markets"`
	Books   []PaperBook   `toml:"books"`
	// RelayBooks drives the venue from books cached in Redis and announced
	// on the "books" channel by another process.
	RelayBooks bool `toml:"relay_books"`
}

// PaperMarket is one simulated market.
type PaperMarket struct {
	Symbol       string          `toml:"symbol"`
	Kind         string          `toml:"kind"` // "spot" or "swap"
	ContractSize decimal.Decimal `toml:"contract_size"`
	AmountStep   decimal.Decimal `toml:"amount_step"`
	PriceStep    decimal.Decimal `toml:"price_step"`
	MinAmount    decimal.Decimal `toml:"min_amount"`
	MinCost      decimal.Decimal `toml:"min_cost"`
}

// PaperBook is a starting book.
type PaperBook struct {
	Symbol string       `toml:"symbol"`
	Bids   []PaperLevel `toml:"bids"`
	Asks   []PaperLevel `toml:"asks"`
}

// PaperLevel is one price level.
type PaperLevel struct {
	Price decimal.Decimal `toml:"price"`
	Size  decimal.Decimal `toml:"size"`
}

// SupabaseConfig holds PostgreSQL connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	BookTTL    duration `toml:"book_ttl"`
}

// S3Config holds object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	StartLimit  int      `toml:"start_limit"`
	StartWindow duration `toml:"start_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// RunConfig is the one-shot request executed in "run" mode.
type RunConfig struct {
	Symbol       string          `toml:"symbol"`
	FutureSymbol string          `toml:"future_symbol"`
	Amount       decimal.Decimal `toml:"amount"`
	EntrySpread  decimal.Decimal `toml:"entry_spread"`
	ExitSpread   decimal.Decimal `toml:"exit_spread"`
	Resume       string          `toml:"resume"`
}

// ArchiveConfig controls "archive" mode.
type ArchiveConfig struct {
	RetentionDays int `toml:"retention_days"`
	BatchSize     int `toml:"batch_size"`
}

// duration decodes TOML strings such as "3s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Arbitrage: ArbitrageConfig{
			EntrySpread:      decimal.RequireFromString("0.4"),
			ExitSpread:       decimal.Zero,
			MarginPercent:    decimal.NewFromInt(10),
			MinCostBuffer:    decimal.RequireFromString("1.07"),
			AttemptTimeout:   duration{30 * time.Second},
			LagGrace:         duration{3 * time.Second},
			VolatilityWindow: duration{3 * time.Second},
			BookDepth:        10,
			FutureSuffix:     ":USDT",
			SymbolLockTTL:    duration{24 * time.Hour},
		},
		Risk: RiskConfig{
			MaxActiveRuns: 4,
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			BookTTL:    duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "basisbot-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			StartLimit:  10,
			StartWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"run.started", "run.completed", "run.aborted"},
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			BatchSize:     500,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"run":     true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: serve, run, archive)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	a := c.Arbitrage
	if a.EntrySpread.IsNegative() {
		add("arbitrage: entry_spread must be >= 0")
	}
	if !a.MarginPercent.IsPositive() {
		add("arbitrage: margin_percent must be > 0")
	}
	if a.MinCostBuffer.LessThan(decimal.NewFromInt(1)) {
		add("arbitrage: min_cost_buffer must be >= 1")
	}
	if a.AttemptTimeout.Duration <= 0 {
		add("arbitrage: attempt_timeout must be > 0")
	}
	if a.LagGrace.Duration <= 0 || a.LagGrace.Duration >= a.AttemptTimeout.Duration {
		add("arbitrage: lag_grace must be > 0 and shorter than attempt_timeout")
	}
	if a.BookDepth < 1 {
		add("arbitrage: book_depth must be >= 1")
	}
	if a.FutureSuffix == "" {
		add("arbitrage: future_suffix must not be empty")
	}
	if a.MaxFailedAttempts < 0 {
		add("arbitrage: max_failed_attempts must be >= 0 (0 disables)")
	}

	if c.Risk.MaxRunAmount.IsNegative() {
		add("risk: max_run_amount must be >= 0")
	}
	if c.Risk.MaxActiveRuns < 0 {
		add("risk: max_active_runs must be >= 0")
	}

	if mode != "archive" {
		c.validatePaper(add)
	}

	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				add("supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				add("supabase: port must be 1-65535, got %d", c.Supabase.Port)
			}
			if c.Supabase.Database == "" {
				add("supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			add("supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			add("supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	} else if c.Paper.RelayBooks {
		add("paper: relay_books requires redis.enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	case "run":
		if strings.TrimSpace(c.Run.Symbol) == "" {
			add("run: symbol is required in run mode")
		}
		if c.Run.Resume == "" && !c.Run.Amount.IsPositive() {
			add("run: amount must be > 0 unless resume is set")
		}
	case "archive":
		if !c.Supabase.Enabled || !c.S3.Enabled {
			add("archive: mode requires supabase.enabled and s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePaper(add func(string, ...any)) {
	if len(c.Paper.Markets) == 0 {
		add("paper: at least one market is required")
	}
	seen := make(map[string]bool, len(c.Paper.Markets))
	for i, m := range c.Paper.Markets {
		if m.Symbol == "" {
			add("paper: markets[%d].symbol must not be empty", i)
			continue
		}
		if seen[m.Symbol] {
			add("paper: duplicate market %s", m.Symbol)
		}
		seen[m.Symbol] = true
		if m.Kind != "spot" && m.Kind != "swap" {
			add("paper: market %s kind must be spot or swap, got %q", m.Symbol, m.Kind)
		}
		if !m.AmountStep.IsPositive() || !m.PriceStep.IsPositive() {
			add("paper: market %s needs positive amount_step and price_step", m.Symbol)
		}
		if m.ContractSize.IsNegative() {
			add("paper: market %s contract_size must be >= 0", m.Symbol)
		}
	}
	for _, b := range c.Paper.Books {
		if !seen[b.Symbol] {
			add("paper: book for unknown market %q", b.Symbol)
		}
	}
}
