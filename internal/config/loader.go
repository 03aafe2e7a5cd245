package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const envPrefix = "BASISBOT_"

// Load reads the TOML file at path on top of Defaults, then applies
// BASISBOT_* environment overrides. An empty path skips the file. The result
// is not validated; callers should invoke Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose BASISBOT_* variable is set and
// non-empty. Secrets are expected to arrive this way.
func applyEnvOverrides(cfg *Config) {
	// ── Arbitrage ──
	setDecimal(&cfg.Arbitrage.EntrySpread, "ARBITRAGE_ENTRY_SPREAD")
	setDecimal(&cfg.Arbitrage.ExitSpread, "ARBITRAGE_EXIT_SPREAD")
	setDecimal(&cfg.Arbitrage.MarginPercent, "ARBITRAGE_MARGIN_PERCENT")
	setDecimal(&cfg.Arbitrage.MinCostBuffer, "ARBITRAGE_MIN_COST_BUFFER")
	setDuration(&cfg.Arbitrage.AttemptTimeout, "ARBITRAGE_ATTEMPT_TIMEOUT")
	setDuration(&cfg.Arbitrage.LagGrace, "ARBITRAGE_LAG_GRACE")
	setDuration(&cfg.Arbitrage.VolatilityWindow, "ARBITRAGE_VOLATILITY_WINDOW")
	setInt(&cfg.Arbitrage.BookDepth, "ARBITRAGE_BOOK_DEPTH")
	setStr(&cfg.Arbitrage.FutureSuffix, "ARBITRAGE_FUTURE_SUFFIX")
	setInt(&cfg.Arbitrage.MaxFailedAttempts, "ARBITRAGE_MAX_FAILED_ATTEMPTS")
	setDuration(&cfg.Arbitrage.SymbolLockTTL, "ARBITRAGE_SYMBOL_LOCK_TTL")

	// ── Risk ──
	setDecimal(&cfg.Risk.MaxRunAmount, "RISK_MAX_RUN_AMOUNT")
	setInt(&cfg.Risk.MaxActiveRuns, "RISK_MAX_ACTIVE_RUNS")
	setStringSlice(&cfg.Risk.AllowedSymbols, "RISK_ALLOWED_SYMBOLS")

	// ── Paper ──
	setBool(&cfg.Paper.RelayBooks, "PAPER_RELAY_BOOKS")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.BookTTL, "REDIS_BOOK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.StartLimit, "SERVER_START_LIMIT")
	setDuration(&cfg.Server.StartWindow, "SERVER_START_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPI, "NOTIFY_TELEGRAM_API")
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Run ──
	setStr(&cfg.Run.Symbol, "RUN_SYMBOL")
	setStr(&cfg.Run.FutureSymbol, "RUN_FUTURE_SYMBOL")
	setDecimal(&cfg.Run.Amount, "RUN_AMOUNT")
	setDecimal(&cfg.Run.EntrySpread, "RUN_ENTRY_SPREAD")
	setDecimal(&cfg.Run.ExitSpread, "RUN_EXIT_SPREAD")
	setStr(&cfg.Run.Resume, "RUN_RESUME")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "ARCHIVE_BATCH_SIZE")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Each helper mutates dst only when the variable is present and parses.

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := lookup(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
