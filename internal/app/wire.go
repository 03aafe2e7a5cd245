package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/basisbot/internal/blob/s3"
	"github.com/alanyoungcy/basisbot/internal/cache/redis"
	"github.com/alanyoungcy/basisbot/internal/config"
	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/executor"
	"github.com/alanyoungcy/basisbot/internal/notify"
	"github.com/alanyoungcy/basisbot/internal/platform/paper"
	"github.com/alanyoungcy/basisbot/internal/server/handler"
	"github.com/alanyoungcy/basisbot/internal/service"
	"github.com/alanyoungcy/basisbot/internal/store/postgres"
)

// Dependencies bundles everything the modes need. Optional backends are nil
// when their section is disabled.
type Dependencies struct {
	// Stores
	RunStore   *postgres.RunStore
	AuditStore domain.AuditStore

	// Caches
	BookCache   domain.OrderbookCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	// Venue and execution
	Exchange    *paper.Exchange
	RunService  *service.RunService
	Coordinator *executor.Coordinator

	// Notifications
	Notifier *notify.Notifier

	// Health checks keyed by dependency name.
	Checks map[string]handler.HealthCheck
}

// Wire constructs every dependency from cfg. The returned cleanup releases
// them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	var runStore domain.RunStore
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.RunStore = pgClient.Runs()
		deps.AuditStore = pgClient.Audit()
		runStore = deps.RunStore
		deps.Checks["postgres"] = pgClient.Pool().Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewOrderbookCache(redisClient, cfg.Redis.BookTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Checks["s3"] = s3Client.Health

		// Archiving needs the run table as its source.
		if deps.RunStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				deps.RunStore,
				deps.AuditStore,
				cfg.Archive.BatchSize,
				logger,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Venue ---
	ex, err := newPaperExchange(ctx, cfg.Paper, deps.BookCache, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: paper: %w", err)
	}
	deps.Exchange = ex

	// --- Execution ---
	deps.RunService = service.NewRunService(runStore, deps.SignalBus, deps.AuditStore, deps.Notifier, logger)
	risk := service.NewRiskService(service.RiskConfig{
		MaxRunAmount:   cfg.Risk.MaxRunAmount,
		MaxActiveRuns:  cfg.Risk.MaxActiveRuns,
		AllowedSymbols: cfg.Risk.AllowedSymbols,
	}, logger)
	registry := executor.NewRegistry(deps.LockManager, cfg.Arbitrage.SymbolLockTTL.Duration)
	deps.Coordinator = executor.NewCoordinator(ex, registry, executorConfig(cfg.Arbitrage), deps.RunService, risk, logger)

	return deps, cleanup, nil
}

// executorConfig maps the [arbitrage] section onto the executor tuning.
// Retry delays keep their executor defaults.
func executorConfig(a config.ArbitrageConfig) executor.Config {
	cfg := executor.DefaultConfig()
	cfg.EntrySpread = a.EntrySpread
	cfg.ExitSpread = a.ExitSpread
	cfg.MarginPercent = a.MarginPercent
	cfg.MinCostBuffer = a.MinCostBuffer
	cfg.AttemptTimeout = a.AttemptTimeout.Duration
	cfg.LagGrace = a.LagGrace.Duration
	cfg.VolatilityWindow = a.VolatilityWindow.Duration
	cfg.BookDepth = a.BookDepth
	cfg.FutureSuffix = a.FutureSuffix
	cfg.MaxFailedAttempts = a.MaxFailedAttempts
	return cfg
}
