package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// RiskConfig holds the limits applied before a run is accepted. Zero values
// disable a check.
type RiskConfig struct {
	MaxRunAmount   decimal.Decimal
	MaxActiveRuns  int
	AllowedSymbols []string
}

// RiskService rejects runs that exceed operator limits before any capital is
// committed.
type RiskService struct {
	cfg     RiskConfig
	allowed map[string]bool
	logger  *slog.Logger
}

// NewRiskService creates a RiskService.
func NewRiskService(cfg RiskConfig, logger *slog.Logger) *RiskService {
	allowed := make(map[string]bool, len(cfg.AllowedSymbols))
	for _, s := range cfg.AllowedSymbols {
		if s = strings.TrimSpace(s); s != "" {
			allowed[s] = true
		}
	}
	return &RiskService{
		cfg:     cfg,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "risk_service")),
	}
}

// PreRunCheck validates req given the number of runs already active.
//
// Checks performed:
//  1. Symbol is on the allow list
//  2. Entry budget within limit
//  3. Concurrent run limit
func (s *RiskService) PreRunCheck(ctx context.Context, req domain.RunRequest, active int) error {
	if len(s.allowed) > 0 && !s.allowed[req.Symbol] {
		s.logger.WarnContext(ctx, "risk_service: symbol not allowed", slog.String("symbol", req.Symbol))
		return fmt.Errorf("risk_service: %w: symbol %s not allowed", domain.ErrRiskRejected, req.Symbol)
	}

	if s.cfg.MaxRunAmount.IsPositive() && req.Amount.GreaterThan(s.cfg.MaxRunAmount) {
		s.logger.WarnContext(ctx, "risk_service: run amount exceeds limit",
			slog.String("symbol", req.Symbol),
			slog.String("amount", req.Amount.String()),
			slog.String("max", s.cfg.MaxRunAmount.String()),
		)
		return fmt.Errorf("risk_service: %w: amount %s exceeds max %s", domain.ErrRiskRejected, req.Amount, s.cfg.MaxRunAmount)
	}

	if s.cfg.MaxActiveRuns > 0 && active >= s.cfg.MaxActiveRuns {
		s.logger.WarnContext(ctx, "risk_service: max active runs reached",
			slog.Int("active", active),
			slog.Int("max", s.cfg.MaxActiveRuns),
		)
		return fmt.Errorf("risk_service: %w: max active runs reached (%d/%d)", domain.ErrRiskRejected, active, s.cfg.MaxActiveRuns)
	}

	return nil
}
