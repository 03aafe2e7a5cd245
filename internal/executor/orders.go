package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// orderClient wraps venue order calls with indefinite retry on transient
// errors. Permanent errors are returned to the caller.
type orderClient struct {
	ex        domain.Exchange
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
}

func newOrderClient(ex domain.Exchange, cfg Config, logger *slog.Logger) *orderClient {
	return &orderClient{
		ex:        ex,
		baseDelay: cfg.RetryBaseDelay,
		maxDelay:  cfg.RetryMaxDelay,
		logger:    logger,
	}
}

// backoff returns baseDelay * 2^attempt capped at maxDelay.
func (c *orderClient) backoff(attempt int) time.Duration {
	if attempt < 0 {
		return c.baseDelay
	}
	if attempt > 30 {
		return c.maxDelay
	}
	d := c.baseDelay * time.Duration(1<<attempt)
	if d > c.maxDelay || d <= 0 {
		return c.maxDelay
	}
	return d
}

func (c *orderClient) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Place submits req, retrying rate-limit and timeout failures.
func (c *orderClient) Place(ctx context.Context, req domain.OrderRequest) (domain.LiveOrder, error) {
	for attempt := 0; ; attempt++ {
		o, err := c.ex.PlaceOrder(ctx, req)
		if err == nil {
			// Venues may omit these on the creation response.
			if o.Symbol == "" {
				o.Symbol = req.Symbol
			}
			if o.Side == "" {
				o.Side = req.Side
			}
			return o, nil
		}
		if !domain.IsTransient(err) {
			return domain.LiveOrder{}, err
		}
		c.logger.Warn("place order retry",
			slog.String("symbol", req.Symbol),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if werr := c.wait(ctx, attempt); werr != nil {
			return domain.LiveOrder{}, werr
		}
	}
}

// Cancel cancels o, retrying transient failures. It reports false when the
// venue refused the cancel for any other reason; the order may already be
// finished.
func (c *orderClient) Cancel(ctx context.Context, o *domain.LiveOrder) bool {
	for attempt := 0; ; attempt++ {
		err := c.ex.CancelOrder(ctx, o.ID, o.Symbol)
		if err == nil {
			return true
		}
		if !domain.IsTransient(err) {
			c.logger.Debug("cancel refused",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
		if werr := c.wait(ctx, attempt); werr != nil {
			return false
		}
	}
}
