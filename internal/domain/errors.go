package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrRateLimited           = errors.New("rate limited")
	ErrTimeout               = errors.New("request timed out")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidOrder          = errors.New("invalid order parameters")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSymbolBusy            = errors.New("symbol already has an active run")
	ErrBelowMinimum          = errors.New("amount below exchange minimum cost")
	ErrFillLogClosed         = errors.New("fill log closed")
	ErrLockHeld              = errors.New("lock already held")
	ErrInvalidRequest        = errors.New("invalid run request")
	ErrRiskRejected          = errors.New("rejected by risk limits")
	ErrShutdown              = errors.New("coordinator shut down")
)

// IsTransient reports whether err is a retryable venue error (rate limit or
// request timeout). Everything else is treated as a permanent failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// InvalidOrderError is returned when a computed order still violates venue
// precision or limits. It aborts the run.
type InvalidOrderError struct {
	Symbol string
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order for %s: %s", e.Symbol, e.Reason)
}

func (e *InvalidOrderError) Unwrap() error { return ErrInvalidOrder }

// LegImbalanceError signals that a leg pair can no longer complete normally:
// a placement was rejected or the attempt timed out. Either order may be nil
// when its placement never succeeded.
type LegImbalanceError struct {
	Direction Direction
	Spot      *LiveOrder
	Future    *LiveOrder
	Cause     error
}

func (e *LegImbalanceError) Error() string {
	spot, future := "none", "none"
	if e.Spot != nil {
		spot = e.Spot.ID
	}
	if e.Future != nil {
		future = e.Future.ID
	}
	msg := fmt.Sprintf("%s leg imbalance (spot=%s future=%s)", e.Direction, spot, future)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LegImbalanceError) Unwrap() error { return e.Cause }
