package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RunRequest asks the coordinator to trade the basis on one symbol.
type RunRequest struct {
	Symbol       string
	FutureSymbol string          // derived from Symbol when empty
	Amount       decimal.Decimal // entry budget in quote currency
	EntrySpread  decimal.Decimal // minimum entry spread, percent
	ExitSpread   decimal.Decimal // minimum exit spread, percent
	Resume       string          // resume handle; skips entry when set
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// AttemptOutcome describes how one leg-pair attempt ended.
type AttemptOutcome string

const (
	AttemptFilled    AttemptOutcome = "filled"
	AttemptContinued AttemptOutcome = "continued"
	AttemptRedone    AttemptOutcome = "redone"
	AttemptAbandoned AttemptOutcome = "abandoned"
)

// AttemptRecord is one leg-pair attempt inside a run.
type AttemptRecord struct {
	Direction      Direction       `json:"direction"`
	Outcome        AttemptOutcome  `json:"outcome"`
	SpotOrderID    string          `json:"spot_order_id,omitempty"`
	FutureOrderID  string          `json:"future_order_id,omitempty"`
	SpotFilled     decimal.Decimal `json:"spot_filled"`   // base units
	FutureFilled   decimal.Decimal `json:"future_filled"` // base units
	SpotAverage    decimal.Decimal `json:"spot_average"`
	FutureAverage  decimal.Decimal `json:"future_average"`
	CompensationID string          `json:"compensation_id,omitempty"`
	At             time.Time       `json:"at"`
}

// RunReport is the persisted summary of a run.
type RunReport struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	FutureSymbol  string          `json:"future_symbol"`
	Amount        decimal.Decimal `json:"amount"`
	Status        RunStatus       `json:"status"`
	Entered       decimal.Decimal `json:"entered"` // base quantity held after entry
	EnteredCost   decimal.Decimal `json:"entered_cost"`
	Exited        decimal.Decimal `json:"exited"`
	ProfitPercent decimal.Decimal `json:"profit_percent"` // realized entry basis
	ResumeHandle  string          `json:"resume_handle,omitempty"`
	Attempts      []AttemptRecord `json:"attempts"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ResumeHandle carries what an exit-only run needs to know about a previous
// entry.
type ResumeHandle struct {
	Quantity      decimal.Decimal
	ProfitPercent decimal.Decimal
}

func (h ResumeHandle) String() string {
	return h.Quantity.String() + "," + h.ProfitPercent.String()
}

// ParseResumeHandle decodes "quantity,profitPercent".
func ParseResumeHandle(s string) (ResumeHandle, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return ResumeHandle{}, fmt.Errorf("resume handle %q: want quantity,profit", s)
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return ResumeHandle{}, fmt.Errorf("resume handle quantity: %w", err)
	}
	if !qty.IsPositive() {
		return ResumeHandle{}, fmt.Errorf("resume handle quantity must be positive, got %s", qty)
	}
	profit, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return ResumeHandle{}, fmt.Errorf("resume handle profit: %w", err)
	}
	return ResumeHandle{Quantity: qty, ProfitPercent: profit}, nil
}
