package domain

import "time"

// RunEventType names a run lifecycle event.
type RunEventType string

const (
	RunEventStarted   RunEventType = "run.started"
	RunEventAttempt   RunEventType = "run.attempt"
	RunEventCompleted RunEventType = "run.completed"
	RunEventAborted   RunEventType = "run.aborted"
)

// RunEvent is published on the signal bus and relayed to websocket clients.
type RunEvent struct {
	Type      RunEventType   `json:"type"`
	RunID     string         `json:"run_id"`
	Symbol    string         `json:"symbol"`
	Direction Direction      `json:"direction,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}
