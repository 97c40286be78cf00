package models

import (
	"time"
)

// TaskStatus enumerates lifecycle states persisted in Postgres.
// Transitions are one-directional: queued -> processing -> {completed, failed}.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Task is a generation job persisted in Postgres. Result is set iff the task
// completed; Error is set iff it failed.
type Task struct {
	ID         string         `json:"id"`
	Params     map[string]any `json:"params"`
	Status     string         `json:"status"`
	Position   int64          `json:"position,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *string        `json:"error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Receipt is returned to the caller on submission. Position is an advisory
// snapshot and may be stale by the time it is read.
type Receipt struct {
	ID       string `json:"id"`
	Position int64  `json:"position"`
	Status   string `json:"status"`
}

// QueueInfo is an aggregate observability snapshot. The three values are read
// independently and may be momentarily inconsistent with one another.
type QueueInfo struct {
	QueueLength int64 `json:"queue_length"`
	ActiveCount int64 `json:"active_count"`
	Threshold   int64 `json:"threshold"`
}
