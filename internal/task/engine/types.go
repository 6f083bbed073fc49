package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler is trigger-only; execution settings belong here. Tasks run
// once: there are no retries, no timeouts and no overlap suppression, so a
// hung task holds its worker until it returns.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	HistorySize int
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
	// Discard is called with ErrStopped when the task was queued but the
	// engine stopped before a worker picked it up.
	Discard func(err error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
	History  []HistoryItem
}
