package notify

import (
	"context"
	"time"

	"puddlejobs/internal/domain"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int
	// Statuses that produce an alert. Empty means failed only.
	Statuses []domain.Status

	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	SendTimeout   time.Duration
}

// Message is one rendered alert.
type Message struct {
	ChatID   int64
	ThreadID int
	Text     string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// NotificationEvent is published on the notify.* topics.
type NotificationEvent struct {
	ExecutionID int64     `json:"execution_id"`
	JobID       int64     `json:"job_id"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}
