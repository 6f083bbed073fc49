package metrics

import (
	"time"

	"puddlejobs/internal/domain"
)

// Sink records scheduler and execution metrics.
// All methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Execution coordinator
	ExecutionStarted(jobID int64)
	ExecutionFinished(jobID int64, status domain.Status, duration time.Duration)
	PluginContextsOpen(delta int)

	// Scheduler
	TriggerFired()
	FiringDropped(reason string)
	TriggersRegistered(count int)

	// Reconciler
	ReconcileCompleted(op string, err error)
}

// Drop reasons for FiringDropped.
const (
	DropQueueFull = "queue_full"
	DropStopped   = "stopped"
	DropDisabled  = "disabled"
	DropOther     = "other"
)
