package metrics

import (
	"time"

	"puddlejobs/internal/domain"
)

// NoopSink discards everything. Used when metrics are disabled.
type NoopSink struct{}

var _ Sink = NoopSink{}

func (NoopSink) ExecutionStarted(int64)                                {}
func (NoopSink) ExecutionFinished(int64, domain.Status, time.Duration) {}
func (NoopSink) PluginContextsOpen(int)                                {}
func (NoopSink) TriggerFired()                                         {}
func (NoopSink) FiringDropped(string)                                  {}
func (NoopSink) TriggersRegistered(int)                                {}
func (NoopSink) ReconcileCompleted(string, error)                      {}
