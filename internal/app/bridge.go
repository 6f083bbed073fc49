package app

import (
	"context"
	"errors"
	"time"

	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/metrics"
	"puddlejobs/internal/task/engine"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

const triggerGaugeInterval = 15 * time.Second

// bridgeMetrics feeds scheduler events into the metrics sink. The scheduler
// itself only publishes on the bus.
func (a *App) bridgeMetrics(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()

	tick := time.NewTicker(triggerGaugeInterval)
	defer tick.Stop()
	a.sink.TriggersRegistered(len(a.sched.Snapshot().Triggers))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			a.sink.TriggersRegistered(len(a.sched.Snapshot().Triggers))
		case e := <-events:
			switch e.Type {
			case eventbus.TopicTriggerFired:
				a.sink.TriggerFired()
			case eventbus.TopicFiringDropped:
				if d, ok := e.Data.(scheduler.DroppedFiring); ok {
					a.sink.FiringDropped(dropReason(d.Err))
				}
			}
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		return metrics.DropQueueFull
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return metrics.DropStopped
	case errors.Is(err, engine.ErrDisabled):
		return metrics.DropDisabled
	default:
		return metrics.DropOther
	}
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}
