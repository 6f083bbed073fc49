package app

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"time"

	"puddlejobs/internal/config"
	logx "puddlejobs/pkg/logx"
)

// reloadLoop applies validated config reloads to the live components.
// Storage and artifact settings only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()

	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"storage", "artifacts"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if err := a.logs.Apply(mapLoggingConfig(next)); err != nil {
		a.log.Warn("log file unavailable; console only", logx.Err(err))
	}

	// Engine before scheduler when enabling, scheduler before engine when disabling.
	engCfg := mapEngineConfig(next)
	if !engCfg.Enabled {
		a.applyScheduler(ctx, next)
	}
	a.engine.Apply(ctx, engCfg)
	if engCfg.Enabled {
		a.applyScheduler(ctx, next)
	}

	a.applyNotifier(ctx, prev, next)

	if slices.Contains(sections, "plugins") || slices.Contains(sections, "metrics") {
		a.log.Warn("plugins and metrics settings apply after a restart")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(ctx context.Context, next *config.Config) {
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	a.sched.Apply(stopCtx, mapSchedulerConfig(next))
}

func (a *App) applyNotifier(ctx context.Context, prev, next *config.Config) {
	ns, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	old, _ := mapNotifierConfig(prev)

	wasEnabled := a.notif.Enabled()
	if ns.service.Enabled && (!wasEnabled || ns.token != old.token) {
		sender, err := newSender(ns, a.log)
		if err != nil {
			a.log.Warn("notifier sender not rebuilt; keeping previous", logx.Err(err))
			return
		}
		a.notif.SetSender(sender)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	switch {
	case wasEnabled && !ns.service.Enabled:
		a.notif.Stop(stopCtx)
		a.notif.Apply(ns.service)
		a.log.Info("notifier disabled via config")
	case !wasEnabled && ns.service.Enabled:
		a.notif.Apply(ns.service)
		a.notif.Start(ctx)
		a.log.Info("notifier enabled via config")
	case ns.service.Enabled && !reflect.DeepEqual(old.service, ns.service):
		// Queue and worker sizes are fixed per run; restart to resize.
		a.notif.Stop(stopCtx)
		a.notif.Apply(ns.service)
		a.notif.Start(ctx)
	}
}
