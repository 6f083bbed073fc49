package config

import (
	"reflect"
	"sort"
	"strings"

	logx "puddlejobs/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens or DSNs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE := oldCfg.EffectiveTaskEngine()
	nTE := newCfg.EffectiveTaskEngine()
	if !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", *nTE.Enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
		)
	}

	if oldCfg.Plugins != newCfg.Plugins {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.String("plugins.kill_grace", strings.TrimSpace(newCfg.Plugins.KillGrace)),
			logx.Int("plugins.log_lines_per_sec", newCfg.Plugins.LogLinesPerSec),
		)
	}

	// Restart-only sections: reported so operators know a restart is needed.
	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		(strings.TrimSpace(oldCfg.Storage.DSN) != strings.TrimSpace(newCfg.Storage.DSN)) ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if oldCfg.Artifacts != newCfg.Artifacts {
		changed = append(changed, "artifacts")
		attrs = append(attrs, logx.String("artifacts.base_path", newCfg.Artifacts.BasePath))
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
			logx.Strings("notifier.statuses", newN.Statuses),
		)
	}

	oldM, newM := derefMetrics(oldCfg.Metrics), derefMetrics(newCfg.Metrics)
	if oldM != newM {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newM.Enabled),
			logx.String("metrics.addr", newM.Addr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}
