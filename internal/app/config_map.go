package app

import (
	"fmt"
	"strings"
	"time"

	"puddlejobs/internal/config"
	"puddlejobs/internal/notify"
	"puddlejobs/internal/plugin"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/engine"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

const (
	defaultMetricsAddr = "127.0.0.1:9464"
	defaultMetricsPath = "/metrics"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.DurationField("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	if driver != "memory" && strings.TrimSpace(sc.DSN) == "" {
		return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
	}
	return storage.Config{
		Driver:       driver,
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConn,
	}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	te := cfg.EffectiveTaskEngine()
	return engine.Config{
		Enabled:     *te.Enabled,
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		HistorySize: te.HistorySize,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapPluginConfig(cfg *config.Config) (plugin.Config, error) {
	grace, err := config.DurationField("plugins.kill_grace", cfg.Plugins.KillGrace, 0)
	if err != nil {
		return plugin.Config{}, err
	}
	return plugin.Config{
		WorkDir:        strings.TrimSpace(cfg.Plugins.WorkDir),
		KillGrace:      grace,
		LogLinesPerSec: cfg.Plugins.LogLinesPerSec,
	}, nil
}

type notifierSettings struct {
	service     notify.Config
	token       string
	breaker     notify.BreakerConfig
	sendTimeout time.Duration
}

func mapNotifierConfig(cfg *config.Config) (notifierSettings, error) {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return notifierSettings{}, nil
	}
	statuses, err := notify.ParseStatuses(n.Statuses)
	if err != nil {
		return notifierSettings{}, err
	}
	breakerTimeout, err := config.DurationField("notifier.breaker_timeout", n.BreakerTimeout, time.Minute)
	if err != nil {
		return notifierSettings{}, err
	}
	sendTimeout, err := config.DurationField("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notifierSettings{}, err
	}
	return notifierSettings{
		service: notify.Config{
			Enabled:     true,
			ChatID:      n.ChatID,
			ThreadID:    n.ThreadID,
			Statuses:    statuses,
			RetryMax:    2,
			DedupWindow: time.Minute,
			SendTimeout: sendTimeout,
		},
		token:       strings.TrimSpace(n.Token),
		breaker:     notify.BreakerConfig{Failures: n.BreakerFailures, Timeout: breakerTimeout},
		sendTimeout: sendTimeout,
	}, nil
}

type metricsSettings struct {
	enabled bool
	addr    string
	path    string
	pprof   bool
}

func mapMetricsConfig(cfg *config.Config) metricsSettings {
	m := cfg.Metrics
	if m == nil || !m.Enabled {
		return metricsSettings{}
	}
	out := metricsSettings{enabled: true, addr: strings.TrimSpace(m.Addr), path: strings.TrimSpace(m.Path), pprof: m.Pprof}
	if out.addr == "" {
		out.addr = defaultMetricsAddr
	}
	if out.path == "" {
		out.path = defaultMetricsPath
	}
	return out
}
