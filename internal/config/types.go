package config

// Config is the whole service configuration, loaded from one YAML or JSON file.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Artifacts ArtifactsConfig `json:"artifacts"`

	// Scheduler controls trigger behavior (cron parsing, timezone).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs firings.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Plugins  PluginsConfig   `json:"plugins"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Drivers:
//   - "memory": in-process maps, nothing survives a restart
//   - "sqlite": modernc.org/sqlite, DSN is a file path
//   - "postgres": lib/pq
//   - "pgx": jackc/pgx stdlib driver
//
// Example:
//
//	storage: { driver: sqlite, dsn: ./puddlejobs.db, busy_timeout: 5s }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConn int    `json:"max_open_conns,omitempty"`
}

// ArtifactsConfig locates uploaded job artifacts on disk.
type ArtifactsConfig struct {
	BasePath string `json:"base_path"`
	// Manifest is the default manifest file name inside an artifact.
	Manifest string `json:"manifest,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name). Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the firing worker pool.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 4
//   - queue_size: 256
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	Workers     int   `json:"workers,omitempty"`
	QueueSize   int   `json:"queue_size,omitempty"`
	HistorySize int   `json:"history_size,omitempty"`
}

// PluginsConfig controls job process isolation.
type PluginsConfig struct {
	// WorkDir holds one scratch directory per firing. Empty means os.TempDir().
	WorkDir string `json:"work_dir,omitempty"`
	// KillGrace is how long a cancelled job process gets before it is killed.
	KillGrace string `json:"kill_grace,omitempty"`
	// LogLinesPerSec throttles forwarded job output (0 = default).
	LogLinesPerSec int `json:"log_lines_per_sec,omitempty"`
}

// NotifierConfig controls Telegram alerts for finished executions.
type NotifierConfig struct {
	Enabled  bool     `json:"enabled"`
	Token    string   `json:"token"`
	ChatID   int64    `json:"chat_id"`
	ThreadID int      `json:"thread_id,omitempty"`
	Statuses []string `json:"statuses,omitempty"` // default: ["failed"]

	// Breaker settings; Go duration strings.
	BreakerTimeout  string `json:"breaker_timeout,omitempty"`
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default: "/metrics"
	// Pprof mounts /debug/pprof on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

// EffectiveTaskEngine fills task engine defaults.
func (c *Config) EffectiveTaskEngine() TaskEngineConfig {
	out := TaskEngineConfig{}
	if c.TaskEngine != nil {
		out = *c.TaskEngine
	}
	if out.Enabled == nil {
		enabled := c.Scheduler.Enabled
		out.Enabled = &enabled
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	return out
}
