package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var knownDrivers = map[string]struct{}{
	"memory":   {},
	"sqlite":   {},
	"postgres": {},
	"pgx":      {},
}

// Validate checks a parsed config before it is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if _, ok := knownDrivers[driver]; !ok {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if driver != "memory" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q", driver))
	}

	if strings.TrimSpace(cfg.Artifacts.BasePath) == "" {
		errs = append(errs, errors.New("artifacts.base_path: required"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: sizes must be >= 0"))
		}
	}

	if cfg.Plugins.LogLinesPerSec < 0 {
		errs = append(errs, errors.New("plugins.log_lines_per_sec: must be >= 0"))
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			errs = append(errs, errors.New("notifier.token: required when enabled"))
		}
		if n.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id: required when enabled"))
		}
		for _, s := range n.Statuses {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "success", "failed", "cancelled":
			default:
				errs = append(errs, fmt.Errorf("notifier.statuses: unknown status %q", s))
			}
		}
	}

	if m := cfg.Metrics; m != nil && m.Enabled {
		if p := strings.TrimSpace(m.Path); p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("metrics.path: must start with '/': %q", p))
		}
	}

	for _, f := range durationFields(cfg) {
		if _, err := DurationField(f[0], f[1], 0); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
