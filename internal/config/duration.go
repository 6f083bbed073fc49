package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationField parses a Go duration string from the config. A blank value
// yields def; negative values are rejected. path names the field in errors.
func DurationField(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// durationFields lists every duration string in cfg with its path.
func durationFields(cfg *Config) [][2]string {
	out := [][2]string{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"plugins.kill_grace", cfg.Plugins.KillGrace},
	}
	if n := cfg.Notifier; n != nil {
		out = append(out,
			[2]string{"notifier.breaker_timeout", n.BreakerTimeout},
			[2]string{"notifier.send_timeout", n.SendTimeout},
		)
	}
	return out
}
