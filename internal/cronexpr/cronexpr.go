// Package cronexpr parses schedule recurrence rules.
//
// The dialect is robfig/cron with an optional leading seconds field and
// descriptors (@hourly, @every 5m). "?" is accepted as "any", so Quartz-style
// rules such as "0 0 * * * ?" parse; a trailing Quartz year field is accepted
// only when it is "*" or "?".
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrEmpty = errors.New("cron expression is empty")

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Normalize trims the expression and drops a wildcard year field.
func Normalize(expr string) (string, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return "", ErrEmpty
	}
	if strings.HasPrefix(s, "@") {
		return s, nil
	}
	fields := strings.Fields(s)
	if len(fields) == 7 {
		year := fields[6]
		if year != "*" && year != "?" {
			return "", fmt.Errorf("cron expression %q: year field %q is not supported", expr, year)
		}
		fields = fields[:6]
	}
	return strings.Join(fields, " "), nil
}

// Parse returns the schedule for expr.
func Parse(expr string) (cron.Schedule, error) {
	s, err := Normalize(expr)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return sched, nil
}

func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next returns up to n fire times strictly after from, in loc (nil = from's zone).
func Next(expr string, from time.Time, n int, loc *time.Location) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if loc != nil {
		from = from.In(loc)
	}
	out := make([]time.Time, 0, max(n, 0))
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Result is a validation verdict suitable for API responses.
type Result struct {
	Valid       bool        `json:"valid"`
	Error       string      `json:"error,omitempty"`
	Description string      `json:"description,omitempty"`
	NextTimes   []time.Time `json:"next_times,omitempty"`
}

// Check validates expr and previews the next n fire times.
func Check(expr string, from time.Time, n int, loc *time.Location) Result {
	next, err := Next(expr, from, n, loc)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}
	}
	norm, _ := Normalize(expr)
	return Result{Valid: true, Description: describe(norm), NextTimes: next}
}

func describe(expr string) string {
	switch expr {
	case "@yearly", "@annually":
		return "once a year, at midnight on January 1"
	case "@monthly":
		return "once a month, at midnight on day 1"
	case "@weekly":
		return "once a week, at midnight on Sunday"
	case "@daily", "@midnight":
		return "once a day, at midnight"
	case "@hourly":
		return "once an hour, at minute 0"
	}
	if every, ok := strings.CutPrefix(expr, "@every "); ok {
		return "every " + strings.TrimSpace(every)
	}
	fields := strings.Fields(expr)
	names := []string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	if len(fields) == 6 {
		names = append([]string{"second"}, names...)
	}
	parts := make([]string, 0, len(fields))
	for i, f := range fields {
		if f == "*" || f == "?" {
			continue
		}
		parts = append(parts, names[i]+"="+f)
	}
	if len(parts) == 0 {
		if len(fields) == 6 {
			return "every second"
		}
		return "every minute"
	}
	return "at " + strings.Join(parts, ", ")
}
