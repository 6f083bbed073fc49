package params

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

var timeLayouts = []string{
	"15:04:05.999999999",
	"15:04",
}

// Convert turns a stored string into a value of the tagged type.
// An empty raw value converts to nil for every type.
func Convert(raw, tag string) (any, error) {
	t, err := ParseType(tag)
	if err != nil {
		return nil, err
	}
	return t.Convert(raw)
}

func (t Type) Convert(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := t.convert(raw)
	if err != nil {
		return nil, &ConversionError{Raw: raw, Type: t.String(), Err: err}
	}
	return v, nil
}

func (t Type) convert(raw string) (any, error) {
	switch t.Kind {
	case KindString:
		return raw, nil
	case KindChar:
		if utf8.RuneCountInString(raw) != 1 {
			return nil, fmt.Errorf("want exactly one character, got %d", utf8.RuneCountInString(raw))
		}
		r, _ := utf8.DecodeRuneInString(raw)
		return Char(r), nil
	case KindInt32:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case KindInt64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case KindDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case KindDateTime:
		return parseDateTime(strings.TrimSpace(raw))
	case KindTime:
		return parseTimeOfDay(strings.TrimSpace(raw))
	case KindDate:
		d, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		return Date{Year: d.Year(), Month: int(d.Month()), Day: d.Day()}, nil
	case KindUUID:
		return uuid.Parse(strings.TrimSpace(raw))
	default:
		return nil, &UnsupportedTypeError{Type: string(t.Kind)}
	}
}

func parseDateTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range dateTimeLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func parseTimeOfDay(s string) (TimeOfDay, error) {
	var firstErr error
	for _, layout := range timeLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return TimeOfDay{Hour: ts.Hour(), Minute: ts.Minute(), Second: ts.Second(), Nanosecond: ts.Nanosecond()}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return TimeOfDay{}, firstErr
}
