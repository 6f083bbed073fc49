package params

import (
	"fmt"
	"strings"
)

// Kind is a canonical parameter type tag.
type Kind string

const (
	KindString   Kind = "string"
	KindChar     Kind = "char"
	KindInt32    Kind = "int32"
	KindInt64    Kind = "int64"
	KindDouble   Kind = "double"
	KindDateTime Kind = "datetime"
	KindTime     Kind = "time"
	KindDate     Kind = "date"
	KindUUID     Kind = "uuid"
)

// Type is a parsed tag: a kind plus the nullable flag ("int32?").
type Type struct {
	Kind     Kind
	Nullable bool
}

func (t Type) String() string {
	if t.Nullable {
		return string(t.Kind) + "?"
	}
	return string(t.Kind)
}

var aliases = map[string]Kind{
	"string":    KindString,
	"text":      KindString,
	"char":      KindChar,
	"int32":     KindInt32,
	"int":       KindInt32,
	"integer":   KindInt32,
	"int64":     KindInt64,
	"long":      KindInt64,
	"double":    KindDouble,
	"float64":   KindDouble,
	"float":     KindDouble,
	"datetime":  KindDateTime,
	"timestamp": KindDateTime,
	"time":      KindTime,
	"timeofday": KindTime,
	"date":      KindDate,
	"uuid":      KindUUID,
	"guid":      KindUUID,
}

// ParseType resolves a stored tag. Unknown tags yield *UnsupportedTypeError.
func ParseType(tag string) (Type, error) {
	s := strings.ToLower(strings.TrimSpace(tag))
	nullable := false
	if strings.HasSuffix(s, "?") {
		nullable = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "?"))
	}
	k, ok := aliases[s]
	if !ok {
		return Type{}, &UnsupportedTypeError{Type: tag}
	}
	return Type{Kind: k, Nullable: nullable}, nil
}

// Supported reports whether tag names a registered type.
func Supported(tag string) bool {
	_, err := ParseType(tag)
	return err == nil
}

// Char is a single character value. It encodes as a one-character string.
type Char rune

func (c Char) String() string { return string(rune(c)) }

func (c Char) MarshalText() ([]byte, error) { return []byte(string(rune(c))), nil }

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month int
	Day   int
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day) }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

func (t TimeOfDay) String() string {
	if t.Nanosecond == 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d:%02d.%09d", t.Hour, t.Minute, t.Second, t.Nanosecond)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
