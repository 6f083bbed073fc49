package params

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestConvertTypes(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("6f1c1d0e-8a55-4a43-9b1a-0d6bb3c1e7a2")
	cases := []struct {
		name string
		raw  string
		tag  string
		want any
	}{
		{"string", "hello", "string", "hello"},
		{"string alias", "x", "text", "x"},
		{"char", "é", "char", Char('é')},
		{"int32", "42", "int32", int32(42)},
		{"int32 spaces", " -7 ", "int", int32(-7)},
		{"int64", "9000000000", "int64", int64(9000000000)},
		{"double", "3.25", "double", 3.25},
		{"date", "2024-02-29", "date", Date{Year: 2024, Month: 2, Day: 29}},
		{"time", "13:45:10", "time", TimeOfDay{Hour: 13, Minute: 45, Second: 10}},
		{"time short", "07:05", "time", TimeOfDay{Hour: 7, Minute: 5}},
		{"uuid", id.String(), "uuid", id},
		{"nullable int", "5", "int32?", int32(5)},
		{"nullable uuid", id.String(), "guid?", id},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Convert(tc.raw, tc.tag)
			if err != nil {
				t.Fatalf("Convert(%q, %q) error: %v", tc.raw, tc.tag, err)
			}
			if got != tc.want {
				t.Fatalf("Convert(%q, %q) = %#v, want %#v", tc.raw, tc.tag, got, tc.want)
			}
		})
	}
}

func TestConvertDateTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	for _, raw := range []string{"2025-03-01T08:30:00Z", "2025-03-01T08:30:00", "2025-03-01 08:30:00", "2025-03-01T08:30"} {
		got, err := Convert(raw, "datetime")
		if err != nil {
			t.Fatalf("Convert(%q) error: %v", raw, err)
		}
		if ts := got.(time.Time); !ts.Equal(want) {
			t.Fatalf("Convert(%q) = %v, want %v", raw, ts, want)
		}
	}
}

func TestConvertEmptyIsAbsent(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{"string", "int32", "uuid?", "datetime"} {
		got, err := Convert("", tag)
		if err != nil || got != nil {
			t.Fatalf("Convert(\"\", %q) = %v, %v; want nil, nil", tag, got, err)
		}
	}
}

func TestConvertFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw, tag string
	}{
		{"not_an_int", "int32"},
		{"99999999999", "int32"},
		{"not_a_guid", "uuid"},
		{"ab", "char"},
		{"yesterday", "date"},
		{"25:99", "time"},
		{"1.2.3", "double"},
	}
	for _, tc := range cases {
		_, err := Convert(tc.raw, tc.tag)
		if !errors.Is(err, ErrConversion) {
			t.Fatalf("Convert(%q, %q) err = %v, want ErrConversion", tc.raw, tc.tag, err)
		}
		var ce *ConversionError
		if !errors.As(err, &ce) {
			t.Fatalf("Convert(%q, %q) err not *ConversionError", tc.raw, tc.tag)
		}
		if !strings.Contains(err.Error(), "could not convert '"+tc.raw+"'") {
			t.Fatalf("error message = %q", err.Error())
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := Convert("x", "System.Drawing.Color")
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	if Supported("decimal") {
		t.Fatalf("decimal should not be supported")
	}
}

func TestParseTypeNullable(t *testing.T) {
	t.Parallel()

	ty, err := ParseType(" Int64? ")
	if err != nil {
		t.Fatalf("ParseType error: %v", err)
	}
	if ty.Kind != KindInt64 || !ty.Nullable || ty.String() != "int64?" {
		t.Fatalf("ParseType = %+v", ty)
	}
}
