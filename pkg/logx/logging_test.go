package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLoggerCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"), Int64("job_id", 7))
	log.Error("boom", Err(errors.New("bad")), String("fire_instance_id", "f-1"))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["fire_instance_id"] != "f-1" || m["err"] != "bad" {
		t.Fatalf("fields = %v", m)
	}
	if got, _ := m["job_id"].(float64); got != 7 {
		t.Fatalf("job_id = %v, want 7", m["job_id"])
	}
	if m["level"] != "error" {
		t.Fatalf("level = %v, want error", m["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info line should be filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestServiceApplyRetargetsLoggers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	comp := log.With(String("comp", "sched"))
	comp.Debug("too quiet")
	comp.Info("to first")

	second := filepath.Join(dir, "second.log")
	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	comp.Debug("to second")

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !strings.Contains(string(a), "to first") || strings.Contains(string(a), "too quiet") || strings.Contains(string(a), "to second") {
		t.Fatalf("first log = %q", a)
	}
	if !strings.Contains(string(b), "to second") || !strings.Contains(string(b), `"comp":"sched"`) {
		t.Fatalf("second log = %q", b)
	}

	bad := filepath.Join(dir, "missing", "x.log")
	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: bad}}); err == nil || !strings.Contains(err.Error(), bad) {
		t.Fatalf("Apply with unopenable file: %v", err)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if l.With(String("k", "v")).IsZero() {
		t.Fatalf("logger with fields should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
