package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"puddlejobs/internal/domain"
	logx "puddlejobs/pkg/logx"
)

func TestPrometheusSinkRecords(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, logx.Nop())

	s.ExecutionStarted(1)
	s.ExecutionStarted(2)
	s.ExecutionFinished(1, domain.StatusFailed, 2*time.Second)
	s.FiringDropped(DropQueueFull)
	s.TriggersRegistered(3)
	s.ReconcileCompleted("initialize", nil)
	s.ReconcileCompleted("initialize", errors.New("x"))
	s.PluginContextsOpen(1)
	s.PluginContextsOpen(-1)

	if got := testutil.ToFloat64(s.executionsStarted); got != 2 {
		t.Fatalf("started = %v", got)
	}
	if got := testutil.ToFloat64(s.executionsRunning); got != 1 {
		t.Fatalf("running = %v", got)
	}
	if got := testutil.ToFloat64(s.executionsFinished.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(s.firingsDropped.WithLabelValues(DropQueueFull)); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
	if got := testutil.ToFloat64(s.triggersRegistered); got != 3 {
		t.Fatalf("registered = %v", got)
	}
	if got := testutil.ToFloat64(s.reconcileOps.WithLabelValues("initialize", "error")); got != 1 {
		t.Fatalf("reconcile errors = %v", got)
	}
	if got := testutil.ToFloat64(s.contextsOpen); got != 0 {
		t.Fatalf("contexts = %v", got)
	}
}

func TestDoubleRegistrationDoesNotPanic(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, logx.Nop())
	s := NewPrometheusSink(reg, logx.Nop())
	s.TriggerFired()
}

func TestServerExposesMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, logx.Nop())
	s.TriggerFired()

	srv, err := Listen("127.0.0.1:0", "/metrics", reg, logx.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "puddlejobs_scheduler_triggers_fired_total 1") {
		t.Fatalf("body missing counter:\n%s", body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServerMountsPprof(t *testing.T) {
	t.Parallel()

	srv, err := Listen("127.0.0.1:0", "", prometheus.NewRegistry(), logx.Nop(), WithPprof(""))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	for _, path := range []string{"/metrics", "/debug/pprof/cmdline"} {
		resp, err := http.Get("http://" + srv.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}
