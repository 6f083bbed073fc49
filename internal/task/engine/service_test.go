package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "puddlejobs/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 2, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{Name: "t", Run: func(context.Context) error { ran.Add(1); return nil }}); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}
	waitFor(t, func() bool { return ran.Load() == 3 })
	waitFor(t, func() bool { return len(s.Snapshot().History) == 3 })
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()

	disabled := New(Config{Enabled: false}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if err := stopped.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("nil Run should be rejected")
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "hold", Run: block}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "queued", Run: block}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := s.Enqueue(Task{Name: "dropped", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	close(release)
}

func TestPanicIsRecorded(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("bad") }})
	waitFor(t, func() bool {
		h := s.Snapshot().History
		return len(h) == 1 && h[0].Error == "panic: bad"
	})

	var ok atomic.Bool
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { ok.Store(true); return nil }})
	waitFor(t, ok.Load)
}

func TestStopCancelsInFlight(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	seen := make(chan error, 1)
	running := make(chan struct{})
	_ = s.Enqueue(Task{Name: "long", Run: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		seen <- ctx.Err()
		return ctx.Err()
	}})
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case err := <-seen:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("task ctx err = %v, want Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight task not cancelled")
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
