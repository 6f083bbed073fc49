package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/execution"
	logx "puddlejobs/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []Message
	fails int
	calls int
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) snapshot() ([]Message, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...), f.calls
}

func finished(id, jobID int64, st domain.Status, errText string) execution.FinishedEvent {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	return execution.FinishedEvent{
		Record: domain.ExecutionRecord{
			ID: id, JobID: jobID, FireInstanceID: "fi-1",
			StartTime: start, EndTime: &end, Status: st,
		},
		JobName: "nightly",
		Stage:   "invoke",
		Error:   errText,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastConfig() Config {
	return Config{
		Enabled:    true,
		ChatID:     42,
		ThreadID:   7,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func TestFailedExecutionIsSentFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := &fakeSender{}
	svc := New(fastConfig(), fs, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	sent, unsub := bus.Subscribe(8)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionFinished, Data: finished(1, 9, domain.StatusSuccess, "")})
	bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionFinished, Data: finished(2, 9, domain.StatusFailed, "exit status 3")})

	waitFor(t, func() bool { msgs, _ := fs.snapshot(); return len(msgs) == 1 })
	msgs, _ := fs.snapshot()
	m := msgs[0]
	if m.ChatID != 42 || m.ThreadID != 7 {
		t.Fatalf("target = %d/%d", m.ChatID, m.ThreadID)
	}
	for _, want := range []string{"<b>job nightly (id 9) failed</b>", "execution: <code>2</code>", "<pre>exit status 3</pre>", "duration: 1.5s"} {
		if !strings.Contains(m.Text, want) {
			t.Errorf("text %q missing %q", m.Text, want)
		}
	}

	for {
		select {
		case e := <-sent:
			if e.Type == eventbus.TopicNotifySent {
				if ev := e.Data.(NotificationEvent); ev.ExecutionID != 2 {
					t.Fatalf("sent event = %+v", ev)
				}
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no notify.sent event")
		}
	}
}

func TestStatusSelection(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Statuses = []domain.Status{domain.StatusCancelled, domain.StatusSuccess}
	fs := &fakeSender{}
	svc := New(cfg, fs, logx.Nop(), nil)
	svc.Start(context.Background())

	ctx := context.Background()
	for i, st := range []domain.Status{domain.StatusFailed, domain.StatusCancelled, domain.StatusSuccess} {
		if err := svc.Finished(ctx, finished(int64(i+1), int64(i+1), st, "")); err != nil {
			t.Fatalf("Finished(%s): %v", st, err)
		}
	}
	svc.Stop(ctx)

	msgs, _ := fs.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	svc := New(fastConfig(), fs, logx.Nop(), bus)
	svc.Start(context.Background())

	if err := svc.Finished(context.Background(), finished(1, 1, domain.StatusFailed, "boom")); err != nil {
		t.Fatal(err)
	}
	svc.Stop(context.Background())

	if _, calls := fs.snapshot(); calls != 3 {
		t.Fatalf("calls = %d, want 1 + 2 retries", calls)
	}
	var failed bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TopicNotifyFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected notify.failed event")
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	fs := &fakeSender{}
	svc := New(cfg, fs, logx.Nop(), nil)
	svc.Start(context.Background())
	for i := 0; i < 3; i++ {
		if err := svc.Finished(context.Background(), finished(int64(i+1), 5, domain.StatusFailed, "same")); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Finished(context.Background(), finished(9, 5, domain.StatusFailed, "different")); err != nil {
		t.Fatal(err)
	}
	svc.Stop(context.Background())
	if msgs, _ := fs.snapshot(); len(msgs) != 2 {
		t.Fatalf("sent %d, want 2", len(msgs))
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()
	ev := finished(1, 1, domain.StatusFailed, "")

	disabled := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	disabled.Start(context.Background())
	if err := disabled.Finished(context.Background(), ev); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err = %v", err)
	}

	stopped := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	if err := stopped.Finished(context.Background(), ev); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err = %v", err)
	}
	stopped.Start(context.Background())
	stopped.Stop(context.Background())
	if err := stopped.Finished(context.Background(), ev); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: err = %v", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 100}
	b := NewBreakerSender(fs, BreakerConfig{Failures: 2, Timeout: time.Hour}, logx.Nop())
	ctx := context.Background()
	m := Message{ChatID: 1, Text: "x"}

	for i := 0; i < 2; i++ {
		if err := b.Send(ctx, m); err == nil || errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("send %d: err = %v, want sender error", i, err)
		}
	}
	if err := b.Send(ctx, m); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if _, calls := fs.snapshot(); calls != 2 {
		t.Fatalf("calls = %d, open breaker must not call through", calls)
	}
	if b.State() != "open" {
		t.Fatalf("state = %s", b.State())
	}
}

func TestParseStatuses(t *testing.T) {
	t.Parallel()
	got, err := ParseStatuses([]string{"Failed", " cancelled ", "failed"})
	if err != nil || len(got) != 2 || got[0] != domain.StatusFailed || got[1] != domain.StatusCancelled {
		t.Fatalf("ParseStatuses = %v, %v", got, err)
	}
	if _, err := ParseStatuses([]string{"running"}); err == nil {
		t.Fatal("running is not a terminal status")
	}
}

func TestNewTelegramSenderRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSender(TelegramConfig{Token: " "}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestRenderEscapesHTML(t *testing.T) {
	t.Parallel()
	ev := finished(3, 4, domain.StatusFailed, "<boom> & "+strings.Repeat("x", MaxMessageLen))
	ev.JobName = "a<b>"
	got := Render(ev)
	if strings.Contains(got, "<boom>") || !strings.Contains(got, "&lt;boom&gt; &amp;") {
		t.Fatalf("error not escaped: %.200s", got)
	}
	if !strings.Contains(got, "job a&lt;b&gt;") {
		t.Fatalf("job name not escaped: %.200s", got)
	}
	if n := len([]rune(got)); n > MaxMessageLen {
		t.Fatalf("rendered %d runes, limit %d", n, MaxMessageLen)
	}
	if !strings.HasSuffix(got, "…</pre>") {
		t.Fatalf("long error should be clipped: ...%s", got[len(got)-20:])
	}
}
