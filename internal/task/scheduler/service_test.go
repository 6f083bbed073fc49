package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/task/engine"
	logx "puddlejobs/pkg/logx"
)

// inlineDispatcher runs tasks synchronously and records them.
type inlineDispatcher struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (d *inlineDispatcher) Enqueue(t engine.Task) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
	return t.Run(context.Background())
}

func (d *inlineDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

type firings struct {
	mu  sync.Mutex
	got []Firing
}

func (f *firings) handle(_ context.Context, fr Firing) error {
	f.mu.Lock()
	f.got = append(f.got, fr)
	f.mu.Unlock()
	return nil
}

func (f *firings) list() []Firing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Firing(nil), f.got...)
}

func newTestService(enabled bool) (*Service, *inlineDispatcher, *firings) {
	d := &inlineDispatcher{}
	f := &firings{}
	return New(Config{Enabled: enabled, Timezone: "UTC"}, d, f.handle, logx.Nop(), nil), d, f
}

func TestAddJobIsDurableAndKeyed(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(false)
	key := domain.JobKeyFor(1)

	if err := s.AddJob(key, JobData{JobID: 1}, false); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if !s.JobExists(key) {
		t.Fatalf("job should exist without any trigger")
	}
	if err := s.AddJob(key, JobData{JobID: 1}, false); !errors.Is(err, ErrJobExists) {
		t.Fatalf("second AddJob err = %v, want ErrJobExists", err)
	}
	if err := s.AddJob(key, JobData{JobID: 1}, true); err != nil {
		t.Fatalf("replace AddJob error: %v", err)
	}
	if got := len(s.Snapshot().Jobs); got != 1 {
		t.Fatalf("jobs = %d, want 1", got)
	}
}

func TestScheduleTriggerValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(false)
	tk := domain.TriggerKeyFor(1, 2)

	if err := s.ScheduleTrigger(tk, domain.JobKeyFor(1), "0 0 * * * ?"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
	_ = s.AddJob(domain.JobKeyFor(1), JobData{JobID: 1}, false)
	if err := s.ScheduleTrigger(tk, domain.JobKeyFor(1), "every tuesday"); err == nil {
		t.Fatalf("invalid cron should be rejected")
	}
	if err := s.ScheduleTrigger(tk, domain.JobKeyFor(1), "0 0 * * * ?"); err != nil {
		t.Fatalf("ScheduleTrigger error: %v", err)
	}
	// Replace keeps a single trigger with the new expression.
	if err := s.ScheduleTrigger(tk, domain.JobKeyFor(1), "0 30 * * * ?"); err != nil {
		t.Fatalf("ScheduleTrigger replace error: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Triggers) != 1 || snap.Triggers[0].Expr != "0 30 * * * ?" {
		t.Fatalf("triggers = %+v", snap.Triggers)
	}
}

func TestDeleteJobCascadesTriggers(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(true)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	j1, j2 := domain.JobKeyFor(1), domain.JobKeyFor(2)
	_ = s.AddJob(j1, JobData{JobID: 1}, false)
	_ = s.AddJob(j2, JobData{JobID: 2}, false)
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(1, 10), j1, "0 0 * * * ?")
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(1, 11), j1, "0 0 * * * ?")
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(2, 10), j2, "0 0 * * * ?")

	if !s.DeleteJob(j1) {
		t.Fatalf("DeleteJob should report removal")
	}
	if s.DeleteJob(j1) {
		t.Fatalf("second DeleteJob should report nothing removed")
	}
	snap := s.Snapshot()
	if len(snap.Jobs) != 1 || len(snap.Triggers) != 1 || snap.Triggers[0].Key != domain.TriggerKeyFor(2, 10) {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Triggers[0].Next.IsZero() {
		t.Fatalf("running scheduler should report a next fire time")
	}
}

func TestGroupOperations(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(false)
	for _, id := range []int64{1, 2} {
		_ = s.AddJob(domain.JobKeyFor(id), JobData{JobID: id}, false)
		_ = s.ScheduleTrigger(domain.TriggerKeyFor(id, 7), domain.JobKeyFor(id), "0 0 * * * ?")
	}
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(1, 8), domain.JobKeyFor(1), "0 0 * * * ?")

	keys := s.TriggerKeys("7")
	if len(keys) != 2 || keys[0].Name != "trigger_1_7" || keys[1].Name != "trigger_2_7" {
		t.Fatalf("TriggerKeys(7) = %v", keys)
	}
	if n := s.UnscheduleTriggers(append(keys, domain.TriggerKey{Name: "ghost", Group: "7"})); n != 2 {
		t.Fatalf("UnscheduleTriggers removed %d, want 2", n)
	}
	if len(s.TriggerKeys("7")) != 0 || len(s.TriggerKeys("8")) != 1 {
		t.Fatalf("group 7 should be empty, group 8 untouched")
	}
	if !s.JobExists(domain.JobKeyFor(2)) {
		t.Fatalf("unscheduling triggers must keep durable jobs")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(true)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.AddJob(domain.JobKeyFor(1), JobData{JobID: 1}, false)
	_ = s.AddJob(domain.JobKeyFor(2), JobData{JobID: 2}, false)
	a := domain.TriggerKeyFor(1, 5)
	b := domain.TriggerKeyFor(2, 5)
	_ = s.ScheduleTrigger(a, domain.JobKeyFor(1), "0 0 * * * ?")
	_ = s.ScheduleTrigger(b, domain.JobKeyFor(2), "0 0 * * * ?")

	// Job 2 is paused on its own before the group pause.
	s.PauseJob(domain.JobKeyFor(2))

	s.PauseTriggers("5")
	for _, k := range []domain.TriggerKey{a, b} {
		if st, _ := s.TriggerState(k); st != TriggerPaused {
			t.Fatalf("%v state = %q, want paused", k, st)
		}
	}

	// A trigger added to a paused group starts paused.
	_ = s.AddJob(domain.JobKeyFor(3), JobData{JobID: 3}, false)
	c := domain.TriggerKeyFor(3, 5)
	_ = s.ScheduleTrigger(c, domain.JobKeyFor(3), "0 0 * * * ?")
	if st, _ := s.TriggerState(c); st != TriggerPaused {
		t.Fatalf("new trigger in paused group state = %q", st)
	}

	s.ResumeTriggers("5")
	want := map[domain.TriggerKey]TriggerState{a: TriggerNormal, b: TriggerPaused, c: TriggerNormal}
	for k, w := range want {
		if st, _ := s.TriggerState(k); st != w {
			t.Fatalf("%v state after resume = %q, want %q", k, st, w)
		}
	}
	for _, ti := range s.Snapshot().Triggers {
		if armed := !ti.Next.IsZero(); armed != (ti.State == TriggerNormal) {
			t.Fatalf("trigger %v armed=%v state=%q", ti.Key, armed, ti.State)
		}
	}

	s.ResumeJob(domain.JobKeyFor(2))
	if st, _ := s.TriggerState(b); st != TriggerNormal {
		t.Fatalf("job resume state = %q", st)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(false)
	_ = s.AddJob(domain.JobKeyFor(1), JobData{JobID: 1}, false)
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(1, 1), domain.JobKeyFor(1), "@hourly")
	s.PauseTriggers("1")
	s.Clear()

	snap := s.Snapshot()
	if len(snap.Jobs) != 0 || len(snap.Triggers) != 0 {
		t.Fatalf("snapshot after Clear = %+v", snap)
	}
	_ = s.AddJob(domain.JobKeyFor(1), JobData{JobID: 1}, false)
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(1, 1), domain.JobKeyFor(1), "@hourly")
	if st, _ := s.TriggerState(domain.TriggerKeyFor(1, 1)); st != TriggerNormal {
		t.Fatalf("Clear should forget group pauses, state = %q", st)
	}
}

func TestFireDispatchesUniqueFirings(t *testing.T) {
	t.Parallel()

	s, d, f := newTestService(false)
	key := domain.JobKeyFor(9)
	for i := 0; i < 2; i++ {
		if err := s.Fire(Firing{JobKey: key, Data: JobData{JobID: 9}}); err != nil {
			t.Fatalf("Fire error: %v", err)
		}
	}
	got := f.list()
	if len(got) != 2 || d.count() != 2 {
		t.Fatalf("firings = %d, dispatched = %d", len(got), d.count())
	}
	if got[0].FireInstanceID == "" || got[0].FireInstanceID == got[1].FireInstanceID {
		t.Fatalf("fire instance ids must be unique: %q %q", got[0].FireInstanceID, got[1].FireInstanceID)
	}
	if got[0].Data.JobID != 9 {
		t.Fatalf("payload job id = %d", got[0].Data.JobID)
	}

	d.err = engine.ErrQueueFull
	if err := s.Fire(Firing{JobKey: key}); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestRunningTriggerFires(t *testing.T) {
	t.Parallel()

	s, _, f := newTestService(true)
	_ = s.AddJob(domain.JobKeyFor(4), JobData{JobID: 4}, false)
	_ = s.ScheduleTrigger(domain.TriggerKeyFor(4, 1), domain.JobKeyFor(4), "* * * * * ?")
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.list(); len(got) > 0 {
			if got[0].TriggerKey != domain.TriggerKeyFor(4, 1) || got[0].JobKey != domain.JobKeyFor(4) {
				t.Fatalf("firing = %+v", got[0])
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("trigger did not fire")
}
