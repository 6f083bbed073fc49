package catalog

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"puddlejobs/internal/artifact"
	"puddlejobs/internal/domain"
	"puddlejobs/internal/params"
	"puddlejobs/internal/reconciler"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

const manifestYAML = `name: reports
entries:
  - name: base
    kind: job
    abstract: true
    command: run.sh
  - name: nightly
    kind: job
    command: run.sh
    parameters:
      - name: target
        type: string
        required: true
      - name: retries
        type: int
        default: "3"
`

func artifactZip(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{"puddle.yaml": manifest, "run.sh": "#!/bin/sh\nexit 0\n"}
	for name, body := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type recordingFirer struct {
	mu    sync.Mutex
	fired []scheduler.Firing
	err   error
}

func (r *recordingFirer) Fire(f scheduler.Firing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.fired = append(r.fired, f)
	return nil
}

type fixture struct {
	ctx   context.Context
	store storage.Store
	sched *scheduler.Service
	firer *recordingFirer
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	arts, err := artifact.NewLocalStore(t.TempDir(), "", logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	st := storage.NewMemory()
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, nil, nil, logx.Nop(), nil)
	rec := reconciler.New(sched, st, logx.Nop(), nil)
	firer := &recordingFirer{}
	return &fixture{
		ctx:   context.Background(),
		store: st,
		sched: sched,
		firer: firer,
		svc:   New(st, arts, rec, logx.Nop(), WithFirer(firer)),
	}
}

func (f *fixture) assembly(t *testing.T) (domain.Assembly, domain.AssemblyVersion) {
	t.Helper()
	a, v, err := f.svc.CreateAssembly(f.ctx, AssemblyInput{Name: "Reports", Artifact: artifactZip(t, manifestYAML)})
	if err != nil {
		t.Fatalf("CreateAssembly: %v", err)
	}
	return a, v
}

func (f *fixture) schedule(t *testing.T, name string) domain.Schedule {
	t.Helper()
	s, err := f.svc.CreateSchedule(f.ctx, ScheduleInput{Name: name, CronExpression: "0 0 * * * ?", Active: true})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return s
}

func ptr(s string) *string { return &s }

func TestCreateAssemblyCapturesEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, v := f.assembly(t)

	if v.Version != FirstVersion || !v.Active || v.AssemblyID != a.ID {
		t.Fatalf("version = %+v", v)
	}
	if v.EntryHint != "nightly" {
		t.Fatalf("entry = %q, want nightly", v.EntryHint)
	}
	if len(v.Parameters) != 2 || v.Parameters[0].Name != "target" || !v.Parameters[0].Required {
		t.Fatalf("parameters = %+v", v.Parameters)
	}

	_, _, err := f.svc.CreateAssembly(f.ctx, AssemblyInput{Name: "reports", Artifact: artifactZip(t, manifestYAML)})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate name: err = %v, want ErrConflict", err)
	}
}

func TestCreateAssemblyRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   AssemblyInput
		want error
	}{
		{name: "no name", in: AssemblyInput{Name: " ", Artifact: []byte("x")}, want: ErrInvalidInput},
		{name: "no artifact", in: AssemblyInput{Name: "a"}, want: ErrInvalidInput},
		{name: "not a zip", in: AssemblyInput{Name: "a", Artifact: []byte("nope")}, want: artifact.ErrInvalidArchive},
		{name: "no job entry", in: AssemblyInput{Name: "a"}, want: ErrInvalidInput},
		{name: "bad parameter type", in: AssemblyInput{Name: "a"}, want: ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			switch tc.name {
			case "no job entry":
				tc.in.Artifact = artifactZip(t, "entries:\n  - name: x\n    kind: helper\n    command: run.sh\n")
			case "bad parameter type":
				tc.in.Artifact = artifactZip(t, "entries:\n  - name: x\n    kind: job\n    command: run.sh\n    parameters:\n      - name: p\n        type: blob\n")
			}
			if _, _, err := f.svc.CreateAssembly(f.ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if as, _ := f.store.ListAssemblies(f.ctx); len(as) != 0 {
				t.Fatalf("assemblies = %+v, want none", as)
			}
		})
	}
}

func TestVersions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, v1 := f.assembly(t)

	v2, err := f.svc.CreateVersion(f.ctx, a.ID, "1.1.0", "faster", artifactZip(t, manifestYAML))
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if v2.Active {
		t.Fatalf("second version must not be active")
	}
	if _, err := f.svc.CreateVersion(f.ctx, a.ID, "1.1.0", "", artifactZip(t, manifestYAML)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate version: err = %v", err)
	}

	if err := f.svc.SetActiveVersion(f.ctx, a.ID, v2.ID); err != nil {
		t.Fatalf("SetActiveVersion: %v", err)
	}
	vs, err := f.svc.ListVersions(f.ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, v := range vs {
		if v.Active {
			active++
			if v.ID != v2.ID {
				t.Fatalf("active = %d, want %d", v.ID, v2.ID)
			}
		}
	}
	if active != 1 || len(vs) != 2 || v1.ID == v2.ID {
		t.Fatalf("versions = %+v", vs)
	}
}

func TestDeleteAssemblyRefusedWhileReferenced(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	j, err := f.svc.CreateJob(f.ctx, JobInput{Name: "j", AssemblyID: a.ID, Active: true, Parameters: map[string]*string{"target": ptr("db")}})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.DeleteAssembly(f.ctx, a.ID); !errors.Is(err, ErrAssemblyInUse) {
		t.Fatalf("err = %v, want ErrAssemblyInUse", err)
	}
	if err := f.svc.DeleteJob(f.ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteAssembly(f.ctx, a.ID); err != nil {
		t.Fatalf("DeleteAssembly: %v", err)
	}
}

func TestCreateJobRegistersTriggers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	s1, s2 := f.schedule(t, "hourly"), f.schedule(t, "also hourly")

	j, err := f.svc.CreateJob(f.ctx, JobInput{
		Name:        "nightly report",
		AssemblyID:  a.ID,
		Active:      true,
		ScheduleIDs: []int64{s1.ID, s2.ID, s1.ID},
		Parameters:  map[string]*string{"target": ptr("db")},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if got := f.sched.TriggersOfJob(domain.JobKeyFor(j.ID)); len(got) != 2 {
		t.Fatalf("triggers = %v, want 2", got)
	}
	_, sids, err := f.svc.GetJob(f.ctx, j.ID)
	if err != nil || len(sids) != 2 {
		t.Fatalf("schedules = %v, %v", sids, err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)

	cases := []struct {
		name string
		in   JobInput
		want error
	}{
		{name: "missing required", in: JobInput{Name: "j", AssemblyID: a.ID}, want: params.ErrMissingRequired},
		{name: "bad conversion", in: JobInput{Name: "j", AssemblyID: a.ID, Parameters: map[string]*string{"target": ptr("x"), "retries": ptr("many")}}, want: ErrInvalidInput},
		{name: "unknown parameter", in: JobInput{Name: "j", AssemblyID: a.ID, Parameters: map[string]*string{"target": ptr("x"), "colour": ptr("red")}}, want: ErrInvalidInput},
		{name: "unknown assembly", in: JobInput{Name: "j", AssemblyID: 999}, want: storage.ErrNotFound},
		{name: "unknown schedule", in: JobInput{Name: "j", AssemblyID: a.ID, ScheduleIDs: []int64{42}, Parameters: map[string]*string{"target": ptr("x")}}, want: storage.ErrNotFound},
		{name: "no name", in: JobInput{AssemblyID: a.ID}, want: ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, err := f.svc.CreateJob(f.ctx, tc.in); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if js, _ := f.svc.ListJobs(f.ctx); len(js) != 0 {
		t.Fatalf("jobs = %+v, want none", js)
	}
}

func TestUpdateJobMergesSchedulesAndParameters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	s1, s2 := f.schedule(t, "one"), f.schedule(t, "two")

	j, err := f.svc.CreateJob(f.ctx, JobInput{
		Name: "j", AssemblyID: a.ID, Active: true,
		ScheduleIDs: []int64{s1.ID},
		Parameters:  map[string]*string{"target": ptr("db"), "retries": ptr("5")},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.UpdateJob(f.ctx, j.ID, JobInput{
		Name: "j2", AssemblyID: a.ID, Active: true,
		ScheduleIDs: []int64{s2.ID},
		Parameters:  map[string]*string{"target": ptr("cache")},
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	trig := f.sched.TriggersOfJob(domain.JobKeyFor(j.ID))
	if len(trig) != 1 || trig[0] != domain.TriggerKeyFor(j.ID, s2.ID) {
		t.Fatalf("triggers = %v", trig)
	}

	views, err := f.svc.JobParameters(f.ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]ParameterView{}
	for _, v := range views {
		got[v.Definition.Name] = v
	}
	if v := got["target"]; v.Effective == nil || *v.Effective != "cache" {
		t.Fatalf("target = %+v", v)
	}
	if v := got["retries"]; v.Value != nil || v.Effective == nil || *v.Effective != "3" {
		t.Fatalf("retries should fall back to the default, got %+v", v)
	}
}

func TestUpdateJobInactiveRemovesTriggers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	s := f.schedule(t, "one")
	in := JobInput{Name: "j", AssemblyID: a.ID, Active: true, ScheduleIDs: []int64{s.ID}, Parameters: map[string]*string{"target": ptr("db")}}
	j, err := f.svc.CreateJob(f.ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	in.Active = false
	if _, err := f.svc.UpdateJob(f.ctx, j.ID, in); err != nil {
		t.Fatal(err)
	}
	if f.sched.JobExists(domain.JobKeyFor(j.ID)) {
		t.Fatal("inactive job must not be registered")
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	s := f.schedule(t, "one")
	j, err := f.svc.CreateJob(f.ctx, JobInput{Name: "j", AssemblyID: a.ID, Active: true, ScheduleIDs: []int64{s.ID}, Parameters: map[string]*string{"target": ptr("db")}})
	if err != nil {
		t.Fatal(err)
	}
	tk := domain.TriggerKeyFor(j.ID, s.ID)

	state := func() scheduler.TriggerState {
		st, ok := f.sched.TriggerState(tk)
		if !ok {
			t.Fatalf("trigger %s missing", tk)
		}
		return st
	}

	if err := f.svc.PauseSchedule(f.ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if state() != scheduler.TriggerPaused {
		t.Fatal("schedule pause did not pause the trigger")
	}
	if err := f.svc.ResumeSchedule(f.ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.PauseJob(f.ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if state() != scheduler.TriggerPaused {
		t.Fatal("job pause did not pause the trigger")
	}
	if err := f.svc.ResumeJob(f.ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if state() != scheduler.TriggerNormal {
		t.Fatal("trigger should be back to normal")
	}

	if err := f.svc.PauseJob(f.ctx, 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown job: err = %v", err)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	s := f.schedule(t, "one")
	j, err := f.svc.CreateJob(f.ctx, JobInput{Name: "j", AssemblyID: a.ID, Active: true, ScheduleIDs: []int64{s.ID}, Parameters: map[string]*string{"target": ptr("db")}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.UpdateSchedule(f.ctx, s.ID, ScheduleInput{Name: "one", CronExpression: "not cron"}); !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("err = %v, want ErrInvalidCron", err)
	}
	if _, err := f.svc.UpdateSchedule(f.ctx, s.ID, ScheduleInput{Name: "one", CronExpression: "0 30 * * * ?", Active: false}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if got := f.sched.TriggersOfJob(domain.JobKeyFor(j.ID)); len(got) != 0 {
		t.Fatalf("inactive schedule left triggers %v", got)
	}

	if _, err := f.svc.UpdateSchedule(f.ctx, s.ID, ScheduleInput{Name: "one", CronExpression: "0 30 * * * ?", Active: true}); err != nil {
		t.Fatal(err)
	}
	times, err := f.svc.NextFireTimes(f.ctx, s.ID, 3)
	if err != nil || len(times) != 3 {
		t.Fatalf("NextFireTimes = %v, %v", times, err)
	}
	for _, tm := range times {
		if tm.Minute() != 30 || tm.Second() != 0 {
			t.Fatalf("unexpected fire time %v", tm)
		}
	}

	if err := f.svc.DeleteSchedule(f.ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.TriggersOfJob(domain.JobKeyFor(j.ID)); len(got) != 0 {
		t.Fatalf("deleted schedule left triggers %v", got)
	}
}

func TestValidateCron(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if r := f.svc.ValidateCron("0 0 12 * * ?", 2); !r.Valid || len(r.NextTimes) != 2 {
		t.Fatalf("valid expr: %+v", r)
	}
	if r := f.svc.ValidateCron("61 * * * * *", 2); r.Valid || r.Error == "" {
		t.Fatalf("invalid expr: %+v", r)
	}
}

func TestRunJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.assembly(t)
	j, err := f.svc.CreateJob(f.ctx, JobInput{Name: "j", AssemblyID: a.ID, Active: true, Parameters: map[string]*string{"target": ptr("db")}})
	if err != nil {
		t.Fatal(err)
	}

	id, err := f.svc.RunJob(f.ctx, j.ID)
	if err != nil || id == "" {
		t.Fatalf("RunJob = %q, %v", id, err)
	}
	if len(f.firer.fired) != 1 || f.firer.fired[0].Data.JobID != j.ID || f.firer.fired[0].FireInstanceID != id {
		t.Fatalf("fired = %+v", f.firer.fired)
	}

	noFirer := New(f.store, nil, nil, logx.Nop())
	if _, err := noFirer.RunJob(f.ctx, j.ID); !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("err = %v, want ErrNotRunnable", err)
	}
}

func TestListExecutions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		r := domain.ExecutionRecord{JobID: int64(1 + i%2), FireInstanceID: string(rune('a' + i)), Status: domain.StatusRunning}
		if err := f.store.InsertExecution(f.ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	all, err := f.svc.ListExecutions(f.ctx, 0, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %v, %v", all, err)
	}
	one, err := f.svc.ListExecutions(f.ctx, 1, 1)
	if err != nil || len(one) != 1 || one[0].JobID != 1 {
		t.Fatalf("job 1 = %v, %v", one, err)
	}
}

func TestExecutionLogsByFireInstance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.svc.LatestExecution(f.ctx, 7); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("LatestExecution on empty history: %v", err)
	}
	var last domain.ExecutionRecord
	for _, id := range []string{"run-1", "run-2"} {
		last = domain.ExecutionRecord{JobID: 7, FireInstanceID: id, Status: domain.StatusRunning}
		if err := f.store.InsertExecution(f.ctx, &last); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.AppendLogs(f.ctx, []domain.LogLine{
		{ExecutionID: last.ID, FireInstanceID: "run-2", Level: "info", Stream: domain.StreamStdout, Message: "hello"},
		{ExecutionID: last.ID, FireInstanceID: "run-2", Level: "warn", Stream: domain.StreamStderr, Message: "careful"},
	}); err != nil {
		t.Fatal(err)
	}

	latest, err := f.svc.LatestExecution(f.ctx, 7)
	if err != nil || latest.ID != last.ID {
		t.Fatalf("LatestExecution = %+v, %v", latest, err)
	}
	byFire, err := f.svc.ExecutionByFireInstance(f.ctx, " run-2 ")
	if err != nil || byFire.ID != last.ID {
		t.Fatalf("ExecutionByFireInstance = %+v, %v", byFire, err)
	}
	lines, err := f.svc.ExecutionLogs(f.ctx, "run-2", 0)
	if err != nil || len(lines) != 2 || lines[0].Message != "hello" || lines[1].Stream != domain.StreamStderr {
		t.Fatalf("ExecutionLogs = %+v, %v", lines, err)
	}
	if lines, err := f.svc.ExecutionLogs(f.ctx, "run-1", 0); err != nil || len(lines) != 0 {
		t.Fatalf("ExecutionLogs(run-1) = %+v, %v", lines, err)
	}
	if _, err := f.svc.ExecutionLogs(f.ctx, "  ", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank id: %v", err)
	}
	if _, err := f.svc.ExecutionByFireInstance(f.ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing fire instance: %v", err)
	}
}
