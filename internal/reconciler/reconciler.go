// Package reconciler keeps the scheduler's jobs and triggers in step with
// the persisted Job × Schedule bindings.
//
// Job entries are keyed job_<id> and carry only the job id. Each binding is
// one trigger named trigger_<jobId>_<scheduleId> in the group of its
// schedule id, which is what makes schedule-wide pause, resume and delete a
// single group operation.
//
// Callers serialize conflicting operations on the same job or schedule.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/metrics"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

// Scheduler is the engine control surface the reconciler drives.
// *scheduler.Service implements it.
type Scheduler interface {
	AddJob(key domain.JobKey, data scheduler.JobData, replace bool) error
	JobExists(key domain.JobKey) bool
	DeleteJob(key domain.JobKey) bool
	ScheduleTrigger(key domain.TriggerKey, job domain.JobKey, expr string) error
	UnscheduleTriggers(keys []domain.TriggerKey) int
	TriggerKeys(group string) []domain.TriggerKey
	PauseTriggers(group string)
	ResumeTriggers(group string)
	PauseJob(key domain.JobKey)
	ResumeJob(key domain.JobKey)
	Clear()
}

// Store lists the active, non-deleted bindings.
type Store interface {
	ActiveBindings(ctx context.Context, f storage.BindingFilter) ([]domain.Binding, error)
}

type Reconciler struct {
	sched   Scheduler
	store   Store
	log     logx.Logger
	metrics metrics.Sink
}

func New(sched Scheduler, store Store, log logx.Logger, sink metrics.Sink) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Reconciler{sched: sched, store: store, log: log.With(logx.String("comp", "reconciler")), metrics: sink}
}

// Initialize clears the scheduler and registers every active binding. A
// failing binding does not stop the others; all failures are joined.
func (r *Reconciler) Initialize(ctx context.Context) (err error) {
	defer r.done("initialize", &err)

	bindings, err := r.store.ActiveBindings(ctx, storage.BindingFilter{})
	if err != nil {
		return fmt.Errorf("reconciler: list bindings: %w", err)
	}
	r.sched.Clear()

	var errs []error
	for _, b := range bindings {
		if err := r.Register(b); err != nil {
			r.log.Warn("binding not registered",
				logx.Int64("job_id", b.Job.ID),
				logx.Int64("schedule_id", b.Schedule.ID),
				logx.Err(err),
			)
			errs = append(errs, err)
		}
	}
	r.log.Info("scheduler initialized",
		logx.Int("bindings", len(bindings)),
		logx.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// Register adds the job entry if the scheduler lacks it, then creates or
// replaces the binding's trigger. Repeating it is a no-op apart from
// refreshing the trigger.
func (r *Reconciler) Register(b domain.Binding) error {
	jk := b.JobKey()
	if !r.sched.JobExists(jk) {
		err := r.sched.AddJob(jk, scheduler.JobData{JobID: b.Job.ID}, false)
		if err != nil && !errors.Is(err, scheduler.ErrJobExists) {
			return fmt.Errorf("reconciler: add job %s: %w", jk, err)
		}
	}
	tk := b.TriggerKey()
	if err := r.sched.ScheduleTrigger(tk, jk, b.Schedule.CronExpression); err != nil {
		return fmt.Errorf("reconciler: schedule %s (%q): %w", tk, b.Schedule.CronExpression, err)
	}
	return nil
}

// UpdateJob rebuilds one job: its entry is deleted with every trigger and
// each active binding is registered again.
func (r *Reconciler) UpdateJob(ctx context.Context, jobID int64) (err error) {
	defer r.done("update_job", &err)

	bindings, err := r.store.ActiveBindings(ctx, storage.BindingFilter{JobID: jobID})
	if err != nil {
		return fmt.Errorf("reconciler: list bindings of job %d: %w", jobID, err)
	}
	r.sched.DeleteJob(domain.JobKeyFor(jobID))
	return r.registerAll(bindings)
}

// DeleteJob removes the job entry and its triggers.
func (r *Reconciler) DeleteJob(jobID int64) {
	var err error
	defer r.done("delete_job", &err)
	r.sched.DeleteJob(domain.JobKeyFor(jobID))
}

func (r *Reconciler) PauseJob(jobID int64) {
	var err error
	defer r.done("pause_job", &err)
	r.sched.PauseJob(domain.JobKeyFor(jobID))
}

func (r *Reconciler) ResumeJob(jobID int64) {
	var err error
	defer r.done("resume_job", &err)
	r.sched.ResumeJob(domain.JobKeyFor(jobID))
}

// UpdateSchedule drops every trigger in the schedule's group and registers
// its active bindings again.
func (r *Reconciler) UpdateSchedule(ctx context.Context, scheduleID int64) (err error) {
	defer r.done("update_schedule", &err)

	bindings, err := r.store.ActiveBindings(ctx, storage.BindingFilter{ScheduleID: scheduleID})
	if err != nil {
		return fmt.Errorf("reconciler: list bindings of schedule %d: %w", scheduleID, err)
	}
	group := domain.ScheduleGroup(scheduleID)
	r.sched.UnscheduleTriggers(r.sched.TriggerKeys(group))
	return r.registerAll(bindings)
}

// DeleteSchedule removes every trigger in the schedule's group. Job
// entries stay; they are durable.
func (r *Reconciler) DeleteSchedule(scheduleID int64) int {
	var err error
	defer r.done("delete_schedule", &err)
	return r.sched.UnscheduleTriggers(r.sched.TriggerKeys(domain.ScheduleGroup(scheduleID)))
}

func (r *Reconciler) PauseSchedule(scheduleID int64) {
	var err error
	defer r.done("pause_schedule", &err)
	r.sched.PauseTriggers(domain.ScheduleGroup(scheduleID))
}

func (r *Reconciler) ResumeSchedule(scheduleID int64) {
	var err error
	defer r.done("resume_schedule", &err)
	r.sched.ResumeTriggers(domain.ScheduleGroup(scheduleID))
}

func (r *Reconciler) registerAll(bindings []domain.Binding) error {
	var errs []error
	for _, b := range bindings {
		if err := r.Register(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) done(op string, errp *error) {
	err := *errp
	r.metrics.ReconcileCompleted(op, err)
	if err != nil {
		r.log.Warn("reconcile failed", logx.String("op", op), logx.Err(err))
		return
	}
	r.log.Debug("reconciled", logx.String("op", op))
}
