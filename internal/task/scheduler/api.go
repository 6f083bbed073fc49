package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"puddlejobs/internal/cronexpr"
	"puddlejobs/internal/domain"
	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/task/engine"
	logx "puddlejobs/pkg/logx"
)

// AddJob stores a durable job entry. With replace=false an existing entry
// yields ErrJobExists; with replace=true its payload is overwritten and its
// triggers are kept.
func (s *Service) AddJob(key domain.JobKey, data JobData, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[key]; ok {
		if !replace {
			return fmt.Errorf("%w: %s", ErrJobExists, key)
		}
		j.data = data
		return nil
	}
	s.jobs[key] = &jobEntry{key: key, data: data}
	s.log.Debug("job added", logx.String("job", key.String()), logx.Int64("job_id", data.JobID))
	return nil
}

func (s *Service) JobExists(key domain.JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// DeleteJob removes the job entry and every trigger bound to it.
func (s *Service) DeleteJob(key domain.JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; !ok {
		return false
	}
	for tk, t := range s.triggers {
		if t.job == key {
			s.removeTriggerLocked(tk)
		}
	}
	delete(s.jobs, key)
	delete(s.pausedJobs, key)
	s.log.Debug("job deleted", logx.String("job", key.String()))
	return true
}

// ScheduleTrigger creates or replaces the trigger under key, bound to job.
// The job entry must exist and expr must parse.
func (s *Service) ScheduleTrigger(key domain.TriggerKey, job domain.JobKey, expr string) error {
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job)
	}
	s.removeTriggerLocked(key)

	t := &triggerEntry{key: key, job: job, expr: expr, sched: sched}
	s.triggers[key] = t
	s.syncLocked(t)

	fields := []logx.Field{
		logx.String("trigger", key.String()),
		logx.String("job", job.String()),
		logx.String("cron", expr),
		logx.String("state", string(s.stateLocked(t))),
	}
	if s.c != nil && t.entryID != 0 {
		fields = append(fields, logx.Time("next", s.c.Entry(t.entryID).Next))
	}
	s.log.Debug("trigger scheduled", fields...)
	return nil
}

// UnscheduleTriggers removes the given triggers; unknown keys are ignored.
// It reports how many were removed.
func (s *Service) UnscheduleTriggers(keys []domain.TriggerKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range keys {
		if s.removeTriggerLocked(k) {
			n++
		}
	}
	return n
}

// TriggerKeys lists the triggers in group, sorted by name.
func (s *Service) TriggerKeys(group string) []domain.TriggerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TriggerKey, 0)
	for k := range s.triggers {
		if k.Group == group {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TriggersOfJob lists the triggers bound to job.
func (s *Service) TriggersOfJob(job domain.JobKey) []domain.TriggerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TriggerKey, 0)
	for k, t := range s.triggers {
		if t.job == job {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Service) TriggerState(key domain.TriggerKey) (TriggerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[key]
	if !ok {
		return "", false
	}
	return s.stateLocked(t), true
}

// PauseTriggers pauses every trigger in group, including ones added later.
func (s *Service) PauseTriggers(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedGroups[group] = struct{}{}
	s.syncWhereLocked(func(t *triggerEntry) bool { return t.key.Group == group })
	s.log.Debug("trigger group paused", logx.String("group", group))
}

// ResumeTriggers lifts a group pause. Triggers whose job is paused stay paused.
func (s *Service) ResumeTriggers(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedGroups, group)
	s.syncWhereLocked(func(t *triggerEntry) bool { return t.key.Group == group })
	s.log.Debug("trigger group resumed", logx.String("group", group))
}

func (s *Service) PauseJob(key domain.JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; !ok {
		return
	}
	s.pausedJobs[key] = struct{}{}
	s.syncWhereLocked(func(t *triggerEntry) bool { return t.job == key })
	s.log.Debug("job paused", logx.String("job", key.String()))
}

func (s *Service) ResumeJob(key domain.JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedJobs, key)
	s.syncWhereLocked(func(t *triggerEntry) bool { return t.job == key })
	s.log.Debug("job resumed", logx.String("job", key.String()))
}

// Clear removes every job, trigger and remembered pause.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.triggers {
		s.removeTriggerLocked(k)
	}
	s.jobs = map[domain.JobKey]*jobEntry{}
	s.pausedGroups = map[string]struct{}{}
	s.pausedJobs = map[domain.JobKey]struct{}{}
	s.log.Debug("scheduler cleared")
}

func (s *Service) stateLocked(t *triggerEntry) TriggerState {
	if _, ok := s.pausedGroups[t.key.Group]; ok {
		return TriggerPaused
	}
	if _, ok := s.pausedJobs[t.job]; ok {
		return TriggerPaused
	}
	return TriggerNormal
}

func (s *Service) syncWhereLocked(match func(t *triggerEntry) bool) {
	for _, t := range s.triggers {
		if match(t) {
			s.syncLocked(t)
		}
	}
}

// syncLocked arms or disarms the cron entry to match the trigger state.
func (s *Service) syncLocked(t *triggerEntry) {
	if s.c == nil {
		return
	}
	paused := s.stateLocked(t) == TriggerPaused
	switch {
	case paused && t.entryID != 0:
		s.c.Remove(t.entryID)
		t.entryID = 0
	case !paused && t.entryID == 0:
		t.entryID = s.c.Schedule(t.sched, s.fireJob(t.key))
	}
}

func (s *Service) armAllLocked() {
	for _, t := range s.triggers {
		s.syncLocked(t)
	}
}

func (s *Service) removeTriggerLocked(key domain.TriggerKey) bool {
	t, ok := s.triggers[key]
	if !ok {
		return false
	}
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	delete(s.triggers, key)
	return true
}

// fireJob resolves the trigger at fire time so a replaced or removed trigger
// never fires with stale data.
func (s *Service) fireJob(key domain.TriggerKey) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		t, ok := s.triggers[key]
		var j *jobEntry
		if ok {
			j = s.jobs[t.job]
		}
		paused := ok && s.stateLocked(t) == TriggerPaused
		s.mu.Unlock()
		if !ok || j == nil || paused {
			return
		}
		s.Fire(Firing{
			FireInstanceID: uuid.NewString(),
			JobKey:         j.key,
			TriggerKey:     key,
			Data:           j.data,
		})
	})
}

// Fire hands a firing to the dispatcher. It is what a due trigger calls and
// is exported for manual "run now" requests.
func (s *Service) Fire(f Firing) error {
	if f.FireInstanceID == "" {
		f.FireInstanceID = uuid.NewString()
	}
	if f.FiredAt.IsZero() {
		f.FiredAt = time.Now()
	}
	if s.dispatch == nil || s.handler == nil {
		return engine.ErrDisabled
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicTriggerFired, Time: f.FiredAt, Data: f})

	h := s.handler
	err := s.dispatch.Enqueue(engine.Task{
		ID:      f.FireInstanceID,
		Name:    f.JobKey.String(),
		Run:     func(ctx context.Context) error { return h(ctx, f) },
		Discard: func(err error) { s.dropped(f, err) },
	})
	if err != nil {
		s.dropped(f, err)
	}
	return err
}

// SetDropHandler registers fn for firings that never reach the Handler.
func (s *Service) SetDropHandler(fn DropHandler) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

func (s *Service) dropped(f Firing, err error) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicFiringDropped, Data: DroppedFiring{Firing: f, Err: err}})
	s.reportEnqueueError(f.TriggerKey.String(), err)

	s.mu.Lock()
	fn := s.onDrop
	s.mu.Unlock()
	if fn != nil {
		fn(f, err)
	}
}
