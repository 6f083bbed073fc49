package catalog

import (
	"context"
	"errors"
	"time"

	"puddlejobs/internal/cronexpr"
	"puddlejobs/internal/domain"
	logx "puddlejobs/pkg/logx"
)

type ScheduleInput struct {
	Name           string
	Description    string
	CronExpression string
	Active         bool
}

func (s *Service) CreateSchedule(ctx context.Context, in ScheduleInput) (domain.Schedule, error) {
	sc, err := scheduleFrom(in)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := s.store.CreateSchedule(ctx, &sc); err != nil {
		return domain.Schedule{}, err
	}
	s.log.Info("schedule created", logx.Int64("schedule_id", sc.ID), logx.String("cron", sc.CronExpression))
	return sc, nil
}

// UpdateSchedule stores the new definition and rebuilds the triggers of
// every job bound to it.
func (s *Service) UpdateSchedule(ctx context.Context, id int64, in ScheduleInput) (domain.Schedule, error) {
	next, err := scheduleFrom(in)
	if err != nil {
		return domain.Schedule{}, err
	}
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	sc.Name, sc.Description, sc.CronExpression, sc.Active = next.Name, next.Description, next.CronExpression, next.Active
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return domain.Schedule{}, err
	}
	if err := s.rec.UpdateSchedule(ctx, id); err != nil {
		return sc, err
	}
	s.log.Info("schedule updated", logx.Int64("schedule_id", id), logx.String("cron", sc.CronExpression))
	return sc, nil
}

func (s *Service) DeleteSchedule(ctx context.Context, id int64) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	n := s.rec.DeleteSchedule(id)
	s.log.Info("schedule deleted", logx.Int64("schedule_id", id), logx.Int("triggers", n))
	return nil
}

func (s *Service) PauseSchedule(ctx context.Context, id int64) error {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return err
	}
	s.rec.PauseSchedule(id)
	return nil
}

func (s *Service) ResumeSchedule(ctx context.Context, id int64) error {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return err
	}
	s.rec.ResumeSchedule(id)
	return nil
}

func (s *Service) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// NextFireTimes previews the next n fire times of a stored schedule.
func (s *Service) NextFireTimes(ctx context.Context, id int64, n int) ([]time.Time, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	return cronexpr.Next(sc.CronExpression, time.Now(), n, s.loc())
}

// ValidateCron checks an expression without storing anything.
func (s *Service) ValidateCron(expr string, n int) cronexpr.Result {
	return cronexpr.Check(expr, time.Now(), n, s.loc())
}

func scheduleFrom(in ScheduleInput) (domain.Schedule, error) {
	name, err := requireName("schedule", in.Name)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := cronexpr.Validate(in.CronExpression); err != nil {
		return domain.Schedule{}, errors.Join(ErrInvalidCron, err)
	}
	return domain.Schedule{
		Name:           name,
		Description:    in.Description,
		CronExpression: in.CronExpression,
		Active:         in.Active,
	}, nil
}
