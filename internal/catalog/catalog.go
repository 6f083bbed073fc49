// Package catalog is the administrative surface: it mutates assemblies,
// jobs and schedules in storage and mirrors each change into the scheduler
// through the reconciler.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"puddlejobs/internal/artifact"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

var (
	ErrInvalidInput  = errors.New("catalog: invalid input")
	ErrInvalidCron   = errors.New("catalog: invalid cron expression")
	ErrAssemblyInUse = errors.New("catalog: assembly is used by jobs")
	ErrNotRunnable   = errors.New("catalog: manual runs are not available")
)

// FirstVersion is the version string of an assembly's initial upload.
const FirstVersion = "1.0.0"

// Reconciler is the subset of *reconciler.Reconciler the catalog calls.
type Reconciler interface {
	UpdateJob(ctx context.Context, jobID int64) error
	DeleteJob(jobID int64)
	PauseJob(jobID int64)
	ResumeJob(jobID int64)
	UpdateSchedule(ctx context.Context, scheduleID int64) error
	DeleteSchedule(scheduleID int64) int
	PauseSchedule(scheduleID int64)
	ResumeSchedule(scheduleID int64)
}

// Firer starts a firing outside the job's schedules.
type Firer interface {
	Fire(f scheduler.Firing) error
}

type Service struct {
	store     storage.Store
	artifacts artifact.Store
	rec       Reconciler
	firer     Firer
	loc       func() *time.Location
	log       logx.Logger
}

type Option func(*Service)

func WithFirer(f Firer) Option { return func(s *Service) { s.firer = f } }

// WithLocation sets the zone used for cron previews.
func WithLocation(loc func() *time.Location) Option { return func(s *Service) { s.loc = loc } }

func New(store storage.Store, artifacts artifact.Store, rec Reconciler, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:     store,
		artifacts: artifacts,
		rec:       rec,
		loc:       func() *time.Location { return time.Local },
		log:       log.With(logx.String("comp", "catalog")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func requireName(what, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Join(ErrInvalidInput, errors.New(what+" name is required"))
	}
	return name, nil
}
