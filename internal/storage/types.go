package storage

import (
	"context"
	"errors"
	"time"

	"puddlejobs/internal/domain"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrNoActiveVersion = errors.New("storage: no active version")
	ErrConflict        = errors.New("storage: conflict")
	ErrRecordClosed    = errors.New("storage: execution record already closed")
	ErrClosed          = errors.New("storage: closed")
)

// Config configures storage.
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int
}

// BindingFilter narrows ActiveBindings. Zero fields match everything.
type BindingFilter struct {
	JobID      int64
	ScheduleID int64
}

// ExecutionFilter narrows ListExecutions. Results are newest first.
type ExecutionFilter struct {
	JobID int64
	Limit int
}

type AssemblyStore interface {
	CreateAssembly(ctx context.Context, a *domain.Assembly) error
	GetAssembly(ctx context.Context, id int64) (domain.Assembly, error)
	GetAssemblyByName(ctx context.Context, name string) (domain.Assembly, error)
	ListAssemblies(ctx context.Context) ([]domain.Assembly, error)
	DeleteAssembly(ctx context.Context, id int64) error

	// CreateVersion stores v and its parameter definitions. When v.Active is
	// set every other version of the assembly is deactivated in the same
	// transaction.
	CreateVersion(ctx context.Context, v *domain.AssemblyVersion) error
	GetVersion(ctx context.Context, id int64) (domain.AssemblyVersion, error)
	ListVersions(ctx context.Context, assemblyID int64) ([]domain.AssemblyVersion, error)
	ActiveVersion(ctx context.Context, assemblyID int64) (domain.AssemblyVersion, error)
	ActivateVersion(ctx context.Context, assemblyID, versionID int64) error
}

type JobStore interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id int64) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	UpdateJob(ctx context.Context, j domain.Job) error
	DeleteJob(ctx context.Context, id int64) error
	CountJobsForAssembly(ctx context.Context, assemblyID int64) (int, error)

	ParameterValues(ctx context.Context, jobID int64) ([]domain.ParameterValue, error)
	// SetParameterValues upserts values. A nil value is stored as a tombstone.
	SetParameterValues(ctx context.Context, jobID int64, values map[string]*string) error
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error

	// SetJobSchedules replaces the schedule set bound to a job.
	SetJobSchedules(ctx context.Context, jobID int64, scheduleIDs []int64) error
	JobSchedules(ctx context.Context, jobID int64) ([]int64, error)
	ActiveBindings(ctx context.Context, f BindingFilter) ([]domain.Binding, error)
}

type ExecutionStore interface {
	InsertExecution(ctx context.Context, r *domain.ExecutionRecord) error
	// CloseExecution sets the end time and terminal status of a running
	// record. Closed records are immutable: ErrRecordClosed.
	CloseExecution(ctx context.Context, id int64, end time.Time, status domain.Status) error
	GetExecution(ctx context.Context, id int64) (domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.ExecutionRecord, error)
	// ExecutionByFireInstance returns the record of one firing.
	ExecutionByFireInstance(ctx context.Context, fireInstanceID string) (domain.ExecutionRecord, error)
}

// LogStore keeps the output lines of each firing.
type LogStore interface {
	// AppendLogs stores lines in order and assigns their IDs.
	AppendLogs(ctx context.Context, lines []domain.LogLine) error
	// Logs returns up to limit lines of a fire instance, oldest first. A
	// limit <= 0 means all lines.
	Logs(ctx context.Context, fireInstanceID string, limit int) ([]domain.LogLine, error)
}

// Store is the full persistence API.
type Store interface {
	AssemblyStore
	JobStore
	ScheduleStore
	ExecutionStore
	LogStore
	Close() error
}
