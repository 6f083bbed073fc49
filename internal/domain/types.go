package domain

import "time"

// Status is the lifecycle state of an ExecutionRecord.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool { return s == StatusRunning || s.Terminal() }

type Assembly struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	Deleted     bool
	DeletedAt   *time.Time
}

// AssemblyVersion is one uploaded artifact of an Assembly. At most one
// version per assembly is active at a time.
type AssemblyVersion struct {
	ID          int64
	AssemblyID  int64
	Version     string
	Locator     string
	EntryHint   string
	ChangeNotes string
	UploadedAt  time.Time
	Active      bool
	Deleted     bool
	DeletedAt   *time.Time

	// Parameters are captured once, when the version is registered.
	Parameters []ParameterDefinition
}

type ParameterDefinition struct {
	Name        string
	Type        string
	Required    bool
	Default     *string
	Description string
}

// ParameterValue is a per-job override. A nil Value is a tombstone: the
// override was removed and the definition default applies again.
type ParameterValue struct {
	JobID     int64
	Name      string
	Value     *string
	CreatedAt time.Time
	UpdatedAt *time.Time
}

type Job struct {
	ID          int64
	Name        string
	Description string
	AssemblyID  int64
	Active      bool
	CreatedAt   time.Time
	Deleted     bool
	DeletedAt   *time.Time
}

type Schedule struct {
	ID             int64
	Name           string
	Description    string
	CronExpression string
	Active         bool
	CreatedAt      time.Time
	Deleted        bool
	DeletedAt      *time.Time
}

type JobSchedule struct {
	JobID      int64
	ScheduleID int64
	CreatedAt  time.Time
}

// Binding is an active, non-deleted (Job, Schedule) pair as the reconciler
// sees it.
type Binding struct {
	Job      Job
	Schedule Schedule
}

func (b Binding) JobKey() JobKey { return JobKeyFor(b.Job.ID) }

func (b Binding) TriggerKey() TriggerKey { return TriggerKeyFor(b.Job.ID, b.Schedule.ID) }

type ExecutionRecord struct {
	ID             int64
	JobID          int64
	FireInstanceID string
	StartTime      time.Time
	EndTime        *time.Time
	Status         Status
}

// Duration returns the elapsed run time, zero while the record is open.
func (r ExecutionRecord) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Log streams of a LogLine.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	// StreamSystem lines are written by the scheduler host, not the job.
	StreamSystem = "system"
)

// LogLine is one line of output kept for a fire instance.
type LogLine struct {
	ID             int64
	ExecutionID    int64
	FireInstanceID string
	Time           time.Time
	Level          string
	Stream         string
	Message        string
}
