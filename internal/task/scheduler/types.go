package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/task/engine"
	logx "puddlejobs/pkg/logx"
)

var (
	ErrJobExists   = errors.New("scheduler: job already exists")
	ErrJobNotFound = errors.New("scheduler: job not found")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// JobData is the payload carried by a job entry.
type JobData struct {
	JobID int64
}

// Firing is one due trigger, handed to the Handler on a task engine worker.
type Firing struct {
	FireInstanceID string
	JobKey         domain.JobKey
	TriggerKey     domain.TriggerKey
	Data           JobData
	FiredAt        time.Time
}

// DroppedFiring is published on eventbus.TopicFiringDropped when the
// dispatcher refuses a firing.
type DroppedFiring struct {
	Firing Firing
	Err    error
}

// Handler runs a firing. Its error is only recorded in task history.
type Handler func(ctx context.Context, f Firing) error

// DropHandler is told about every firing that never reached the Handler:
// refused by the dispatcher or discarded from its queue on stop.
type DropHandler func(f Firing, err error)

// Dispatcher accepts work for asynchronous execution. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

type TriggerState string

const (
	TriggerNormal TriggerState = "normal"
	TriggerPaused TriggerState = "paused"
)

type jobEntry struct {
	key  domain.JobKey
	data JobData
}

type triggerEntry struct {
	key     domain.TriggerKey
	job     domain.JobKey
	expr    string
	sched   cron.Schedule
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	dispatch Dispatcher
	handler  Handler
	onDrop   DropHandler

	c        *cron.Cron
	jobs     map[domain.JobKey]*jobEntry
	triggers map[domain.TriggerKey]*triggerEntry

	// Pause is remembered per group and per job: a trigger is paused while
	// either applies, and triggers added to a paused group start paused.
	pausedGroups map[string]struct{}
	pausedJobs   map[domain.JobKey]struct{}

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type TriggerInfo struct {
	Key   domain.TriggerKey
	Job   domain.JobKey
	Expr  string
	State TriggerState
	Next  time.Time
	Prev  time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Jobs     []domain.JobKey
	Triggers []TriggerInfo
}
