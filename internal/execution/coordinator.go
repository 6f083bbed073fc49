package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/metrics"
	"puddlejobs/internal/params"
	"puddlejobs/internal/plugin"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

var (
	ErrJobNotFound      = errors.New("execution: job not found")
	ErrAssemblyNotFound = errors.New("execution: assembly not found")
	ErrNoActiveVersion  = errors.New("execution: no active version")
	ErrPanic            = errors.New("execution: panic")
)

const defaultCloseTimeout = 10 * time.Second

// Store is the persistence the coordinator reads and writes.
type Store interface {
	GetJob(ctx context.Context, id int64) (domain.Job, error)
	GetAssembly(ctx context.Context, id int64) (domain.Assembly, error)
	ActiveVersion(ctx context.Context, assemblyID int64) (domain.AssemblyVersion, error)
	ParameterValues(ctx context.Context, jobID int64) ([]domain.ParameterValue, error)
	InsertExecution(ctx context.Context, r *domain.ExecutionRecord) error
	CloseExecution(ctx context.Context, id int64, end time.Time, status domain.Status) error
	AppendLogs(ctx context.Context, lines []domain.LogLine) error
}

// Stage names where a firing stopped.
const (
	StageLookup      = "lookup"
	StageResolve     = "resolve"
	StageOpen        = "open"
	StageLoad        = "load"
	StageInstantiate = "instantiate"
	StageInvoke      = "invoke"
	// StageDispatch marks firings that never reached a worker.
	StageDispatch = "dispatch"
)

// ErrNotDispatched is the cause recorded for a firing the engine refused.
var ErrNotDispatched = errors.New("execution: firing not dispatched")

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func at(stage string, err error) error { return &stageError{stage: stage, err: err} }

// StartedEvent is published on eventbus.TopicExecutionStarted.
type StartedEvent struct {
	Record domain.ExecutionRecord
}

// FinishedEvent is published on eventbus.TopicExecutionFinished.
type FinishedEvent struct {
	Record  domain.ExecutionRecord
	JobName string
	Stage   string
	Error   string
}

type Coordinator struct {
	store        Store
	loader       plugin.Loader
	log          logx.Logger
	bus          eventbus.Bus
	metrics      metrics.Sink
	now          func() time.Time
	closeTimeout time.Duration
}

type Option func(*Coordinator)

func WithBus(b eventbus.Bus) Option { return func(c *Coordinator) { c.bus = b } }

func WithMetrics(m metrics.Sink) Option { return func(c *Coordinator) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithCloseTimeout bounds the final record write.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.closeTimeout = d }
}

func New(store Store, loader plugin.Loader, log logx.Logger, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		store:        store,
		loader:       loader,
		log:          log.With(logx.String("comp", "execution")),
		bus:          eventbus.Nop(),
		metrics:      metrics.NoopSink{},
		now:          func() time.Time { return time.Now().UTC() },
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.bus == nil {
		c.bus = eventbus.Nop()
	}
	if c.metrics == nil {
		c.metrics = metrics.NoopSink{}
	}
	return c
}

// HandleFiring adapts Execute to the scheduler. The returned error only
// feeds task history; the record is the source of truth.
func (c *Coordinator) HandleFiring(ctx context.Context, f scheduler.Firing) error {
	rec := c.Execute(ctx, f.Data.JobID, f.FireInstanceID)
	if rec.Status != domain.StatusSuccess {
		return fmt.Errorf("execution %d of job %d ended %s", rec.ID, rec.JobID, rec.Status)
	}
	return nil
}

// Execute runs one firing and returns its final record. It never panics
// and never returns an error. If the Running record cannot be written the
// firing is abandoned and the returned record has ID 0.
func (c *Coordinator) Execute(ctx context.Context, jobID int64, fireInstanceID string) domain.ExecutionRecord {
	log := c.log.With(logx.Int64("job_id", jobID), logx.String("fire_instance_id", fireInstanceID))

	rec := domain.ExecutionRecord{
		JobID:          jobID,
		FireInstanceID: fireInstanceID,
		StartTime:      c.now(),
		Status:         domain.StatusRunning,
	}
	if err := c.store.InsertExecution(ctx, &rec); err != nil {
		log.Error("execution record not persisted; firing abandoned", logx.Err(err))
		end := c.now()
		rec.EndTime, rec.Status = &end, domain.StatusFailed
		return rec
	}
	log = log.With(logx.Int64("execution_id", rec.ID))
	c.metrics.ExecutionStarted(jobID)
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionStarted, Data: StartedEvent{Record: rec}})
	log.Info("execution started")
	jl := c.newJobLog(log, rec)
	jl.System("info", "execution started")

	jobName, runErr := c.safeRun(ctx, log, jl, rec)

	status := classify(runErr)
	end := c.now()
	rec.EndTime, rec.Status = &end, status
	c.finish(ctx, log, jl, rec, jobName, runErr)
	return rec
}

// RecordDropped writes a closed Failed record for a firing that never ran,
// so every firing leaves a trace. It matches scheduler.DropHandler.
func (c *Coordinator) RecordDropped(f scheduler.Firing, cause error) {
	log := c.log.With(logx.Int64("job_id", f.Data.JobID), logx.String("fire_instance_id", f.FireInstanceID))
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()

	start := f.FiredAt.UTC()
	if f.FiredAt.IsZero() {
		start = c.now()
	}
	rec := domain.ExecutionRecord{
		JobID:          f.Data.JobID,
		FireInstanceID: f.FireInstanceID,
		StartTime:      start,
		Status:         domain.StatusRunning,
	}
	if err := c.store.InsertExecution(ctx, &rec); err != nil {
		log.Error("dropped firing not recorded", logx.Err(err), logx.String("cause", fmt.Sprint(cause)))
		return
	}
	end := c.now()
	rec.EndTime, rec.Status = &end, domain.StatusFailed

	jobName := ""
	if j, err := c.store.GetJob(ctx, rec.JobID); err == nil {
		jobName = j.Name
	}
	log = log.With(logx.Int64("execution_id", rec.ID))
	c.finish(ctx, log, c.newJobLog(log, rec), rec, jobName,
		at(StageDispatch, fmt.Errorf("%w: %w", ErrNotDispatched, cause)))
}

func classify(err error) domain.Status {
	switch {
	case err == nil:
		return domain.StatusSuccess
	case errors.Is(err, plugin.ErrInvocationCancelled):
		return domain.StatusCancelled
	default:
		return domain.StatusFailed
	}
}

func (c *Coordinator) safeRun(ctx context.Context, log logx.Logger, jl *jobLog, rec domain.ExecutionRecord) (jobName string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during execution", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = at(StageInvoke, fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()
	return c.run(ctx, log, jl, rec)
}

func (c *Coordinator) run(ctx context.Context, log logx.Logger, jl *jobLog, rec domain.ExecutionRecord) (string, error) {
	job, err := c.store.GetJob(ctx, rec.JobID)
	if err != nil {
		return "", at(StageLookup, notFoundAs(err, ErrJobNotFound))
	}
	if _, err := c.store.GetAssembly(ctx, job.AssemblyID); err != nil {
		return job.Name, at(StageLookup, notFoundAs(err, ErrAssemblyNotFound))
	}
	ver, err := c.store.ActiveVersion(ctx, job.AssemblyID)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveVersion) {
			err = fmt.Errorf("%w: %v", ErrNoActiveVersion, err)
		}
		return job.Name, at(StageLookup, notFoundAs(err, ErrAssemblyNotFound))
	}

	values, err := c.store.ParameterValues(ctx, job.ID)
	if err != nil {
		return job.Name, at(StageResolve, err)
	}
	resolved, err := params.Resolve(ver.Parameters, values)
	if err != nil {
		return job.Name, at(StageResolve, err)
	}

	pc, err := c.loader.OpenContext(ctx)
	if err != nil {
		return job.Name, at(StageOpen, err)
	}
	c.metrics.PluginContextsOpen(1)
	defer func() {
		if cerr := c.loader.CloseContext(pc); cerr != nil {
			log.Warn("plugin context close failed", logx.String("context_id", pc.ID), logx.Err(cerr))
		}
		c.metrics.PluginContextsOpen(-1)
	}()

	et, err := c.loader.Load(pc, ver.Locator, ver.EntryHint)
	if err != nil {
		return job.Name, at(StageLoad, err)
	}
	inst, err := c.loader.Instantiate(pc, et)
	if err != nil {
		return job.Name, at(StageInstantiate, err)
	}

	log.Debug("invoking entry",
		logx.String("version", ver.Version),
		logx.String("entry", et.Name),
		logx.String("context_id", pc.ID),
		logx.Int("parameters", len(resolved)),
	)
	err = inst.Execute(ctx, plugin.Invocation{
		FireInstanceID: rec.FireInstanceID,
		JobID:          job.ID,
		Parameters:     resolved,
		Logger:         log,
		Output:         jl,
	})
	if err != nil {
		return job.Name, at(StageInvoke, err)
	}
	return job.Name, nil
}

// notFoundAs tags storage misses with the coordinator's own sentinel.
func notFoundAs(err, sentinel error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

func (c *Coordinator) finish(ctx context.Context, log logx.Logger, jl *jobLog, rec domain.ExecutionRecord, jobName string, runErr error) {
	outcome := "execution " + string(rec.Status)
	level := "info"
	if runErr != nil {
		outcome += ": " + runErr.Error()
		level = "error"
		if rec.Status == domain.StatusCancelled {
			level = "warn"
		}
	}
	jl.System(level, outcome)
	jl.Flush()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.closeTimeout)
	defer cancel()
	if err := c.store.CloseExecution(pctx, rec.ID, *rec.EndTime, rec.Status); err != nil {
		log.Error("execution record not closed", logx.String("status", string(rec.Status)), logx.Err(err))
	}

	took := rec.Duration()
	c.metrics.ExecutionFinished(rec.JobID, rec.Status, took)

	ev := FinishedEvent{Record: rec, JobName: jobName}
	fields := []logx.Field{logx.String("status", string(rec.Status)), logx.Duration("took", took)}
	var se *stageError
	if errors.As(runErr, &se) {
		ev.Stage = se.stage
		fields = append(fields, logx.String("stage", se.stage))
	}
	if runErr != nil {
		ev.Error = runErr.Error()
		fields = append(fields, logx.Err(runErr))
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionFinished, Data: ev})

	switch rec.Status {
	case domain.StatusSuccess:
		log.Info("execution finished", fields...)
	case domain.StatusCancelled:
		log.Warn("execution cancelled", fields...)
	default:
		log.Error("execution failed", fields...)
	}
}
