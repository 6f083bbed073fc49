package execution

import (
	"context"
	"sync"
	"time"

	"puddlejobs/internal/domain"
	logx "puddlejobs/pkg/logx"
)

const jobLogBatch = 64

// jobLog buffers the output of one execution and writes it to the store
// in batches. It implements plugin.OutputSink.
type jobLog struct {
	store   Store
	log     logx.Logger
	timeout time.Duration
	now     func() time.Time
	execID  int64
	fireID  string

	mu      sync.Mutex
	pending []domain.LogLine
}

func (c *Coordinator) newJobLog(log logx.Logger, rec domain.ExecutionRecord) *jobLog {
	return &jobLog{
		store:   c.store,
		log:     log,
		timeout: c.closeTimeout,
		now:     c.now,
		execID:  rec.ID,
		fireID:  rec.FireInstanceID,
	}
}

func (j *jobLog) Line(stream, level, text string) {
	j.mu.Lock()
	j.pending = append(j.pending, domain.LogLine{
		ExecutionID:    j.execID,
		FireInstanceID: j.fireID,
		Time:           j.now(),
		Level:          level,
		Stream:         stream,
		Message:        text,
	})
	full := len(j.pending) >= jobLogBatch
	j.mu.Unlock()
	if full {
		j.Flush()
	}
}

// System records a line produced by the coordinator itself.
func (j *jobLog) System(level, text string) {
	j.Line(domain.StreamSystem, level, text)
}

// Flush writes buffered lines. Write failures are logged and the lines
// are dropped.
func (j *jobLog) Flush() {
	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.store.AppendLogs(ctx, batch); err != nil {
		j.log.Warn("job log lines lost", logx.Int("lines", len(batch)), logx.Err(err))
	}
}
