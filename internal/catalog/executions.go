package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/storage"
)

// DefaultExecutionLimit caps ListExecutions when the caller passes no limit.
const DefaultExecutionLimit = 100

// ListExecutions returns the newest records first, optionally for one job.
// History of deleted jobs stays listable.
func (s *Service) ListExecutions(ctx context.Context, jobID int64, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	return s.store.ListExecutions(ctx, storage.ExecutionFilter{JobID: jobID, Limit: limit})
}

func (s *Service) GetExecution(ctx context.Context, id int64) (domain.ExecutionRecord, error) {
	return s.store.GetExecution(ctx, id)
}

// LatestExecution returns the newest record of a job.
func (s *Service) LatestExecution(ctx context.Context, jobID int64) (domain.ExecutionRecord, error) {
	recs, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{JobID: jobID, Limit: 1})
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if len(recs) == 0 {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: no execution of job %d", storage.ErrNotFound, jobID)
	}
	return recs[0], nil
}

// ExecutionByFireInstance finds the record a firing produced, such as the
// id RunJob returned.
func (s *Service) ExecutionByFireInstance(ctx context.Context, fireInstanceID string) (domain.ExecutionRecord, error) {
	id, err := requireName("fire instance", fireInstanceID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	return s.store.ExecutionByFireInstance(ctx, id)
}

// ExecutionLogs returns the job log of one firing, oldest line first. A
// limit <= 0 returns every line.
func (s *Service) ExecutionLogs(ctx context.Context, fireInstanceID string, limit int) ([]domain.LogLine, error) {
	id, err := requireName("fire instance", fireInstanceID)
	if err != nil {
		return nil, err
	}
	return s.store.Logs(ctx, id, limit)
}

func newFireInstanceID() string { return uuid.NewString() }
