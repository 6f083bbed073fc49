package storage

import (
	"context"
	"fmt"
	"time"

	"puddlejobs/internal/domain"
)

type executionRow struct {
	ID             int64  `db:"id"`
	JobID          int64  `db:"job_id"`
	FireInstanceID string `db:"fire_instance_id"`
	StartTime      dbTime `db:"start_time"`
	EndTime        dbTime `db:"end_time"`
	Status         string `db:"status"`
}

func (r executionRow) domain() domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:             r.ID,
		JobID:          r.JobID,
		FireInstanceID: r.FireInstanceID,
		StartTime:      r.StartTime.Time,
		EndTime:        r.EndTime.Ptr(),
		Status:         domain.Status(r.Status),
	}
}

const executionCols = `id, job_id, fire_instance_id, start_time, end_time, status`

func (s *sqlStore) InsertExecution(ctx context.Context, r *domain.ExecutionRecord) error {
	if r.StartTime.IsZero() {
		r.StartTime = now()
	}
	if r.Status == "" {
		r.Status = domain.StatusRunning
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO executions(job_id, fire_instance_id, start_time, end_time, status) VALUES(?, ?, ?, ?, ?)`,
		r.JobID, r.FireInstanceID, s.ts(r.StartTime), s.tsPtr(r.EndTime), string(r.Status))
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (s *sqlStore) CloseExecution(ctx context.Context, id int64, end time.Time, status domain.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE executions SET end_time = ?, status = ? WHERE id = ? AND status = ?`),
		s.ts(end), string(status), id, string(domain.StatusRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: execution %d", ErrRecordClosed, id)
}

func (s *sqlStore) GetExecution(ctx context.Context, id int64) (domain.ExecutionRecord, error) {
	var r executionRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT `+executionCols+` FROM executions WHERE id = ?`), id); err != nil {
		return domain.ExecutionRecord{}, notFound(err, "execution", id)
	}
	return r.domain(), nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionCols + ` FROM executions`
	var args []any
	if f.JobID != 0 {
		query += ` WHERE job_id = ?`
		args = append(args, f.JobID)
	}
	query += ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]domain.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}
