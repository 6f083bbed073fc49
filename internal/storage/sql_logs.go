package storage

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"puddlejobs/internal/domain"
)

type logRow struct {
	ID             int64  `db:"id"`
	ExecutionID    int64  `db:"execution_id"`
	FireInstanceID string `db:"fire_instance_id"`
	LoggedAt       dbTime `db:"logged_at"`
	Level          string `db:"level"`
	Stream         string `db:"stream"`
	Message        string `db:"message"`
}

func (s *sqlStore) ExecutionByFireInstance(ctx context.Context, fireInstanceID string) (domain.ExecutionRecord, error) {
	var r executionRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+executionCols+` FROM executions
		WHERE fire_instance_id = ? ORDER BY id DESC LIMIT 1`), fireInstanceID)
	if err != nil {
		return domain.ExecutionRecord{}, notFound(err, "fire instance", fireInstanceID)
	}
	return r.domain(), nil
}

func (s *sqlStore) AppendLogs(ctx context.Context, lines []domain.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i := range lines {
			l := &lines[i]
			if l.Time.IsZero() {
				l.Time = now()
			}
			id, err := s.insertID(ctx, tx,
				`INSERT INTO job_logs(execution_id, fire_instance_id, logged_at, level, stream, message) VALUES(?, ?, ?, ?, ?, ?)`,
				l.ExecutionID, l.FireInstanceID, s.ts(l.Time), l.Level, l.Stream, strings.ToValidUTF8(l.Message, "?"))
			if err != nil {
				return err
			}
			l.ID = id
		}
		return nil
	})
}

func (s *sqlStore) Logs(ctx context.Context, fireInstanceID string, limit int) ([]domain.LogLine, error) {
	query := `SELECT id, execution_id, fire_instance_id, logged_at, level, stream, message
		FROM job_logs WHERE fire_instance_id = ? ORDER BY id`
	args := []any{fireInstanceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]domain.LogLine, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.LogLine{
			ID:             r.ID,
			ExecutionID:    r.ExecutionID,
			FireInstanceID: r.FireInstanceID,
			Time:           r.LoggedAt.Time,
			Level:          r.Level,
			Stream:         r.Stream,
			Message:        r.Message,
		})
	}
	return out, nil
}
