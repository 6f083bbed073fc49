package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"puddlejobs/internal/domain"
)

type scheduleRow struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	Description    string `db:"description"`
	CronExpression string `db:"cron_expression"`
	Active         bool   `db:"active"`
	CreatedAt      dbTime `db:"created_at"`
	Deleted        bool   `db:"deleted"`
	DeletedAt      dbTime `db:"deleted_at"`
}

func (r scheduleRow) domain() domain.Schedule {
	return domain.Schedule{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		CronExpression: r.CronExpression,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt.Time,
		Deleted:        r.Deleted,
		DeletedAt:      r.DeletedAt.Ptr(),
	}
}

// bindingRow flattens a job/schedule join.
type bindingRow struct {
	JobID          int64  `db:"job_id"`
	JobName        string `db:"job_name"`
	AssemblyID     int64  `db:"assembly_id"`
	ScheduleID     int64  `db:"schedule_id"`
	ScheduleName   string `db:"schedule_name"`
	CronExpression string `db:"cron_expression"`
}

const scheduleCols = `id, name, description, cron_expression, active, created_at, deleted, deleted_at`

func (s *sqlStore) CreateSchedule(ctx context.Context, sc *domain.Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now()
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO schedules(name, description, cron_expression, active, created_at, deleted) VALUES(?, ?, ?, ?, ?, FALSE)`,
		sc.Name, sc.Description, sc.CronExpression, sc.Active, s.ts(sc.CreatedAt))
	if err != nil {
		return err
	}
	sc.ID = id
	return nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	var r scheduleRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT `+scheduleCols+` FROM schedules WHERE id = ? AND deleted = FALSE`), id); err != nil {
		return domain.Schedule{}, notFound(err, "schedule", id)
	}
	return r.domain(), nil
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+scheduleCols+` FROM schedules WHERE deleted = FALSE ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]domain.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE schedules SET name = ?, description = ?, cron_expression = ?, active = ? WHERE id = ? AND deleted = FALSE`),
		sc.Name, sc.Description, sc.CronExpression, sc.Active, sc.ID)
	if err != nil {
		return mapErr(err)
	}
	return affectedOrNotFound(res, "schedule", sc.ID)
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedules SET deleted = TRUE, deleted_at = ? WHERE id = ? AND deleted = FALSE`), s.ts(now()), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, "schedule", id)
}

func (s *sqlStore) SetJobSchedules(ctx context.Context, jobID int64, scheduleIDs []int64) error {
	ids := uniqueIDs(scheduleIDs)
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM jobs WHERE id = ? AND deleted = FALSE`), jobID); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %d", ErrNotFound, jobID)
		}

		if len(ids) == 0 {
			_, err := tx.ExecContext(ctx, s.q(`DELETE FROM job_schedules WHERE job_id = ?`), jobID)
			return err
		}

		query, args, err := sqlx.In(`SELECT COUNT(*) FROM schedules WHERE deleted = FALSE AND id IN (?)`, ids)
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &n, s.q(query), args...); err != nil {
			return err
		}
		if n != len(ids) {
			return fmt.Errorf("%w: one or more schedules of %v", ErrNotFound, ids)
		}

		query, args, err = sqlx.In(`DELETE FROM job_schedules WHERE job_id = ? AND schedule_id NOT IN (?)`, jobID, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(query), args...); err != nil {
			return err
		}
		t := s.ts(now())
		for _, sid := range ids {
			_, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO job_schedules(job_id, schedule_id, created_at) VALUES(?, ?, ?)
				 ON CONFLICT(job_id, schedule_id) DO NOTHING`), jobID, sid, t)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) JobSchedules(ctx context.Context, jobID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.q(
		`SELECT js.schedule_id FROM job_schedules js
		 JOIN schedules sc ON sc.id = js.schedule_id
		 WHERE js.job_id = ? AND sc.deleted = FALSE ORDER BY js.schedule_id`), jobID)
	return ids, err
}

func (s *sqlStore) ActiveBindings(ctx context.Context, f BindingFilter) ([]domain.Binding, error) {
	query := `SELECT j.id AS job_id, j.name AS job_name, j.assembly_id,
		sc.id AS schedule_id, sc.name AS schedule_name, sc.cron_expression
		FROM job_schedules js
		JOIN jobs j ON j.id = js.job_id
		JOIN schedules sc ON sc.id = js.schedule_id
		WHERE j.deleted = FALSE AND j.active = TRUE AND sc.deleted = FALSE AND sc.active = TRUE`
	var args []any
	if f.JobID != 0 {
		query += ` AND j.id = ?`
		args = append(args, f.JobID)
	}
	if f.ScheduleID != 0 {
		query += ` AND sc.id = ?`
		args = append(args, f.ScheduleID)
	}
	query += ` ORDER BY j.id, sc.id`

	var rows []bindingRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]domain.Binding, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Binding{
			Job:      domain.Job{ID: r.JobID, Name: r.JobName, AssemblyID: r.AssemblyID, Active: true},
			Schedule: domain.Schedule{ID: r.ScheduleID, Name: r.ScheduleName, CronExpression: r.CronExpression, Active: true},
		})
	}
	return out, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
