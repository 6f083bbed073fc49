package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"puddlejobs/internal/domain"
)

type jobRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	AssemblyID  int64  `db:"assembly_id"`
	Active      bool   `db:"active"`
	CreatedAt   dbTime `db:"created_at"`
	Deleted     bool   `db:"deleted"`
	DeletedAt   dbTime `db:"deleted_at"`
}

func (r jobRow) domain() domain.Job {
	return domain.Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		AssemblyID:  r.AssemblyID,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt.Time,
		Deleted:     r.Deleted,
		DeletedAt:   r.DeletedAt.Ptr(),
	}
}

type valueRow struct {
	JobID     int64   `db:"job_id"`
	Name      string  `db:"name"`
	Value     *string `db:"value"`
	CreatedAt dbTime  `db:"created_at"`
	UpdatedAt dbTime  `db:"updated_at"`
}

const jobCols = `id, name, description, assembly_id, active, created_at, deleted, deleted_at`

func (s *sqlStore) CreateJob(ctx context.Context, j *domain.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.assemblyAlive(ctx, tx, j.AssemblyID); err != nil {
			return err
		}
		id, err := s.insertID(ctx, tx,
			`INSERT INTO jobs(name, description, assembly_id, active, created_at, deleted) VALUES(?, ?, ?, ?, ?, FALSE)`,
			j.Name, j.Description, j.AssemblyID, j.Active, s.ts(j.CreatedAt))
		if err != nil {
			return err
		}
		j.ID = id
		return nil
	})
}

func (s *sqlStore) assemblyAlive(ctx context.Context, q queryer, id int64) error {
	var n int
	if err := q.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM assemblies WHERE id = ? AND deleted = FALSE`), id); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: assembly %d", ErrNotFound, id)
	}
	return nil
}

func (s *sqlStore) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	var r jobRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT `+jobCols+` FROM jobs WHERE id = ? AND deleted = FALSE`), id); err != nil {
		return domain.Job{}, notFound(err, "job", id)
	}
	return r.domain(), nil
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]domain.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobCols+` FROM jobs WHERE deleted = FALSE ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, j domain.Job) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.assemblyAlive(ctx, tx, j.AssemblyID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE jobs SET name = ?, description = ?, assembly_id = ?, active = ? WHERE id = ? AND deleted = FALSE`),
			j.Name, j.Description, j.AssemblyID, j.Active, j.ID)
		if err != nil {
			return mapErr(err)
		}
		return affectedOrNotFound(res, "job", j.ID)
	})
}

func (s *sqlStore) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET deleted = TRUE, deleted_at = ? WHERE id = ? AND deleted = FALSE`), s.ts(now()), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, "job", id)
}

func (s *sqlStore) CountJobsForAssembly(ctx context.Context, assemblyID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM jobs WHERE assembly_id = ? AND deleted = FALSE`), assemblyID)
	return n, err
}

func (s *sqlStore) ParameterValues(ctx context.Context, jobID int64) ([]domain.ParameterValue, error) {
	var rows []valueRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT job_id, name, value, created_at, updated_at FROM parameter_values WHERE job_id = ? ORDER BY name`), jobID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ParameterValue, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ParameterValue{
			JobID:     r.JobID,
			Name:      r.Name,
			Value:     r.Value,
			CreatedAt: r.CreatedAt.Time,
			UpdatedAt: r.UpdatedAt.Ptr(),
		})
	}
	return out, nil
}

func (s *sqlStore) SetParameterValues(ctx context.Context, jobID int64, values map[string]*string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM jobs WHERE id = ? AND deleted = FALSE`), jobID); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %d", ErrNotFound, jobID)
		}
		t := s.ts(now())
		for name, v := range values {
			_, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO parameter_values(job_id, name, value, created_at) VALUES(?, ?, ?, ?)
				 ON CONFLICT(job_id, name) DO UPDATE SET value = excluded.value, updated_at = ?`),
				jobID, name, v, t, t)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
