package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"puddlejobs/internal/domain"
)

type assemblyRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	CreatedAt   dbTime `db:"created_at"`
	Deleted     bool   `db:"deleted"`
	DeletedAt   dbTime `db:"deleted_at"`
}

func (r assemblyRow) domain() domain.Assembly {
	return domain.Assembly{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.Time,
		Deleted:     r.Deleted,
		DeletedAt:   r.DeletedAt.Ptr(),
	}
}

type versionRow struct {
	ID          int64  `db:"id"`
	AssemblyID  int64  `db:"assembly_id"`
	Version     string `db:"version"`
	Locator     string `db:"locator"`
	EntryHint   string `db:"entry_hint"`
	ChangeNotes string `db:"change_notes"`
	UploadedAt  dbTime `db:"uploaded_at"`
	Active      bool   `db:"active"`
	Deleted     bool   `db:"deleted"`
	DeletedAt   dbTime `db:"deleted_at"`
}

func (r versionRow) domain() domain.AssemblyVersion {
	return domain.AssemblyVersion{
		ID:          r.ID,
		AssemblyID:  r.AssemblyID,
		Version:     r.Version,
		Locator:     r.Locator,
		EntryHint:   r.EntryHint,
		ChangeNotes: r.ChangeNotes,
		UploadedAt:  r.UploadedAt.Time,
		Active:      r.Active,
		Deleted:     r.Deleted,
		DeletedAt:   r.DeletedAt.Ptr(),
	}
}

type definitionRow struct {
	VersionID   int64   `db:"version_id"`
	Name        string  `db:"name"`
	Type        string  `db:"type"`
	Required    bool    `db:"required"`
	Default     *string `db:"default_value"`
	Description string  `db:"description"`
}

const (
	assemblyCols = `id, name, description, created_at, deleted, deleted_at`
	versionCols  = `id, assembly_id, version, locator, entry_hint, change_notes, uploaded_at, active, deleted, deleted_at`
)

func (s *sqlStore) CreateAssembly(ctx context.Context, a *domain.Assembly) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO assemblies(name, description, created_at, deleted) VALUES(?, ?, ?, FALSE)`,
		a.Name, a.Description, s.ts(a.CreatedAt))
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (s *sqlStore) GetAssembly(ctx context.Context, id int64) (domain.Assembly, error) {
	var r assemblyRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+assemblyCols+` FROM assemblies WHERE id = ? AND deleted = FALSE`), id)
	if err != nil {
		return domain.Assembly{}, notFound(err, "assembly", id)
	}
	return r.domain(), nil
}

func (s *sqlStore) GetAssemblyByName(ctx context.Context, name string) (domain.Assembly, error) {
	var r assemblyRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+assemblyCols+` FROM assemblies WHERE lower(name) = lower(?) AND deleted = FALSE`), name)
	if err != nil {
		return domain.Assembly{}, notFound(err, "assembly", name)
	}
	return r.domain(), nil
}

func (s *sqlStore) ListAssemblies(ctx context.Context) ([]domain.Assembly, error) {
	var rows []assemblyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+assemblyCols+` FROM assemblies WHERE deleted = FALSE ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]domain.Assembly, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) DeleteAssembly(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		t := s.ts(now())
		res, err := tx.ExecContext(ctx, s.q(`UPDATE assemblies SET deleted = TRUE, deleted_at = ? WHERE id = ? AND deleted = FALSE`), t, id)
		if err != nil {
			return err
		}
		if err := affectedOrNotFound(res, "assembly", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE assembly_versions SET deleted = TRUE, deleted_at = ?, active = FALSE WHERE assembly_id = ? AND deleted = FALSE`), t, id)
		return err
	})
}

func (s *sqlStore) CreateVersion(ctx context.Context, v *domain.AssemblyVersion) error {
	if v.UploadedAt.IsZero() {
		v.UploadedAt = now()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM assemblies WHERE id = ? AND deleted = FALSE`), v.AssemblyID); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: assembly %d", ErrNotFound, v.AssemblyID)
		}
		if v.Active {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE assembly_versions SET active = FALSE WHERE assembly_id = ? AND active = TRUE`), v.AssemblyID); err != nil {
				return err
			}
		}
		id, err := s.insertID(ctx, tx,
			`INSERT INTO assembly_versions(assembly_id, version, locator, entry_hint, change_notes, uploaded_at, active, deleted)
			 VALUES(?, ?, ?, ?, ?, ?, ?, FALSE)`,
			v.AssemblyID, v.Version, v.Locator, v.EntryHint, v.ChangeNotes, s.ts(v.UploadedAt), v.Active)
		if err != nil {
			return err
		}
		for i, d := range v.Parameters {
			_, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO parameter_definitions(version_id, position, name, type, required, default_value, description)
				 VALUES(?, ?, ?, ?, ?, ?, ?)`),
				id, i, d.Name, d.Type, d.Required, d.Default, d.Description)
			if err != nil {
				return mapErr(err)
			}
		}
		v.ID = id
		return nil
	})
}

func (s *sqlStore) GetVersion(ctx context.Context, id int64) (domain.AssemblyVersion, error) {
	var r versionRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+versionCols+` FROM assembly_versions WHERE id = ? AND deleted = FALSE`), id)
	if err != nil {
		return domain.AssemblyVersion{}, notFound(err, "version", id)
	}
	out, err := s.withDefinitions(ctx, []versionRow{r})
	if err != nil {
		return domain.AssemblyVersion{}, err
	}
	return out[0], nil
}

func (s *sqlStore) ListVersions(ctx context.Context, assemblyID int64) ([]domain.AssemblyVersion, error) {
	var rows []versionRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+versionCols+` FROM assembly_versions WHERE assembly_id = ? AND deleted = FALSE ORDER BY id`), assemblyID)
	if err != nil {
		return nil, err
	}
	return s.withDefinitions(ctx, rows)
}

func (s *sqlStore) ActiveVersion(ctx context.Context, assemblyID int64) (domain.AssemblyVersion, error) {
	if _, err := s.GetAssembly(ctx, assemblyID); err != nil {
		return domain.AssemblyVersion{}, err
	}
	var r versionRow
	err := s.db.GetContext(ctx, &r, s.q(
		`SELECT `+versionCols+` FROM assembly_versions
		 WHERE assembly_id = ? AND active = TRUE AND deleted = FALSE`), assemblyID)
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, ErrNotFound) {
			return domain.AssemblyVersion{}, fmt.Errorf("%w: assembly %d", ErrNoActiveVersion, assemblyID)
		}
		return domain.AssemblyVersion{}, err
	}
	out, err := s.withDefinitions(ctx, []versionRow{r})
	if err != nil {
		return domain.AssemblyVersion{}, err
	}
	return out[0], nil
}

// ActivateVersion deactivates first so the partial unique index on active
// versions never sees two rows.
func (s *sqlStore) ActivateVersion(ctx context.Context, assemblyID, versionID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		err := tx.GetContext(ctx, &n, s.q(
			`SELECT COUNT(*) FROM assembly_versions WHERE id = ? AND assembly_id = ? AND deleted = FALSE`), versionID, assemblyID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: version %d of assembly %d", ErrNotFound, versionID, assemblyID)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE assembly_versions SET active = FALSE WHERE assembly_id = ? AND active = TRUE`), assemblyID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE assembly_versions SET active = TRUE WHERE id = ?`), versionID)
		return mapErr(err)
	})
}

func (s *sqlStore) withDefinitions(ctx context.Context, rows []versionRow) ([]domain.AssemblyVersion, error) {
	out := make([]domain.AssemblyVersion, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	query, args, err := sqlx.In(
		`SELECT version_id, name, type, required, default_value, description
		 FROM parameter_definitions WHERE version_id IN (?) ORDER BY version_id, position`, ids)
	if err != nil {
		return nil, err
	}
	var defs []definitionRow
	if err := s.db.SelectContext(ctx, &defs, s.q(query), args...); err != nil {
		return nil, err
	}
	byVersion := make(map[int64][]domain.ParameterDefinition, len(rows))
	for _, d := range defs {
		byVersion[d.VersionID] = append(byVersion[d.VersionID], domain.ParameterDefinition{
			Name:        d.Name,
			Type:        d.Type,
			Required:    d.Required,
			Default:     d.Default,
			Description: d.Description,
		})
	}
	for _, r := range rows {
		v := r.domain()
		v.Parameters = byVersion[r.ID]
		out = append(out, v)
	}
	return out, nil
}
