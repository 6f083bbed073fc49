package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"puddlejobs/internal/artifact"
	"puddlejobs/internal/domain"
	"puddlejobs/internal/params"
	"puddlejobs/internal/plugin"
	"puddlejobs/internal/storage"
	logx "puddlejobs/pkg/logx"
)

type AssemblyInput struct {
	Name        string
	Description string
	ChangeNotes string
	Artifact    []byte
}

// CreateAssembly stores the first version of a new assembly and activates it.
func (s *Service) CreateAssembly(ctx context.Context, in AssemblyInput) (domain.Assembly, domain.AssemblyVersion, error) {
	name, err := requireName("assembly", in.Name)
	if err != nil {
		return domain.Assembly{}, domain.AssemblyVersion{}, err
	}
	if _, err := s.store.GetAssemblyByName(ctx, name); err == nil {
		return domain.Assembly{}, domain.AssemblyVersion{}, fmt.Errorf("%w: assembly %q exists", storage.ErrConflict, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Assembly{}, domain.AssemblyVersion{}, err
	}

	ver, err := s.storeArtifact(ctx, name, FirstVersion, in.Artifact)
	if err != nil {
		return domain.Assembly{}, domain.AssemblyVersion{}, err
	}

	a := domain.Assembly{Name: name, Description: in.Description}
	if err := s.store.CreateAssembly(ctx, &a); err != nil {
		s.discardArtifact(ctx, ver.Locator)
		return domain.Assembly{}, domain.AssemblyVersion{}, err
	}
	ver.AssemblyID, ver.ChangeNotes, ver.Active = a.ID, in.ChangeNotes, true
	if err := s.store.CreateVersion(ctx, &ver); err != nil {
		s.discardArtifact(ctx, ver.Locator)
		_ = s.store.DeleteAssembly(ctx, a.ID)
		return domain.Assembly{}, domain.AssemblyVersion{}, err
	}
	s.log.Info("assembly created",
		logx.Int64("assembly_id", a.ID),
		logx.String("name", a.Name),
		logx.String("entry", ver.EntryHint),
		logx.Int("parameters", len(ver.Parameters)),
	)
	return a, ver, nil
}

// CreateVersion uploads another version. It becomes active only when the
// assembly has no version yet.
func (s *Service) CreateVersion(ctx context.Context, assemblyID int64, version, changeNotes string, data []byte) (domain.AssemblyVersion, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return domain.AssemblyVersion{}, errors.Join(ErrInvalidInput, errors.New("version is required"))
	}
	a, err := s.store.GetAssembly(ctx, assemblyID)
	if err != nil {
		return domain.AssemblyVersion{}, err
	}
	existing, err := s.store.ListVersions(ctx, assemblyID)
	if err != nil {
		return domain.AssemblyVersion{}, err
	}
	for _, v := range existing {
		if v.Version == version {
			return domain.AssemblyVersion{}, fmt.Errorf("%w: version %q of %q exists", storage.ErrConflict, version, a.Name)
		}
	}

	ver, err := s.storeArtifact(ctx, a.Name, version, data)
	if err != nil {
		return domain.AssemblyVersion{}, err
	}
	ver.AssemblyID, ver.ChangeNotes, ver.Active = assemblyID, changeNotes, len(existing) == 0
	if err := s.store.CreateVersion(ctx, &ver); err != nil {
		s.discardArtifact(ctx, ver.Locator)
		return domain.AssemblyVersion{}, err
	}
	s.log.Info("assembly version uploaded",
		logx.Int64("assembly_id", assemblyID),
		logx.String("version", version),
		logx.Bool("active", ver.Active),
	)
	return ver, nil
}

// SetActiveVersion switches the active version. Running firings keep the
// version they loaded; the next firing picks up the new one.
func (s *Service) SetActiveVersion(ctx context.Context, assemblyID, versionID int64) error {
	if err := s.store.ActivateVersion(ctx, assemblyID, versionID); err != nil {
		return err
	}
	s.log.Info("active version changed", logx.Int64("assembly_id", assemblyID), logx.Int64("version_id", versionID))
	return nil
}

func (s *Service) ListVersions(ctx context.Context, assemblyID int64) ([]domain.AssemblyVersion, error) {
	if _, err := s.store.GetAssembly(ctx, assemblyID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, assemblyID)
}

func (s *Service) ListAssemblies(ctx context.Context) ([]domain.Assembly, error) {
	return s.store.ListAssemblies(ctx)
}

// DeleteAssembly soft-deletes an assembly and its versions. It is refused
// while any job still references the assembly.
func (s *Service) DeleteAssembly(ctx context.Context, assemblyID int64) error {
	n, err := s.store.CountJobsForAssembly(ctx, assemblyID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d job(s) reference assembly %d", ErrAssemblyInUse, n, assemblyID)
	}
	return s.store.DeleteAssembly(ctx, assemblyID)
}

// storeArtifact saves the payload and captures the job entry and its
// parameter definitions once, at registration.
func (s *Service) storeArtifact(ctx context.Context, name, version string, data []byte) (domain.AssemblyVersion, error) {
	if len(data) == 0 {
		return domain.AssemblyVersion{}, errors.Join(ErrInvalidInput, errors.New("artifact is empty"))
	}
	locator, err := s.artifacts.Save(ctx, name, version, data)
	if err != nil {
		return domain.AssemblyVersion{}, err
	}
	unit, err := s.artifacts.Load(ctx, locator, name)
	if err != nil {
		s.discardArtifact(ctx, locator)
		return domain.AssemblyVersion{}, err
	}
	entry, defs, err := inspect(unit)
	if err != nil {
		s.discardArtifact(ctx, locator)
		return domain.AssemblyVersion{}, err
	}
	return domain.AssemblyVersion{
		Version:    version,
		Locator:    locator,
		EntryHint:  entry,
		Parameters: defs,
	}, nil
}

func inspect(unit *artifact.Unit) (string, []domain.ParameterDefinition, error) {
	entry, _, err := plugin.SelectEntry(unit.Manifest, "")
	if err != nil {
		return "", nil, errors.Join(ErrInvalidInput, err)
	}
	defs := entry.Definitions()
	if err := params.CheckDefinitions(defs); err != nil {
		return "", nil, errors.Join(ErrInvalidInput, err)
	}
	return entry.Name, defs, nil
}

func (s *Service) discardArtifact(ctx context.Context, locator string) {
	if err := s.artifacts.Remove(ctx, locator); err != nil {
		s.log.Warn("artifact cleanup failed", logx.String("locator", locator), logx.Err(err))
	}
}
