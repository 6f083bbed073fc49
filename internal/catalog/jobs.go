package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/params"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

// JobInput is the desired state of a job. ScheduleIDs and Parameters are
// complete sets: on update, schedules missing from ScheduleIDs are unbound
// and overrides missing from Parameters are tombstoned.
type JobInput struct {
	Name        string
	Description string
	AssemblyID  int64
	Active      bool
	ScheduleIDs []int64
	Parameters  map[string]*string
}

// ParameterView joins a definition with the job's stored override.
type ParameterView struct {
	Definition domain.ParameterDefinition
	Value      *string
	Effective  *string
}

func (s *Service) CreateJob(ctx context.Context, in JobInput) (domain.Job, error) {
	name, err := requireName("job", in.Name)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.checkJobInput(ctx, in); err != nil {
		return domain.Job{}, err
	}

	j := domain.Job{Name: name, Description: in.Description, AssemblyID: in.AssemblyID, Active: in.Active}
	if err := s.store.CreateJob(ctx, &j); err != nil {
		return domain.Job{}, err
	}
	if err := s.store.SetJobSchedules(ctx, j.ID, dedupe(in.ScheduleIDs)); err != nil {
		return domain.Job{}, s.rollbackJob(ctx, j.ID, err)
	}
	if len(in.Parameters) > 0 {
		if err := s.store.SetParameterValues(ctx, j.ID, in.Parameters); err != nil {
			return domain.Job{}, s.rollbackJob(ctx, j.ID, err)
		}
	}
	if err := s.rec.UpdateJob(ctx, j.ID); err != nil {
		return j, err
	}
	s.log.Info("job created", logx.Int64("job_id", j.ID), logx.String("name", j.Name), logx.Int("schedules", len(in.ScheduleIDs)))
	return j, nil
}

func (s *Service) UpdateJob(ctx context.Context, id int64, in JobInput) (domain.Job, error) {
	name, err := requireName("job", in.Name)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.checkJobInput(ctx, in); err != nil {
		return domain.Job{}, err
	}

	j.Name, j.Description, j.AssemblyID, j.Active = name, in.Description, in.AssemblyID, in.Active
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return domain.Job{}, err
	}
	if err := s.store.SetJobSchedules(ctx, id, dedupe(in.ScheduleIDs)); err != nil {
		return domain.Job{}, err
	}

	current, err := s.store.ParameterValues(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	upsert := make(map[string]*string, len(in.Parameters)+len(current))
	for _, v := range current {
		if _, keep := in.Parameters[v.Name]; !keep && v.Value != nil {
			upsert[v.Name] = nil
		}
	}
	for name, v := range in.Parameters {
		upsert[name] = v
	}
	if len(upsert) > 0 {
		if err := s.store.SetParameterValues(ctx, id, upsert); err != nil {
			return domain.Job{}, err
		}
	}

	if err := s.rec.UpdateJob(ctx, id); err != nil {
		return j, err
	}
	s.log.Info("job updated", logx.Int64("job_id", id), logx.Bool("active", j.Active))
	return j, nil
}

func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.rec.DeleteJob(id)
	s.log.Info("job deleted", logx.Int64("job_id", id))
	return nil
}

// PauseJob suspends every trigger of the job in the running scheduler. The
// job's stored state is not changed.
func (s *Service) PauseJob(ctx context.Context, id int64) error {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	s.rec.PauseJob(id)
	return nil
}

func (s *Service) ResumeJob(ctx context.Context, id int64) error {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	s.rec.ResumeJob(id)
	return nil
}

func (s *Service) GetJob(ctx context.Context, id int64) (domain.Job, []int64, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, nil, err
	}
	sids, err := s.store.JobSchedules(ctx, id)
	if err != nil {
		return domain.Job{}, nil, err
	}
	return j, sids, nil
}

func (s *Service) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.store.ListJobs(ctx)
}

// JobParameters lists the active version's definitions with the job's
// overrides and the value a firing would use.
func (s *Service) JobParameters(ctx context.Context, id int64) ([]ParameterView, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	ver, err := s.store.ActiveVersion(ctx, j.AssemblyID)
	if err != nil {
		return nil, err
	}
	values, err := s.store.ParameterValues(ctx, id)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*string, len(values))
	for _, v := range values {
		byName[v.Name] = v.Value
	}

	out := make([]ParameterView, 0, len(ver.Parameters))
	for _, def := range ver.Parameters {
		pv := ParameterView{Definition: def, Value: byName[def.Name]}
		switch {
		case pv.Value != nil && *pv.Value != "":
			pv.Effective = pv.Value
		case def.Default != nil && *def.Default != "":
			pv.Effective = def.Default
		}
		out = append(out, pv)
	}
	return out, nil
}

// RunJob fires the job once, outside its schedules.
func (s *Service) RunJob(ctx context.Context, id int64) (string, error) {
	if s.firer == nil {
		return "", ErrNotRunnable
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	f := scheduler.Firing{
		JobKey:     domain.JobKeyFor(j.ID),
		TriggerKey: domain.TriggerKey{Name: "manual_" + domain.JobKeyFor(j.ID).String(), Group: "manual"},
		Data:       scheduler.JobData{JobID: j.ID},
	}
	f.FireInstanceID = newFireInstanceID()
	if err := s.firer.Fire(f); err != nil {
		return "", err
	}
	s.log.Info("job run requested", logx.Int64("job_id", j.ID), logx.String("fire_instance_id", f.FireInstanceID))
	return f.FireInstanceID, nil
}

// checkJobInput verifies the assembly has an active version, the schedules
// exist and the overrides satisfy the version's definitions.
func (s *Service) checkJobInput(ctx context.Context, in JobInput) error {
	if _, err := s.store.GetAssembly(ctx, in.AssemblyID); err != nil {
		return err
	}
	ver, err := s.store.ActiveVersion(ctx, in.AssemblyID)
	if err != nil {
		return err
	}
	for _, sid := range in.ScheduleIDs {
		if _, err := s.store.GetSchedule(ctx, sid); err != nil {
			return err
		}
	}
	if err := params.Validate(ver.Parameters, withDefaults(ver.Parameters, in.Parameters)); err != nil {
		return errors.Join(ErrInvalidInput, err)
	}
	return nil
}

func (s *Service) rollbackJob(ctx context.Context, id int64, cause error) error {
	if err := s.store.DeleteJob(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.Join(cause, fmt.Errorf("rollback job %d: %w", id, err))
	}
	return cause
}

// withDefaults fills empty overrides with the definition default so a
// required parameter with a default counts as provided.
func withDefaults(defs []domain.ParameterDefinition, provided map[string]*string) map[string]*string {
	out := make(map[string]*string, len(provided)+len(defs))
	for k, v := range provided {
		out[k] = v
	}
	for _, def := range defs {
		if v := out[def.Name]; (v == nil || *v == "") && def.Default != nil && *def.Default != "" {
			out[def.Name] = def.Default
		}
	}
	return out
}

func dedupe(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
