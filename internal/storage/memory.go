package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"puddlejobs/internal/domain"
)

// memStore keeps everything in maps guarded by one mutex. Returned values
// are copies.
type memStore struct {
	mu     sync.Mutex
	closed bool
	seq    int64

	assemblies map[int64]domain.Assembly
	versions   map[int64]domain.AssemblyVersion
	jobs       map[int64]domain.Job
	schedules  map[int64]domain.Schedule
	bindings   map[[2]int64]domain.JobSchedule
	values     map[int64]map[string]domain.ParameterValue
	executions map[int64]domain.ExecutionRecord
	logs       map[string][]domain.LogLine
}

func NewMemory() Store {
	return &memStore{
		assemblies: map[int64]domain.Assembly{},
		versions:   map[int64]domain.AssemblyVersion{},
		jobs:       map[int64]domain.Job{},
		schedules:  map[int64]domain.Schedule{},
		bindings:   map[[2]int64]domain.JobSchedule{},
		values:     map[int64]map[string]domain.ParameterValue{},
		executions: map[int64]domain.ExecutionRecord{},
		logs:       map[string][]domain.LogLine{},
	}
}

func (m *memStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *memStore) next() int64 {
	m.seq++
	return m.seq
}

func now() time.Time { return time.Now().UTC() }

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Assemblies

func (m *memStore) CreateAssembly(_ context.Context, a *domain.Assembly) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, x := range m.assemblies {
		if !x.Deleted && strings.EqualFold(x.Name, a.Name) {
			return fmt.Errorf("%w: assembly %q exists", ErrConflict, a.Name)
		}
	}
	a.ID = m.next()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	m.assemblies[a.ID] = *a
	return nil
}

func (m *memStore) GetAssembly(_ context.Context, id int64) (domain.Assembly, error) {
	if err := m.lock(); err != nil {
		return domain.Assembly{}, err
	}
	defer m.mu.Unlock()
	a, ok := m.assemblies[id]
	if !ok || a.Deleted {
		return domain.Assembly{}, fmt.Errorf("%w: assembly %d", ErrNotFound, id)
	}
	return a, nil
}

func (m *memStore) GetAssemblyByName(_ context.Context, name string) (domain.Assembly, error) {
	if err := m.lock(); err != nil {
		return domain.Assembly{}, err
	}
	defer m.mu.Unlock()
	for _, a := range m.assemblies {
		if !a.Deleted && strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return domain.Assembly{}, fmt.Errorf("%w: assembly %q", ErrNotFound, name)
}

func (m *memStore) ListAssemblies(_ context.Context) ([]domain.Assembly, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.Assembly, 0, len(m.assemblies))
	for _, a := range m.assemblies {
		if !a.Deleted {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteAssembly(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	a, ok := m.assemblies[id]
	if !ok || a.Deleted {
		return fmt.Errorf("%w: assembly %d", ErrNotFound, id)
	}
	t := now()
	a.Deleted, a.DeletedAt = true, &t
	m.assemblies[id] = a
	for vid, v := range m.versions {
		if v.AssemblyID == id && !v.Deleted {
			v.Deleted, v.DeletedAt, v.Active = true, &t, false
			m.versions[vid] = v
		}
	}
	return nil
}

// Versions

func (m *memStore) CreateVersion(_ context.Context, v *domain.AssemblyVersion) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if a, ok := m.assemblies[v.AssemblyID]; !ok || a.Deleted {
		return fmt.Errorf("%w: assembly %d", ErrNotFound, v.AssemblyID)
	}
	for _, x := range m.versions {
		if x.AssemblyID == v.AssemblyID && x.Version == v.Version {
			return fmt.Errorf("%w: version %q exists", ErrConflict, v.Version)
		}
	}
	seen := map[string]bool{}
	for _, d := range v.Parameters {
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrConflict, d.Name)
		}
		seen[d.Name] = true
	}
	if v.Active {
		m.deactivateLocked(v.AssemblyID)
	}
	v.ID = m.next()
	if v.UploadedAt.IsZero() {
		v.UploadedAt = now()
	}
	cp := *v
	cp.Parameters = append([]domain.ParameterDefinition(nil), v.Parameters...)
	m.versions[v.ID] = cp
	return nil
}

func (m *memStore) deactivateLocked(assemblyID int64) {
	for id, x := range m.versions {
		if x.AssemblyID == assemblyID && x.Active {
			x.Active = false
			m.versions[id] = x
		}
	}
}

func (m *memStore) GetVersion(_ context.Context, id int64) (domain.AssemblyVersion, error) {
	if err := m.lock(); err != nil {
		return domain.AssemblyVersion{}, err
	}
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok || v.Deleted {
		return domain.AssemblyVersion{}, fmt.Errorf("%w: version %d", ErrNotFound, id)
	}
	return copyVersion(v), nil
}

func (m *memStore) ListVersions(_ context.Context, assemblyID int64) ([]domain.AssemblyVersion, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []domain.AssemblyVersion
	for _, v := range m.versions {
		if v.AssemblyID == assemblyID && !v.Deleted {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ActiveVersion(_ context.Context, assemblyID int64) (domain.AssemblyVersion, error) {
	if err := m.lock(); err != nil {
		return domain.AssemblyVersion{}, err
	}
	defer m.mu.Unlock()
	if a, ok := m.assemblies[assemblyID]; !ok || a.Deleted {
		return domain.AssemblyVersion{}, fmt.Errorf("%w: assembly %d", ErrNotFound, assemblyID)
	}
	for _, v := range m.versions {
		if v.AssemblyID == assemblyID && v.Active && !v.Deleted {
			return copyVersion(v), nil
		}
	}
	return domain.AssemblyVersion{}, fmt.Errorf("%w: assembly %d", ErrNoActiveVersion, assemblyID)
}

func (m *memStore) ActivateVersion(_ context.Context, assemblyID, versionID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	v, ok := m.versions[versionID]
	if !ok || v.Deleted || v.AssemblyID != assemblyID {
		return fmt.Errorf("%w: version %d of assembly %d", ErrNotFound, versionID, assemblyID)
	}
	m.deactivateLocked(assemblyID)
	v.Active = true
	m.versions[versionID] = v
	return nil
}

func copyVersion(v domain.AssemblyVersion) domain.AssemblyVersion {
	v.Parameters = append([]domain.ParameterDefinition(nil), v.Parameters...)
	return v
}

// Jobs

func (m *memStore) CreateJob(_ context.Context, j *domain.Job) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.checkJobLocked(*j); err != nil {
		return err
	}
	j.ID = m.next()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now()
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *memStore) checkJobLocked(j domain.Job) error {
	if a, ok := m.assemblies[j.AssemblyID]; !ok || a.Deleted {
		return fmt.Errorf("%w: assembly %d", ErrNotFound, j.AssemblyID)
	}
	for _, x := range m.jobs {
		if x.ID != j.ID && !x.Deleted && strings.EqualFold(x.Name, j.Name) {
			return fmt.Errorf("%w: job %q exists", ErrConflict, j.Name)
		}
	}
	return nil
}

func (m *memStore) GetJob(_ context.Context, id int64) (domain.Job, error) {
	if err := m.lock(); err != nil {
		return domain.Job{}, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Deleted {
		return domain.Job{}, fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	return j, nil
}

func (m *memStore) ListJobs(_ context.Context) ([]domain.Job, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.Deleted {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memStore) UpdateJob(_ context.Context, j domain.Job) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok || cur.Deleted {
		return fmt.Errorf("%w: job %d", ErrNotFound, j.ID)
	}
	if err := m.checkJobLocked(j); err != nil {
		return err
	}
	cur.Name, cur.Description, cur.AssemblyID, cur.Active = j.Name, j.Description, j.AssemblyID, j.Active
	m.jobs[j.ID] = cur
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Deleted {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	t := now()
	j.Deleted, j.DeletedAt = true, &t
	m.jobs[id] = j
	return nil
}

func (m *memStore) CountJobsForAssembly(_ context.Context, assemblyID int64) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.AssemblyID == assemblyID && !j.Deleted {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ParameterValues(_ context.Context, jobID int64) ([]domain.ParameterValue, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.ParameterValue, 0, len(m.values[jobID]))
	for _, v := range m.values[jobID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *memStore) SetParameterValues(_ context.Context, jobID int64, values map[string]*string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; !ok || j.Deleted {
		return fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	}
	byName := m.values[jobID]
	if byName == nil {
		byName = map[string]domain.ParameterValue{}
		m.values[jobID] = byName
	}
	t := now()
	for name, val := range values {
		var cp *string
		if val != nil {
			s := *val
			cp = &s
		}
		if cur, ok := byName[name]; ok {
			cur.Value = cp
			ut := t
			cur.UpdatedAt = &ut
			byName[name] = cur
			continue
		}
		byName[name] = domain.ParameterValue{JobID: jobID, Name: name, Value: cp, CreatedAt: t}
	}
	return nil
}

// Schedules

func (m *memStore) CreateSchedule(_ context.Context, s *domain.Schedule) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.checkScheduleLocked(*s); err != nil {
		return err
	}
	s.ID = m.next()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
	m.schedules[s.ID] = *s
	return nil
}

func (m *memStore) checkScheduleLocked(s domain.Schedule) error {
	for _, x := range m.schedules {
		if x.ID != s.ID && !x.Deleted && strings.EqualFold(x.Name, s.Name) {
			return fmt.Errorf("%w: schedule %q exists", ErrConflict, s.Name)
		}
	}
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id int64) (domain.Schedule, error) {
	if err := m.lock(); err != nil {
		return domain.Schedule{}, err
	}
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || s.Deleted {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %d", ErrNotFound, id)
	}
	return s, nil
}

func (m *memStore) ListSchedules(_ context.Context) ([]domain.Schedule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if !s.Deleted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s domain.Schedule) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.schedules[s.ID]
	if !ok || cur.Deleted {
		return fmt.Errorf("%w: schedule %d", ErrNotFound, s.ID)
	}
	if err := m.checkScheduleLocked(s); err != nil {
		return err
	}
	cur.Name, cur.Description, cur.CronExpression, cur.Active = s.Name, s.Description, s.CronExpression, s.Active
	m.schedules[s.ID] = cur
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || s.Deleted {
		return fmt.Errorf("%w: schedule %d", ErrNotFound, id)
	}
	t := now()
	s.Deleted, s.DeletedAt = true, &t
	m.schedules[id] = s
	return nil
}

func (m *memStore) SetJobSchedules(_ context.Context, jobID int64, scheduleIDs []int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; !ok || j.Deleted {
		return fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	}
	want := map[int64]bool{}
	for _, sid := range scheduleIDs {
		if s, ok := m.schedules[sid]; !ok || s.Deleted {
			return fmt.Errorf("%w: schedule %d", ErrNotFound, sid)
		}
		want[sid] = true
	}
	for k := range m.bindings {
		if k[0] == jobID && !want[k[1]] {
			delete(m.bindings, k)
		}
	}
	t := now()
	for sid := range want {
		k := [2]int64{jobID, sid}
		if _, ok := m.bindings[k]; !ok {
			m.bindings[k] = domain.JobSchedule{JobID: jobID, ScheduleID: sid, CreatedAt: t}
		}
	}
	return nil
}

func (m *memStore) JobSchedules(_ context.Context, jobID int64) ([]int64, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []int64
	for k := range m.bindings {
		if k[0] != jobID {
			continue
		}
		if s, ok := m.schedules[k[1]]; ok && !s.Deleted {
			out = append(out, k[1])
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out, nil
}

func (m *memStore) ActiveBindings(_ context.Context, f BindingFilter) ([]domain.Binding, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []domain.Binding
	for k := range m.bindings {
		if (f.JobID != 0 && k[0] != f.JobID) || (f.ScheduleID != 0 && k[1] != f.ScheduleID) {
			continue
		}
		j, ok := m.jobs[k[0]]
		if !ok || j.Deleted || !j.Active {
			continue
		}
		s, ok := m.schedules[k[1]]
		if !ok || s.Deleted || !s.Active {
			continue
		}
		out = append(out, domain.Binding{Job: j, Schedule: s})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Job.ID != out[k].Job.ID {
			return out[i].Job.ID < out[k].Job.ID
		}
		return out[i].Schedule.ID < out[k].Schedule.ID
	})
	return out, nil
}

// Executions

func (m *memStore) InsertExecution(_ context.Context, r *domain.ExecutionRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r.ID = m.next()
	if r.StartTime.IsZero() {
		r.StartTime = now()
	}
	if r.Status == "" {
		r.Status = domain.StatusRunning
	}
	m.executions[r.ID] = *r
	return nil
}

func (m *memStore) CloseExecution(_ context.Context, id int64, end time.Time, status domain.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: status %q is not terminal", status)
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("%w: execution %d", ErrNotFound, id)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: execution %d", ErrRecordClosed, id)
	}
	e := end.UTC()
	r.EndTime, r.Status = &e, status
	m.executions[id] = r
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id int64) (domain.ExecutionRecord, error) {
	if err := m.lock(); err != nil {
		return domain.ExecutionRecord{}, err
	}
	defer m.mu.Unlock()
	r, ok := m.executions[id]
	if !ok {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: execution %d", ErrNotFound, id)
	}
	return r, nil
}

func (m *memStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]domain.ExecutionRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []domain.ExecutionRecord
	for _, r := range m.executions {
		if f.JobID == 0 || r.JobID == f.JobID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartTime.Equal(out[k].StartTime) {
			return out[i].StartTime.After(out[k].StartTime)
		}
		return out[i].ID > out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) ExecutionByFireInstance(_ context.Context, fireInstanceID string) (domain.ExecutionRecord, error) {
	if err := m.lock(); err != nil {
		return domain.ExecutionRecord{}, err
	}
	defer m.mu.Unlock()
	var (
		found domain.ExecutionRecord
		ok    bool
	)
	for _, r := range m.executions {
		if r.FireInstanceID == fireInstanceID && (!ok || r.ID > found.ID) {
			found, ok = r, true
		}
	}
	if !ok {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: fire instance %s", ErrNotFound, fireInstanceID)
	}
	return found, nil
}

// Logs

func (m *memStore) AppendLogs(_ context.Context, lines []domain.LogLine) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for i := range lines {
		l := &lines[i]
		l.ID = m.next()
		if l.Time.IsZero() {
			l.Time = now()
		}
		l.Time = l.Time.UTC()
		m.logs[l.FireInstanceID] = append(m.logs[l.FireInstanceID], *l)
	}
	return nil
}

func (m *memStore) Logs(_ context.Context, fireInstanceID string, limit int) ([]domain.LogLine, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	lines := m.logs[fireInstanceID]
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return append([]domain.LogLine(nil), lines...), nil
}
