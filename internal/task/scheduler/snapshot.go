package scheduler

import (
	"sort"

	"puddlejobs/internal/domain"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: s.cfg.Timezone,
		Jobs:     make([]domain.JobKey, 0, len(s.jobs)),
		Triggers: make([]TriggerInfo, 0, len(s.triggers)),
	}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for k := range s.jobs {
		snap.Jobs = append(snap.Jobs, k)
	}
	for _, t := range s.triggers {
		it := TriggerInfo{Key: t.key, Job: t.job, Expr: t.expr, State: s.stateLocked(t)}
		if s.c != nil && t.entryID != 0 {
			e := s.c.Entry(t.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Triggers = append(snap.Triggers, it)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i] < snap.Jobs[j] })
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].Key.String() < snap.Triggers[j].Key.String() })
	return snap
}
