package sched

import "sort"

// Snapshot returns a point-in-time diagnostic view: every task in registry
// insertion order, plus group membership.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running: s.stopCh != nil && s.stopDone == nil,
		Groups:  map[string][]string{},
	}
	for name := range s.targets {
		snap.Targets = append(snap.Targets, name)
	}
	sort.Strings(snap.Targets)

	snap.Tasks = make([]TaskInfo, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		if t == nil {
			continue
		}
		snap.Tasks = append(snap.Tasks, s.infoLocked(t))
		if t.group != "" {
			snap.Groups[t.group] = append(snap.Groups[t.group], t.id)
		}
	}
	return snap
}

// Info returns the current view of one task.
func (s *Service) Info(ref TaskRef) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ref.id]
	if !ok {
		return TaskInfo{}, ErrUnknownTask
	}
	return s.infoLocked(t), nil
}

func (s *Service) infoLocked(t *task) TaskInfo {
	return TaskInfo{
		ID:         t.id,
		Name:       t.name,
		Kind:       t.kind,
		State:      t.state,
		Interval:   t.interval,
		Delay:      t.delay,
		Jitter:     t.jitter,
		Spec:       t.spec,
		Limit:      t.limit,
		Executions: t.executions,
		Log:        t.log,
		Group:      t.group,
		NextDue:    t.nextDue,
		LastRun:    t.lastRun,
		LastErr:    t.lastErr,
	}
}
