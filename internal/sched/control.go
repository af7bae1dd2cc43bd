package sched

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskforge/internal/eventbus"
	"taskforge/pkg/logx"
)

// Pause keeps a task from being dispatched until Resume. The due time is
// cleared, not preserved: a long pause never causes a stale firing. Pausing
// an in-flight task lets the invocation finish and suppresses the reschedule.
func (s *Service) Pause(ref TaskRef) error {
	s.mu.Lock()
	t, ok := s.tasks[ref.id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, ref.id)
	}
	err, already := s.pauseLocked(t)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !already {
		s.afterControl(t, EventPaused, "task paused")
	}
	return nil
}

func (s *Service) pauseLocked(t *task) (err error, already bool) {
	if t.state.Terminal() {
		return fmt.Errorf("%w: cannot pause %s task %q", ErrInvalidTransition, t.state, t.name), false
	}
	// Pause on an already-paused task is a no-op, not an error, and it emits
	// no duplicate lifecycle event.
	if t.state == StatePaused {
		return nil, true
	}
	t.state = StatePaused
	t.nextDue = time.Time{}
	return nil, false
}

// Resume puts a paused task back on the schedule. The timer restarts rather
// than continuing a partially elapsed one: a never-run task resumes with its
// delay, anything else with its interval, with a fresh jitter draw.
func (s *Service) Resume(ref TaskRef) error {
	s.mu.Lock()
	t, ok := s.tasks[ref.id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, ref.id)
	}
	err := s.resumeLocked(t, time.Now())
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.afterControl(t, EventResumed, "task resumed")
	return nil
}

func (s *Service) resumeLocked(t *task, now time.Time) error {
	if t.state != StatePaused {
		return fmt.Errorf("%w: cannot resume %s task %q", ErrInvalidTransition, t.state, t.name)
	}
	t.state = StateScheduled
	t.nextDue = s.dueLocked(t, now)
	return nil
}

// Stop terminates a task. Terminal and idempotent: stopping a stopped task
// is a no-op, and no later pause/resume/edit can leave the state.
func (s *Service) Stop(ref TaskRef) error {
	s.mu.Lock()
	t, ok := s.tasks[ref.id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, ref.id)
	}
	err, already := s.stopLocked(t)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !already {
		s.afterControl(t, EventStopped, "task stopped")
	}
	return nil
}

func (s *Service) stopLocked(t *task) (err error, already bool) {
	switch t.state {
	case StateStopped:
		return nil, true
	case StateCompleted:
		return fmt.Errorf("%w: cannot stop %s task %q", ErrInvalidTransition, t.state, t.name), false
	}
	t.state = StateStopped
	t.nextDue = time.Time{}
	return nil, false
}

// Edit applies a partial update. Every supplied field is validated before
// any mutation; a Scheduled task gets its due time recomputed from the new
// parameters so the next cycle uses them, not the old ones.
func (s *Service) Edit(ref TaskRef, p Patch) error {
	s.mu.Lock()
	t, ok := s.tasks[ref.id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, ref.id)
	}
	if t.state.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot edit %s task %q", ErrInvalidTransition, t.state, t.name)
	}

	// Validate everything first; nothing is applied on any failure.
	staged, err := s.stageEditLocked(t, p)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyEditLocked(t, p, staged)

	// Reaching the (possibly lowered) limit completes the task.
	timingChanged := p.Interval != nil || p.Delay != nil || p.Jitter != nil || p.Spec != nil
	if t.limit > 0 && t.executions >= t.limit && !t.state.Terminal() {
		t.state = StateCompleted
		t.nextDue = time.Time{}
	} else if t.state == StateScheduled && timingChanged {
		// The next cycle must see a due time computed from the new
		// parameters, not the old ones.
		t.nextDue = s.dueLocked(t, time.Now())
	}
	s.mu.Unlock()

	s.afterControl(t, EventEdited, "task edited")
	return nil
}

type stagedEdit struct {
	interval time.Duration
	delay    time.Duration
	jitter   time.Duration
	sched    cron.Schedule
}

func (s *Service) stageEditLocked(t *task, p Patch) (stagedEdit, error) {
	var st stagedEdit
	var err error
	if p.Interval != nil {
		st.interval, err = ParseDuration(*p.Interval)
		if err != nil {
			return st, fmt.Errorf("interval: %w", err)
		}
		if t.kind == KindPeriodic && st.interval <= 0 {
			return st, fmt.Errorf("periodic task requires interval > 0")
		}
	}
	if p.Delay != nil {
		st.delay, err = parseOptionalDuration(*p.Delay)
		if err != nil {
			return st, fmt.Errorf("delay: %w", err)
		}
	}
	if p.Jitter != nil {
		st.jitter, err = parseOptionalDuration(*p.Jitter)
		if err != nil {
			return st, fmt.Errorf("jitter: %w", err)
		}
	}
	if p.Spec != nil {
		if t.kind != KindCron {
			return st, fmt.Errorf("spec only applies to cron tasks")
		}
		st.sched, err = s.parser.Parse(strings.TrimSpace(*p.Spec))
		if err != nil {
			return st, fmt.Errorf("cron spec %q: %w", *p.Spec, err)
		}
	}
	if p.Limit != nil && *p.Limit < 0 {
		return st, fmt.Errorf("limit must be non-negative, got %d", *p.Limit)
	}
	return st, nil
}

func (s *Service) applyEditLocked(t *task, p Patch, st stagedEdit) {
	if p.Interval != nil {
		t.interval = st.interval
	}
	if p.Delay != nil {
		t.delay = st.delay
	}
	if p.Jitter != nil {
		t.jitter = st.jitter
	}
	if p.Spec != nil {
		t.spec = strings.TrimSpace(*p.Spec)
		t.sched = st.sched
	}
	if p.Limit != nil {
		t.limit = *p.Limit
	}
	if p.Log != nil {
		t.log = *p.Log
	}
	if p.Group != nil {
		// Membership moves atomically under the registry lock.
		next := strings.TrimSpace(*p.Group)
		if next != t.group {
			if t.group != "" {
				s.removeFromGroupLocked(t.group, t.id)
			}
			if next != "" {
				s.addToGroupLocked(next, t.id)
			}
			t.group = next
		}
	}
}

// afterControl publishes the control event, logs it, and wakes the loop so
// the change is observed before the current timer would have fired.
func (s *Service) afterControl(t *task, event, msg string) {
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: event, Time: now, Data: s.snapshotEvent(t, now, 0, "")})
	s.log.Debug(msg, logx.String("task", t.name), logx.String("id", t.id))
	s.wakeLoop()
}

// ---- Group-targeted variants ----
//
// An unknown group fails the whole call and mutates nothing. Members already
// in a terminal state are skipped (the per-task warning outcome), which does
// not fail the rest of the group.

func (s *Service) PauseGroup(name string) error {
	return s.groupOp(name, EventPaused, "group paused", func(t *task) error {
		err, already := s.pauseLocked(t)
		if already {
			return ErrInvalidTransition
		}
		return err
	})
}

func (s *Service) ResumeGroup(name string) error {
	now := time.Now()
	return s.groupOp(name, EventResumed, "group resumed", func(t *task) error {
		return s.resumeLocked(t, now)
	})
}

func (s *Service) StopGroup(name string) error {
	return s.groupOp(name, EventStopped, "group stopped", func(t *task) error {
		err, already := s.stopLocked(t)
		if already {
			return ErrInvalidTransition
		}
		return err
	})
}

func (s *Service) groupOp(name, event, msg string, apply func(*task) error) error {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	members, ok := s.groups[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	var changed []*task
	skipped := 0
	// Iterate the registry order so bulk transitions are deterministic.
	for _, id := range s.order {
		if _, member := members[id]; !member {
			continue
		}
		t := s.tasks[id]
		if t == nil {
			continue
		}
		if err := apply(t); err != nil {
			skipped++
			continue
		}
		changed = append(changed, t)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, t := range changed {
		s.bus.Publish(eventbus.Event{Type: event, Time: now, Data: s.snapshotEvent(t, now, 0, "")})
	}
	s.log.Debug(msg, logx.String("group", name), logx.Int("changed", len(changed)), logx.Int("skipped", skipped))
	s.wakeLoop()
	return nil
}
