package sched

import (
	"context"
	"time"
)

// loop is the single coordinating goroutine. Each cycle it hands every due
// task to dispatch, then sleeps until the soonest due time or until a control
// operation wakes it. With nothing scheduled it parks until woken.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		// Fast-exit check so a closed stopCh wins over pending work.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		now := time.Now()
		for _, t := range s.collectDue(now) {
			s.dispatch(t)
		}

		next, ok := s.nextDueTime()
		if !ok {
			// Nothing scheduled: park until a control operation wakes us.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stopCh:
				return nil
			case <-s.wake:
			}
			continue
		}

		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		tmr := time.NewTimer(d)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return nil
		case <-s.wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// collectDue marks every eligible due task Running and returns them in
// registry insertion order, which fixes the dispatch order for equal due
// times.
func (s *Service) collectDue(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*task
	for _, id := range s.order {
		t := s.tasks[id]
		if t == nil || t.state != StateScheduled || !s.eligibleLocked(t) {
			continue
		}
		if t.nextDue.After(now) {
			continue
		}
		t.state = StateRunning
		t.nextDue = time.Time{}
		due = append(due, t)
	}
	return due
}

// nextDueTime returns the soonest due time among eligible Scheduled tasks.
func (s *Service) nextDueTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Time
	found := false
	for _, id := range s.order {
		t := s.tasks[id]
		if t == nil || t.state != StateScheduled || !s.eligibleLocked(t) {
			continue
		}
		if !found || t.nextDue.Before(min) {
			min = t.nextDue
			found = true
		}
	}
	return min, found
}
