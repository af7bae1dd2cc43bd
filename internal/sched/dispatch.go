package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskforge/internal/eventbus"
	"taskforge/internal/history"
	"taskforge/pkg/logx"
)

// dispatch runs one invocation of t on its own goroutine so a slow task
// never delays sibling tasks or the next tick computation.
func (s *Service) dispatch(t *task) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Go0("dispatch."+t.name, func(ctx context.Context) {
		s.execOne(ctx, t)
	})
}

func (s *Service) execOne(ctx context.Context, t *task) {
	start := time.Now()

	s.mu.Lock()
	taskLog := t.log
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: start, Data: s.snapshotEvent(t, start, 0, "")})
	if taskLog {
		s.log.Debug("task started", logx.String("task", t.name), logx.String("id", t.id))
	}

	// Guard against panics: one bad callable must not reach the loop or the
	// supervisor error path.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", logx.String("task", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.run(ctx)
	}()

	finish := time.Now()
	dur := finish.Sub(start)

	s.mu.Lock()
	// A failed invocation still counts as a completed one for scheduling:
	// failures are non-fatal to the schedule and advance the limit.
	t.executions++
	t.lastRun = start
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}

	switch {
	case t.state.Terminal():
		// Stopped while in flight; the terminal state stands.
	case t.kind == KindOneShot:
		t.state = StateCompleted
	case t.limit > 0 && t.executions >= t.limit:
		t.state = StateCompleted
	case t.state == StatePaused:
		// Paused while in flight; stay paused with no due time until resume.
	default:
		t.state = StateScheduled
		t.nextDue = s.dueLocked(t, finish)
	}
	ev := s.eventFor(t, start, dur, t.lastErr)
	item := history.Item{
		TaskID:     t.id,
		Name:       t.name,
		Group:      t.group,
		Started:    start,
		Duration:   dur,
		Executions: t.executions,
		State:      t.state.String(),
	}
	if err != nil {
		item.Error = err.Error()
	}
	taskLog = t.log
	s.mu.Unlock()

	if err != nil {
		s.bus.Publish(eventbus.Event{Type: EventFailed, Time: finish, Data: ev})
		// Throttled: a hot failing task must not flood the sinks.
		if taskLog && s.failLimit.Allow() {
			s.log.Warn("task failed", logx.String("task", t.name), logx.String("id", t.id), logx.Duration("dur", dur), logx.Any("err", err))
		}
	} else {
		s.bus.Publish(eventbus.Event{Type: EventCompleted, Time: finish, Data: ev})
		if taskLog {
			s.log.Info("task completed", logx.String("task", t.name), logx.String("id", t.id), logx.Duration("dur", dur), logx.Int("executions", ev.Executions))
		}
	}

	s.hist.Record(ctx, item)
	s.wakeLoop()
}

// snapshotEvent copies event fields under the lock.
func (s *Service) snapshotEvent(t *task, started time.Time, dur time.Duration, errStr string) TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventFor(t, started, dur, errStr)
}
