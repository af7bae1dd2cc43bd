package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskforge/pkg/logx"
)

func noop(ctx context.Context) error { return nil }

func newTestService() *Service {
	return New(Config{}, logx.Nop(), nil, nil)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := newTestService()

	tests := []struct {
		name string
		kind Kind
		p    Props
	}{
		{"periodic without interval", KindPeriodic, Props{}},
		{"bad interval", KindPeriodic, Props{Interval: "2x"}},
		{"bad delay", KindOneShot, Props{Delay: "abc"}},
		{"bad jitter", KindPeriodic, Props{Interval: "5s", Jitter: "1.5s"}},
		{"negative limit", KindPeriodic, Props{Interval: "5s", Limit: -1}},
		{"cron without spec", KindCron, Props{}},
		{"bad cron spec", KindCron, Props{Spec: "not a cron"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Register(tt.name, tt.kind, noop, tt.p); err == nil {
				t.Fatalf("Register(%s) succeeded, want error", tt.name)
			}
		})
	}

	if _, err := s.Register("nil callable", KindPeriodic, nil, Props{Interval: "5s"}); err == nil {
		t.Fatal("Register with nil callable succeeded, want error")
	}
}

func TestRegisterSameCallableTwice(t *testing.T) {
	t.Parallel()
	s := newTestService()

	a, err := s.Register("dup", KindPeriodic, noop, Props{Interval: "5s"})
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}
	b, err := s.Register("dup", KindPeriodic, noop, Props{Interval: "5s"})
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("both registrations share id %q", a.ID())
	}
	if n := len(s.Snapshot().Tasks); n != 2 {
		t.Fatalf("Snapshot has %d tasks, want 2", n)
	}
}

func TestPauseResumeStop(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, err := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h", Delay: "1h"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	info, _ := s.Info(ref)
	if info.State != StateScheduled || info.NextDue.IsZero() {
		t.Fatalf("after register: state=%v nextDue=%v", info.State, info.NextDue)
	}

	if err := s.Pause(ref); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	info, _ = s.Info(ref)
	if info.State != StatePaused {
		t.Fatalf("after pause: state=%v", info.State)
	}
	// A paused task has no due time; resume recomputes it fresh.
	if !info.NextDue.IsZero() {
		t.Fatalf("after pause: nextDue=%v, want zero", info.NextDue)
	}

	// Pause on an already-paused task is a no-op, not an error.
	if err := s.Pause(ref); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	if err := s.Resume(ref); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	info, _ = s.Info(ref)
	if info.State != StateScheduled || info.NextDue.IsZero() {
		t.Fatalf("after resume: state=%v nextDue=%v", info.State, info.NextDue)
	}

	// Resume on a task that is not paused is the warning outcome.
	if err := s.Resume(ref); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Resume on scheduled task: %v, want ErrInvalidTransition", err)
	}

	if err := s.Stop(ref); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	info, _ = s.Info(ref)
	if info.State != StateStopped || !info.NextDue.IsZero() {
		t.Fatalf("after stop: state=%v nextDue=%v", info.State, info.NextDue)
	}
}

func TestRepeatedPauseEmitsOneEvent(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ch, unsub := s.Bus().Subscribe(4, EventPaused)
	defer unsub()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h"})

	if err := s.Pause(ref); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Pause(ref); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no paused event")
	}
	select {
	case <-ch:
		t.Fatal("no-op pause published a duplicate event")
	default:
	}
}

func TestStopIsTerminalAndIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h"})

	if err := s.Stop(ref); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stopping twice is a no-op, not an error.
	if err := s.Stop(ref); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// Nothing else leaves Stopped.
	if err := s.Pause(ref); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Pause after stop: %v, want ErrInvalidTransition", err)
	}
	if err := s.Resume(ref); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Resume after stop: %v, want ErrInvalidTransition", err)
	}
	iv := "5s"
	if err := s.Edit(ref, Patch{Interval: &iv}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Edit after stop: %v, want ErrInvalidTransition", err)
	}
	if info, _ := s.Info(ref); info.State != StateStopped {
		t.Fatalf("state after control calls: %v, want stopped", info.State)
	}
}

func TestUnknownTask(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref := TaskRef{id: "tsk-missing"}

	if err := s.Pause(ref); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Pause: %v, want ErrUnknownTask", err)
	}
	if err := s.Edit(ref, Patch{}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Edit: %v, want ErrUnknownTask", err)
	}
}

func TestEditValidatesBeforeApplying(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h", Limit: 5})

	bad := "2x"
	limit := 9
	if err := s.Edit(ref, Patch{Interval: &bad, Limit: &limit}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("Edit: %v, want ErrInvalidDuration", err)
	}

	// All-or-nothing: the valid limit field must not have been applied.
	info, _ := s.Info(ref)
	if info.Limit != 5 || info.Interval != time.Hour {
		t.Fatalf("partial edit applied: limit=%d interval=%v", info.Limit, info.Interval)
	}
}

func TestEditRecomputesDueTime(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h", Delay: "1h"})

	// Simulate a task that has already run once so the interval drives the
	// due time.
	s.mu.Lock()
	s.tasks[ref.ID()].executions = 1
	s.mu.Unlock()

	iv := "10s"
	before := time.Now()
	if err := s.Edit(ref, Patch{Interval: &iv}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	info, _ := s.Info(ref)
	if info.Interval != 10*time.Second {
		t.Fatalf("interval=%v, want 10s", info.Interval)
	}
	due := info.NextDue
	if due.Before(before.Add(9*time.Second)) || due.After(before.Add(12*time.Second)) {
		t.Fatalf("nextDue=%v, want ~10s from %v", due, before)
	}
}

func TestCronDueTimeFollowsSpec(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, err := s.Register("beat", KindCron, noop, Props{Spec: "@every 1h"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now()
	info, _ := s.Info(ref)
	if info.NextDue.Before(now.Add(50*time.Minute)) || info.NextDue.After(now.Add(70*time.Minute)) {
		t.Fatalf("nextDue = %v, want ~1h from %v", info.NextDue, now)
	}

	// A new spec must govern the next fire, not the old one.
	spec := "@every 1s"
	before := time.Now()
	if err := s.Edit(ref, Patch{Spec: &spec}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	info, _ = s.Info(ref)
	if info.Spec != "@every 1s" {
		t.Fatalf("spec = %q", info.Spec)
	}
	if info.NextDue.After(before.Add(3 * time.Second)) {
		t.Fatalf("nextDue = %v still follows the old spec", info.NextDue)
	}
}

func TestCronResumeRecomputesFromSpec(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("beat", KindCron, noop, Props{Spec: "@every 1s"})
	if err := s.Pause(ref); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	before := time.Now()
	if err := s.Resume(ref); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	info, _ := s.Info(ref)
	if info.NextDue.IsZero() || info.NextDue.After(before.Add(3*time.Second)) {
		t.Fatalf("nextDue after resume = %v", info.NextDue)
	}
}

func TestEditWithoutTimingKeepsDueTime(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h", Delay: "1h"})

	before, _ := s.Info(ref)
	lg := true
	if err := s.Edit(ref, Patch{Log: &lg}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	after, _ := s.Info(ref)
	if !after.NextDue.Equal(before.NextDue) {
		t.Fatalf("log-only edit moved nextDue from %v to %v", before.NextDue, after.NextDue)
	}
	if !after.Log {
		t.Fatal("log flag not applied")
	}
}

func TestEditGroupMovesAtomically(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h", Group: "old"})

	g := "new"
	if err := s.Edit(ref, Patch{Group: &g}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	snap := s.Snapshot()
	if _, ok := snap.Groups["old"]; ok {
		t.Fatal("empty old group still present")
	}
	ids := snap.Groups["new"]
	if len(ids) != 1 || ids[0] != ref.ID() {
		t.Fatalf("new group members = %v", ids)
	}
	// The old group no longer resolves for group operations.
	if err := s.PauseGroup("old"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("PauseGroup(old): %v, want ErrUnknownGroup", err)
	}
}

func TestEditLimitBelowExecutionsCompletes(t *testing.T) {
	t.Parallel()
	s := newTestService()
	ref, _ := s.Register("worker", KindPeriodic, noop, Props{Interval: "1h"})

	s.mu.Lock()
	s.tasks[ref.ID()].executions = 4
	s.mu.Unlock()

	limit := 3
	if err := s.Edit(ref, Patch{Limit: &limit}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	info, _ := s.Info(ref)
	if info.State != StateCompleted || !info.NextDue.IsZero() {
		t.Fatalf("state=%v nextDue=%v, want completed with no due time", info.State, info.NextDue)
	}
}

func TestGroupOpsAllOrNothing(t *testing.T) {
	t.Parallel()
	s := newTestService()
	a, _ := s.Register("a", KindPeriodic, noop, Props{Interval: "1h", Group: "g"})
	b, _ := s.Register("b", KindPeriodic, noop, Props{Interval: "1h", Group: "g"})

	// Unknown group mutates nothing.
	if err := s.PauseGroup("nope"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("PauseGroup: %v, want ErrUnknownGroup", err)
	}
	for _, ref := range []TaskRef{a, b} {
		if info, _ := s.Info(ref); info.State != StateScheduled {
			t.Fatalf("task %s mutated by failed group op: %v", info.Name, info.State)
		}
	}

	if err := s.PauseGroup("g"); err != nil {
		t.Fatalf("PauseGroup: %v", err)
	}
	for _, ref := range []TaskRef{a, b} {
		if info, _ := s.Info(ref); info.State != StatePaused {
			t.Fatalf("task %s not paused: %v", info.Name, info.State)
		}
	}

	// A terminal member is skipped, the rest still transition.
	if err := s.Stop(a); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.ResumeGroup("g"); err != nil {
		t.Fatalf("ResumeGroup: %v", err)
	}
	if info, _ := s.Info(a); info.State != StateStopped {
		t.Fatalf("stopped member transitioned: %v", info.State)
	}
	if info, _ := s.Info(b); info.State != StateScheduled {
		t.Fatalf("paused member not resumed: %v", info.State)
	}
}

func TestCollectDueOrderFollowsRegistration(t *testing.T) {
	t.Parallel()
	s := newTestService()
	refs := make([]TaskRef, 0, 3)
	for _, name := range []string{"first", "second", "third"} {
		ref, err := s.Register(name, KindPeriodic, noop, Props{Interval: "1h"})
		if err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
		refs = append(refs, ref)
	}

	// Force the same past due time on every task.
	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	for _, ref := range refs {
		s.tasks[ref.ID()].nextDue = past
	}
	s.mu.Unlock()

	due := s.collectDue(time.Now())
	if len(due) != 3 {
		t.Fatalf("collectDue returned %d tasks, want 3", len(due))
	}
	for i, name := range []string{"first", "second", "third"} {
		if due[i].name != name {
			t.Fatalf("dispatch order[%d] = %s, want %s", i, due[i].name, name)
		}
	}
}
