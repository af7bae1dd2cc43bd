package sched

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskforge/internal/eventbus"
	"taskforge/internal/history"
	"taskforge/internal/runtime/supervisor"
	"taskforge/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus *eventbus.Bus

	hist *history.Recorder // may be nil

	parser cron.Parser
	rng    *rand.Rand // jitter draws; guarded by mu

	tasks  map[string]*task
	order  []string // registry insertion order, drives dispatch tie-breaks
	groups map[string]map[string]struct{}

	// Loop state. targets is nil when every task is eligible.
	targets  map[string]struct{}
	wake     chan struct{}
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	failLimit *rate.Limiter

	idSeq uint64
}

// New constructs a scheduler. bus and hist are optional; a nil bus gets an
// internal one (reachable via Bus()).
func New(cfg Config, log logx.Logger, bus *eventbus.Bus, hist *history.Recorder) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		hist: hist,
		// Standard 5-field cron specs plus @hourly/@every descriptors.
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		tasks:     map[string]*task{},
		groups:    map[string]map[string]struct{}{},
		wake:      make(chan struct{}, 1),
		failLimit: rate.NewLimiter(rate.Limit(cfg.FailureLogPerSec), cfg.FailureLogPerSec),
	}
}

func (s *Service) Bus() *eventbus.Bus { return s.bus }

// Register adds a task and returns its handle. The same callable may be
// registered any number of times; each registration is a distinct task.
func (s *Service) Register(name string, kind Kind, run Func, p Props) (TaskRef, error) {
	if run == nil {
		return TaskRef{}, errors.New("task callable is required")
	}

	interval, err := parseOptionalDuration(p.Interval)
	if err != nil {
		return TaskRef{}, fmt.Errorf("interval: %w", err)
	}
	delay, err := parseOptionalDuration(p.Delay)
	if err != nil {
		return TaskRef{}, fmt.Errorf("delay: %w", err)
	}
	jitter, err := parseOptionalDuration(p.Jitter)
	if err != nil {
		return TaskRef{}, fmt.Errorf("jitter: %w", err)
	}
	if p.Limit < 0 {
		return TaskRef{}, fmt.Errorf("limit must be non-negative, got %d", p.Limit)
	}

	var cronSched cron.Schedule
	switch kind {
	case KindPeriodic:
		if interval <= 0 {
			return TaskRef{}, errors.New("periodic task requires interval > 0")
		}
	case KindOneShot:
		// Delay 0 means due immediately.
	case KindCron:
		spec := strings.TrimSpace(p.Spec)
		if spec == "" {
			return TaskRef{}, errors.New("cron task requires a spec")
		}
		cronSched, err = s.parser.Parse(spec)
		if err != nil {
			return TaskRef{}, fmt.Errorf("cron spec %q: %w", spec, err)
		}
	default:
		return TaskRef{}, fmt.Errorf("unknown task kind %d", kind)
	}

	now := time.Now()
	t := &task{
		id:       s.newTaskID(now),
		name:     strings.TrimSpace(name),
		kind:     kind,
		run:      run,
		interval: interval,
		delay:    delay,
		jitter:   jitter,
		spec:     strings.TrimSpace(p.Spec),
		sched:    cronSched,
		limit:    p.Limit,
		log:      p.Log,
		group:    strings.TrimSpace(p.Group),
		state:    StateScheduled,
	}
	if t.name == "" {
		t.name = t.id
	}

	s.mu.Lock()
	t.nextDue = s.dueLocked(t, now)
	s.tasks[t.id] = t
	s.order = append(s.order, t.id)
	if t.group != "" {
		s.addToGroupLocked(t.group, t.id)
	}
	// Snapshot the event payload before unlocking: a zero-delay task is due
	// immediately, so the loop may already be mutating t.
	ev := s.eventFor(t, now, 0, "")
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: EventRegistered, Time: now, Data: ev})
	s.log.Debug("task registered",
		logx.String("task", t.name),
		logx.String("id", t.id),
		logx.String("kind", kind.String()),
		logx.Duration("interval", interval),
		logx.Duration("delay", delay),
		logx.Duration("jitter", jitter),
		logx.Int("limit", p.Limit),
		logx.String("group", t.group),
	)
	s.wakeLoop()
	return TaskRef{id: t.id}, nil
}

// dueLocked computes the next due time from now, with a fresh jitter draw.
// The initial delay applies until the task has executed at least once.
func (s *Service) dueLocked(t *task, now time.Time) time.Time {
	if t.kind == KindCron {
		return t.sched.Next(now).Add(s.jitterLocked(t.jitter))
	}
	base := t.interval
	if t.executions == 0 || t.kind == KindOneShot {
		base = t.delay
	}
	return now.Add(base + s.jitterLocked(t.jitter))
}

func (s *Service) jitterLocked(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(bound) + 1))
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	// Short but unique-ish across restarts.
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) addToGroupLocked(group, id string) {
	g := s.groups[group]
	if g == nil {
		g = map[string]struct{}{}
		s.groups[group] = g
	}
	g[id] = struct{}{}
}

// removeFromGroupLocked drops id from group and deletes the group when it
// becomes empty.
func (s *Service) removeFromGroupLocked(group, id string) {
	g := s.groups[group]
	if g == nil {
		return
	}
	delete(g, id)
	if len(g) == 0 {
		delete(s.groups, group)
	}
}

// wakeLoop nudges a sleeping loop. Non-blocking; a pending wake is enough.
func (s *Service) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) eventFor(t *task, started time.Time, dur time.Duration, errStr string) TaskEvent {
	return TaskEvent{
		ID:         t.id,
		Name:       t.name,
		Group:      t.group,
		Started:    started,
		Duration:   dur,
		Executions: t.executions,
		State:      t.state.String(),
		Error:      errStr,
	}
}

// Start launches the loop in the background and returns immediately.
// Callers keep the full control surface while the loop runs.
func (s *Service) Start(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	targets, err := s.resolveTargetsLocked(opts.Targets)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.targets = targets
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "sched"))),
		// A task panic is captured in dispatch; loop failures self-heal, so
		// never cancel the whole supervisor on error.
		supervisor.WithCancelOnError(false),
	)
	stopCh := s.stopCh
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("loop", func(c context.Context) error {
		return s.loop(c, stopCh)
	})

	s.log.Info("scheduler started", logx.Int("tasks", s.taskCount()), logx.Int("targets", len(opts.Targets)))
	return nil
}

// Run is the blocking entry point: the calling goroutine stays parked until
// ctx is canceled or Shutdown is called from elsewhere.
func (s *Service) Run(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Start(ctx, opts); err != nil {
		return err
	}

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case <-stopCh:
		// External Shutdown in progress; wait for it to finish.
		s.mu.Lock()
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
}

// Shutdown stops the loop and waits for in-flight invocations, bounded by ctx.
// Idempotent; Shutdown on a stopped scheduler is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	// Already stopping: wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		// Wait unbounded in background; the caller can still time out.
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.targets = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
		return ctx.Err()
	}
}

// resolveTargetsLocked validates group names up front: a single unknown name
// fails the whole call and no run state is touched.
func (s *Service) resolveTargetsLocked(names []string) (map[string]struct{}, error) {
	if len(names) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := s.groups[n]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, n)
		}
		set[n] = struct{}{}
	}
	return set, nil
}

func (s *Service) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// eligibleLocked reports whether t participates in the current run.
func (s *Service) eligibleLocked(t *task) bool {
	if s.targets == nil {
		return true
	}
	if t.group == "" {
		return false
	}
	_, ok := s.targets[t.group]
	return ok
}
