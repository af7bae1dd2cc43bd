package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind selects how a task's due times are computed.
type Kind int

const (
	// KindPeriodic re-schedules after each execution: first run at
	// delay+jitter, then every interval+jitter.
	KindPeriodic Kind = iota
	// KindOneShot executes at most once, at delay+jitter.
	KindOneShot
	// KindCron follows a cron expression; the loop still owns the timing,
	// the cron parser only supplies the next due time.
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindPeriodic:
		return "periodic"
	case KindOneShot:
		return "oneshot"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// State is a task's position in its lifecycle.
//
// Stopped and Completed are terminal: no transition leaves them.
type State int

const (
	StateScheduled State = iota
	StateRunning
	StatePaused
	StateStopped
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateStopped || s == StateCompleted }

// Func is the unit of work. The scheduler never inspects its body; it only
// observes the returned error (or a recovered panic).
type Func func(ctx context.Context) error

// Props carries the timing parameters accepted at registration.
//
// Duration fields use the integer+unit grammar of ParseDuration; the empty
// string means unset.
type Props struct {
	Interval string // required for KindPeriodic, must be > 0
	Delay    string // before the first execution, default 0
	Jitter   string // uniform random draw from [0, Jitter] added per decision
	Spec     string // cron expression, required for KindCron
	Limit    int    // max executions, 0 = unlimited
	Log      bool   // emit per-execution log lines
	Group    string // optional group membership
}

// Patch is a partial update applied by Edit. Nil fields are left untouched.
// Every supplied field is validated before any mutation is applied.
type Patch struct {
	Interval *string
	Delay    *string
	Jitter   *string
	Spec     *string
	Limit    *int
	Log      *bool
	Group    *string
}

// TaskRef is the opaque handle returned by Register. It stays valid for the
// lifetime of the scheduler, including after the task reaches a terminal
// state.
type TaskRef struct {
	id string
}

func (r TaskRef) ID() string { return r.id }

// task is the registry entry. All fields are guarded by Service.mu.
type task struct {
	id   string
	name string
	kind Kind
	run  Func

	interval time.Duration
	delay    time.Duration
	jitter   time.Duration
	spec     string
	sched    cron.Schedule // set iff kind == KindCron

	limit int
	log   bool
	group string

	state      State
	executions int
	nextDue    time.Time // valid iff state == StateScheduled
	lastRun    time.Time
	lastErr    string
}

// Config controls the scheduler service.
type Config struct {
	// HistorySize bounds the in-memory execution history ring.
	HistorySize int

	// FailureLogPerSec rate-limits warning lines for failing tasks so a hot
	// failing task cannot flood the sinks. Events are never throttled.
	FailureLogPerSec int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.FailureLogPerSec <= 0 {
		c.FailureLogPerSec = 5
	}
	return c
}

// RunOptions configures a Run/Start call.
type RunOptions struct {
	// Targets restricts scheduling to members of the named groups. Empty
	// means every registered task is eligible.
	Targets []string
}

// Event types published on the bus.
const (
	EventRegistered = "task.registered"
	EventStarted    = "task.started"
	EventCompleted  = "task.completed"
	EventFailed     = "task.failed"
	EventPaused     = "task.paused"
	EventResumed    = "task.resumed"
	EventStopped    = "task.stopped"
	EventEdited     = "task.edited"
)

// TaskEvent is the payload for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Group      string        `json:"group,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Executions int           `json:"executions"`
	State      string        `json:"state"`
	Error      string        `json:"error,omitempty"`
}

// TaskInfo is a point-in-time copy of one registry entry.
type TaskInfo struct {
	ID         string
	Name       string
	Kind       Kind
	State      State
	Interval   time.Duration
	Delay      time.Duration
	Jitter     time.Duration
	Spec       string
	Limit      int
	Executions int
	Log        bool
	Group      string
	NextDue    time.Time
	LastRun    time.Time
	LastErr    string
}

// Snapshot is a diagnostic view of the whole scheduler.
type Snapshot struct {
	Running bool
	Targets []string
	Tasks   []TaskInfo // registry insertion order
	Groups  map[string][]string
}
