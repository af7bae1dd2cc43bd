package config

import (
	"fmt"
	"strings"

	"taskforge/internal/sched"
)

// Config is the daemon configuration. Unknown fields are rejected at load
// time so typos surface immediately instead of silently doing nothing.
type Config struct {
	Log       LogConfig       `json:"log"`
	Scheduler SchedulerConfig `json:"scheduler"`
	History   HistoryConfig   `json:"history"`
	Run       RunConfig       `json:"run"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LogConfig struct {
	Level   string     `json:"level"`
	Console *bool      `json:"console"` // default true
	File    FileConfig `json:"file"`
}

func (c LogConfig) ConsoleEnabled() bool { return c.Console == nil || *c.Console }

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	HistorySize      int `json:"history_size"`
	FailureLogPerSec int `json:"failure_log_per_sec"`
}

type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"` // duration string, e.g. "5s"
	KeepLast    int    `json:"keep_last"`
}

type RunConfig struct {
	// Targets restricts the run to the named groups; empty runs everything.
	Targets []string `json:"targets"`
}

// TaskConfig is one declarative task definition. Command is executed via the
// shell-free exec form (argv vector).
type TaskConfig struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"` // periodic | oneshot | cron
	Command  []string `json:"command"`
	Interval string   `json:"interval"`
	Delay    string   `json:"delay"`
	Jitter   string   `json:"jitter"`
	Spec     string   `json:"spec"`
	Limit    int      `json:"limit"`
	Log      bool     `json:"log"`
	Group    string   `json:"group"`
}

// ParseKind maps the config kind string onto the scheduler kind.
func (t TaskConfig) ParseKind() (sched.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(t.Kind)) {
	case "periodic", "every", "":
		return sched.KindPeriodic, nil
	case "oneshot", "once", "after":
		return sched.KindOneShot, nil
	case "cron":
		return sched.KindCron, nil
	default:
		return 0, fmt.Errorf("task %q: unknown kind %q", t.Name, t.Kind)
	}
}

// Props maps the definition onto registration properties.
func (t TaskConfig) Props() sched.Props {
	return sched.Props{
		Interval: t.Interval,
		Delay:    t.Delay,
		Jitter:   t.Jitter,
		Spec:     t.Spec,
		Limit:    t.Limit,
		Log:      t.Log,
		Group:    t.Group,
	}
}

// Validate checks the whole config without mutating anything.
func (c *Config) Validate() error {
	if c.History.Enabled {
		if strings.TrimSpace(c.History.Path) == "" {
			return fmt.Errorf("history.path is required when history is enabled")
		}
		if strings.TrimSpace(c.History.BusyTimeout) != "" {
			if _, err := sched.ParseDuration(c.History.BusyTimeout); err != nil {
				return fmt.Errorf("history.busy_timeout: %w", err)
			}
		}
	}

	seen := map[string]struct{}{}
	for i := range c.Tasks {
		t := &c.Tasks[i]
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		// Reload diffing matches tasks by name, so duplicates are ambiguous.
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tasks[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		kind, err := t.ParseKind()
		if err != nil {
			return err
		}
		if len(t.Command) == 0 {
			return fmt.Errorf("task %q: command is required", name)
		}
		for _, field := range []struct{ label, raw string }{
			{"interval", t.Interval},
			{"delay", t.Delay},
			{"jitter", t.Jitter},
		} {
			if strings.TrimSpace(field.raw) == "" {
				continue
			}
			if _, err := sched.ParseDuration(field.raw); err != nil {
				return fmt.Errorf("task %q: %s: %w", name, field.label, err)
			}
		}
		if t.Limit < 0 {
			return fmt.Errorf("task %q: limit must be non-negative", name)
		}
		switch kind {
		case sched.KindPeriodic:
			if strings.TrimSpace(t.Interval) == "" {
				return fmt.Errorf("task %q: periodic task requires interval", name)
			}
		case sched.KindCron:
			if strings.TrimSpace(t.Spec) == "" {
				return fmt.Errorf("task %q: cron task requires spec", name)
			}
		}
	}
	return nil
}
