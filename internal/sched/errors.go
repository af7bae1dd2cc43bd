package sched

import "errors"

var (
	// ErrInvalidDuration is returned when a timing string does not match the
	// integer+unit grammar (see ParseDuration).
	ErrInvalidDuration = errors.New("invalid duration format")

	// ErrUnknownTask is returned when a control operation references a task
	// handle that does not resolve. The operation mutates nothing.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownGroup is returned when a group-targeted operation names a
	// group that does not exist. The operation mutates nothing.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrInvalidTransition is returned when a control operation targets a
	// task in a terminal state. It is a warning-grade outcome: the call is a
	// no-op, not a failure of the scheduler.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyRunning is returned by Start/Run when the loop is active.
	ErrAlreadyRunning = errors.New("scheduler already running")
)
