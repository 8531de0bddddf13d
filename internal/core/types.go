package core

import (
	"sync/atomic"
	"time"
)

// TypeID identifies a registered callable. Caller-chosen.
type TypeID int

// Group is a concurrency-exclusion domain: at most one task per group is
// active at any instant. Caller-chosen; the default group is 0.
type Group int

// TaskID identifies one submission. Process-unique, strictly increasing.
type TaskID int64

const defaultStopTimeout = 1000 * time.Millisecond

// State is the lifecycle of one submitted task.
//
// Inactive -> Active on dispatch; Active -> Finished on normal return;
// Active -> Terminated on forced termination. Finished and Terminated are
// terminal.
type State int

const (
	StateInactive State = iota
	StateActive
	StateFinished
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StopToken is the cooperative cancellation signal handed to a task body.
//
// A callable that wants to honor stop requests declares a leading *StopToken
// parameter; the scheduler injects the task's token at invocation time.
// Stopped() is the only state intentionally shared between the scheduler and
// a worker goroutine.
type StopToken struct {
	flag atomic.Bool
}

// Stopped reports whether a stop has been requested. Safe on a nil token.
func (t *StopToken) Stopped() bool {
	if t == nil {
		return false
	}
	return t.flag.Load()
}

func (t *StopToken) stop() {
	if t != nil {
		t.flag.Store(true)
	}
}

// RegisterOption configures a task-type registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	group       Group
	stopTimeout time.Duration
}

// WithGroup assigns the registration to a concurrency-exclusion group.
func WithGroup(g Group) RegisterOption {
	return func(o *registerOpts) { o.group = g }
}

// WithStopTimeout sets how long a stop request stays cooperative before the
// task is forcibly terminated. Values <= 0 keep the default of 1s.
func WithStopTimeout(d time.Duration) RegisterOption {
	return func(o *registerOpts) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// registration is one registered task type. Immutable while registered.
type registration struct {
	typeID      TypeID
	call        *callable
	group       Group
	stopTimeout time.Duration
}

// task is one submission instance. All fields except the token are owned by
// the run loop.
type task struct {
	id     TaskID
	typeID TypeID
	group  Group

	run    func(tok *StopToken) Value
	args   []Value
	token  *StopToken
	state  State
	joined time.Time // submission time
	began  time.Time // dispatch time

	stopTimeout time.Duration
	// escalation is true while a stop-timeout check is pending for this task.
	// At most one escalation check is ever scheduled at a time.
	escalation bool
}

// Stats is a point-in-time view of the scheduler for diagnostics and metrics.
type Stats struct {
	Registered int
	Active     int
	Queued     int
	Draining   bool

	ActiveByGroup map[Group]int
	QueuedByGroup map[Group]int
}
