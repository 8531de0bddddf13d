// Package core schedules heterogeneous, caller-supplied units of work with
// group-based mutual exclusion: at most one active task per group, strict FIFO
// dispatch within a group, unbounded parallelism across groups.
//
// All mutable scheduler state (registrations, active set, pending queue) is
// confined to a single run loop. Public operations post commands onto that
// loop and wait for the reply, so the API is safe to call from any goroutine,
// including from inside a running task body.
//
// Each dispatched task runs on its own goroutine. Cancellation is two-tier:
// a cooperative stop token the task body may poll, escalating to abandonment
// once the task's stop timeout elapses. Go cannot kill a goroutine, so
// "terminate" here means the scheduler stops tracking the worker, suppresses
// its eventual completion report, and lets it run out detached. This is a
// deliberate substitution for hard thread kill.
package core
