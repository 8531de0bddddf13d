package core

import (
	"time"

	logx "taskcore/pkg/logx"
)

// Slack added to the drain failsafe check so per-task escalations get to run
// first.
const drainCheckSlack = 250 * time.Millisecond

// StopByID requests a cooperative stop of the active task with the given id.
// No-op when no active task matches. Fire-and-forget: escalation to forced
// termination happens after the task's stop timeout, off the caller's back.
func (s *Service) StopByID(id TaskID) {
	_ = s.do(func() {
		if t := s.activeByID(id); t != nil {
			s.stopTask(t)
		}
	})
}

// StopByType stops the first active task of the given type.
func (s *Service) StopByType(typeID TypeID) {
	_ = s.do(func() {
		for _, t := range s.active {
			if t.typeID == typeID {
				s.stopTask(t)
				return
			}
		}
	})
}

// StopByGroup stops the first active task in the given group. With group
// exclusion enforced there is at most one.
func (s *Service) StopByGroup(g Group) {
	_ = s.do(func() {
		for _, t := range s.active {
			if t.group == g {
				s.stopTask(t)
				return
			}
		}
	})
}

// StopAll puts the scheduler into draining mode: new dispatches are blocked,
// every active task gets a stop request, and dispatch re-enables once the
// active set empties (each unresponsive task is terminated by its own
// escalation timer).
func (s *Service) StopAll() {
	_ = s.do(func() {
		if len(s.active) == 0 {
			return
		}
		s.draining = true

		var maxTimeout time.Duration
		for _, t := range s.active {
			if t.stopTimeout > maxTimeout {
				maxTimeout = t.stopTimeout
			}
			s.stopTask(t)
		}
		s.log.Info("stopping all tasks",
			logx.Int("active", len(s.active)),
			logx.Duration("max_stop_timeout", maxTimeout),
		)

		// Failsafe: re-check drain state after the longest escalation window.
		// Normally afterRemoval clears draining as the last task leaves.
		time.AfterFunc(maxTimeout+drainCheckSlack, func() {
			s.post(s.checkDrained)
		})
	})
}

func (s *Service) checkDrained() {
	if s.draining && len(s.active) == 0 {
		s.draining = false
		s.log.Info("drain complete, dispatch re-enabled")
		s.promote()
	}
}

// Terminate forcibly terminates the active task with the given id, without
// cooperation. No-op when no active task matches; no event fires then.
func (s *Service) Terminate(id TaskID) {
	_ = s.do(func() {
		if t := s.activeByID(id); t != nil {
			s.terminateTask(t)
		}
	})
}

// stopTask sets the cooperative flag and arms the one-shot escalation check.
// Repeated stops while a check is pending don't arm another. Loop-only.
func (s *Service) stopTask(t *task) {
	t.token.stop()
	if t.escalation {
		return
	}
	t.escalation = true
	id := t.id
	s.log.Debug("stop requested",
		logx.Int64("id", int64(id)),
		logx.Duration("stop_timeout", t.stopTimeout),
	)
	time.AfterFunc(t.stopTimeout, func() {
		s.post(func() { s.escalate(id) })
	})
}

// escalate runs when a task's stop timeout elapses: if the task is still
// active it did not honor the flag and is terminated. Loop-only.
func (s *Service) escalate(id TaskID) {
	t := s.activeByID(id)
	if t == nil {
		// Finished (or already terminated) within the timeout.
		s.log.Debug("task stopped in time", logx.Int64("id", int64(id)))
		return
	}
	t.escalation = false
	s.log.Warn("task ignored stop request, terminating", logx.Int64("id", int64(id)))
	s.terminateTask(t)
}

// terminateTask abandons a task's worker goroutine: state moves to
// Terminated, the task leaves the active set, and any later completion
// report from the goroutine is suppressed. The token is set so an abandoned
// body that polls can still exit early. Loop-only.
func (s *Service) terminateTask(t *task) {
	t.token.stop()
	t.state = StateTerminated
	s.removeActive(t)
	s.log.Info("task terminated",
		logx.Int64("id", int64(t.id)),
		logx.Int("type", int(t.typeID)),
		logx.Int("group", int(t.group)),
	)
	s.publish(EventTerminated, t, NoValue())
	s.afterRemoval()
}

// activeByID finds an active task by id. Loop-only.
func (s *Service) activeByID(id TaskID) *task {
	for _, t := range s.active {
		if t.id == id {
			return t
		}
	}
	return nil
}
