package core

import (
	"time"

	"taskcore/internal/eventbus"
)

// Event types published on the bus for task lifecycle transitions.
const (
	EventStarted    = "task.started"
	EventFinished   = "task.finished"
	EventTerminated = "task.terminated"
)

// TaskEvent is the payload carried by every lifecycle event.
// Result is set only on EventFinished.
type TaskEvent struct {
	ID     TaskID        `json:"id"`
	Type   TypeID        `json:"type"`
	Group  Group         `json:"group"`
	Args   []Value       `json:"args,omitempty"`
	Result Value         `json:"result"`
	At     time.Time     `json:"at"`
	Took   time.Duration `json:"took,omitempty"`
}

func (s *Service) publish(eventType string, t *task, result Value) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := TaskEvent{
		ID:     t.id,
		Type:   t.typeID,
		Group:  t.group,
		Args:   t.args,
		Result: result,
		At:     now,
	}
	if eventType != EventStarted && !t.began.IsZero() {
		ev.Took = now.Sub(t.began)
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Time: now, Data: ev})
}
