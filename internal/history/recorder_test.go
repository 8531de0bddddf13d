package history

import (
	"context"
	"testing"
	"time"

	"taskcore/internal/core"
	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

func TestRecorderPersistsOutcomes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 0)
	bus := eventbus.New(logx.Nop())

	rec := NewRecorder(st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rec.Run(ctx)
	}()

	// Wait for the recorder goroutine to subscribe before publishing;
	// events published before Subscribe are not delivered.
	time.Sleep(100 * time.Millisecond)

	now := time.Now()
	// started events are ignored
	bus.Publish(eventbus.Event{Type: core.EventStarted, Data: core.TaskEvent{ID: 1, At: now}})
	bus.Publish(eventbus.Event{Type: core.EventFinished, Data: core.TaskEvent{
		ID: 1, Type: 4, Group: 2, At: now, Took: 120 * time.Millisecond,
	}})
	bus.Publish(eventbus.Event{Type: core.EventTerminated, Data: core.TaskEvent{
		ID: 2, Type: 4, Group: 2, At: now,
	}})

	deadline := time.Now().Add(5 * time.Second)
	var runs []Run
	for time.Now().Before(deadline) {
		var err error
		runs, err = st.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(runs) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Event != "task.terminated" || runs[0].TaskID != 2 {
		t.Fatalf("newest row = %+v", runs[0])
	}
	if runs[1].Event != "task.finished" || runs[1].Took != 120*time.Millisecond {
		t.Fatalf("finished row = %+v", runs[1])
	}
	if runs[1].Started.IsZero() {
		t.Fatal("started should be derived from At-Took")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
}
