package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

func newTestService(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{}, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent consumes events until one of the given type arrives.
func waitEvent(t *testing.T, ch <-chan eventbus.Event, eventType string) TaskEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				te, ok := ev.Data.(TaskEvent)
				if !ok {
					t.Fatalf("event %s carries %T, want TaskEvent", ev.Type, ev.Data)
				}
				return te
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestRegisterDuplicateAndUnregister(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	if err := s.Register(1, func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(1, func() {}); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateType", err)
	}
	if !s.IsRegistered(1) {
		t.Fatal("type 1 should be registered")
	}
	if !s.Unregister(1) {
		t.Fatal("unregister should report existing type")
	}
	if s.Unregister(1) {
		t.Fatal("second unregister should report missing type")
	}
	if s.IsRegistered(1) {
		t.Fatal("type 1 should be gone")
	}
	// Re-registration after removal is allowed.
	if err := s.Register(1, func() {}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestRegisterBeforeStart(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	// The run loop does not exist yet; the type table must still be usable.
	s := New(Config{}, logx.Nop(), bus)
	if err := s.Register(1, func() int64 { return 7 }); err != nil {
		t.Fatalf("register before start: %v", err)
	}
	if err := s.Register(1, func() {}); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("duplicate before start err = %v, want ErrDuplicateType", err)
	}
	if err := s.Register(2, func() {}); err != nil {
		t.Fatalf("register before start: %v", err)
	}
	if !s.Unregister(2) {
		t.Fatal("unregister before start should report existing type")
	}

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	id, err := s.Add(1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	fin := waitEvent(t, events, EventFinished)
	if fin.ID != id {
		t.Fatalf("finished id = %d, want %d", fin.ID, id)
	}
	if fin.Result.Int64() != 7 {
		t.Fatalf("result = %v, want 7", fin.Result)
	}
	if _, err := s.Add(2); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("add unregistered err = %v, want ErrNotRegistered", err)
	}
}

func TestAddNotRegistered(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	if _, err := s.Add(99); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestAddRunsAndPublishesResult(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, bus)
	if err := s.Register(1, func(a, b int64) int64 { return a + b }); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := s.Add(1, int64(2), int64(3))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero task id")
	}

	started := waitEvent(t, events, EventStarted)
	if started.ID != id {
		t.Fatalf("started id = %d, want %d", started.ID, id)
	}
	fin := waitEvent(t, events, EventFinished)
	if fin.ID != id {
		t.Fatalf("finished id = %d, want %d", fin.ID, id)
	}
	if fin.Result.Int64() != 5 {
		t.Fatalf("result = %v, want 5", fin.Result)
	}
	if len(fin.Args) != 2 {
		t.Fatalf("args = %v, want 2 entries", fin.Args)
	}
}

func TestTaskIDsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	if err := s.Register(1, func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	var last TaskID
	for i := 0; i < 20; i++ {
		id, err := s.Add(1)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestArgumentMismatchIsNonFatal(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	if err := s.Register(1, func(n int) {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Add(1, "not an int"); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("err = %v, want ErrArgumentMismatch", err)
	}
	if _, err := s.Add(1); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("arity err = %v, want ErrArgumentMismatch", err)
	}
	// Scheduler still works afterwards.
	if _, err := s.Add(1, 7); err != nil {
		t.Fatalf("add after mismatch: %v", err)
	}
	waitFor(t, "idle", s.Idle)
}

func TestGroupExclusionAndFIFO(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var (
		mu      sync.Mutex
		order   []int64
		running int
		overlap bool
	)
	body := func(seq int64) {
		mu.Lock()
		running++
		if running > 1 {
			overlap = true
		}
		order = append(order, seq)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
	}
	if err := s.Register(1, body, WithGroup(7)); err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 8
	for i := int64(0); i < n; i++ {
		if _, err := s.Add(1, i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	waitFor(t, "all tasks done", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n && running == 0
	})

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatal("two tasks of the same group ran concurrently")
	}
	for i := int64(0); i < n; i++ {
		if order[i] != i {
			t.Fatalf("execution order %v violates submission order", order)
		}
	}
}

func TestDifferentGroupsRunConcurrently(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	gate := make(chan struct{})
	var both sync.WaitGroup
	both.Add(2)
	body := func() {
		both.Done()
		<-gate
	}
	if err := s.Register(1, body, WithGroup(1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(2, body, WithGroup(2)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Add(1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Add(2); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan struct{})
	go func() { both.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks in different groups did not overlap")
	}
	close(gate)
	waitFor(t, "idle", s.Idle)
}

func TestQueuedTaskVisibleInQueries(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	gate := make(chan struct{})
	if err := s.Register(1, func() { <-gate }, WithGroup(3)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(2, func() {}, WithGroup(3)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.Add(1); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "type 1 active", func() bool {
		_, active := s.AddedByType(1)
		return active
	})

	if _, err := s.Add(2); err != nil {
		t.Fatalf("add queued: %v", err)
	}
	added, active := s.AddedByType(2)
	if !added || active {
		t.Fatalf("type 2: added=%v active=%v, want queued", added, active)
	}
	if added, active := s.AddedByGroup(3); !added || !active {
		t.Fatalf("group 3: added=%v active=%v", added, active)
	}
	if g, ok := s.GroupOf(2); !ok || g != 3 {
		t.Fatalf("GroupOf(2) = %v, %v", g, ok)
	}
	if s.Idle() {
		t.Fatal("scheduler should not be idle with an active task")
	}

	st := s.Stats()
	if st.Active != 1 || st.Queued != 1 {
		t.Fatalf("stats = %+v", st)
	}

	close(gate)
	waitFor(t, "idle", s.Idle)
	if added, _ := s.AddedByType(2); added {
		t.Fatal("type 2 should be gone after completion")
	}
}

func TestCooperativeStopFinishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, bus)
	err := s.Register(1, func(tok *StopToken) string {
		for !tok.Stopped() {
			time.Sleep(2 * time.Millisecond)
		}
		return "stopped cleanly"
	}, WithStopTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := s.Add(1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitEvent(t, events, EventStarted)

	s.StopByID(id)
	fin := waitEvent(t, events, EventFinished)
	if fin.ID != id {
		t.Fatalf("finished id = %d, want %d", fin.ID, id)
	}
	if fin.Result.Str() != "stopped cleanly" {
		t.Fatalf("result = %v", fin.Result)
	}

	// No terminated event should follow when the stop was honored.
	select {
	case ev := <-events:
		if ev.Type == EventTerminated {
			t.Fatal("unexpected terminated event after cooperative stop")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopEscalatesToTermination(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, bus)
	release := make(chan struct{})
	// Ignores its token entirely.
	err := s.Register(1, func() { <-release }, WithStopTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := s.Add(1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitEvent(t, events, EventStarted)

	s.StopByID(id)
	term := waitEvent(t, events, EventTerminated)
	if term.ID != id {
		t.Fatalf("terminated id = %d, want %d", term.ID, id)
	}
	waitFor(t, "idle after termination", s.Idle)

	// The abandoned goroutine finishing late must not produce a finished event.
	close(release)
	select {
	case ev := <-events:
		if ev.Type == EventFinished {
			t.Fatal("late completion of a terminated task leaked a finished event")
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRepeatedStopsArmOneEscalation(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, bus)
	release := make(chan struct{})
	if err := s.Register(1, func() { <-release }, WithStopTimeout(100*time.Millisecond)); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer close(release)

	id, err := s.Add(1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitEvent(t, events, EventStarted)

	// Repeated stop requests must collapse into the single pending escalation.
	s.StopByID(id)
	s.StopByID(id)
	s.StopByID(id)

	term := waitEvent(t, events, EventTerminated)
	if term.ID != id {
		t.Fatalf("terminated id = %d, want %d", term.ID, id)
	}

	// No further terminated event may follow from the extra stop requests.
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventTerminated {
				t.Fatal("repeated stops produced a second terminated event")
			}
		case <-deadline:
			return
		}
	}
}

func TestTerminationFreesGroup(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, bus)
	release := make(chan struct{})
	if err := s.Register(1, func() { <-release }, WithGroup(5), WithStopTimeout(time.Minute)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(2, func() {}, WithGroup(5)); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := s.Add(1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitEvent(t, events, EventStarted)

	if _, err := s.Add(2); err != nil {
		t.Fatalf("add queued: %v", err)
	}

	s.Terminate(id)
	term := waitEvent(t, events, EventTerminated)
	if term.ID != id {
		t.Fatalf("terminated id = %d, want %d", term.ID, id)
	}
	// The queued task of the same group is promoted after the termination.
	fin := waitEvent(t, events, EventFinished)
	if fin.Type != 2 {
		t.Fatalf("promoted type = %d, want 2", fin.Type)
	}
	close(release)
}

func TestTerminateUnknownIsNoop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := newTestService(t, bus)
	s.Terminate(12345)
	s.StopByID(12345)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for unknown task", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopAllDrains(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(128)
	defer unsub()

	s := newTestService(t, bus)
	body := func(tok *StopToken) {
		for !tok.Stopped() {
			time.Sleep(2 * time.Millisecond)
		}
	}
	for typ := TypeID(1); typ <= 3; typ++ {
		if err := s.Register(typ, body, WithGroup(Group(typ)), WithStopTimeout(time.Second)); err != nil {
			t.Fatalf("register %d: %v", typ, err)
		}
		// Same groups, returns immediately; used for the queued wave.
		if err := s.Register(typ+10, func() {}, WithGroup(Group(typ))); err != nil {
			t.Fatalf("register %d: %v", typ+10, err)
		}
	}
	for typ := TypeID(1); typ <= 3; typ++ {
		if _, err := s.Add(typ); err != nil {
			t.Fatalf("add %d: %v", typ, err)
		}
	}
	waitFor(t, "all active", func() bool { return s.Stats().Active == 3 })

	// Submit one more per group; these queue because the groups are busy,
	// and stay queued during the drain.
	for typ := TypeID(1); typ <= 3; typ++ {
		if _, err := s.Add(typ + 10); err != nil {
			t.Fatalf("add queued %d: %v", typ+10, err)
		}
	}

	s.StopAll()
	if st := s.Stats(); !st.Draining {
		t.Fatalf("expected draining, stats = %+v", st)
	}

	// Drain completes: the first wave stops cooperatively, then the queued
	// wave is promoted and runs to completion.
	for finished := 0; finished < 6; finished++ {
		waitEvent(t, events, EventFinished)
	}
	waitFor(t, "idle", s.Idle)
	if st := s.Stats(); st.Draining || st.Queued != 0 {
		t.Fatalf("after drain stats = %+v", st)
	}
}

func TestStopAllWithNoActiveTasksIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	s.StopAll()
	if st := s.Stats(); st.Draining {
		t.Fatal("StopAll on an idle scheduler must not set draining")
	}
}

func TestAddDuringDrainQueues(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	release := make(chan struct{})
	if err := s.Register(1, func() { <-release }, WithGroup(1), WithStopTimeout(2*time.Second)); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A free group that would normally dispatch immediately.
	if err := s.Register(2, func() {}, WithGroup(2)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.Add(1); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "active", func() bool { return !s.Idle() })

	s.StopAll()
	if _, err := s.Add(2); err != nil {
		t.Fatalf("add during drain: %v", err)
	}
	added, active := s.AddedByType(2)
	if !added || active {
		t.Fatalf("drain must queue new work: added=%v active=%v", added, active)
	}

	close(release)
	waitFor(t, "idle", s.Idle)
	if added, _ := s.AddedByType(2); added {
		t.Fatal("queued task should have run after drain completed")
	}
}

func TestFailedTaskStillFinishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, bus)
	boom := errors.New("boom")
	if err := s.Register(1, func() error { return boom }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(2, func() { panic("kaboom") }); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.Add(1); err != nil {
		t.Fatalf("add: %v", err)
	}
	fin := waitEvent(t, events, EventFinished)
	if fin.Result.Kind() != KindError {
		t.Fatalf("failed task result = %v, want error kind", fin.Result)
	}

	if _, err := s.Add(2); err != nil {
		t.Fatalf("add panicking: %v", err)
	}
	fin = waitEvent(t, events, EventFinished)
	if fin.Result.Kind() != KindError {
		t.Fatalf("panicking task result = %v, want error kind", fin.Result)
	}
	waitFor(t, "idle", s.Idle)
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	events, unsub := bus.Subscribe(128)
	defer unsub()

	s := newTestService(t, bus)

	// Type 1: group 1, polls its token.
	err := s.Register(1, func(tok *StopToken) {
		for !tok.Stopped() {
			time.Sleep(5 * time.Millisecond)
		}
	}, WithGroup(1), WithStopTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("register 1: %v", err)
	}
	// Type 2: group 1, quick.
	if err := s.Register(2, func() {}, WithGroup(1)); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	// Type 3: group 2, independent.
	gate3 := make(chan struct{})
	if err := s.Register(3, func() { <-gate3 }, WithGroup(2)); err != nil {
		t.Fatalf("register 3: %v", err)
	}

	id1, err := s.Add(1)
	if err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if _, err := s.Add(2); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if _, err := s.Add(3); err != nil {
		t.Fatalf("add 3: %v", err)
	}

	// Type 3 starts immediately, parallel to type 1; type 2 queues.
	waitFor(t, "1 and 3 active", func() bool { return s.Stats().Active == 2 })
	if added, active := s.AddedByType(2); !added || active {
		t.Fatalf("type 2: added=%v active=%v, want queued", added, active)
	}

	s.StopByID(id1)
	fin := waitEvent(t, events, EventFinished)
	if fin.ID != id1 {
		t.Fatalf("first finish id = %d, want %d", fin.ID, id1)
	}
	// Type 2 takes over group 1 while type 3 is still running.
	fin = waitEvent(t, events, EventFinished)
	if fin.Type != 2 {
		t.Fatalf("second finish type = %d, want 2", fin.Type)
	}
	if s.Idle() {
		t.Fatal("type 3 should still be active")
	}

	close(gate3)
	fin = waitEvent(t, events, EventFinished)
	if fin.Type != 3 {
		t.Fatalf("third finish type = %d, want 3", fin.Type)
	}
	waitFor(t, "idle", s.Idle)
}

func TestStoppedServiceRejectsOps(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Register(1, func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Stop(context.Background())

	if _, err := s.Add(1); !errors.Is(err, ErrStopped) {
		t.Fatalf("add after stop err = %v, want ErrStopped", err)
	}
	if err := s.Register(2, func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("register after stop err = %v, want ErrStopped", err)
	}
}
