package core

import (
	"context"
	"sync"
	"time"

	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	// CommandBuffer sizes the run-loop command channel. Commands are small
	// closures; the buffer only smooths bursts, it is not a task queue.
	CommandBuffer int

	// DefaultStopTimeout applies to registrations that don't set their own.
	DefaultStopTimeout time.Duration
}

// Service is the scheduler. Create with New, then Start before use.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	running bool
	cmds    chan func()
	stopCh  chan struct{}
	done    chan struct{}

	// Run-loop-owned state. Never touched outside the loop once started.
	regs     map[TypeID]*registration
	active   []*task
	queued   []*task
	draining bool
	nextID   TaskID
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 64
	}
	if cfg.DefaultStopTimeout <= 0 {
		cfg.DefaultStopTimeout = defaultStopTimeout
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		regs: make(map[TypeID]*registration),
	}
}

// Start launches the run loop. Idempotent while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.cmds = make(chan func(), s.cfg.CommandBuffer)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	cmds, stopCh, done := s.cmds, s.stopCh, s.done
	s.mu.Unlock()

	go s.run(cmds, stopCh, done)
	s.log.Info("scheduler started", logx.Int("command_buffer", cap(cmds)))
}

// Stop shuts the run loop down. Active workers are abandoned: their stop
// tokens are set, but Stop does not wait for task bodies to return.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) run(cmds chan func(), stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case fn := <-cmds:
			fn()
		case <-stopCh:
			// Drain already-posted commands, then signal every live token so
			// abandoned bodies that poll can exit.
			for {
				select {
				case fn := <-cmds:
					fn()
				default:
					for _, t := range s.active {
						t.token.stop()
					}
					return
				}
			}
		}
	}
}

// do posts fn onto the run loop and waits for it to execute.
func (s *Service) do(fn func()) error {
	s.mu.Lock()
	running, cmds, stopCh := s.running, s.cmds, s.stopCh
	s.mu.Unlock()
	if !running {
		return ErrStopped
	}

	ran := make(chan struct{})
	select {
	case cmds <- func() { fn(); close(ran) }:
	case <-stopCh:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-stopCh:
		// The loop drains pending commands on shutdown, so fn may still run;
		// give it that chance before reporting the stop.
		select {
		case <-ran:
			return nil
		case <-s.done:
			return ErrStopped
		}
	}
}

// post delivers a fire-and-forget command, dropping it if the loop is gone.
// Used by worker goroutines and timers; must never block shutdown.
func (s *Service) post(fn func()) {
	s.mu.Lock()
	running, cmds, stopCh := s.running, s.cmds, s.stopCh
	s.mu.Unlock()
	if !running {
		return
	}
	select {
	case cmds <- fn:
	case <-stopCh:
	}
}

// ---- registration ----

// Register stores a task type: a callable normalized into the uniform
// invoker, plus its group and cooperative-stop timeout. Supported callable
// shapes: any non-variadic func value (free function, closure, bound method
// value), a Method(recv, name) pair, or an Invoker implementation. A leading
// *StopToken parameter receives the task's cancellation token.
//
// Registration is allowed before Start, so callers can build the type table
// up front and launch the scheduler afterwards.
func (s *Service) Register(typeID TypeID, fn any, opts ...RegisterOption) error {
	o := registerOpts{stopTimeout: s.cfg.DefaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	call, err := normalizeCallable(fn)
	if err != nil {
		return err
	}

	reg := &registration{typeID: typeID, call: call, group: o.group, stopTimeout: o.stopTimeout}
	var opErr error
	ins := func() {
		if _, exists := s.regs[typeID]; exists {
			opErr = ErrDuplicateType
			return
		}
		s.regs[typeID] = reg
	}
	if !s.preStart(ins) {
		if err := s.do(ins); err != nil {
			return err
		}
	}
	if opErr != nil {
		return opErr
	}
	s.log.Debug("task type registered",
		logx.Int("type", int(typeID)),
		logx.Int("group", int(o.group)),
		logx.Duration("stop_timeout", o.stopTimeout),
	)
	return nil
}

// Unregister removes a task type and reports whether it existed. Tasks of
// that type already submitted keep running or stay queued; only future
// submissions are affected. Like Register, usable before Start.
func (s *Service) Unregister(typeID TypeID) bool {
	existed := false
	rm := func() {
		_, existed = s.regs[typeID]
		delete(s.regs, typeID)
	}
	if !s.preStart(rm) {
		_ = s.do(rm)
	}
	return existed
}

// preStart runs fn under s.mu when the run loop has never been launched, and
// reports whether it did. Before the first Start there is no loop goroutine,
// so the registration table can be mutated directly. After Stop the loop's
// channels remain set and fn is refused, keeping ErrStopped semantics with
// the posted path.
func (s *Service) preStart(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.cmds != nil {
		return false
	}
	fn()
	return true
}

// ---- submission ----

// Add submits one task of the given registered type. Arguments are bound
// into the invoker now; the returned id identifies the submission whether it
// dispatched immediately or queued behind its group.
func (s *Service) Add(typeID TypeID, args ...any) (TaskID, error) {
	var (
		id    TaskID
		opErr error
	)
	if err := s.do(func() {
		reg, ok := s.regs[typeID]
		if !ok {
			opErr = ErrNotRegistered
			return
		}

		run, err := reg.call.bind(args)
		if err != nil {
			opErr = err
			return
		}

		vals, skipped := argLog(args)
		for _, i := range skipped {
			s.log.Warn("argument not representable, omitted from log",
				logx.Int("type", int(typeID)),
				logx.Int("arg", i),
			)
		}

		s.nextID++
		t := &task{
			id:          s.nextID,
			typeID:      typeID,
			group:       reg.group,
			run:         run,
			args:        vals,
			token:       &StopToken{},
			state:       StateInactive,
			joined:      time.Now(),
			stopTimeout: reg.stopTimeout,
		}
		id = t.id

		if s.groupFree(t.group) && !s.draining {
			s.dispatch(t)
		} else {
			s.queued = append(s.queued, t)
			s.log.Debug("task queued",
				logx.Int64("id", int64(t.id)),
				logx.Int("type", int(t.typeID)),
				logx.Int("group", int(t.group)),
				logx.Int("queue_len", len(s.queued)),
			)
		}
	}); err != nil {
		return 0, err
	}
	return id, opErr
}

// groupFree reports whether no active task occupies the group. Loop-only.
func (s *Service) groupFree(g Group) bool {
	for _, t := range s.active {
		if t.group == g {
			return false
		}
	}
	return true
}

// dispatch moves a task into the active set and hands it a fresh goroutine.
// Loop-only.
func (s *Service) dispatch(t *task) {
	t.state = StateActive
	t.began = time.Now()
	s.active = append(s.active, t)

	s.log.Debug("task started",
		logx.Int64("id", int64(t.id)),
		logx.Int("type", int(t.typeID)),
		logx.Int("group", int(t.group)),
		logx.Duration("queue_delay", t.began.Sub(t.joined)),
	)
	s.publish(EventStarted, t, NoValue())

	go func() {
		res := t.run(t.token)
		s.post(func() { s.complete(t, res) })
	}()
}

// complete handles a worker's completion report. Loop-only. Reports from
// abandoned (terminated) tasks arrive late and are suppressed here.
func (s *Service) complete(t *task, res Value) {
	if t.state != StateActive {
		s.log.Debug("late completion from abandoned task suppressed",
			logx.Int64("id", int64(t.id)),
			logx.String("state", t.state.String()),
		)
		return
	}
	t.state = StateFinished
	s.removeActive(t)

	took := time.Since(t.began)
	if res.Kind() == KindError {
		s.log.Warn("task failed",
			logx.Int64("id", int64(t.id)),
			logx.Int("type", int(t.typeID)),
			logx.Err(res.ErrVal()),
			logx.Duration("took", took),
		)
	} else {
		s.log.Debug("task finished",
			logx.Int64("id", int64(t.id)),
			logx.Int("type", int(t.typeID)),
			logx.Duration("took", took),
		)
	}
	s.publish(EventFinished, t, res)
	s.afterRemoval()
}

// removeActive drops t from the active set. Loop-only.
func (s *Service) removeActive(t *task) {
	for i, a := range s.active {
		if a == t {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// afterRemoval re-evaluates the queue once a task has left the active set.
// While draining, promotion stays blocked until the active set empties.
// Loop-only.
func (s *Service) afterRemoval() {
	if s.draining {
		if len(s.active) == 0 {
			s.draining = false
			s.log.Info("drain complete, dispatch re-enabled")
			s.promote()
		}
		return
	}
	s.promote()
}

// promote scans the pending queue front to back once, dispatching every
// queued task whose group is currently free. Within a group this preserves
// strict FIFO submission order. Loop-only.
func (s *Service) promote() {
	if len(s.queued) == 0 {
		return
	}
	rest := s.queued[:0]
	for _, t := range s.queued {
		if s.groupFree(t.group) {
			s.dispatch(t)
		} else {
			rest = append(rest, t)
		}
	}
	s.queued = rest
}
