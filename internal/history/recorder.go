package history

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"taskcore/internal/core"
	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

// Recorder consumes lifecycle events from the bus and appends finished and
// terminated runs to the store. Started events are ignored; a run is only
// interesting once it has an outcome.
type Recorder struct {
	store *Store
	bus   eventbus.Bus
	log   logx.Logger

	// warnEvery throttles insert-failure warnings so a broken disk does not
	// flood the log at task-completion rate.
	warnEvery *rate.Limiter
}

func NewRecorder(store *Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store:     store,
		bus:       bus,
		log:       log,
		warnEvery: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Run consumes events until ctx is canceled.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != core.EventFinished && ev.Type != core.EventTerminated {
		return
	}
	te, ok := ev.Data.(core.TaskEvent)
	if !ok {
		return
	}

	run := Run{
		TaskID: int64(te.ID),
		TypeID: int(te.Type),
		Group:  int(te.Group),
		Event:  ev.Type,
		Ended:  te.At,
		Took:   te.Took,
	}
	if te.Took > 0 {
		run.Started = te.At.Add(-te.Took)
	}
	if ev.Type == core.EventFinished && !te.Result.IsNil() {
		run.Result = te.Result.String()
	}
	if len(te.Args) > 0 {
		if b, err := json.Marshal(te.Args); err == nil {
			run.Args = string(b)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := r.store.Record(cctx, run)
	cancel()
	if err != nil && r.warnEvery.Allow() {
		r.log.Warn("history insert failed",
			logx.Int64("task_id", run.TaskID),
			logx.Err(err),
		)
	}
}
