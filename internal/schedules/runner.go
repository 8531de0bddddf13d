package schedules

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"taskcore/internal/config"
	"taskcore/internal/core"
	logx "taskcore/pkg/logx"
)

// Runner submits configured tasks on their schedules. Each entry maps a
// schedule string to a registered task type; firing a schedule is just a
// normal Add, so group exclusion and queuing apply unchanged.
type Runner struct {
	svc *core.Service
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries []cron.EntryID
	started bool
}

func NewRunner(svc *core.Service, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{svc: svc, log: log, c: cron.New()}
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.c.Start()
	r.started = true
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	ctx := r.c.Stop()
	<-ctx.Done()
	r.started = false
}

// Apply replaces the full schedule set. Used at startup and on config reload.
func (r *Runner) Apply(list []config.ScheduleConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.entries {
		r.c.Remove(id)
	}
	r.entries = r.entries[:0]

	var firstErr error
	for _, sc := range list {
		if err := r.addLocked(sc); err != nil {
			r.log.Error("schedule register failed",
				logx.Int("task", sc.Task),
				logx.String("spec", sc.Spec),
				logx.Err(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) addLocked(sc config.ScheduleConfig) error {
	ps, err := ParseSchedule(sc.Spec)
	if err != nil {
		return err
	}
	expr := ps.Cron
	if ps.Kind == SpecInterval {
		expr = fmt.Sprintf("@every %s", ps.Every.String())
	}

	typeID := core.TypeID(sc.Task)
	args := sc.Args
	id, err := r.c.AddFunc(expr, func() {
		taskID, err := r.svc.Add(typeID, args...)
		if err != nil {
			r.log.Warn("scheduled add failed",
				logx.Int("type", int(typeID)),
				logx.Err(err),
			)
			return
		}
		r.log.Debug("scheduled task added",
			logx.Int("type", int(typeID)),
			logx.Int64("task_id", int64(taskID)),
		)
	})
	if err != nil {
		return err
	}
	r.entries = append(r.entries, id)
	r.log.Debug("schedule registered",
		logx.Int("task", sc.Task),
		logx.String("spec", expr),
	)
	return nil
}
