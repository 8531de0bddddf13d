package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskcore/internal/config"
	"taskcore/internal/core"
	"taskcore/internal/eventbus"
	"taskcore/internal/history"
	"taskcore/internal/metrics"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/schedules"
	logx "taskcore/pkg/logx"
)

// App wires the scheduler with config, history, metrics, and schedules.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	svc    *core.Service
	store  *history.Store
	rec    *history.Recorder
	coll   *metrics.Collector
	runner *schedules.Runner

	metricsAddr string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New(log.With(logx.String("comp", "bus")))

	stopTimeout, err := config.ParseDurationField("scheduler.default_stop_timeout", cfg.Scheduler.DefaultStopTimeout)
	if err != nil {
		return nil, err
	}
	svc := core.New(core.Config{
		CommandBuffer:      cfg.Scheduler.CommandBuffer,
		DefaultStopTimeout: stopTimeout,
	}, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		svc:     svc,
	}

	if hc := cfg.History; hc != nil && hc.Enabled {
		busy, err := config.ParseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, 2*time.Second)
		if err != nil {
			return nil, err
		}
		keep := hc.Keep
		if keep == 0 {
			keep = 1000
		}
		st, err := history.Open(history.Config{
			Path:        hc.Path,
			BusyTimeout: busy,
			Keep:        keep,
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		a.store = st
		a.rec = history.NewRecorder(st, bus, log.With(logx.String("comp", "history")))
		log.Info("history enabled", logx.String("path", hc.Path))
	}

	if mc := cfg.Metrics; mc != nil && mc.Enabled {
		a.coll = metrics.New(svc, bus, log.With(logx.String("comp", "metrics")))
		a.metricsAddr = mc.Addr
		if a.metricsAddr == "" {
			a.metricsAddr = "127.0.0.1:9901"
		}
	}

	a.runner = schedules.NewRunner(svc, log.With(logx.String("comp", "schedules")))
	return a, nil
}

// Scheduler exposes the core service so callers can register task types
// before Start.
func (a *App) Scheduler() *core.Service { return a.svc }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.svc.Start(a.sup.Context())

	if a.rec != nil {
		a.sup.Go("history.record", func(c context.Context) error {
			return a.rec.Run(c)
		})
	}
	if a.coll != nil {
		a.sup.Go("metrics.collect", func(c context.Context) error {
			return a.coll.Run(c)
		})
		addr := a.metricsAddr
		a.sup.Go("metrics.serve", func(c context.Context) error {
			return a.coll.Serve(c, addr)
		})
	}

	if cfg := a.cfgm.Get(); cfg != nil && len(cfg.Schedules) > 0 {
		if err := a.runner.Apply(cfg.Schedules); err != nil {
			a.log.Warn("some schedules failed to register", logx.Err(err))
		}
	}
	a.runner.Start()

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// systemd readiness + watchdog keepalive (no-ops outside systemd)
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			tick := time.NewTicker(interval / 2)
			defer tick.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-tick.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("app started")
	return nil
}

// applyConfig applies a hot-reloaded config. Scheduler buffers, history, and
// metrics settings are startup-only; changes there require a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if err := a.runner.Apply(cfg.Schedules); err != nil {
		a.log.Warn("some schedules failed to register", logx.Err(err))
	}

	if (cfg.History != nil && cfg.History.Enabled) != (a.store != nil) {
		a.log.Warn("history config changed; restart required for changes to take effect")
	}
	if (cfg.Metrics != nil && cfg.Metrics.Enabled) != (a.coll != nil) {
		a.log.Warn("metrics config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.runner.Stop()

	// Ask running tasks to stop and wait briefly for the drain to complete.
	a.svc.StopAll()
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
drain:
	for !a.svc.Idle() {
		select {
		case <-drainCtx.Done():
			break drain
		case <-tick.C:
		}
	}
	tick.Stop()
	cancel()

	a.svc.Stop(ctx)
	a.sup.Cancel()
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("supervisor wait", logx.Err(err))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("history close", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
