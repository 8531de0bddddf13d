package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskcore/internal/core"
	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

// Collector exposes scheduler counters and gauges on a private registry.
// Lifecycle counters are fed from the event bus; active/queued gauges are
// sampled from the scheduler on a fixed interval.
type Collector struct {
	svc *core.Service
	bus eventbus.Bus
	log logx.Logger

	registry *prometheus.Registry

	started    *prometheus.CounterVec
	finished   *prometheus.CounterVec
	terminated *prometheus.CounterVec
	runSeconds *prometheus.HistogramVec

	active   prometheus.Gauge
	queued   prometheus.Gauge
	draining prometheus.Gauge
}

func New(svc *core.Service, bus eventbus.Bus, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		svc:      svc,
		bus:      bus,
		log:      log,
		registry: prometheus.NewRegistry(),

		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskcore_tasks_started_total",
			Help: "Tasks that began running.",
		}, []string{"type", "group"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskcore_tasks_finished_total",
			Help: "Tasks that ran to completion.",
		}, []string{"type", "group"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskcore_tasks_terminated_total",
			Help: "Tasks terminated before completion.",
		}, []string{"type", "group"}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskcore_task_run_seconds",
			Help:    "Wall time from start to finish.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type"}),

		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskcore_tasks_active",
			Help: "Tasks currently running.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskcore_tasks_queued",
			Help: "Tasks waiting for their group.",
		}),
		draining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskcore_draining",
			Help: "1 while a stop-all drain is in progress.",
		}),
	}

	c.registry.MustRegister(c.started, c.finished, c.terminated, c.runSeconds,
		c.active, c.queued, c.draining)
	return c
}

// Run feeds counters from bus events and samples gauges until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	ch, unsub := c.bus.Subscribe(128)
	defer unsub()

	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			c.sample()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev eventbus.Event) {
	te, ok := ev.Data.(core.TaskEvent)
	if !ok {
		return
	}
	typ := strconv.Itoa(int(te.Type))
	grp := strconv.Itoa(int(te.Group))
	switch ev.Type {
	case core.EventStarted:
		c.started.WithLabelValues(typ, grp).Inc()
	case core.EventFinished:
		c.finished.WithLabelValues(typ, grp).Inc()
		c.runSeconds.WithLabelValues(typ).Observe(te.Took.Seconds())
	case core.EventTerminated:
		c.terminated.WithLabelValues(typ, grp).Inc()
	}
	c.sample()
}

func (c *Collector) sample() {
	if c.svc == nil {
		return
	}
	st := c.svc.Stats()
	c.active.Set(float64(st.Active))
	c.queued.Set(float64(st.Queued))
	if st.Draining {
		c.draining.Set(1)
	} else {
		c.draining.Set(0)
	}
}

// Serve exposes /metrics on addr until ctx is canceled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	c.log.Info("metrics listener started", logx.String("addr", addr))
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
