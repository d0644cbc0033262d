// Package metrics exposes operational counters for the publish scheduler on a
// Prometheus endpoint. It observes the event bus rather than being called
// directly, so the scheduler has no metrics dependency.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosspost/internal/eventbus"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	logx "crosspost/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9090"
	}
	return c
}

// Collector registers and updates the scheduler metrics.
type Collector struct {
	ticksTotal   prometheus.Counter
	ticksSkipped prometheus.Counter
	tickItems    prometheus.Histogram
	tickDuration prometheus.Histogram

	publishAttempts *prometheus.CounterVec
	publishOutcomes *prometheus.CounterVec
	publishSkipped  *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_ticks_total",
			Help: "Completed poll-and-dispatch cycles.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running.",
		}),
		tickItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosspost_tick_items",
			Help:    "Due content items examined per tick.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosspost_tick_duration_seconds",
			Help:    "Wall time of a poll-and-dispatch cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_publish_attempts_total",
			Help: "Publish attempts dispatched, per platform.",
		}, []string{"platform"}),
		publishOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_publish_outcomes_total",
			Help: "Publish attempt outcomes, per platform and result.",
		}, []string{"platform", "outcome"}),
		publishSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_publish_skipped_total",
			Help: "Pairs skipped by the eligibility filter, per platform.",
		}, []string{"platform"}),
	}

	reg.MustRegister(
		c.ticksTotal,
		c.ticksSkipped,
		c.tickItems,
		c.tickDuration,
		c.publishAttempts,
		c.publishOutcomes,
		c.publishSkipped,
	)
	return c
}

// Observe applies one bus event to the counters. Unknown event types are
// ignored so the collector tolerates new event types without a release.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTickFinished:
		c.ticksTotal.Inc()
		if te, ok := e.Data.(scheduler.TickEvent); ok {
			c.tickItems.Observe(float64(te.Items))
			c.tickDuration.Observe(te.Took.Seconds())
		}
	case eventbus.TypeTickSkipped:
		c.ticksSkipped.Inc()
	case eventbus.TypePublishAttempt:
		if pe, ok := e.Data.(scheduler.PublishEvent); ok {
			c.publishAttempts.WithLabelValues(string(pe.Platform)).Inc()
		}
	case eventbus.TypePublishSucceeded:
		if pe, ok := e.Data.(scheduler.PublishEvent); ok {
			c.publishOutcomes.WithLabelValues(string(pe.Platform), "published").Inc()
		}
	case eventbus.TypePublishFailed:
		if pe, ok := e.Data.(scheduler.PublishEvent); ok {
			c.publishOutcomes.WithLabelValues(string(pe.Platform), "failed").Inc()
		}
	case eventbus.TypePublishQuota:
		if pe, ok := e.Data.(scheduler.PublishEvent); ok {
			c.publishOutcomes.WithLabelValues(string(pe.Platform), "quota_exceeded").Inc()
		}
	case eventbus.TypePublishSkipped:
		if pe, ok := e.Data.(scheduler.PublishEvent); ok {
			c.publishSkipped.WithLabelValues(string(pe.Platform)).Inc()
		}
	}
}

// Service owns the Prometheus registry, the bus subscription feeding the
// collector, and the scrape endpoint.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg       *prometheus.Registry
	collector *Collector

	sup *supervisor.Supervisor
	srv *http.Server
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		reg:       reg,
		collector: NewCollector(reg),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	ch, unsub := s.bus.Subscribe(256)
	s.sup.Go0("metrics.consume", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.collector.Observe(e)
			}
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.sup.Go("metrics.listen", func(c context.Context) error {
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.sup.Go0("metrics.shutdown", func(c context.Context) {
		<-c.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shCtx)
	})

	s.log.Info("metrics endpoint started", logx.String("addr", s.cfg.Addr))
}

func (s *Service) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
	s.srv = nil
}
