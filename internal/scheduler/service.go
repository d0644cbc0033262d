package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"crosspost/internal/eventbus"
	"crosspost/internal/publisher"
	rtsup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

// Service is the tick loop: it polls the content repository for due work,
// fans out to the dispatcher, and owns the interval and concurrency bounds.
//
// It is constructed once and passed by handle (no package-level singleton),
// so tests drive it with RunOnce instead of waiting on wall-clock timers.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	repo store.Repository
	reg  *publisher.Registry

	// Dispatch concurrency bounds; rebuilt on Start/Apply.
	permits chan struct{}
	limiter *rate.Limiter

	parser  cron.Parser
	c       *cron.Cron
	trigger chan struct{}
	sup     *rtsup.Supervisor

	// tickMu serializes ticks: if a tick is still processing when the next
	// trigger fires, the trigger is dropped, never run concurrently.
	tickMu   sync.Mutex
	inFlight atomic.Int32

	ticksTotal   atomic.Uint64
	ticksSkipped atomic.Uint64

	statMu     sync.Mutex
	lastTickAt time.Time
	lastTick   TickStats
}

func New(cfg Config, repo store.Repository, reg *publisher.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		repo: repo,
		reg:  reg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the scheduler configuration at runtime. If the trigger source
// changed while running, the loop is restarted.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	if running {
		s.limiter = newLimiter(cfg.RatePerSec)
	}
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.TickInterval != cfg.TickInterval ||
		prev.TickSpec != cfg.TickSpec ||
		prev.MaxConcurrentDispatches != cfg.MaxConcurrentDispatches ||
		prev.Enabled != cfg.Enabled {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start begins ticking. Idempotent; a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.sup != nil {
		s.mu.Unlock()
		return
	}

	s.permits = make(chan struct{}, cfg.MaxConcurrentDispatches)
	s.limiter = newLimiter(cfg.RatePerSec)
	s.trigger = make(chan struct{}, 1)
	trigger := s.trigger

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	spec := strings.TrimSpace(cfg.TickSpec)
	if spec != "" {
		c := cron.New(cron.WithParser(s.parser))
		if _, err := c.AddFunc(spec, s.TriggerNow); err != nil {
			// Invalid specs are caught by config validation at startup; a bad
			// runtime value falls back to the interval ticker.
			s.log.Warn("invalid tick spec; falling back to interval",
				logx.String("spec", spec), logx.Any("err", err))
			spec = ""
		} else {
			s.c = c
			c.Start()
		}
	}
	s.mu.Unlock()

	if spec == "" {
		interval := cfg.TickInterval
		sup.GoRestart("ticker", func(ctx context.Context) error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
					s.TriggerNow()
				}
			}
		})
	}

	sup.GoRestart("tick-loop", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-trigger:
				if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					// Repository trouble mid-run is not fatal; the next tick
					// retries the query.
					s.log.Warn("tick failed", logx.Any("err", err))
				}
			}
		}
	})

	// Catch up on overdue work immediately instead of waiting one interval.
	s.TriggerNow()

	s.log.Info("scheduler started",
		logx.Duration("interval", cfg.TickInterval),
		logx.String("spec", spec),
		logx.Int("max_dispatches", cfg.MaxConcurrentDispatches))
}

// Stop halts ticking. In-flight dispatches are canceled via the supervisor
// context; their publishing markers age out through the in-flight window.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	c := s.c
	s.sup = nil
	s.c = nil
	s.permits = nil
	s.limiter = nil
	s.trigger = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("scheduler stopped")
}

// TriggerNow requests a tick outside the regular interval. Non-blocking; if a
// trigger is already pending the request is coalesced.
func (s *Service) TriggerNow() {
	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()
	if trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

// RunOnce executes one poll-and-dispatch cycle. If another tick is still in
// progress the call is skipped (re-entrancy guard); two ticks never run
// concurrently in one process.
func (s *Service) RunOnce(ctx context.Context) (TickStats, error) {
	if !s.tickMu.TryLock() {
		s.ticksSkipped.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped})
		}
		s.log.Debug("tick skipped: previous tick still running")
		return TickStats{}, nil
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	s.ticksTotal.Add(1)

	items, err := s.repo.GetDuePublishable(ctx, start)
	if err != nil {
		return TickStats{}, err
	}

	stats := TickStats{Items: len(items)}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickStarted, Data: TickEvent{Items: len(items)}})
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := item.Validate(); err != nil {
			// Malformed items are quarantined at the repository boundary;
			// anything that still fails here is skipped, not propagated.
			s.log.Warn("skipping malformed content item", logx.Any("err", err))
			continue
		}
		s.processItem(ctx, item, cfg, &stats)
	}

	stats.Took = time.Since(start)

	s.statMu.Lock()
	s.lastTickAt = start
	s.lastTick = stats
	s.statMu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickFinished, Data: TickEvent{
			Items: stats.Items, Dispatched: stats.Dispatched, Took: stats.Took,
		}})
	}
	if stats.Items > 0 {
		s.log.Info("tick finished",
			logx.Int("items", stats.Items),
			logx.Int("dispatched", stats.Dispatched),
			logx.Int("published", stats.Published),
			logx.Int("failed", stats.Failed),
			logx.Int("skipped_terminal", stats.SkippedTerminal),
			logx.Int("skipped_cooldown", stats.SkippedCooldown),
			logx.Duration("took", stats.Took))
	} else {
		s.log.Debug("tick finished: no due content", logx.Duration("took", stats.Took))
	}
	return stats, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.statMu.Lock()
	lastAt := s.lastTickAt
	last := s.lastTick
	s.statMu.Unlock()

	return Snapshot{
		Enabled:      cfg.Enabled,
		Running:      running,
		TickInterval: cfg.TickInterval,
		TickSpec:     cfg.TickSpec,
		TicksTotal:   s.ticksTotal.Load(),
		TicksSkipped: s.ticksSkipped.Load(),
		LastTickAt:   lastAt,
		LastTick:     last,
		InFlight:     int(s.inFlight.Load()),
	}
}

// ValidateTickSpec checks a cron spec against the same parser Start uses.
// An empty spec is valid (the interval ticker is used instead).
func ValidateTickSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}

func newLimiter(ratePerSec int) *rate.Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
}
