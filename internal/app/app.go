// Package app wires the configured components together: config manager,
// logging, store, publisher registry, scheduler, and metrics.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"crosspost/internal/config"
	"crosspost/internal/eventbus"
	"crosspost/internal/metrics"
	"crosspost/internal/publisher"
	"crosspost/internal/publisher/telegram"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus  eventbus.Bus
	repo store.Repository
	reg  *publisher.Registry

	sched *scheduler.Service
	mtr   *metrics.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := storeConfig(cfg.Store)
	if err != nil {
		return nil, err
	}
	repo, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := schedulerConfig(cfg.Scheduler)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	reg := publisher.NewRegistry()
	if cfg.Publishers.Telegram.Enabled {
		tg, err := telegram.New(telegramConfig(cfg.Publishers.Telegram, schedCfg.PublishTimeout),
			log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("publishers.telegram: %w", err)
		}
		if err := reg.Register(tg); err != nil {
			_ = repo.Close()
			return nil, err
		}
	}

	bus := eventbus.New()
	schedSvc := scheduler.New(schedCfg, repo, reg, log.With(logx.String("comp", "scheduler")), bus)

	mtr := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}, bus, log.With(logx.String("comp", "metrics")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		repo:    repo,
		reg:     reg,
		sched:   schedSvc,
		mtr:     mtr,
	}, nil
}

// Bus exposes the event bus for embedding callers (tests, extra consumers).
func (a *App) Bus() eventbus.Bus { return a.bus }

// Store exposes the content repository for the authoring flow.
func (a *App) Store() store.Repository { return a.repo }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := schedulerConfig(cfg.Scheduler); err != nil {
			return err
		}
		if _, err := storeConfig(cfg.Store); err != nil {
			return err
		}
		if cfg.Scheduler.MaxConcurrentDispatches < 0 {
			return fmt.Errorf("scheduler.max_concurrent_dispatches must be >= 0")
		}
		if cfg.Scheduler.RatePerSec < 0 {
			return fmt.Errorf("scheduler.rate_per_sec must be >= 0")
		}
		return nil
	})

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.mtr.Enabled() {
		a.mtr.Start(a.sup.Context())
	}

	// Hot reload fan-out.
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
				// Coalesce bursts: keep only the latest snapshot.
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// The validator already vetted these; a failure here means the validator
	// and the mapper disagree, so keep the running config.
	schedCfg, err := schedulerConfig(cfg.Scheduler)
	if err != nil {
		a.log.Warn("scheduler config rejected on apply", logx.Any("err", err))
		return
	}

	prevEnabled := a.sched.Enabled()
	a.sched.Apply(ctx, schedCfg)
	if prevEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	} else if !prevEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(a.sup.Context())
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("metrics", 2*time.Second, func(c context.Context) { a.mtr.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if err := a.repo.Close(); err != nil {
		a.log.Warn("store close failed", logx.Any("err", err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func storeConfig(c config.StoreConfig) (store.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", c.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

// telegramConfig maps the publisher section onto the adapter. The HTTP client
// timeout follows the scheduler's publish timeout: telebot sends do not honor
// the context deadline, so the transport has to enforce the same bound.
func telegramConfig(c config.TelegramConfig, publishTimeout time.Duration) telegram.Config {
	return telegram.Config{
		Token:         c.Token,
		ChatID:        c.ChatID,
		ClientTimeout: publishTimeout,
	}
}

func schedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", c.TickInterval, 45*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("scheduler.stale_failure_threshold", c.StaleFailureThreshold, 12*time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("scheduler.in_flight_window", c.InFlightWindow, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.publish_timeout", c.PublishTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if err := scheduler.ValidateTickSpec(c.TickSpec); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.tick_spec: %w", err)
	}
	return scheduler.Config{
		Enabled:                 c.Enabled,
		TickInterval:            tick,
		TickSpec:                c.TickSpec,
		StaleFailureThreshold:   stale,
		InFlightWindow:          window,
		PublishTimeout:          timeout,
		MaxConcurrentDispatches: c.MaxConcurrentDispatches,
		RatePerSec:              c.RatePerSec,
		CriticalErrorPatterns:   c.CriticalErrorPatterns,
	}, nil
}
