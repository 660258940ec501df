package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gfxbot/internal/config"
	"gfxbot/internal/eventbus"
	"gfxbot/internal/monitor"
	"gfxbot/internal/notifier"
	"gfxbot/internal/observability/pprof"
	"gfxbot/internal/runtime/supervisor"
	"gfxbot/internal/storage"
	"gfxbot/internal/sweep"
	kit "gfxbot/internal/transport"
	telegram "gfxbot/internal/transport/telegram"
	logx "gfxbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.DB
	adapter kit.Adapter

	engine *monitor.Engine
	disp   *monitor.Dispatcher
	notif  *notifier.Service
	sweeps *sweep.Service
	router *Router
	stats  *runStats
	debug  *pprof.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Token from the environment wins over the config file, so the file
	// can be committed without secrets.
	if tok := strings.TrimSpace(os.Getenv("GFXBOT_TOKEN")); tok != "" {
		cfg.Telegram.Token = tok
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

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, store, log.With(logx.String("comp", "notifier")))
	notif.SetModerators(cfg.Telegram.ModeratorIDs)

	// One mutex serializes the reconciliation engine and the reminder
	// dispatcher so an edit can never interleave with a delivery.
	mu := &sync.Mutex{}

	engine, err := monitor.NewEngine(mapEngineConfig(cfg), store, ad, notif, bus, mu, log.With(logx.String("comp", "monitor")))
	if err != nil {
		return nil, err
	}
	disp, err := monitor.NewDispatcher(mapDispatchConfig(cfg), store, ad, notif, bus, mu, log.With(logx.String("comp", "dispatch")))
	if err != nil {
		return nil, err
	}

	sweeps, err := sweep.New(cfg.Monitor.EffectiveTimezone(), log.With(logx.String("comp", "sweep")))
	if err != nil {
		return nil, err
	}
	if err := sweeps.Add("reminders", cfg.Monitor.EffectiveSweep(), func(c context.Context) {
		disp.Sweep(c, time.Now())
	}); err != nil {
		return nil, fmt.Errorf("monitor.sweep: %w", err)
	}
	if err := sweeps.Add("expiry", cfg.Monitor.EffectiveExpirySweep(), func(c context.Context) {
		disp.ExpirySweep(c, time.Now())
	}); err != nil {
		return nil, fmt.Errorf("monitor.expiry_sweep: %w", err)
	}

	router := NewRouter(log.With(logx.String("comp", "router")), ad, engine, cfg.Telegram.ModeratorIDs)
	stats := newRunStats(time.Now())
	router.register(statsCommand(stats))
	debug := pprof.New(mapDebugConfig(cfg), log.With(logx.String("comp", "debug")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  engine,
		disp:    disp,
		notif:   notif,
		sweeps:  sweeps,
		router:  router,
		stats:   stats,
		debug:   debug,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		// Cron specs only take effect after restart, but reject bad ones early.
		if err := sweep.ValidateSpec(cfg.Monitor.EffectiveSweep()); err != nil {
			return fmt.Errorf("monitor.sweep: %w", err)
		}
		if err := sweep.ValidateSpec(cfg.Monitor.EffectiveExpirySweep()); err != nil {
			return fmt.Errorf("monitor.expiry_sweep: %w", err)
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.debug.Start(a.sup.Context())

	a.sweeps.Start(a.sup.Context())
	// Catch up immediately on reminders that came due while the bot was
	// down instead of waiting for the first cron tick.
	a.sweeps.RunNow()

	// Lifecycle events feed the /stats counters (and the debug log).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.stats", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.stats.observe(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			a.router.SetModerators(newCfg.Telegram.ModeratorIDs)
			a.notif.SetModerators(newCfg.Telegram.ModeratorIDs)

			if err := a.engine.Apply(mapEngineConfig(newCfg)); err != nil {
				a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
			}
			if err := a.disp.Apply(mapDispatchConfig(newCfg)); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			}

			if ncfg, err := mapNotifierConfig(newCfg); err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
			} else {
				a.notif.Apply(ncfg)
			}

			a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))

			for _, s := range sections {
				if s == "storage" {
					a.log.Warn("storage config changed; restart required for changes to take effect")
				}
			}
			if lastSweepChanged(sections, attrs) {
				a.log.Warn("sweep schedule changed; restart required for the new cadence")
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// lastSweepChanged reports whether the monitor section changed in a way that
// touches the cron cadence. Schedules are registered once at startup.
func lastSweepChanged(sections []string, _ []logx.Field) bool {
	for _, s := range sections {
		if s == "monitor" {
			return true
		}
	}
	return false
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("sweep", 2*time.Second, func(c context.Context) error { a.sweeps.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapEngineConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Timezone:       cfg.Monitor.EffectiveTimezone(),
		ReminderHour:   cfg.Monitor.EffectiveReminderHour(),
		ReminderMinute: cfg.Monitor.ReminderMinute,
	}
}

func mapDispatchConfig(cfg *config.Config) monitor.DispatchConfig {
	return monitor.DispatchConfig{
		Template: strings.TrimSpace(cfg.Monitor.ReminderTemplate),
		Reaction: cfg.Monitor.EffectiveReaction(),
		Timezone: cfg.Monitor.EffectiveTimezone(),
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	if d == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	// Section omitted: enabled with runtime defaults.
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}

	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}

	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}
