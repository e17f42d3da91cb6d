// Package app assembles the share service from config and owns its
// lifecycle: start order, hot reload and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sharepilot/internal/adapters/telegram"
	"sharepilot/internal/api"
	"sharepilot/internal/config"
	"sharepilot/internal/credentials"
	"sharepilot/internal/eventbus"
	"sharepilot/internal/job"
	"sharepilot/internal/notifier"
	"sharepilot/internal/observability"
	"sharepilot/internal/ratelimit"
	rtsup "sharepilot/internal/runtime/supervisor"
	"sharepilot/internal/share"
	"sharepilot/internal/share/browser"
	"sharepilot/internal/storage"
	"sharepilot/internal/sweep"
	"sharepilot/internal/worker"
	logx "sharepilot/pkg/logx"
)

const limiterPruneEvery = 10 * time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	jobs      *job.Store
	admission *ratelimit.Set
	dispatch  *ratelimit.Set
	creds     *credentials.Registry
	metrics   *observability.Metrics

	chrome   *browser.Chrome
	pool     *worker.Pool
	drain    time.Duration
	store    storage.Store
	notif    *notifier.Service
	sweeper  *sweep.Sweeper
	server   *api.Server
	stopHTTP time.Duration

	// storeSup runs the storage mirror. It outlives sup so transitions
	// made while the pool drains still reach storage.
	storeSup *rtsup.Supervisor

	sd *notifySystemd
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateWiring(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	root := log
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()
	metrics := observability.NewMetrics(nil)
	jobs := job.NewStore(job.WithBus(bus), job.WithObserver(metrics))
	admCfg, dspCfg := mapLimiters(cfg)
	admission := ratelimit.New(admCfg)
	dispatch := ratelimit.New(dspCfg)
	creds := credentials.NewRegistry(bus, root)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		jobs:      jobs,
		admission: admission,
		dispatch:  dispatch,
		creds:     creds,
		metrics:   metrics,
		sd:        newNotifySystemd(root),
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		octx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		st, err := storage.Open(octx, sc, root)
		if err == nil {
			var recs []credentials.Record
			if recs, err = st.LoadCredentials(octx); err == nil {
				creds.Load(recs)
				log.Info("credentials loaded", logx.Int("count", len(recs)))
			} else {
				_ = st.Close()
			}
		}
		cancel()
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.chrome = browser.NewChrome(context.Background(), ec.chrome, root)
	exec := share.NewExecutor(ec.exec, a.chrome, share.NewRefreshClient(ec.refresh, nil), root)

	wc, drain, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.drain = drain
	a.pool = worker.New(wc, jobs, dispatch, exec, root, worker.WithMetrics(metrics))

	if err := a.buildNotifier(cfg, root); err != nil {
		return nil, err
	}

	swc, err := mapSweepConfig(cfg)
	if err != nil {
		return nil, err
	}
	var alerts notifier.Notifier
	if a.notif != nil {
		alerts = a.notif
	}
	a.sweeper = sweep.New(jobs, swc, alerts, root)

	srvCfg, shutdown, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.stopHTTP = shutdown
	router := api.NewRouter(api.Deps{
		Jobs:           jobs,
		Admission:      admission,
		Credentials:    creds,
		Bus:            bus,
		Metrics:        metrics,
		Sweeper:        a.sweeper,
		AdminToken:     cfg.HTTP.AdminToken,
		StuckThreshold: swc.Threshold,
		Profiling:      cfg.HTTP.AdminToken != "",
		Log:            root,
	})
	a.server = api.NewServer(srvCfg, router, root)

	return a, nil
}

// buildNotifier wires Telegram alerts. A sender that cannot be created is
// logged and alerts stay off; it never blocks startup.
func (a *App) buildNotifier(cfg *config.Config, root logx.Logger) error {
	ncfg, target, err := mapNotifierConfig(cfg, a.store != nil)
	if err != nil {
		return err
	}
	if !ncfg.Enabled {
		return nil
	}
	sender, err := telegram.New(telegram.Config{Token: cfg.Alerts.Token})
	if err != nil {
		a.log.Warn("telegram alerts disabled", logx.Err(err))
		return nil
	}
	var dedup notifier.DedupStore
	if a.store != nil {
		dedup = a.store
	}
	a.notif = notifier.New(ncfg, sender, target, dedup, root)
	return nil
}

// validateWiring rejects configs that parse but cannot be mapped onto
// services. It runs on boot and on every hot reload.
func validateWiring(cfg *config.Config) error {
	var errs []error
	if _, err := mapSweepConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapNotifierConfig(cfg, false); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapServerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
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

// Addr is the bound HTTP address once the server is listening.
func (a *App) Addr() string { return a.server.Addr() }

// Ready is closed once the HTTP listener is bound.
func (a *App) Ready() <-chan struct{} { return a.server.Ready() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return validateWiring(cfg)
	})

	if a.store != nil {
		a.storeSup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log))
		m := storage.NewMirror(a.store, a.bus, a.log)
		a.storeSup.GoRestart("storage.mirror", m.Run, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}

	if a.notif != nil {
		a.notif.Start(a.sup.Context())
		n := a.notif
		a.sup.Go("alerts.challenges", func(c context.Context) error {
			return notifier.WatchChallenges(c, a.bus, n, a.log)
		})
	}

	a.sup.Go("worker.dispatch", a.pool.Run)
	a.sup.Go("stuck.sweep", a.sweeper.Run)
	a.sup.Go0("ratelimit.prune", a.pruneLimiters)

	a.server.Start(a.sup.Context())

	// Keep this debug-level; job changes are frequent.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.ready", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-a.server.Ready():
		}
		a.sd.Ready()
		a.sd.Watchdog(c)
	})

	a.log.Info("app started", logx.String("http_addr", a.cfgm.Get().HTTP.ListenAddr()))
	return nil
}

func (a *App) pruneLimiters(ctx context.Context) {
	t := time.NewTicker(limiterPruneEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n := a.admission.Prune(now) + a.dispatch.Prune(now)
			if n > 0 {
				a.log.Debug("rate limiter state pruned", logx.Int("keys", n))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Stop dispatching first so no new job starts during the drain.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", a.stopHTTP, a.server.Stop)
	step("worker.drain", a.drain, func(c context.Context) error {
		err := a.pool.Drain(c)
		if err != nil {
			a.pool.Abort()
			// Aborted executions settle quickly; give them a moment to record it.
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.pool.Drain(wctx)
			cancel()
		}
		return err
	})
	step("notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("chrome", time.Second, func(context.Context) error { a.chrome.Close(); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 5*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		if a.storeSup != nil {
			if err := a.storeSup.Stop(c); err != nil {
				a.log.Warn("storage mirror did not stop cleanly", logx.Err(err))
			}
		}
		return a.store.Close()
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// boundedContext derives a context capped at limit without extending ctx's
// own deadline. limit <= 0 means no extra cap.
func boundedContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit)
}

func joinSections(s []string) string { return strings.Join(s, ",") }
