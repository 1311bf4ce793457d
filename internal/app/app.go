// Package app wires the agent together: config, logging, checkpoint store,
// preference cache, delivery channels, and the notification manager.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"clubwatch/internal/adapters/telegram"
	"clubwatch/internal/channel"
	"clubwatch/internal/checkpoint"
	"clubwatch/internal/config"
	"clubwatch/internal/eventbus"
	"clubwatch/internal/manager"
	"clubwatch/internal/preference"
	"clubwatch/internal/runtime/supervisor"
	"clubwatch/internal/stream"
	logx "clubwatch/pkg/logx"
)

const (
	defaultStreamPath     = "/api/admin/notifications/stream"
	defaultPreferencePath = "/api/admin/notifications/preference"
	defaultGCSchedule     = "@hourly"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store checkpoint.Store

	pref   *preference.Cache
	push   *channel.Push
	direct *channel.Direct
	mgr    *manager.Manager

	gc *cron.Cron
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

	bus := eventbus.New()

	// Checkpoint store: durable when configured, in-memory otherwise so
	// dedup still works within a single run.
	ckCfg, err := mapCheckpointConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(ckCfg, log.With(logx.String("comp", "checkpoint")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = checkpoint.NewMemory(ckCfg.Retention)
		log.Info("checkpoint storage disabled; dedup is in-memory only")
	} else {
		log.Info("checkpoint storage enabled", logx.String("driver", cfg.Checkpoint.Driver))
	}

	reqTimeout, err := config.ParseDurationOrDefault("server.request_timeout", cfg.Server.RequestTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	prefTTL, err := config.ParseDurationOrDefault("preference.ttl", cfg.Preference.TTL, preference.DefaultTTL)
	if err != nil {
		return nil, err
	}
	pref := preference.NewCache(&preference.HTTPClient{
		URL:   joinURL(cfg.Server.BaseURL, orDefault(cfg.Server.PreferencePath, defaultPreferencePath)),
		Token: cfg.Server.Token,
		HTTP:  &http.Client{Timeout: reqTimeout},
	}, prefTTL, log.With(logx.String("comp", "preference")))

	push, err := mapPushChannel(cfg, log)
	if err != nil {
		return nil, err
	}
	direct, err := mapDirectChannel(cfg, log)
	if err != nil {
		return nil, err
	}

	streamCfg, err := mapStreamConfig(cfg)
	if err != nil {
		return nil, err
	}
	streamLog := log.With(logx.String("comp", "stream"))
	deps := manager.Deps{
		Preference: pref,
		Store:      store,
		Log:        log.With(logx.String("comp", "manager")),
		Bus:        bus,
	}
	// Assign only non-nil channels: a typed nil inside the interface would
	// read as configured.
	if push != nil {
		deps.Push = push
	}
	if direct != nil {
		deps.Direct = direct
	}
	mgr := manager.New(deps, func(h stream.Handler) manager.Conn {
		return stream.NewConn(streamCfg, h, manager.ResumeFrom(store, streamLog), streamLog, bus)
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		pref:    pref,
		push:    push,
		direct:  direct,
		mgr:     mgr,
	}, nil
}

// Manager exposes the notification manager for operational surfaces
// (status queries, test notifications, manual reconnects).
func (a *App) Manager() *manager.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled.
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
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Server.BaseURL) == "" {
			return fmt.Errorf("server.base_url is required")
		}
		if _, err := config.ParseDurationField("server.request_timeout", cfg.Server.RequestTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("preference.ttl", cfg.Preference.TTL); err != nil {
			return err
		}
		if _, err := mapStreamConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCheckpointConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("push.ttl", cfg.Push.TTL); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("direct.dismiss_after", cfg.Direct.DismissAfter); err != nil {
			return err
		}
		if spec := strings.TrimSpace(cfg.Checkpoint.GCSchedule); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("checkpoint.gc_schedule: %w", err)
			}
		}
		return nil
	})

	// Bring the pipeline up. A disabled preference is not fatal: the agent
	// stays connected to nothing and a config reload can retry.
	active, err := a.mgr.Initialize(a.sup.Context())
	if err != nil {
		return err
	}
	if !active {
		a.log.Warn("pipeline idle (preference disabled or unreachable)")
	}

	// Periodic checkpoint GC keeps the store bounded even when the agent
	// processes too few events to trigger opportunistic pruning.
	cfg := a.cfgm.Get()
	spec := defaultGCSchedule
	if cfg != nil && strings.TrimSpace(cfg.Checkpoint.GCSchedule) != "" {
		spec = strings.TrimSpace(cfg.Checkpoint.GCSchedule)
	}
	a.gc = cron.New()
	if _, err := a.gc.AddFunc(spec, func() {
		gcCtx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
		defer cancel()
		if err := a.store.GC(gcCtx); err != nil {
			a.log.Warn("checkpoint gc failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("gc schedule %q: %w", spec, err)
	}
	a.gc.Start()

	// Operational signal log (debug-level; hosts can subscribe themselves).
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
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies the live-reloadable parts of a new config. Stream,
// channel, and storage topology changes need a restart.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// The preference may have been flipped server-side together with the
	// config change; force a refetch on the next gate check.
	a.pref.Invalidate()

	// If the pipeline was idle because the preference read as disabled at
	// startup, give it another chance now.
	if st := a.mgr.Status(); !st.HasActiveConnection {
		if active, err := a.mgr.Initialize(ctx); err != nil {
			a.log.Warn("pipeline restart failed", logx.Err(err))
		} else if active {
			a.log.Info("pipeline resumed after config reload")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	a.mgr.Disconnect()

	if a.gc != nil {
		stopCtx := a.gc.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("supervised goroutines did not finish in time", logx.Err(err))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("checkpoint close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapStreamConfig(cfg *config.Config) (stream.Config, error) {
	base, err := config.ParseDurationOrDefault("stream.base_delay", cfg.Stream.BaseDelay, time.Second)
	if err != nil {
		return stream.Config{}, err
	}
	if cfg.Stream.MaxAttempts < 0 {
		return stream.Config{}, fmt.Errorf("stream.max_attempts must be >= 0")
	}
	return stream.Config{
		URL:         joinURL(cfg.Server.BaseURL, orDefault(cfg.Server.StreamPath, defaultStreamPath)),
		Token:       cfg.Server.Token,
		BaseDelay:   base,
		MaxAttempts: cfg.Stream.MaxAttempts,
	}, nil
}

func mapCheckpointConfig(cfg *config.Config) (checkpoint.Config, error) {
	retention, err := config.ParseDurationOrDefault("checkpoint.retention", cfg.Checkpoint.Retention, checkpoint.DefaultRetention)
	if err != nil {
		return checkpoint.Config{}, err
	}
	busy, err := config.ParseDurationOrDefault("checkpoint.busy_timeout", cfg.Checkpoint.BusyTimeout, 0)
	if err != nil {
		return checkpoint.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Driver))
	if driver != "" && driver != "none" && strings.TrimSpace(cfg.Checkpoint.Path) == "" {
		return checkpoint.Config{}, fmt.Errorf("checkpoint.path is required for driver %q", driver)
	}
	return checkpoint.Config{
		Driver:      cfg.Checkpoint.Driver,
		Path:        cfg.Checkpoint.Path,
		Retention:   retention,
		BusyTimeout: busy,
	}, nil
}

func mapPushChannel(cfg *config.Config, log logx.Logger) (*channel.Push, error) {
	if !cfg.Push.Enabled {
		return nil, nil
	}
	ttl, err := config.ParseDurationOrDefault("push.ttl", cfg.Push.TTL, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	subFile := cfg.Push.SubscriptionFile
	if strings.TrimSpace(subFile) == "" {
		subFile = "./clubwatch.subscription.json"
	}
	return channel.NewPush(channel.PushConfig{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
		TTL:             ttl,
	}, channel.StaticPermission(cfg.Permission.Granted), &channel.FileSubscriptionStore{Path: subFile},
		log.With(logx.String("comp", "push"))), nil
}

func mapDirectChannel(cfg *config.Config, log logx.Logger) (*channel.Direct, error) {
	dismiss, err := config.ParseDurationOrDefault("direct.dismiss_after", cfg.Direct.DismissAfter, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var sink channel.Sink
	if cfg.Direct.Telegram != nil {
		tg, err := telegram.New(telegram.Config{
			Token:  cfg.Direct.Telegram.Token,
			ChatID: cfg.Direct.Telegram.ChatID,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sink = tg
	} else {
		// Fall back to surfacing notifications in the agent's own log.
		showLog := log.With(logx.String("comp", "direct"))
		sink = channel.SinkFunc(func(ctx context.Context, n channel.Notification) error {
			showLog.Info("notification", logx.String("title", n.Title), logx.String("body", n.Body), logx.String("url", n.URL))
			return nil
		})
	}

	return channel.NewDirect(channel.DirectConfig{
		RatePerSec:   float64(cfg.Direct.RatePerSec),
		DismissAfter: dismiss,
	}, channel.StaticPermission(cfg.Permission.Granted), sink, log.With(logx.String("comp", "direct"))), nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
