// Package app wires config, storage, scheduler, fetcher, poll engine,
// notifications and the HTTP API into one runnable agent.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"attwatch/internal/api"
	"attwatch/internal/cache"
	"attwatch/internal/config"
	"attwatch/internal/fetch"
	"attwatch/internal/notify"
	"attwatch/internal/poll"
	"attwatch/internal/scheduler"
	"attwatch/internal/storage"
	"attwatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log   logx.Logger
	store storage.Store
	cache *cache.Cache
	sched *scheduler.Service
	sink  notify.Notifier
	notif *notify.Scheduler
	eng   *poll.Engine
	api   *api.Server

	cancel context.CancelFunc
	done   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := Migrate(context.Background(), st, log); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate storage: %w", err)
	}

	c := cache.New(st, log.With(logx.String("comp", "cache")))

	defaultTimeout, err := config.ParseDurationOrDefault(
		"scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 2*time.Minute)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: defaultTimeout,
	}, log.With(logx.String("comp", "scheduler")))

	sink, err := buildSink(cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	notif := notify.NewScheduler(notify.DelayConfig{
		MinMinutes: cfg.Notify.DelayMinMinutes,
		MaxMinutes: cfg.Notify.DelayMaxMinutes,
	}, st, sched, sink, log.With(logx.String("comp", "notify")))

	fetchCfg, err := fetchConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	fetcher := fetch.New(fetchCfg, credentials(cfg), log.With(logx.String("comp", "fetch")))

	pollCfg, err := pollConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	eng := poll.NewEngine(pollCfg, fetcher, st, c, sched, notif, sink,
		log.With(logx.String("comp", "poll")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		store:   st,
		cache:   c,
		sched:   sched,
		sink:    sink,
		notif:   notif,
		eng:     eng,
		done:    make(chan struct{}),
	}
	if cfg.API != nil && cfg.API.Enabled {
		apiCfg, err := apiConfig(cfg.API)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		router := api.NewRouter(eng, notif, log.With(logx.String("comp", "api")))
		a.api = api.NewServer(apiCfg, router, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.sched.Start(runCtx)
	if err := a.eng.Register(); err != nil {
		cancel()
		return fmt.Errorf("register triggers: %w", err)
	}
	// Re-arm notifications that survived a restart; elapsed ones fire now.
	if err := a.notif.Reconcile(runCtx); err != nil {
		a.log.Warn("pending reconcile failed", logx.Err(err))
	}
	if a.api != nil {
		if err := a.api.Start(); err != nil {
			cancel()
			return fmt.Errorf("start api: %w", err)
		}
	}

	go func() {
		defer close(a.done)
		_ = a.cfgm.Watch(runCtx)
	}()
	go a.reloadLoop(runCtx)

	a.log.Info("agent started")
	return nil
}

// reloadLoop applies hot config changes to the running components.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			pollCfg, err := pollConfig(cfg)
			if err != nil {
				a.log.Warn("config apply failed", logx.Err(err))
				continue
			}
			if err := a.eng.Apply(pollCfg); err != nil {
				a.log.Warn("trigger re-register failed", logx.Err(err))
				continue
			}
			a.log.Info("config applied",
				logx.String("interval_active", pollCfg.PollIntervalActive.String()),
				logx.String("window", cfg.Poll.ActiveWindowStart+"-"+cfg.Poll.ActiveWindowEnd))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.api != nil {
		a.api.Stop(ctx)
	}
	a.sched.Stop(ctx)
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	err := a.store.Close()
	a.log.Info("agent stopped")
	_ = a.log.Close()
	return err
}

// Engine exposes the poll engine, mainly for command wiring.
func (a *App) Engine() *poll.Engine { return a.eng }

// storageConfig always resolves to a concrete driver: the agent's diffing and
// durable notifications need persistence, so "no storage section" means the
// default file store, not disabled.
func storageConfig(cfg *config.Config) storage.Config {
	out := storage.Config{Driver: "file", Path: "./attwatch_store"}
	if cfg.Storage == nil {
		return out
	}
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" && d != "none" {
		out.Driver = d
	}
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		out.Path = p
	}
	out.BusyTimeout, _ = config.ParseDurationOrDefault(
		"storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	return out
}

func fetchConfig(cfg *config.Config) (fetch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 30*time.Second)
	if err != nil {
		return fetch.Config{}, err
	}
	minInterval, err := config.ParseDurationOrDefault("fetch.min_interval", cfg.Fetch.MinInterval, 30*time.Second)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		URL:              cfg.Fetch.URL,
		LoginPathPattern: cfg.Fetch.LoginPathPattern,
		Timeout:          timeout,
		MinInterval:      minInterval,
	}, nil
}

func credentials(cfg *config.Config) fetch.CredentialProvider {
	if strings.TrimSpace(cfg.Fetch.CookieFile) != "" {
		return fetch.FileCookies{Path: cfg.Fetch.CookieFile, Base: cfg.Fetch.Cookies}
	}
	if len(cfg.Fetch.Cookies) > 0 {
		return fetch.StaticCookies(cfg.Fetch.Cookies)
	}
	return nil
}

func pollConfig(cfg *config.Config) (poll.Config, error) {
	out := poll.Config{
		ActiveWindowStart: cfg.Poll.ActiveWindowStart,
		ActiveWindowEnd:   cfg.Poll.ActiveWindowEnd,
		LoginURL:          cfg.Poll.LoginURL,
		MinEntries:        cfg.Poll.MinEntries,
	}
	var err error
	if out.PollIntervalActive, err = config.ParseDurationOrDefault(
		"poll.interval_active", cfg.Poll.IntervalActive, 15*time.Minute); err != nil {
		return poll.Config{}, err
	}
	if out.PollIntervalInactive, err = config.ParseDurationOrDefault(
		"poll.interval_inactive", cfg.Poll.IntervalInactive, 2*time.Hour); err != nil {
		return poll.Config{}, err
	}
	if out.LoginPromptCooldown, err = config.ParseDurationOrDefault(
		"poll.login_prompt_cooldown", cfg.Poll.LoginPromptCooldown, time.Hour); err != nil {
		return poll.Config{}, err
	}
	if out.RetryDelay, err = config.ParseDurationOrDefault(
		"poll.retry_delay", cfg.Poll.RetryDelay, 5*time.Minute); err != nil {
		return poll.Config{}, err
	}
	if out.CacheTTL, err = config.ParseDurationOrDefault(
		"poll.cache_ttl", cfg.Poll.CacheTTL, time.Hour); err != nil {
		return poll.Config{}, err
	}
	if out.CycleTimeout, err = config.ParseDurationOrDefault(
		"poll.cycle_timeout", cfg.Poll.CycleTimeout, 2*time.Minute); err != nil {
		return poll.Config{}, err
	}
	return out, nil
}

func apiConfig(cfg *config.APIConfig) (api.Config, error) {
	out := api.Config{Addr: cfg.Addr}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("api.read_timeout", cfg.ReadTimeout); err != nil {
		return api.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("api.write_timeout", cfg.WriteTimeout); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("api.idle_timeout", cfg.IdleTimeout); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

// buildSink picks the delivery channel: Telegram when a token is configured,
// otherwise notifications land in the log.
func buildSink(cfg *config.Config, log logx.Logger) (notify.Notifier, error) {
	if strings.TrimSpace(cfg.Notify.Telegram.Token) != "" {
		return notify.NewTelegram(notify.TelegramConfig{
			Token:      cfg.Notify.Telegram.Token,
			ChatID:     cfg.Notify.Telegram.ChatID,
			RatePerSec: cfg.Notify.Telegram.RatePerSec,
		}, log.With(logx.String("comp", "telegram")))
	}
	sinkLog := log.With(logx.String("comp", "notify-log"))
	return notify.Func(func(_ context.Context, n notify.Notification) error {
		sinkLog.Info("notification",
			logx.String("title", n.Title),
			logx.String("body", n.Body),
			logx.Int("priority", n.Priority))
		return nil
	}), nil
}
