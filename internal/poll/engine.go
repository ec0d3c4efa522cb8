// Package poll runs the periodic fetch/diff/notify cycle.
package poll

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"attwatch/internal/attendance"
	"attwatch/internal/cache"
	"attwatch/internal/fetch"
	"attwatch/internal/notify"
	"attwatch/internal/scheduler"
	"attwatch/internal/storage"
	"attwatch/pkg/logx"
)

// Persisted KV keys owned by the engine.
const (
	KeyFingerprint     = "att_fp"
	KeyEntries         = "att_entries"
	KeyCache           = "cache_attendance"
	KeyCacheFlat       = "cache_attendance_flat"
	KeyLastLoginPrompt = "last_login_prompt_ts"
	KeyLastPoll        = "last_poll_time"
)

// Trigger names registered with the scheduler.
const (
	triggerActive       = "poll.active"
	triggerHousekeeping = "poll.housekeeping"
	triggerRetry        = "poll.retry"
)

// activeIntervalFloor keeps a misconfigured active interval from hammering
// the portal.
const activeIntervalFloor = 5 * time.Minute

// Config controls the poll engine.
type Config struct {
	// Active window, local "HH:MM". Ticks outside it are skipped, not queued.
	ActiveWindowStart string
	ActiveWindowEnd   string

	PollIntervalActive   time.Duration
	PollIntervalInactive time.Duration

	// LoginURL is surfaced in the login prompt.
	LoginURL string
	// LoginPromptCooldown suppresses repeat prompts, default 60m.
	LoginPromptCooldown time.Duration

	// RetryDelay is the single fixed-backoff retry after an HTTP error,
	// default 5m.
	RetryDelay time.Duration

	// CacheTTL decides when a served cache record counts as stale,
	// default 60m.
	CacheTTL time.Duration

	// MinEntries feeds the validator heuristic.
	MinEntries int

	CycleTimeout time.Duration
}

// Payload is the cache record body consumers read.
type Payload struct {
	Entries   []attendance.Entry `json:"entries"`
	TodayRows []attendance.Entry `json:"todayRows"`
}

// Data is the "get all data" response.
type Data struct {
	Entries       []attendance.Entry `json:"entries"`
	TodayRows     []attendance.Entry `json:"todayRows"`
	LastPoll      int64              `json:"lastPoll,omitempty"`
	Stale         bool               `json:"stale"`
	LoginRequired bool               `json:"loginRequired"`
}

// Engine wires fetcher, parser, validator, differ, cache and the
// notification scheduler into one poll cycle.
type Engine struct {
	cfgMu     sync.RWMutex
	cfg       Config
	fetcher   *fetch.Client
	store     storage.Store
	cache     *cache.Cache
	triggers  *scheduler.Service
	notifier  *notify.Scheduler
	sink      notify.Notifier
	validator attendance.Validator
	log       logx.Logger

	// single-flight guard: a tick arriving mid-cycle is skipped
	flight struct {
		mu      sync.Mutex
		running bool
	}

	loginRequired atomic.Bool

	now func() time.Time
}

func NewEngine(
	cfg Config,
	fetcher *fetch.Client,
	store storage.Store,
	c *cache.Cache,
	triggers *scheduler.Service,
	notifier *notify.Scheduler,
	sink notify.Notifier,
	log logx.Logger,
) *Engine {
	if cfg.LoginPromptCooldown <= 0 {
		cfg.LoginPromptCooldown = time.Hour
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.PollIntervalInactive <= 0 {
		cfg.PollIntervalInactive = 2 * time.Hour
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		store:     store,
		cache:     c,
		triggers:  triggers,
		notifier:  notifier,
		sink:      sink,
		validator: attendance.Validator{MinEntries: cfg.MinEntries},
		log:       log,
		now:       time.Now,
	}
}

// config snapshots the current engine config.
func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Register installs (or replaces) the engine's periodic triggers. Safe to
// call again after a config change: registration upserts by name.
func (e *Engine) Register() error {
	cfg := e.config()
	active := cfg.PollIntervalActive
	if active < activeIntervalFloor {
		active = activeIntervalFloor
	}
	if err := e.triggers.AddInterval(triggerActive, active, cfg.CycleTimeout, e.tick); err != nil {
		return err
	}
	// Housekeeping tier: fixed long period, runs regardless of the window.
	return e.triggers.AddInterval(triggerHousekeeping, cfg.PollIntervalInactive, cfg.CycleTimeout, e.housekeeping)
}

// Apply swaps the engine config and re-registers triggers.
func (e *Engine) Apply(cfg Config) error {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.validator = attendance.Validator{MinEntries: cfg.MinEntries}
	e.cfgMu.Unlock()
	return e.Register()
}

// tick is the active-tier job: gate on the window, then run one cycle.
func (e *Engine) tick(ctx context.Context) error {
	if !e.withinActiveWindow(e.now()) {
		e.log.Debug("tick outside active window; skipped")
		return nil
	}
	return e.RunCycle(ctx)
}

// RunCycle runs one poll cycle under the single-flight guard.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.acquire() {
		e.log.Debug("cycle already in flight; skipped")
		return nil
	}
	defer e.release()
	return e.cycle(ctx, true)
}

func (e *Engine) cycle(ctx context.Context, allowRetry bool) error {
	raw, err := e.fetcher.Fetch(ctx)
	switch {
	case errors.Is(err, fetch.ErrLoginRequired):
		// Terminal for this cycle, no retry.
		e.loginRequired.Store(true)
		e.promptLogin(ctx)
		return nil
	case err != nil:
		if allowRetry {
			e.scheduleRetry()
		}
		return fmt.Errorf("fetch: %w", err)
	}
	e.loginRequired.Store(false)

	fp := attendance.Fingerprint(raw)
	var prevFP string
	if _, err := storage.GetJSON(ctx, e.store, KeyFingerprint, &prevFP); err != nil {
		return fmt.Errorf("load fingerprint: %w", err)
	}

	if prevFP != "" && prevFP == fp {
		// Likely unchanged; skip the parse and keep the cache as-is.
		e.log.Debug("fingerprint unchanged; cycle short-circuited")
		return storage.SetJSON(ctx, e.store, KeyLastPoll, e.now().UnixMilli())
	}

	entries := attendance.Parse(raw)

	var prevEntries []attendance.Entry
	if _, err := storage.GetJSON(ctx, e.store, KeyEntries, &prevEntries); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	e.cfgMu.RLock()
	validator := e.validator
	e.cfgMu.RUnlock()
	if !validator.Valid(entries, prevEntries) {
		// Keep serving the last-good snapshot; skip the cache write entirely.
		e.log.Warn("parse result rejected by validator; keeping previous snapshot",
			logx.Int("entries", len(entries)),
			logx.Int("baseline", len(prevEntries)))
		return nil
	}

	newlyAttended := attendance.NewlyAttended(prevEntries, entries)

	if err := e.writeSnapshot(ctx, entries, fp); err != nil {
		return err
	}

	switch {
	case prevFP == "":
		// Cold start: there is no "before" to compare against.
		e.log.Info("fingerprint seeded", logx.Int("entries", len(entries)))
	case len(newlyAttended) > 0:
		if err := e.notifier.Schedule(ctx, newlyAttended); err != nil {
			return fmt.Errorf("schedule notification: %w", err)
		}
	}
	return nil
}

func (e *Engine) writeSnapshot(ctx context.Context, entries []attendance.Entry, fp string) error {
	if err := storage.SetJSON(ctx, e.store, KeyEntries, entries); err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, e.store, KeyFingerprint, fp); err != nil {
		return err
	}
	payload := Payload{Entries: entries, TodayRows: attendance.TodayRows(entries, e.now())}
	if err := e.cache.Set(ctx, KeyCache, payload); err != nil {
		return err
	}
	// Flat entry list for consumers that don't want the envelope.
	if err := e.cache.Set(ctx, KeyCacheFlat, entries); err != nil {
		return err
	}
	return storage.SetJSON(ctx, e.store, KeyLastPoll, e.now().UnixMilli())
}

// scheduleRetry arms exactly one retry after a fixed delay; the retried cycle
// cannot schedule another, so a dead portal degrades to the next regular tick.
func (e *Engine) scheduleRetry() {
	cfg := e.config()
	at := e.now().Add(cfg.RetryDelay)
	err := e.triggers.AddOnce(triggerRetry, at, cfg.CycleTimeout, func(ctx context.Context) error {
		if !e.acquire() {
			return nil
		}
		defer e.release()
		return e.cycle(ctx, false)
	})
	if err != nil {
		e.log.Warn("retry arm failed", logx.Err(err))
		return
	}
	e.log.Info("retry scheduled", logx.Duration("delay", cfg.RetryDelay))
}

// promptLogin notifies the user at most once per cooldown window.
func (e *Engine) promptLogin(ctx context.Context) {
	cfg := e.config()
	var lastTS int64
	if _, err := storage.GetJSON(ctx, e.store, KeyLastLoginPrompt, &lastTS); err != nil {
		e.log.Warn("load login prompt timestamp failed", logx.Err(err))
		return
	}
	now := e.now()
	if lastTS > 0 && now.Sub(time.UnixMilli(lastTS)) < cfg.LoginPromptCooldown {
		e.log.Debug("login prompt suppressed (cooldown)")
		return
	}
	if err := storage.SetJSON(ctx, e.store, KeyLastLoginPrompt, now.UnixMilli()); err != nil {
		e.log.Warn("persist login prompt timestamp failed", logx.Err(err))
		return
	}
	body := "The portal session expired. Sign in again to resume attendance tracking."
	if cfg.LoginURL != "" {
		body += "\n" + cfg.LoginURL
	}
	if err := e.sink.Send(ctx, notify.Notification{
		Title:    "Login required",
		Body:     body,
		Priority: 8,
	}); err != nil {
		e.log.Warn("login prompt delivery failed", logx.Err(err))
	}
}

// housekeeping is the inactive-tier job.
func (e *Engine) housekeeping(ctx context.Context) error {
	if err := e.notifier.Prune(ctx, 24*time.Hour); err != nil {
		return err
	}
	// Refresh the today-rows view so a day rollover doesn't serve yesterday.
	rec, err := e.cache.Get(ctx, KeyCache)
	if err != nil || rec == nil {
		return err
	}
	payload, err := cache.Decode[Payload](rec)
	if err != nil {
		return err
	}
	payload.TodayRows = attendance.TodayRows(payload.Entries, e.now())
	return e.cache.Set(ctx, KeyCache, payload)
}

// GetAllData serves the inbound "get all data" request. The cache is read
// stale-while-revalidate; only a completely absent cache blocks on a
// synchronous fetch+parse+populate.
func (e *Engine) GetAllData(ctx context.Context) (Data, error) {
	rec, err := e.cache.Get(ctx, KeyCache)
	if err != nil {
		return Data{}, err
	}
	var stale bool
	if rec == nil {
		if err := e.RunCycle(ctx); err != nil {
			e.log.Warn("synchronous populate failed", logx.Err(err))
		}
		rec, err = e.cache.Get(ctx, KeyCache)
		if err != nil {
			return Data{}, err
		}
	} else {
		rec, stale, err = e.cache.ReadThrough(ctx, KeyCache, e.config().CacheTTL, func(rctx context.Context) error {
			return e.RunCycle(rctx)
		})
		if err != nil {
			return Data{}, err
		}
	}

	var d Data
	if rec != nil {
		payload, err := cache.Decode[Payload](rec)
		if err != nil {
			return Data{}, err
		}
		d.Entries = payload.Entries
		d.TodayRows = payload.TodayRows
	}
	d.Stale = stale
	d.LoginRequired = e.loginRequired.Load()
	_, _ = storage.GetJSON(ctx, e.store, KeyLastPoll, &d.LastPoll)
	return d, nil
}

// LastPoll returns the last successful poll time, zero if none.
func (e *Engine) LastPoll(ctx context.Context) time.Time {
	var ms int64
	if ok, _ := storage.GetJSON(ctx, e.store, KeyLastPoll, &ms); !ok || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (e *Engine) acquire() bool {
	e.flight.mu.Lock()
	defer e.flight.mu.Unlock()
	if e.flight.running {
		return false
	}
	e.flight.running = true
	return true
}

func (e *Engine) release() {
	e.flight.mu.Lock()
	e.flight.running = false
	e.flight.mu.Unlock()
}

// withinActiveWindow checks local time-of-day against the configured window.
// A window with start after end wraps past midnight.
func (e *Engine) withinActiveWindow(now time.Time) bool {
	cfg := e.config()
	start, okS := parseHHMM(cfg.ActiveWindowStart)
	end, okE := parseHHMM(cfg.ActiveWindowEnd)
	if !okS || !okE {
		return true
	}
	loc := e.triggers.Location()
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseHHMM(s string) (int, bool) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
