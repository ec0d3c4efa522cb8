// Package scheduler provides the periodic and one-shot trigger service.
//
// Registration is upsert-by-name: re-registering a trigger with the same name
// replaces the previous one, so config reloads and restarts never duplicate
// triggers. Interval triggers skip a tick while the previous run is still in
// flight.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"attwatch/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Timezone       string // IANA TZ, e.g. "Asia/Ho_Chi_Minh"
	DefaultTimeout time.Duration
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type scheduleDef struct {
	name    string
	spec    string // "@every ..." cron spec
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

// Service owns the cron engine and the runtime one-shot timers.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c    *cron.Cron
	defs []scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
	jobWG     sync.WaitGroup

	// one-shot timers; versions invalidate stale callbacks after an upsert
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	onceVer map[string]uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		timers:  map[string]*time.Timer{},
		onceVer: map[string]uint64{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		// jobs finish in background
	}
}

// AddInterval registers (or replaces) a periodic trigger.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if every <= 0 {
		return errors.New("interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeLocked(name)
	d := scheduleDef{
		name:    name,
		spec:    "@every " + every.String(),
		timeout: s.resolveTimeout(timeout),
		job:     job,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addCronLocked(&s.defs[len(s.defs)-1])
	}
	s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", d.spec))
	return nil
}

// AddOnce arms (or re-arms) a one-shot trigger firing at the given time.
// A fire time already in the past fires immediately. Durability across
// restarts is the caller's concern: persist what the job needs and re-arm
// from a startup reconciliation pass.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	timeout = s.resolveTimeout(timeout)

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	ver := s.onceVer[name] + 1
	s.onceVer[name] = ver

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.onceVer[name] != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, name)
		delete(s.onceVer, name)
		s.tmu.Unlock()
		s.launch(name, timeout, job, nil)
	})
	s.log.Debug("one-shot armed", logx.String("name", name), logx.Time("at", at))
	return nil
}

// Remove drops a trigger by name, periodic or one-shot.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceVer[name]; ok {
		delete(s.onceVer, name)
		removed = true
	}
	s.tmu.Unlock()
	return removed
}

// Location returns the scheduler's time location (config timezone or Local).
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) {
	eid, err := s.c.AddFunc(d.spec, func() {
		d.state.mu.Lock()
		running := d.state.running
		d.state.mu.Unlock()
		if running {
			s.log.Debug("tick skipped (previous run still in flight)", logx.String("name", d.name))
			return
		}
		s.launch(d.name, d.timeout, d.job, d.state)
	})
	if err != nil {
		s.log.Error("trigger register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
}

func (s *Service) launch(name string, timeout time.Duration, job func(ctx context.Context) error, state *runState) {
	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	if state != nil {
		state.mu.Lock()
		state.running = true
		state.mu.Unlock()
	}

	s.jobWG.Add(1)
	go func() {
		defer s.jobWG.Done()
		defer func() {
			if state != nil {
				state.mu.Lock()
				state.running = false
				state.mu.Unlock()
			}
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled job",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()

		ctx := base
		var cancel context.CancelFunc
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(base, timeout)
			defer cancel()
		}
		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Warn("job failed", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		s.log.Debug("job completed", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}
