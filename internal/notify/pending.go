package notify

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"attwatch/internal/scheduler"
	"attwatch/internal/storage"
	"attwatch/pkg/logx"
)

// PendingKey is the KV key holding the id -> pending record map.
const PendingKey = "pending_msgs"

// deliverTimeout bounds a single delivery attempt.
const deliverTimeout = 30 * time.Second

// Pending is one scheduled-but-undelivered notification. It is created at
// diff time, persisted so a process reload cannot lose it, and destroyed
// when fired.
type Pending struct {
	ID      string `json:"id"`
	FireAt  int64  `json:"fire_at"` // unix milli
	Message string `json:"message"`
}

// DelayConfig bounds the uniform jitter applied to each notification.
type DelayConfig struct {
	MinMinutes int
	MaxMinutes int
}

// Scheduler decides when a detected change becomes a notification.
// "Decide to notify" and "deliver notification" are decoupled: deciding
// persists a Pending record and arms a one-shot trigger; delivery happens
// whenever that trigger fires, possibly in a later process.
type Scheduler struct {
	store    storage.Store
	triggers *scheduler.Service
	sink     Notifier
	log      logx.Logger
	cfg      DelayConfig

	mu  sync.Mutex
	rnd func() float64
	now func() time.Time
}

func NewScheduler(cfg DelayConfig, store storage.Store, triggers *scheduler.Service, sink Notifier, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Scheduler{
		store:    store,
		triggers: triggers,
		sink:     sink,
		log:      log,
		cfg:      cfg,
		rnd:      rng.Float64,
		now:      time.Now,
	}
}

// Schedule creates a jittered pending notification for newly-attended
// courses. The id derives from the fire time, so two decisions landing on
// the same instant collapse into one notification.
func (s *Scheduler) Schedule(ctx context.Context, courses []string) error {
	if len(courses) == 0 {
		return nil
	}
	delay := s.jitterDelay()
	fireAt := s.now().Add(delay)
	id := "att-" + strconv.FormatInt(fireAt.UnixMilli(), 10)

	p := Pending{
		ID:      id,
		FireAt:  fireAt.UnixMilli(),
		Message: formatMessage(courses),
	}

	pending, err := s.loadPending(ctx)
	if err != nil {
		return err
	}
	pending[id] = p
	if err := s.savePending(ctx, pending); err != nil {
		return err
	}

	if err := s.triggers.AddOnce(id, fireAt, deliverTimeout, s.deliverJob(id)); err != nil {
		return err
	}
	s.log.Info("notification scheduled",
		logx.String("id", id),
		logx.Duration("delay", delay),
		logx.Int("courses", len(courses)))
	return nil
}

// Reconcile re-arms pending records after startup: anything whose fire time
// already elapsed fires immediately, the rest wait out their remaining delay.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	pending, err := s.loadPending(ctx)
	if err != nil {
		return err
	}
	for id, p := range pending {
		if err := s.triggers.AddOnce(id, time.UnixMilli(p.FireAt), deliverTimeout, s.deliverJob(id)); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		s.log.Info("pending notifications reconciled", logx.Int("count", len(pending)))
	}
	return nil
}

// PendingCount reports how many records await delivery.
func (s *Scheduler) PendingCount(ctx context.Context) int {
	pending, err := s.loadPending(ctx)
	if err != nil {
		return 0
	}
	return len(pending)
}

// Prune drops records that somehow outlived their trigger by a wide margin.
// Housekeeping only; delivery normally consumes records itself.
func (s *Scheduler) Prune(ctx context.Context, olderThan time.Duration) error {
	pending, err := s.loadPending(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-olderThan).UnixMilli()
	changed := false
	for id, p := range pending {
		if p.FireAt < cutoff {
			delete(pending, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.savePending(ctx, pending)
}

func (s *Scheduler) deliverJob(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		pending, err := s.loadPending(ctx)
		if err != nil {
			return err
		}
		p, ok := pending[id]
		if !ok {
			// Consumed by an earlier process incarnation.
			return nil
		}
		// Consume first: delivery is best-effort and never retried, so a
		// failed send must not resurrect the record.
		delete(pending, id)
		if err := s.savePending(ctx, pending); err != nil {
			return err
		}

		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		defer cancel()
		if err := s.sink.Send(dctx, Notification{
			Title:    "Attendance updated",
			Body:     p.Message,
			Priority: 5,
		}); err != nil {
			s.log.Warn("notification delivery failed", logx.String("id", id), logx.Err(err))
		}
		return nil
	}
}

// jitterDelay draws a uniform delay in [min, max] whole minutes.
func (s *Scheduler) jitterDelay() time.Duration {
	min, max := s.cfg.MinMinutes, s.cfg.MaxMinutes
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	s.mu.Lock()
	r := s.rnd()
	s.mu.Unlock()
	minutes := min + int(r*float64(max-min))
	return time.Duration(minutes) * time.Minute
}

// formatMessage phrases one course directly and several as a count.
func formatMessage(courses []string) string {
	if len(courses) == 1 {
		return fmt.Sprintf("Attendance recorded for %s.", courses[0])
	}
	return fmt.Sprintf("Attendance recorded for %d courses: %s.", len(courses), strings.Join(courses, ", "))
}

func (s *Scheduler) loadPending(ctx context.Context) (map[string]Pending, error) {
	m := map[string]Pending{}
	if _, err := storage.GetJSON(ctx, s.store, PendingKey, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Scheduler) savePending(ctx context.Context, m map[string]Pending) error {
	return storage.SetJSON(ctx, s.store, PendingKey, m)
}
