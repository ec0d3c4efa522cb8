package poll

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"attwatch/internal/attendance"
	"attwatch/internal/cache"
	"attwatch/internal/fetch"
	"attwatch/internal/notify"
	"attwatch/internal/scheduler"
	"attwatch/internal/storage"
	"attwatch/pkg/logx"
)

const reportTemplate = `<html><body><table>
<tr><th>Slot</th><th>MON</th><th>TUE</th><th>WED</th><th>THU</th><th>FRI</th></tr>
<tr><td></td><td>12/05</td><td>13/05</td><td>14/05</td><td>15/05</td><td>16/05</td></tr>
<tr><td>Slot 1</td><td>SWP391 (%s) at P.301 (07:30-09:50)</td><td>-</td><td>-</td><td>-</td><td>-</td></tr>
</table></body></html>`

type fakePortal struct {
	mu       sync.Mutex
	doc      string
	status   int
	loginOut bool
	requests int
}

func (p *fakePortal) set(doc string, status int, loginOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc, p.status, p.loginOut = doc, status, loginOut
}

func (p *fakePortal) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		doc, status, loginOut := p.doc, p.status, p.loginOut
		p.requests++
		p.mu.Unlock()
		if loginOut {
			http.Redirect(w, r, "/Default.aspx", http.StatusFound)
			return
		}
		if status != 0 && status != http.StatusOK {
			http.Error(w, "error", status)
			return
		}
		_, _ = w.Write([]byte(doc))
	})
	mux.HandleFunc("/Default.aspx", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sign in"))
	})
	return mux
}

type sinkCapture struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *sinkCapture) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return nil
}

func (s *sinkCapture) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type harness struct {
	engine   *Engine
	store    storage.Store
	cache    *cache.Cache
	notifier *notify.Scheduler
	sink     *sinkCapture
	portal   *fakePortal
}

func newHarness(t *testing.T, cfg Config, delays notify.DelayConfig) *harness {
	t.Helper()

	portal := &fakePortal{}
	srv := httptest.NewServer(portal.handler())
	t.Cleanup(srv.Close)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	triggers := scheduler.New(scheduler.Config{}, logx.Nop())
	triggers.Start(context.Background())
	t.Cleanup(func() { triggers.Stop(context.Background()) })

	sink := &sinkCapture{}
	c := cache.New(st, logx.Nop())
	notifier := notify.NewScheduler(delays, st, triggers, sink, logx.Nop())

	fetcher := fetch.New(fetch.Config{
		URL:              srv.URL + "/report",
		LoginPathPattern: "default.aspx",
		MinInterval:      time.Nanosecond,
		Timeout:          5 * time.Second,
	}, nil, logx.Nop())

	if cfg.LoginURL == "" {
		cfg.LoginURL = srv.URL + "/Default.aspx"
	}
	eng := NewEngine(cfg, fetcher, st, c, triggers, notifier, sink, logx.Nop())
	return &harness{engine: eng, store: st, cache: c, notifier: notifier, sink: sink, portal: portal}
}

func TestEndToEndChangeDetection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, notify.DelayConfig{MinMinutes: 10, MaxMinutes: 30})
	ctx := context.Background()

	// Poll 1: course not yet attended. Cold start seeds the fingerprint.
	h.portal.set(fmt.Sprintf(reportTemplate, "not yet"), http.StatusOK, false)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if h.notifier.PendingCount(ctx) != 0 {
		t.Fatal("cold start must never schedule a notification")
	}
	var fp1 string
	if ok, _ := storage.GetJSON(ctx, h.store, KeyFingerprint, &fp1); !ok || fp1 == "" {
		t.Fatal("fingerprint not seeded on cold start")
	}

	// Poll 2: attendance recorded.
	before := time.Now()
	h.portal.set(fmt.Sprintf(reportTemplate, "attended"), http.StatusOK, false)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 2: %v", err)
	}

	var fp2 string
	_, _ = storage.GetJSON(ctx, h.store, KeyFingerprint, &fp2)
	if fp2 == "" || fp2 == fp1 {
		t.Fatalf("fingerprint not updated: %q -> %q", fp1, fp2)
	}

	pending := map[string]notify.Pending{}
	if ok, _ := storage.GetJSON(ctx, h.store, notify.PendingKey, &pending); !ok || len(pending) != 1 {
		t.Fatalf("expected exactly one pending notification, got %d", len(pending))
	}
	for _, p := range pending {
		if !strings.Contains(p.Message, "SWP391") {
			t.Fatalf("pending message = %q, want course code", p.Message)
		}
		delay := time.UnixMilli(p.FireAt).Sub(before)
		if delay < 10*time.Minute || delay > 30*time.Minute+time.Minute {
			t.Fatalf("delay %v outside configured bounds", delay)
		}
	}

	// Cache reflects the new snapshot.
	rec, err := h.cache.Get(ctx, KeyCache)
	if err != nil || rec == nil {
		t.Fatalf("cache record: %v err=%v", rec, err)
	}
	payload, err := cache.Decode[Payload](rec)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Entries) != 1 || payload.Entries[0].Status != attendance.StatusAttended {
		t.Fatalf("cached snapshot not updated: %+v", payload.Entries)
	}
}

func TestFingerprintShortCircuit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, notify.DelayConfig{})
	ctx := context.Background()

	doc := fmt.Sprintf(reportTemplate, "attended")
	h.portal.set(doc, http.StatusOK, false)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	// Same document again: no diff, no pending, snapshot untouched.
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if h.notifier.PendingCount(ctx) != 0 {
		t.Fatal("unchanged document scheduled a notification")
	}
}

func TestValidatorKeepsPreviousCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, notify.DelayConfig{})
	ctx := context.Background()

	h.portal.set(fmt.Sprintf(reportTemplate, "not yet"), http.StatusOK, false)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	// Portal serves a page without the grid; parser degrades to empty and
	// the validator must reject it against the non-empty baseline.
	h.portal.set("<html><body>maintenance</body></html>", http.StatusOK, false)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 2: %v", err)
	}

	var entries []attendance.Entry
	if ok, _ := storage.GetJSON(ctx, h.store, KeyEntries, &entries); !ok || len(entries) != 1 {
		t.Fatalf("previous snapshot lost: %+v", entries)
	}
}

func TestLoginPromptCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{LoginPromptCooldown: time.Hour}, notify.DelayConfig{})
	ctx := context.Background()

	h.portal.set("", 0, true)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if h.sink.count() != 1 {
		t.Fatalf("expected one login prompt, got %d", h.sink.count())
	}

	// Second detection within the cooldown stays silent.
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if h.sink.count() != 1 {
		t.Fatalf("login prompt not suppressed within cooldown, got %d", h.sink.count())
	}
}

func TestHTTPErrorSchedulesSingleRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RetryDelay: 20 * time.Millisecond}, notify.DelayConfig{})
	ctx := context.Background()

	h.portal.set("", http.StatusBadGateway, false)
	if err := h.engine.RunCycle(ctx); err == nil {
		t.Fatal("expected error from failing fetch")
	}

	// The armed retry fires once; the retried cycle must not arm another.
	deadline := time.Now().Add(5 * time.Second)
	for h.portal.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.portal.count(); got != 2 {
		t.Fatalf("requests = %d, want initial + one retry", got)
	}
	time.Sleep(200 * time.Millisecond)
	if got := h.portal.count(); got != 2 {
		t.Fatalf("retry cascaded: %d requests", got)
	}
}

func TestTickSkippedOutsideActiveWindow(t *testing.T) {
	t.Parallel()
	// A one-minute window half an hour from now is never active during the test.
	at := time.Now().Add(30 * time.Minute).Format("15:04")
	h := newHarness(t, Config{ActiveWindowStart: at, ActiveWindowEnd: at}, notify.DelayConfig{})

	h.portal.set(fmt.Sprintf(reportTemplate, "not yet"), http.StatusOK, false)
	if err := h.engine.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.portal.count() != 0 {
		t.Fatal("tick outside the active window still fetched")
	}
}

func TestGetAllDataPopulatesEmptyCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, notify.DelayConfig{})
	ctx := context.Background()

	h.portal.set(fmt.Sprintf(reportTemplate, "not yet"), http.StatusOK, false)
	d, err := h.engine.GetAllData(ctx)
	if err != nil {
		t.Fatalf("GetAllData: %v", err)
	}
	if len(d.Entries) != 1 {
		t.Fatalf("entries = %+v, want synchronous populate", d.Entries)
	}
	if d.LoginRequired {
		t.Fatal("loginRequired flag set on healthy portal")
	}
	if h.portal.count() != 1 {
		t.Fatalf("requests = %d, want exactly one synchronous fetch", h.portal.count())
	}
}

func TestGetAllDataReportsLoginRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, notify.DelayConfig{})
	ctx := context.Background()

	h.portal.set("", 0, true)
	d, err := h.engine.GetAllData(ctx)
	if err != nil {
		t.Fatalf("GetAllData: %v", err)
	}
	if !d.LoginRequired {
		t.Fatal("loginRequired flag not set after login bounce")
	}
}

func TestActiveWindowWrapsMidnight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ActiveWindowStart: "22:00", ActiveWindowEnd: "02:00"}, notify.DelayConfig{})
	e := h.engine

	mk := func(hhmm string) time.Time {
		tm, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("parse %q: %v", hhmm, err)
		}
		now := time.Now()
		return time.Date(now.Year(), now.Month(), now.Day(), tm.Hour(), tm.Minute(), 0, 0, time.Local)
	}

	if !e.withinActiveWindow(mk("23:30")) {
		t.Fatal("23:30 must fall inside a 22:00-02:00 window")
	}
	if !e.withinActiveWindow(mk("01:00")) {
		t.Fatal("01:00 must fall inside a 22:00-02:00 window")
	}
	if e.withinActiveWindow(mk("12:00")) {
		t.Fatal("12:00 must fall outside a 22:00-02:00 window")
	}
}
