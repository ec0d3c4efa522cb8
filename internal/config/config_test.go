package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validJSON = `{
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "file", "path": "./store"},
  "fetch": {"url": "https://portal.example.edu/Reports/WeeklyTimetable.aspx", "min_interval": "30s"},
  "poll": {
    "active_window_start": "07:00",
    "active_window_end": "18:00",
    "interval_active": "15m",
    "login_url": "https://portal.example.edu/Default.aspx"
  },
  "notify": {
    "delay_min_minutes": 10,
    "delay_max_minutes": 30,
    "telegram": {"token": "", "chat_id": 0}
  }
}`

const validYAML = `logging:
  level: info
  console: true
storage:
  driver: file
  path: ./store
fetch:
  url: https://portal.example.edu/Reports/WeeklyTimetable.aspx
  min_interval: 30s
poll:
  active_window_start: "07:00"
  active_window_end: "18:00"
  interval_active: 15m
  login_url: https://portal.example.edu/Default.aspx
notify:
  delay_min_minutes: 10
  delay_max_minutes: 30
  telegram:
    token: ""
    chat_id: 0
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	jc, err := NewManager(writeTemp(t, "app.json", validJSON)).Parse()
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	yc, err := NewManager(writeTemp(t, "app.yaml", validYAML)).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if jc.Fetch.URL != yc.Fetch.URL || jc.Poll.IntervalActive != yc.Poll.IntervalActive ||
		jc.Notify.DelayMaxMinutes != yc.Notify.DelayMaxMinutes {
		t.Fatalf("json and yaml parses disagree:\n%+v\n%+v", jc, yc)
	}
	if jc.Storage == nil || jc.Storage.Driver != "file" {
		t.Fatalf("storage section lost: %+v", jc.Storage)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "app.json", `{"fetch": {"url": "https://x.example/r", "tymeout": "5s"}}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("misspelled field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "app.json", `{"fetch": {"url": "https://x.example/r"}} {"extra": 1}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("concatenated JSON accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Fetch: FetchConfig{URL: "https://portal.example.edu/r"}}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"minimal ok", func(c *Config) {}, false},
		{"missing url", func(c *Config) { c.Fetch.URL = "" }, true},
		{"relative url", func(c *Config) { c.Fetch.URL = "/Reports/x.aspx" }, true},
		{"bad duration", func(c *Config) { c.Poll.RetryDelay = "5 minutes" }, true},
		{"negative duration", func(c *Config) { c.Fetch.Timeout = "-1s" }, true},
		{"window start only", func(c *Config) { c.Poll.ActiveWindowStart = "07:00" }, true},
		{"window ok", func(c *Config) {
			c.Poll.ActiveWindowStart = "22:00"
			c.Poll.ActiveWindowEnd = "02:00"
		}, false},
		{"window bad hour", func(c *Config) {
			c.Poll.ActiveWindowStart = "25:00"
			c.Poll.ActiveWindowEnd = "26:00"
		}, true},
		{"delay min above max", func(c *Config) {
			c.Notify.DelayMinMinutes = 30
			c.Notify.DelayMaxMinutes = 10
		}, true},
		{"negative delay", func(c *Config) { c.Notify.DelayMinMinutes = -1 }, true},
		{"unknown storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, true},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr && err == nil {
				t.Fatal("want error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadCommits(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "app.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "app.json", validJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Invalid content first: must not publish.
	if err := os.WriteFile(path, []byte(`{"fetch": {}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}

	updated := `{"fetch": {"url": "https://portal.example.edu/r2"}, "poll": {}, "notify": {"delay_min_minutes": 0, "delay_max_minutes": 0, "telegram": {"token": "", "chat_id": 0}}, "logging": {"level": "debug", "console": false}}`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Fetch.URL != "https://portal.example.edu/r2" {
			t.Fatalf("published config = %+v", cfg.Fetch)
		}
		if m.Get() != cfg {
			t.Fatal("published config not committed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid config change never published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on context cancel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}
