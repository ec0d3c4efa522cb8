package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks the config for structural problems. It is syntactic only;
// reachability of the report URL or Telegram credentials is not probed here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Fetch.URL) == "" {
		return fmt.Errorf("fetch.url is required")
	}
	if u, err := url.Parse(cfg.Fetch.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("fetch.url: not an absolute URL: %q", cfg.Fetch.URL)
	}

	for path, raw := range map[string]string{
		"fetch.timeout":              cfg.Fetch.Timeout,
		"fetch.min_interval":         cfg.Fetch.MinInterval,
		"poll.interval_active":       cfg.Poll.IntervalActive,
		"poll.interval_inactive":     cfg.Poll.IntervalInactive,
		"poll.login_prompt_cooldown": cfg.Poll.LoginPromptCooldown,
		"poll.retry_delay":           cfg.Poll.RetryDelay,
		"poll.cache_ttl":             cfg.Poll.CacheTTL,
		"poll.cycle_timeout":         cfg.Poll.CycleTimeout,
		"scheduler.default_timeout":  cfg.Scheduler.DefaultTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		switch strings.TrimSpace(cfg.Storage.Driver) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	// Active window: both ends or neither.
	startSet := strings.TrimSpace(cfg.Poll.ActiveWindowStart) != ""
	endSet := strings.TrimSpace(cfg.Poll.ActiveWindowEnd) != ""
	if startSet != endSet {
		return fmt.Errorf("poll: active_window_start and active_window_end must be set together")
	}
	if startSet {
		if err := checkHHMM("poll.active_window_start", cfg.Poll.ActiveWindowStart); err != nil {
			return err
		}
		if err := checkHHMM("poll.active_window_end", cfg.Poll.ActiveWindowEnd); err != nil {
			return err
		}
	}

	if cfg.Notify.DelayMinMinutes < 0 || cfg.Notify.DelayMaxMinutes < 0 {
		return fmt.Errorf("notify: delay bounds must be >= 0")
	}
	if cfg.Notify.DelayMinMinutes > cfg.Notify.DelayMaxMinutes {
		return fmt.Errorf("notify: delay_min_minutes (%d) > delay_max_minutes (%d)",
			cfg.Notify.DelayMinMinutes, cfg.Notify.DelayMaxMinutes)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if cfg.API != nil && cfg.API.Enabled {
		for path, raw := range map[string]string{
			"api.read_timeout":  cfg.API.ReadTimeout,
			"api.write_timeout": cfg.API.WriteTimeout,
			"api.idle_timeout":  cfg.API.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkHHMM(path, s string) error {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return fmt.Errorf("%s: want HH:MM, got %q", path, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("%s: bad hour in %q", path, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("%s: bad minute in %q", path, s)
	}
	return nil
}
