package config

// Config is the full on-disk configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON before strict decoding.
//
// All durations are Go duration strings (e.g. "30s", "15m", "1h").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the persistence layer. Nil defaults to the file
	// driver at ./attwatch_store.
	Storage *StorageConfig `json:"storage,omitempty"`

	Fetch     FetchConfig     `json:"fetch"`
	Poll      PollConfig      `json:"poll"`
	Notify    NotifyConfig    `json:"notify"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	API       *APIConfig      `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the key/value persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./attwatch_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FetchConfig controls how the remote report is retrieved.
type FetchConfig struct {
	// URL of the weekly report page.
	URL string `json:"url"`

	// LoginPathPattern marks a response as "session expired" when the final
	// resolved URL path contains it (case-insensitive). Default "login".
	LoginPathPattern string `json:"login_path_pattern,omitempty"`

	Timeout string `json:"timeout,omitempty"` // default "30s"

	// MinInterval is the hard floor between outbound requests regardless of
	// how triggers fire. Default "30s".
	MinInterval string `json:"min_interval,omitempty"`

	// Cookies are sent verbatim with every request (name -> value).
	Cookies map[string]string `json:"cookies,omitempty"`

	// CookieFile points at a JSON object of name -> value pairs, re-read on
	// every fetch so a refreshed session cookie is picked up without a
	// restart. Takes precedence over Cookies for duplicate names.
	CookieFile string `json:"cookie_file,omitempty"`
}

// PollConfig controls the poll engine tiers and change handling.
type PollConfig struct {
	// Active window, local "HH:MM". Empty disables the gate.
	ActiveWindowStart string `json:"active_window_start,omitempty"`
	ActiveWindowEnd   string `json:"active_window_end,omitempty"`

	IntervalActive   string `json:"interval_active,omitempty"`   // default "15m"
	IntervalInactive string `json:"interval_inactive,omitempty"` // default "2h"

	// LoginURL is included in the session-expired prompt.
	LoginURL            string `json:"login_url,omitempty"`
	LoginPromptCooldown string `json:"login_prompt_cooldown,omitempty"` // default "1h"

	RetryDelay string `json:"retry_delay,omitempty"` // default "5m"
	CacheTTL   string `json:"cache_ttl,omitempty"`   // default "1h"

	// MinEntries rejects a parsed snapshot smaller than this when a
	// non-empty baseline exists.
	MinEntries int `json:"min_entries,omitempty"`

	CycleTimeout string `json:"cycle_timeout,omitempty"` // default "2m"
}

// NotifyConfig controls the jittered notification pipeline.
type NotifyConfig struct {
	// Jitter bounds in whole minutes. Both zero means deliver immediately.
	DelayMinMinutes int `json:"delay_min_minutes"`
	DelayMaxMinutes int `json:"delay_max_minutes"`

	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// Timezone for trigger scheduling and the active window, IANA name.
	// Empty means local time.
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// APIConfig controls the local HTTP API.
//
// Prefer binding to localhost; the API has no authentication.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8642"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
