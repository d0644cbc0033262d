package config

// Config is the root configuration for the crosspost service.
//
// All durations are Go duration strings (e.g. "500ms", "45s", "12h").
// Files may be JSON or YAML; both are decoded strictly (unknown fields are
// rejected) so typos fail fast at startup instead of silently disabling
// behavior.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Store      StoreConfig      `json:"store"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Metrics    MetricsConfig    `json:"metrics,omitempty"`
	Publishers PublishersConfig `json:"publishers,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig controls the content repository.
//
// Driver values: "memory" (dev/tests), "sqlite".
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the publish tick loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "45s"
//   - stale_failure_threshold: "12h"
//   - in_flight_window: "5m"
//   - publish_timeout: "30s"
//   - max_concurrent_dispatches: 8
//   - critical_error_patterns: the built-in structural-error list
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	TickInterval string `json:"tick_interval,omitempty"`

	// TickSpec is a cron spec (seconds field optional) used instead of the
	// fixed interval when set.
	TickSpec string `json:"tick_spec,omitempty"`

	StaleFailureThreshold string `json:"stale_failure_threshold,omitempty"`
	InFlightWindow        string `json:"in_flight_window,omitempty"`
	PublishTimeout        string `json:"publish_timeout,omitempty"`

	MaxConcurrentDispatches int `json:"max_concurrent_dispatches,omitempty"`

	// RatePerSec is a shared dispatch rate limit. 0 disables it.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	CriticalErrorPatterns []string `json:"critical_error_patterns,omitempty"`
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost; the endpoint carries no auth.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

type PublishersConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}
