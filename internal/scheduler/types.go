package scheduler

import (
	"time"

	"crosspost/internal/content"
)

// Config controls the publish scheduler.
type Config struct {
	Enabled bool

	// TickInterval drives the poll-and-dispatch cycle. Ignored when TickSpec
	// is set.
	TickInterval time.Duration

	// TickSpec is an optional cron spec (5-field, or 6-field with seconds)
	// used instead of the fixed interval.
	TickSpec string

	// StaleFailureThreshold suppresses automatic retry of failed states older
	// than this. The skip is re-evaluated every tick and never auto-resets;
	// only a manual status reset makes the pair eligible again.
	StaleFailureThreshold time.Duration

	// InFlightWindow is how long a publishing marker is presumed to be owned
	// by a live dispatch. Older markers are treated as orphaned and retried.
	InFlightWindow time.Duration

	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration

	// MaxConcurrentDispatches caps concurrent (content, platform) dispatches.
	MaxConcurrentDispatches int

	// RatePerSec is a shared dispatch rate limit across all pairs.
	// 0 disables the limiter.
	RatePerSec int

	// CriticalErrorPatterns are case-insensitive substrings marking a failure
	// as structural (never retried automatically).
	CriticalErrorPatterns []string
}

func DefaultCriticalErrorPatterns() []string {
	return []string{
		"bad request",
		"invalid credentials",
		"permission denied",
		"authorization failed",
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 45 * time.Second
	}
	if c.StaleFailureThreshold <= 0 {
		c.StaleFailureThreshold = 12 * time.Hour
	}
	if c.InFlightWindow <= 0 {
		c.InFlightWindow = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = 8
	}
	if c.CriticalErrorPatterns == nil {
		c.CriticalErrorPatterns = DefaultCriticalErrorPatterns()
	}
	return c
}

// Decision is the eligibility filter's output for one (content, platform) pair.
type Decision int

const (
	// DecisionAttempt hands the pair to the dispatcher this tick.
	DecisionAttempt Decision = iota
	// DecisionSkipTerminal skips the pair; no automated retry will follow
	// without external state change.
	DecisionSkipTerminal
	// DecisionSkipCooldown skips the pair for this tick only.
	DecisionSkipCooldown
)

func (d Decision) String() string {
	switch d {
	case DecisionAttempt:
		return "attempt"
	case DecisionSkipTerminal:
		return "skip-terminal"
	case DecisionSkipCooldown:
		return "skip-cooldown"
	default:
		return "unknown"
	}
}

// Verdict pairs a decision with a human-readable reason for logs and events.
type Verdict struct {
	Decision Decision
	Reason   string
}

// PublishEvent is emitted on the event bus for dispatch lifecycle events.
type PublishEvent struct {
	ContentID string                 `json:"content_id"`
	Platform  content.Platform       `json:"platform"`
	Status    content.PlatformStatus `json:"status,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Attempt   int                    `json:"attempt,omitempty"`
	Took      time.Duration          `json:"took,omitempty"`
}

// TickEvent is emitted on the event bus when a tick starts or finishes.
type TickEvent struct {
	Items      int           `json:"items"`
	Dispatched int           `json:"dispatched"`
	Took       time.Duration `json:"took,omitempty"`
}

// TickStats summarizes one poll-and-dispatch cycle.
type TickStats struct {
	Items           int
	Dispatched      int
	Published       int
	Failed          int
	QuotaExceeded   int
	SkippedTerminal int
	SkippedCooldown int
	Took            time.Duration
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled      bool
	Running      bool
	TickInterval time.Duration
	TickSpec     string

	TicksTotal   uint64
	TicksSkipped uint64
	LastTickAt   time.Time
	LastTick     TickStats
	InFlight     int
}
