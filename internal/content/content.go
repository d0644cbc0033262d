package content

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes authored content formats. It is passed through to
// publishers untouched; the scheduler does not interpret it.
type Kind string

const (
	KindPost  Kind = "post"
	KindStory Kind = "story"
	KindVideo Kind = "video"
)

// PlatformState tracks the publication outcome for one (content, platform) pair.
//
// Invariants (hold after every write):
//   - Status published implies non-empty PostURL.
//   - quota_exceeded is sticky: the merger never transitions away from it.
//   - RetryCount never decreases.
type PlatformState struct {
	Status  PlatformStatus `json:"status"`
	PostURL string         `json:"post_url,omitempty"`
	Error   string         `json:"error,omitempty"`

	// LastAttemptAt is zero if the pair was never handed to the dispatcher.
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`

	// RetryCount counts attempts that reached the dispatcher,
	// not eligibility checks that skipped.
	RetryCount int `json:"retry_count,omitempty"`
}

// Confirmed reports whether the state is a confirmed live publication:
// published status backed by a post URL. Anything else (including a published
// status with an empty URL, which violates the invariant) is not confirmed
// and stays retry-eligible.
func (s PlatformState) Confirmed() bool {
	return s.Status == StatusPublished && strings.TrimSpace(s.PostURL) != ""
}

func (s PlatformState) Validate() error {
	if s.Status == StatusPublished && strings.TrimSpace(s.PostURL) == "" {
		return fmt.Errorf("published state without post_url")
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("negative retry_count %d", s.RetryCount)
	}
	return nil
}

// ContentItem is one authored unit of material destined for one or more platforms.
type ContentItem struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Body     string `json:"body,omitempty"`
	MediaURL string `json:"media_url,omitempty"`

	// ScheduledAt zero means "publish as soon as eligible".
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`

	// SelectedPlatforms is fixed once scheduling begins; adding a platform
	// later is a new selection, not mutation of history.
	SelectedPlatforms []Platform `json:"selected_platforms"`

	// PlatformStates keys are exactly SelectedPlatforms, no more, no less.
	PlatformStates map[Platform]PlatformState `json:"platform_states"`

	// AggregateStatus is derived; only the aggregator writes it.
	AggregateStatus AggregateStatus `json:"aggregate_status"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Due reports whether the item is scheduled at or before now.
func (c *ContentItem) Due(now time.Time) bool {
	return c.ScheduledAt.IsZero() || !c.ScheduledAt.After(now)
}

// EnsureStates initializes a pending state for every selected platform that
// has none yet. Called by the authoring flow when scheduling begins.
func (c *ContentItem) EnsureStates() {
	if c.PlatformStates == nil {
		c.PlatformStates = make(map[Platform]PlatformState, len(c.SelectedPlatforms))
	}
	for _, p := range c.SelectedPlatforms {
		if _, ok := c.PlatformStates[p]; !ok {
			c.PlatformStates[p] = PlatformState{Status: StatusPending}
		}
	}
}

// Validate checks the structural invariants the scheduler relies on.
func (c *ContentItem) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("content id is empty")
	}
	if len(c.SelectedPlatforms) == 0 {
		return fmt.Errorf("content %s: no platforms selected", c.ID)
	}
	seen := make(map[Platform]bool, len(c.SelectedPlatforms))
	for _, p := range c.SelectedPlatforms {
		if seen[p] {
			return fmt.Errorf("content %s: duplicate platform %q", c.ID, p)
		}
		seen[p] = true
		if _, ok := c.PlatformStates[p]; !ok {
			return fmt.Errorf("content %s: missing state for selected platform %q", c.ID, p)
		}
	}
	for p, st := range c.PlatformStates {
		if !seen[p] {
			return fmt.Errorf("content %s: state for unselected platform %q", c.ID, p)
		}
		if err := st.Validate(); err != nil {
			return fmt.Errorf("content %s: platform %q: %w", c.ID, p, err)
		}
	}
	return nil
}

// Clone returns a deep copy. The scheduler works on copies so concurrent
// dispatches never share a mutable map.
func (c *ContentItem) Clone() *ContentItem {
	if c == nil {
		return nil
	}
	cp := *c
	cp.SelectedPlatforms = append([]Platform(nil), c.SelectedPlatforms...)
	cp.PlatformStates = make(map[Platform]PlatformState, len(c.PlatformStates))
	for p, st := range c.PlatformStates {
		cp.PlatformStates[p] = st
	}
	return &cp
}
