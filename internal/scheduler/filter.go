package scheduler

import (
	"strings"
	"time"

	"crosspost/internal/content"
)

// Evaluate decides whether one (content, platform) pair is attempted on this
// tick. It is pure: the same state, time and config always yield the same
// verdict, so it is unit-testable with fabricated timestamps alone.
//
// Rules, in order:
//  1. Confirmed published (status + non-empty URL): skip-terminal. Never
//     re-publish something already live.
//  2. quota_exceeded: skip-terminal. Sticky; retrying burns more quota and
//     cannot succeed until an external reset.
//  3. failed with a critical error pattern: skip-terminal. The error is
//     structural, not transient.
//  4. failed older than the stale threshold: skip-terminal for this tick,
//     re-evaluated indefinitely. Stops hammering a failing integration while
//     leaving the manual reset path open.
//  5. publishing within the in-flight window: skip-cooldown. Another process
//     is presumed still handling it.
//  6. publishing older than the window: attempt. Presumed orphaned by a
//     crashed dispatch; safe because rule 1 already excluded confirmed posts.
//  7. everything else (pending, recent non-critical failure, or a status this
//     build does not recognize): attempt. Unrecognized statuses fail closed
//     as retry-eligible rather than terminal.
func Evaluate(st content.PlatformState, now time.Time, cfg Config) Verdict {
	cfg = cfg.withDefaults()

	if st.Confirmed() {
		return Verdict{DecisionSkipTerminal, "already published"}
	}
	if st.Status == content.StatusQuotaExceeded {
		return Verdict{DecisionSkipTerminal, "quota exceeded"}
	}
	if st.Status == content.StatusFailed {
		if pattern, ok := matchCritical(st.Error, cfg.CriticalErrorPatterns); ok {
			return Verdict{DecisionSkipTerminal, "critical error: " + pattern}
		}
		// A failed state with no recorded attempt time cannot be aged; retry it.
		if !st.LastAttemptAt.IsZero() && now.Sub(st.LastAttemptAt) > cfg.StaleFailureThreshold {
			return Verdict{DecisionSkipTerminal, "stale failure"}
		}
		return Verdict{DecisionAttempt, "retry failure"}
	}
	if st.Status == content.StatusPublishing {
		if !st.LastAttemptAt.IsZero() && now.Sub(st.LastAttemptAt) <= cfg.InFlightWindow {
			return Verdict{DecisionSkipCooldown, "publish in flight"}
		}
		return Verdict{DecisionAttempt, "orphaned publish"}
	}
	if st.Status == content.StatusPending {
		return Verdict{DecisionAttempt, "pending"}
	}
	// Unknown status, possibly written by a newer schema. Fail closed:
	// retry-eligible, never terminal.
	return Verdict{DecisionAttempt, "unrecognized status " + string(st.Status)}
}

func matchCritical(errMsg string, patterns []string) (string, bool) {
	if strings.TrimSpace(errMsg) == "" {
		return "", false
	}
	lower := strings.ToLower(errMsg)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}
