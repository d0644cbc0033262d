package scheduler

import (
	"strings"

	"crosspost/internal/content"
	"crosspost/internal/publisher"
)

// MergeResult applies one dispatch result to a platform state and returns the
// next state. Pure; the caller persists the result via the repository's
// field-scoped update.
//
// quota_exceeded stickiness is enforced here as well as in the store: even a
// success result arriving late (out-of-order response) must not transition a
// quota-exceeded pair.
func MergeResult(prev content.PlatformState, res publisher.Result) content.PlatformState {
	if prev.Status.Sticky() {
		return prev
	}

	next := prev
	switch {
	case res.QuotaExceeded:
		next.Status = content.StatusQuotaExceeded
		next.Error = res.Error
		if strings.TrimSpace(next.Error) == "" {
			next.Error = "platform quota exceeded"
		}
	case res.Success && strings.TrimSpace(res.PostURL) != "":
		next.Status = content.StatusPublished
		next.PostURL = res.PostURL
		next.Error = ""
	case res.Success:
		// Success without a post URL would violate the published invariant;
		// record it as a failure so the pair stays retry-eligible.
		next.Status = content.StatusFailed
		next.Error = "publisher reported success without a post url"
	default:
		next.Status = content.StatusFailed
		next.Error = res.Error
		if strings.TrimSpace(next.Error) == "" {
			next.Error = "publish failed"
		}
	}
	return next
}
