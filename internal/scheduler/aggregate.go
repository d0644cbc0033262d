package scheduler

import "crosspost/internal/content"

// Aggregate derives one overall content status from its platform map.
// Pure function; invoked once per content item after all of a tick's
// dispatches for it have merged, never mid-dispatch.
//
//   - published: every platform published.
//   - failed: every platform failed or quota_exceeded (nothing succeeded,
//     nothing still pending).
//   - publishing: at least one platform currently publishing.
//   - partially_published: at least one published, at least one in a terminal
//     non-success state, none left pending/publishing.
//   - scheduled: otherwise (at least one pending, none publishing).
//
// Statuses this build does not recognize count as pending here (fail closed:
// they stay retry-eligible, so the aggregate must not report terminal).
func Aggregate(states map[content.Platform]content.PlatformState) content.AggregateStatus {
	if len(states) == 0 {
		return content.AggScheduled
	}

	var published, terminal, publishing, pending int
	for _, st := range states {
		switch st.Status {
		case content.StatusPublished:
			published++
		case content.StatusFailed, content.StatusQuotaExceeded:
			terminal++
		case content.StatusPublishing:
			publishing++
		default:
			pending++
		}
	}

	total := len(states)
	switch {
	case published == total:
		return content.AggPublished
	case terminal == total:
		return content.AggFailed
	case publishing > 0:
		return content.AggPublishing
	case published > 0 && terminal > 0 && pending == 0:
		return content.AggPartiallyPublished
	default:
		return content.AggScheduled
	}
}
