package content

// Platform identifies an external publishing destination.
type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformVK        Platform = "vk"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformYouTube   Platform = "youtube"
	PlatformLinkedIn  Platform = "linkedin"
)

// KnownPlatforms returns the closed set of platform identifiers this build
// understands. The store preserves unknown identifiers opaquely; everything
// downstream of the repository boundary only sees known ones.
func KnownPlatforms() []Platform {
	return []Platform{
		PlatformTelegram,
		PlatformVK,
		PlatformInstagram,
		PlatformFacebook,
		PlatformYouTube,
		PlatformLinkedIn,
	}
}

func (p Platform) Known() bool {
	switch p {
	case PlatformTelegram, PlatformVK, PlatformInstagram, PlatformFacebook, PlatformYouTube, PlatformLinkedIn:
		return true
	}
	return false
}

// PlatformStatus is the per-(content, platform) publication state.
type PlatformStatus string

const (
	StatusPending       PlatformStatus = "pending"
	StatusPublishing    PlatformStatus = "publishing"
	StatusPublished     PlatformStatus = "published"
	StatusFailed        PlatformStatus = "failed"
	StatusQuotaExceeded PlatformStatus = "quota_exceeded"
)

func (s PlatformStatus) Known() bool {
	switch s {
	case StatusPending, StatusPublishing, StatusPublished, StatusFailed, StatusQuotaExceeded:
		return true
	}
	return false
}

// Sticky reports whether automated processes may never transition away from s.
// Only manual operator action clears a sticky status.
func (s PlatformStatus) Sticky() bool { return s == StatusQuotaExceeded }

// AggregateStatus is the single derived status for a content item,
// recomputed from its platform states and never authored directly.
type AggregateStatus string

const (
	AggScheduled          AggregateStatus = "scheduled"
	AggPublishing         AggregateStatus = "publishing"
	AggPartiallyPublished AggregateStatus = "partially_published"
	AggPublished          AggregateStatus = "published"
	AggFailed             AggregateStatus = "failed"
)

// Terminal reports whether no further scheduler work can change the aggregate.
// Terminal items are excluded from the due-work query.
func (a AggregateStatus) Terminal() bool {
	return a == AggPublished || a == AggFailed
}
