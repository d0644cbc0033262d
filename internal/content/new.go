package content

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Draft is the authoring input for a new content item.
type Draft struct {
	Kind     Kind
	Body     string
	MediaURL string

	// ScheduledAt zero means "publish as soon as eligible".
	ScheduledAt time.Time

	Platforms []Platform
}

// NewItem builds a schedulable ContentItem from a draft: assigns an ID,
// initializes a pending state per selected platform, and validates the result.
func NewItem(d Draft, now time.Time) (*ContentItem, error) {
	if d.Kind == "" {
		d.Kind = KindPost
	}
	for _, p := range d.Platforms {
		if !p.Known() {
			return nil, fmt.Errorf("unknown platform %q (known: %v)", p, KnownPlatforms())
		}
	}

	item := &ContentItem{
		ID:                uuid.NewString(),
		Kind:              d.Kind,
		Body:              d.Body,
		MediaURL:          d.MediaURL,
		ScheduledAt:       d.ScheduledAt,
		SelectedPlatforms: append([]Platform(nil), d.Platforms...),
		AggregateStatus:   AggScheduled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	item.EnsureStates()
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return item, nil
}
