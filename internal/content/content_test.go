package content

import (
	"strings"
	"testing"
	"time"
)

func TestNewItem(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	item, err := NewItem(Draft{
		Body:      "hello",
		Platforms: []Platform{PlatformTelegram, PlatformVK},
	}, now)
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}
	if item.ID == "" {
		t.Fatal("no id assigned")
	}
	if item.Kind != KindPost {
		t.Fatalf("kind = %s, want default post", item.Kind)
	}
	if item.AggregateStatus != AggScheduled {
		t.Fatalf("aggregate = %s, want scheduled", item.AggregateStatus)
	}
	if len(item.PlatformStates) != 2 {
		t.Fatalf("platform states = %d, want 2", len(item.PlatformStates))
	}
	for p, st := range item.PlatformStates {
		if st.Status != StatusPending {
			t.Fatalf("%s status = %s, want pending", p, st.Status)
		}
	}
	if err := item.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNewItemRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()

	_, err := NewItem(Draft{Platforms: []Platform{Platform("myspace")}}, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown platform")
	}
	// The error spells out the accepted set.
	for _, p := range KnownPlatforms() {
		if !strings.Contains(err.Error(), string(p)) {
			t.Fatalf("error %q does not mention %s", err, p)
		}
	}
}

func TestDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		scheduled time.Time
		want      bool
	}{
		{"zero time is immediately due", time.Time{}, true},
		{"past is due", now.Add(-time.Minute), true},
		{"exactly now is due", now, true},
		{"future is not due", now.Add(time.Minute), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := ContentItem{ScheduledAt: tt.scheduled}
			if got := c.Due(now); got != tt.want {
				t.Fatalf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *ContentItem {
		return &ContentItem{
			ID:                "c1",
			SelectedPlatforms: []Platform{PlatformTelegram},
			PlatformStates: map[Platform]PlatformState{
				PlatformTelegram: {Status: StatusPending},
			},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid item rejected: %v", err)
	}

	t.Run("empty id", func(t *testing.T) {
		c := base()
		c.ID = " "
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("no platforms", func(t *testing.T) {
		c := base()
		c.SelectedPlatforms = nil
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("duplicate platform", func(t *testing.T) {
		c := base()
		c.SelectedPlatforms = []Platform{PlatformTelegram, PlatformTelegram}
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("missing state for selected", func(t *testing.T) {
		c := base()
		c.SelectedPlatforms = append(c.SelectedPlatforms, PlatformVK)
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("state for unselected", func(t *testing.T) {
		c := base()
		c.PlatformStates[PlatformVK] = PlatformState{Status: StatusPending}
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("published without url", func(t *testing.T) {
		c := base()
		c.PlatformStates[PlatformTelegram] = PlatformState{Status: StatusPublished}
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestConfirmed(t *testing.T) {
	t.Parallel()

	if (PlatformState{Status: StatusPublished, PostURL: "https://t.me/c/1/1"}).Confirmed() == false {
		t.Fatal("published with url should be confirmed")
	}
	if (PlatformState{Status: StatusPublished, PostURL: "  "}).Confirmed() {
		t.Fatal("blank url should not be confirmed")
	}
	if (PlatformState{Status: StatusPending}).Confirmed() {
		t.Fatal("pending should not be confirmed")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &ContentItem{
		ID:                "c1",
		SelectedPlatforms: []Platform{PlatformTelegram},
		PlatformStates: map[Platform]PlatformState{
			PlatformTelegram: {Status: StatusPending},
		},
	}
	cp := orig.Clone()
	cp.PlatformStates[PlatformTelegram] = PlatformState{Status: StatusFailed}
	cp.SelectedPlatforms[0] = PlatformVK

	if orig.PlatformStates[PlatformTelegram].Status != StatusPending {
		t.Fatal("clone shares the state map")
	}
	if orig.SelectedPlatforms[0] != PlatformTelegram {
		t.Fatal("clone shares the platform slice")
	}
}

func TestEnsureStatesKeepsExisting(t *testing.T) {
	t.Parallel()

	c := &ContentItem{
		SelectedPlatforms: []Platform{PlatformTelegram, PlatformVK},
		PlatformStates: map[Platform]PlatformState{
			PlatformTelegram: {Status: StatusPublished, PostURL: "https://t.me/c/1/1"},
		},
	}
	c.EnsureStates()
	if c.PlatformStates[PlatformTelegram].Status != StatusPublished {
		t.Fatal("existing state overwritten")
	}
	if c.PlatformStates[PlatformVK].Status != StatusPending {
		t.Fatal("missing state not initialized")
	}
}
