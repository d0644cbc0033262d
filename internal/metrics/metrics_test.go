package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crosspost/internal/content"
	"crosspost/internal/eventbus"
	"crosspost/internal/scheduler"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCollectorObservesTicks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Observe(eventbus.Event{Type: eventbus.TypeTickFinished, Data: scheduler.TickEvent{Items: 3, Took: 50 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: eventbus.TypeTickFinished, Data: scheduler.TickEvent{Items: 1}})
	c.Observe(eventbus.Event{Type: eventbus.TypeTickSkipped})

	if v := counterValue(t, reg, "crosspost_ticks_total", nil); v != 2 {
		t.Fatalf("ticks_total = %v, want 2", v)
	}
	if v := counterValue(t, reg, "crosspost_ticks_skipped_total", nil); v != 1 {
		t.Fatalf("ticks_skipped_total = %v, want 1", v)
	}
}

func TestCollectorObservesPublishOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	ev := func(typ string, plat content.Platform) eventbus.Event {
		return eventbus.Event{Type: typ, Data: scheduler.PublishEvent{ContentID: "c1", Platform: plat}}
	}

	c.Observe(ev(eventbus.TypePublishAttempt, content.PlatformTelegram))
	c.Observe(ev(eventbus.TypePublishSucceeded, content.PlatformTelegram))
	c.Observe(ev(eventbus.TypePublishAttempt, content.PlatformVK))
	c.Observe(ev(eventbus.TypePublishFailed, content.PlatformVK))
	c.Observe(ev(eventbus.TypePublishQuota, content.PlatformVK))
	c.Observe(ev(eventbus.TypePublishSkipped, content.PlatformTelegram))

	if v := counterValue(t, reg, "crosspost_publish_attempts_total", map[string]string{"platform": "telegram"}); v != 1 {
		t.Fatalf("telegram attempts = %v, want 1", v)
	}
	if v := counterValue(t, reg, "crosspost_publish_outcomes_total", map[string]string{"platform": "telegram", "outcome": "published"}); v != 1 {
		t.Fatalf("telegram published = %v, want 1", v)
	}
	if v := counterValue(t, reg, "crosspost_publish_outcomes_total", map[string]string{"platform": "vk", "outcome": "failed"}); v != 1 {
		t.Fatalf("vk failed = %v, want 1", v)
	}
	if v := counterValue(t, reg, "crosspost_publish_outcomes_total", map[string]string{"platform": "vk", "outcome": "quota_exceeded"}); v != 1 {
		t.Fatalf("vk quota = %v, want 1", v)
	}
	if v := counterValue(t, reg, "crosspost_publish_skipped_total", map[string]string{"platform": "telegram"}); v != 1 {
		t.Fatalf("telegram skipped = %v, want 1", v)
	}
}

func TestCollectorIgnoresUnknownEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Observe(eventbus.Event{Type: "something.else"})
	c.Observe(eventbus.Event{Type: eventbus.TypePublishSucceeded, Data: "not a publish event"})

	if v := counterValue(t, reg, "crosspost_ticks_total", nil); v != 0 {
		t.Fatalf("ticks_total = %v, want 0", v)
	}
}
