package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"crosspost/internal/content"
	"crosspost/internal/eventbus"
	"crosspost/internal/publisher"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

type fakePublisher struct {
	platform content.Platform

	mu      sync.Mutex
	publish func(ctx context.Context, item *content.ContentItem) (publisher.Result, error)
	calls   int
}

func (f *fakePublisher) Platform() content.Platform { return f.platform }

func (f *fakePublisher) Publish(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.publish
	f.mu.Unlock()
	if fn == nil {
		return publisher.Success("https://example.com/" + string(f.platform) + "/1"), nil
	}
	return fn(ctx, item)
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePublisher) setPublish(fn func(ctx context.Context, item *content.ContentItem) (publisher.Result, error)) {
	f.mu.Lock()
	f.publish = fn
	f.mu.Unlock()
}

func newTestService(t *testing.T, pubs ...publisher.Publisher) (*Service, *store.Memory) {
	t.Helper()
	repo := store.NewMemory(logx.Nop())
	reg := publisher.NewRegistry()
	for _, p := range pubs {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	svc := New(Config{Enabled: true}, repo, reg, logx.Nop(), eventbus.New())
	return svc, repo
}

func seedItem(t *testing.T, repo *store.Memory, platforms ...content.Platform) *content.ContentItem {
	t.Helper()
	item, err := content.NewItem(content.Draft{
		Kind:      content.KindPost,
		Body:      "release notes",
		Platforms: platforms,
	}, time.Now())
	if err != nil {
		t.Fatalf("new item: %v", err)
	}
	if err := repo.CreateContent(context.Background(), item); err != nil {
		t.Fatalf("create: %v", err)
	}
	return item
}

// One platform fails while its sibling succeeds; a later tick retries only the
// failed platform and never touches the published one.
func TestRunOncePartialFailureThenRetry(t *testing.T) {
	t.Parallel()

	tg := &fakePublisher{platform: content.PlatformTelegram}
	vk := &fakePublisher{platform: content.PlatformVK}
	vk.setPublish(func(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
		return publisher.Failure("connection reset"), nil
	})

	svc, repo := newTestService(t, tg, vk)
	item := seedItem(t, repo, content.PlatformTelegram, content.PlatformVK)

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Dispatched != 2 || stats.Published != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, err := repo.GetContentByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AggregateStatus != content.AggPartiallyPublished {
		t.Fatalf("aggregate = %s, want partially_published", got.AggregateStatus)
	}
	if st := got.PlatformStates[content.PlatformTelegram]; !st.Confirmed() {
		t.Fatalf("telegram state not confirmed: %+v", st)
	}
	if st := got.PlatformStates[content.PlatformVK]; st.Status != content.StatusFailed || st.RetryCount != 1 {
		t.Fatalf("vk state = %+v, want failed with 1 attempt", st)
	}

	// Second tick: only the failed platform is retried.
	vk.setPublish(nil)
	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if n := tg.callCount(); n != 1 {
		t.Fatalf("published platform re-attempted: %d calls", n)
	}
	if n := vk.callCount(); n != 2 {
		t.Fatalf("vk calls = %d, want 2", n)
	}

	got, err = repo.GetContentByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AggregateStatus != content.AggPublished {
		t.Fatalf("aggregate = %s, want published", got.AggregateStatus)
	}
	if st := got.PlatformStates[content.PlatformVK]; st.RetryCount != 2 {
		t.Fatalf("vk retry_count = %d, want 2", st.RetryCount)
	}
}

// The publishing marker reaches the store before the external call starts.
func TestMarkerPersistedBeforePublish(t *testing.T) {
	t.Parallel()

	var observed content.PlatformStatus
	svc, repo := newTestService(t)
	tg := &fakePublisher{platform: content.PlatformTelegram}

	seedItem(t, repo, content.PlatformTelegram)
	tg.setPublish(func(ctx context.Context, it *content.ContentItem) (publisher.Result, error) {
		stored, err := repo.GetContentByID(ctx, it.ID)
		if err != nil {
			return publisher.Failure(err.Error()), nil
		}
		observed = stored.PlatformStates[content.PlatformTelegram].Status
		return publisher.Success("https://t.me/c/1/1"), nil
	})
	if err := svc.reg.Register(tg); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if observed != content.StatusPublishing {
		t.Fatalf("status during publish = %s, want publishing", observed)
	}
}

// Scenario: quota exhaustion is terminal. Later ticks never call the platform
// again, and the stored state survives whatever the publisher would return.
func TestQuotaExceededIsNeverRetried(t *testing.T) {
	t.Parallel()

	vk := &fakePublisher{platform: content.PlatformVK}
	vk.setPublish(func(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
		return publisher.Result{QuotaExceeded: true, Error: "daily quota reached"}, nil
	})

	svc, repo := newTestService(t, vk)
	item := seedItem(t, repo, content.PlatformVK)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := repo.GetContentByID(context.Background(), item.ID)
	if st := got.PlatformStates[content.PlatformVK]; st.Status != content.StatusQuotaExceeded {
		t.Fatalf("state = %+v, want quota_exceeded", st)
	}
	if got.AggregateStatus != content.AggFailed {
		t.Fatalf("aggregate = %s, want failed", got.AggregateStatus)
	}

	vk.setPublish(nil)
	for i := 0; i < 3; i++ {
		if _, err := svc.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if n := vk.callCount(); n != 1 {
		t.Fatalf("quota-exceeded platform re-attempted: %d calls", n)
	}
}

// A platform with no registered publisher fails that pair without touching
// its siblings.
func TestMissingPublisherFailsPairOnly(t *testing.T) {
	t.Parallel()

	tg := &fakePublisher{platform: content.PlatformTelegram}
	svc, repo := newTestService(t, tg)
	item := seedItem(t, repo, content.PlatformTelegram, content.PlatformVK)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := repo.GetContentByID(context.Background(), item.ID)
	if st := got.PlatformStates[content.PlatformTelegram]; !st.Confirmed() {
		t.Fatalf("telegram state = %+v, want published", st)
	}
	if st := got.PlatformStates[content.PlatformVK]; st.Status != content.StatusFailed {
		t.Fatalf("vk state = %+v, want failed", st)
	}
	if got.AggregateStatus != content.AggPartiallyPublished {
		t.Fatalf("aggregate = %s, want partially_published", got.AggregateStatus)
	}
}

// A panicking publisher is contained: the pair fails, siblings proceed.
func TestPublisherPanicIsIsolated(t *testing.T) {
	t.Parallel()

	tg := &fakePublisher{platform: content.PlatformTelegram}
	vk := &fakePublisher{platform: content.PlatformVK}
	vk.setPublish(func(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
		panic("boom")
	})

	svc, repo := newTestService(t, tg, vk)
	item := seedItem(t, repo, content.PlatformTelegram, content.PlatformVK)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := repo.GetContentByID(context.Background(), item.ID)
	if st := got.PlatformStates[content.PlatformTelegram]; !st.Confirmed() {
		t.Fatalf("telegram state = %+v, want published", st)
	}
	if st := got.PlatformStates[content.PlatformVK]; st.Status != content.StatusFailed {
		t.Fatalf("vk state = %+v, want failed", st)
	}
}

// Every known platform dispatches concurrently against the same item, tick
// after tick. Exercised under the race detector this pins down the rule that
// the per-item state map is only touched before goroutines spawn or under the
// dispatch lock.
func TestConcurrentDispatchAcrossPlatforms(t *testing.T) {
	t.Parallel()

	pubs := make([]publisher.Publisher, 0, len(content.KnownPlatforms()))
	for _, plat := range content.KnownPlatforms() {
		p := &fakePublisher{platform: plat}
		if plat != content.PlatformTelegram {
			// Transient failures keep these pairs eligible on every tick.
			p.setPublish(func(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
				return publisher.Failure("connection reset"), nil
			})
		}
		pubs = append(pubs, p)
	}

	svc, repo := newTestService(t, pubs...)
	item := seedItem(t, repo, content.KnownPlatforms()...)

	const ticks = 50
	for i := 0; i < ticks; i++ {
		if _, err := svc.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	got, err := repo.GetContentByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AggregateStatus != content.AggPartiallyPublished {
		t.Fatalf("aggregate = %s, want partially_published", got.AggregateStatus)
	}
	for _, plat := range content.KnownPlatforms() {
		st := got.PlatformStates[plat]
		want := ticks
		if plat == content.PlatformTelegram {
			want = 1
		}
		if st.RetryCount != want {
			t.Fatalf("%s retry_count = %d, want %d", plat, st.RetryCount, want)
		}
	}
}

// Two overlapping ticks never run concurrently; the second is skipped.
func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	tg := &fakePublisher{platform: content.PlatformTelegram}
	tg.setPublish(func(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
		close(entered)
		<-release
		return publisher.Success("https://t.me/c/1/1"), nil
	})

	svc, repo := newTestService(t, tg)
	seedItem(t, repo, content.PlatformTelegram)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.RunOnce(context.Background())
	}()
	<-entered

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Items != 0 || stats.Dispatched != 0 {
		t.Fatalf("overlapping tick did work: %+v", stats)
	}

	close(release)
	<-done

	snap := svc.Snapshot()
	if snap.TicksSkipped != 1 {
		t.Fatalf("ticks_skipped = %d, want 1", snap.TicksSkipped)
	}
}

// Items scheduled in the future are not picked up until due.
func TestFutureItemNotDispatched(t *testing.T) {
	t.Parallel()

	tg := &fakePublisher{platform: content.PlatformTelegram}
	svc, repo := newTestService(t, tg)

	item, err := content.NewItem(content.Draft{
		Body:        "later",
		ScheduledAt: time.Now().Add(time.Hour),
		Platforms:   []content.Platform{content.PlatformTelegram},
	}, time.Now())
	if err != nil {
		t.Fatalf("new item: %v", err)
	}
	if err := repo.CreateContent(context.Background(), item); err != nil {
		t.Fatalf("create: %v", err)
	}

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Items != 0 {
		t.Fatalf("future item examined: %+v", stats)
	}
	if n := tg.callCount(); n != 0 {
		t.Fatalf("future item dispatched: %d calls", n)
	}
}

func TestValidateTickSpec(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"", "*/45 * * * * *", "0 */5 * * * *", "@every 45s", "30 9 * * 1"} {
		if err := ValidateTickSpec(spec); err != nil {
			t.Fatalf("ValidateTickSpec(%q) = %v", spec, err)
		}
	}
	if err := ValidateTickSpec("not a cron spec"); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakePublisher{platform: content.PlatformTelegram})
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx)
	if !svc.Enabled() {
		t.Fatal("service should be enabled")
	}
	svc.Stop(ctx)
	svc.Stop(ctx)
}
