package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"crosspost/internal/content"
	logx "crosspost/pkg/logx"
)

// Memory is an in-process Repository used by tests and the "memory" driver.
// It applies the same write-level invariants as the sqlite driver.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*content.ContentItem
	log   logx.Logger
}

func NewMemory(log logx.Logger) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{items: make(map[string]*content.ContentItem), log: log}
}

func (m *Memory) CreateContent(ctx context.Context, item *content.ContentItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *Memory) GetContentByID(ctx context.Context, id string) (*content.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

func (m *Memory) ListContent(ctx context.Context) ([]*content.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*content.ContentItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetDuePublishable(ctx context.Context, now time.Time) ([]*content.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*content.ContentItem, 0)
	for _, it := range m.items {
		if !it.Due(now) || it.AggregateStatus.Terminal() {
			continue
		}
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdatePlatformState(ctx context.Context, id string, plat content.Platform, st content.PlatformState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	prev, ok := it.PlatformStates[plat]
	if !ok {
		return ErrNotFound
	}

	// quota_exceeded is sticky against non-quota writers.
	if prev.Status.Sticky() && st.Status != content.StatusQuotaExceeded {
		m.log.Debug("platform state write rejected: sticky status",
			logx.String("content", id), logx.String("platform", string(plat)))
		return nil
	}
	// Retry counts never decrease.
	if st.RetryCount < prev.RetryCount {
		st.RetryCount = prev.RetryCount
	}
	if st.LastAttemptAt.IsZero() {
		st.LastAttemptAt = prev.LastAttemptAt
	}

	it.PlatformStates[plat] = st
	it.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdateAggregateStatus(ctx context.Context, id string, agg content.AggregateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.AggregateStatus = agg
	it.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteContent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) Close() error { return nil }
