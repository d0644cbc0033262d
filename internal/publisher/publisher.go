package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crosspost/internal/content"
)

// Result is the normalized outcome of one publish call.
//
// Adapters normalize platform-specific signals before the result reaches the
// scheduler: ordinary failures come back as Success=false with Error set,
// never as a returned error. Quota exhaustion is flagged separately because
// the resulting state is sticky.
type Result struct {
	Success       bool
	PostURL       string
	Error         string
	QuotaExceeded bool
}

func Failure(msg string) Result { return Result{Error: msg} }

func Success(postURL string) Result { return Result{Success: true, PostURL: postURL} }

// Publisher publishes one content item to one platform.
//
// Publish must be safe to call with a deadline on ctx and must not return an
// error for ordinary publish failures; the error return is reserved for
// infrastructure problems (and is still recorded as a failed result by the
// dispatcher rather than propagated).
type Publisher interface {
	Platform() content.Platform
	Publish(ctx context.Context, item *content.ContentItem) (Result, error)
}

// Registry maps platform identifiers to their publisher implementations,
// so the dispatcher stays polymorphic over platform.
type Registry struct {
	mu   sync.RWMutex
	pubs map[content.Platform]Publisher
}

func NewRegistry() *Registry {
	return &Registry{pubs: make(map[content.Platform]Publisher)}
}

func (r *Registry) Register(p Publisher) error {
	if p == nil {
		return fmt.Errorf("nil publisher")
	}
	plat := p.Platform()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.pubs[plat]; dup {
		return fmt.Errorf("publisher for %q already registered", plat)
	}
	r.pubs[plat] = p
	return nil
}

// Lookup returns the publisher for plat, or false if none is registered.
func (r *Registry) Lookup(plat content.Platform) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pubs[plat]
	return p, ok
}

// Platforms lists registered platforms in stable order.
func (r *Registry) Platforms() []content.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]content.Platform, 0, len(r.pubs))
	for p := range r.pubs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
