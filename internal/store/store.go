package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/internal/content"
	logx "crosspost/pkg/logx"
)

var ErrNotFound = errors.New("content not found")

// Config configures the content repository.
//
// Driver values:
//   - "memory": in-process map (dev/tests)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Repository is the durable content store consumed by the scheduler and the
// authoring flow.
//
// UpdatePlatformState is a field-scoped merge keyed by (contentID, platform):
// it must never clobber sibling platform entries written concurrently. Both
// drivers additionally enforce two write-level invariants as defense in depth:
// a quota_exceeded status is never overwritten by a non-quota write, and
// retry counts never decrease.
type Repository interface {
	CreateContent(ctx context.Context, item *content.ContentItem) error
	GetContentByID(ctx context.Context, id string) (*content.ContentItem, error)
	ListContent(ctx context.Context) ([]*content.ContentItem, error)

	// GetDuePublishable returns items scheduled at or before now whose
	// aggregate status is not terminal.
	GetDuePublishable(ctx context.Context, now time.Time) ([]*content.ContentItem, error)

	UpdatePlatformState(ctx context.Context, id string, plat content.Platform, st content.PlatformState) error
	UpdateAggregateStatus(ctx context.Context, id string, agg content.AggregateStatus) error

	DeleteContent(ctx context.Context, id string) error
	Close() error
}

// Open initializes the configured repository.
func Open(cfg Config, log logx.Logger) (Repository, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(log), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
