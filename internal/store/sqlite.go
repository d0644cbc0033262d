package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crosspost/internal/content"
	logx "crosspost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Repository, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateContent(ctx context.Context, item *content.ContentItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	now := time.Now()
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO content(id, kind, body, media_url, scheduled_at, selected_platforms, aggregate_status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		item.ID, string(item.Kind), item.Body, item.MediaURL, unixMilliOrZero(item.ScheduledAt),
		joinPlatforms(item.SelectedPlatforms), string(item.AggregateStatus),
		createdAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	for plat, st := range item.PlatformStates {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO platform_state(content_id, platform, status, post_url, error, last_attempt_at, retry_count)
			 VALUES(?,?,?,?,?,?,?)`,
			item.ID, string(plat), string(st.Status), st.PostURL, st.Error,
			unixMilliOrZero(st.LastAttemptAt), st.RetryCount,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetContentByID(ctx context.Context, id string) (*content.ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, body, media_url, scheduled_at, selected_platforms, aggregate_status, created_at, updated_at
		 FROM content WHERE id = ?`, id)
	it, err := s.scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadStates(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (s *sqliteStore) ListContent(ctx context.Context) ([]*content.ContentItem, error) {
	return s.queryContent(ctx, `SELECT id, kind, body, media_url, scheduled_at, selected_platforms, aggregate_status, created_at, updated_at
		 FROM content ORDER BY id`)
}

func (s *sqliteStore) GetDuePublishable(ctx context.Context, now time.Time) ([]*content.ContentItem, error) {
	return s.queryContent(ctx,
		`SELECT id, kind, body, media_url, scheduled_at, selected_platforms, aggregate_status, created_at, updated_at
		 FROM content
		 WHERE scheduled_at <= ? AND aggregate_status NOT IN ('published', 'failed')
		 ORDER BY scheduled_at, id`,
		now.UnixMilli(),
	)
}

func (s *sqliteStore) queryContent(ctx context.Context, q string, args ...any) ([]*content.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*content.ContentItem
	for rows.Next() {
		it, err := s.scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, it := range out {
		if err := s.loadStates(ctx, it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *sqliteStore) scanContent(r rowScanner) (*content.ContentItem, error) {
	var (
		it                               content.ContentItem
		kind, platforms, agg             string
		scheduledMS, createdMS, updateMS int64
	)
	err := r.Scan(&it.ID, &kind, &it.Body, &it.MediaURL, &scheduledMS, &platforms, &agg, &createdMS, &updateMS)
	if err != nil {
		return nil, err
	}
	it.Kind = content.Kind(kind)
	it.SelectedPlatforms = splitPlatforms(platforms)
	it.AggregateStatus = content.AggregateStatus(agg)
	it.ScheduledAt = timeFromMilli(scheduledMS)
	it.CreatedAt = timeFromMilli(createdMS)
	it.UpdatedAt = timeFromMilli(updateMS)
	return &it, nil
}

// loadStates reads the per-platform rows and validates them against the
// item's selected set. Rows for unselected platforms are quarantined (logged,
// excluded) rather than propagated; missing rows for selected platforms are
// synthesized as pending so the state map always matches the selection.
func (s *sqliteStore) loadStates(ctx context.Context, it *content.ContentItem) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, status, post_url, error, last_attempt_at, retry_count
		 FROM platform_state WHERE content_id = ?`, it.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	selected := make(map[content.Platform]bool, len(it.SelectedPlatforms))
	for _, p := range it.SelectedPlatforms {
		selected[p] = true
	}

	it.PlatformStates = make(map[content.Platform]content.PlatformState, len(it.SelectedPlatforms))
	for rows.Next() {
		var (
			plat, status string
			st           content.PlatformState
			lastMS       int64
		)
		if err := rows.Scan(&plat, &status, &st.PostURL, &st.Error, &lastMS, &st.RetryCount); err != nil {
			return err
		}
		st.Status = content.PlatformStatus(status)
		st.LastAttemptAt = timeFromMilli(lastMS)
		if st.RetryCount < 0 {
			st.RetryCount = 0
		}
		p := content.Platform(plat)
		if !selected[p] {
			s.log.Warn("quarantined platform state for unselected platform",
				logx.String("content", it.ID), logx.String("platform", plat))
			continue
		}
		it.PlatformStates[p] = st
	}
	if err := rows.Err(); err != nil {
		return err
	}
	it.EnsureStates()
	return nil
}

func (s *sqliteStore) UpdatePlatformState(ctx context.Context, id string, plat content.Platform, st content.PlatformState) error {
	// Field-scoped merge on the (content_id, platform) row only. Two guards
	// run inside the statement so they hold even against concurrent writers:
	// non-quota writes never overwrite a quota_exceeded row, and retry_count
	// never decreases.
	var res sql.Result
	var err error
	if st.Status == content.StatusQuotaExceeded {
		res, err = s.db.ExecContext(ctx,
			`UPDATE platform_state
			 SET status=?, post_url=?, error=?, last_attempt_at=MAX(last_attempt_at, ?), retry_count=MAX(retry_count, ?)
			 WHERE content_id=? AND platform=?`,
			string(st.Status), st.PostURL, st.Error, unixMilliOrZero(st.LastAttemptAt), st.RetryCount,
			id, string(plat),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE platform_state
			 SET status=?, post_url=?, error=?, last_attempt_at=MAX(last_attempt_at, ?), retry_count=MAX(retry_count, ?)
			 WHERE content_id=? AND platform=? AND status != 'quota_exceeded'`,
			string(st.Status), st.PostURL, st.Error, unixMilliOrZero(st.LastAttemptAt), st.RetryCount,
			id, string(plat),
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is missing or a sticky status rejected the write.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM platform_state WHERE content_id=? AND platform=?`,
			id, string(plat)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		s.log.Debug("platform state write rejected: sticky status",
			logx.String("content", id), logx.String("platform", string(plat)))
		return nil
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE content SET updated_at=? WHERE id=?`, time.Now().UnixMilli(), id)
	return nil
}

func (s *sqliteStore) UpdateAggregateStatus(ctx context.Context, id string, agg content.AggregateStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content SET aggregate_status=?, updated_at=? WHERE id=?`,
		string(agg), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteContent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM content WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM platform_state WHERE content_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func joinPlatforms(ps []content.Platform) string {
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}

func splitPlatforms(s string) []content.Platform {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]content.Platform, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, content.Platform(p))
		}
	}
	return out
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
