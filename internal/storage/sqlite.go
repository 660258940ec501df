package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gfxbot/internal/monitor"
	logx "gfxbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// DB is the SQLite-backed store. It implements monitor.Store plus the
// notifier's dedup surface.
type DB struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &DB{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- monitored items ----

const itemColumns = `source_message_id, channel_id, raw_text, matched_expr,
	in_effect_at, expires_at, reminder_at, reminder_sent, reminder_message_id,
	pending_approval, tracked_since`

func (s *DB) PutItem(ctx context.Context, it monitor.MonitoredItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitored_items(`+itemColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(source_message_id) DO UPDATE SET
		   channel_id=excluded.channel_id,
		   raw_text=excluded.raw_text,
		   matched_expr=excluded.matched_expr,
		   in_effect_at=excluded.in_effect_at,
		   expires_at=excluded.expires_at,
		   reminder_at=excluded.reminder_at,
		   reminder_sent=excluded.reminder_sent,
		   reminder_message_id=excluded.reminder_message_id,
		   pending_approval=excluded.pending_approval,
		   tracked_since=excluded.tracked_since`,
		it.SourceMessageID, it.ChannelID, it.RawText, it.MatchedExpr,
		nullTime(it.InEffectAt), nullTime(it.ExpiresAt), nullTime(it.ReminderAt),
		boolInt(it.ReminderSent), nullInt(it.ReminderMessageID),
		boolInt(it.PendingApproval), it.TrackedSince.UnixMilli(),
	)
	return err
}

func (s *DB) GetItem(ctx context.Context, sourceMessageID int) (monitor.MonitoredItem, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM monitored_items WHERE source_message_id = ?`,
		sourceMessageID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.MonitoredItem{}, false, nil
	}
	if err != nil {
		return monitor.MonitoredItem{}, false, err
	}
	return it, true, nil
}

func (s *DB) DeleteItem(ctx context.Context, sourceMessageID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM monitored_items WHERE source_message_id = ?`, sourceMessageID)
	return err
}

func (s *DB) ListItems(ctx context.Context) ([]monitor.MonitoredItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM monitored_items ORDER BY in_effect_at, source_message_id`)
}

func (s *DB) DueReminders(ctx context.Context, now time.Time) ([]monitor.MonitoredItem, error) {
	ms := now.UnixMilli()
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM monitored_items
		 WHERE reminder_sent = 0
		   AND reminder_at IS NOT NULL AND reminder_at <= ?
		   AND in_effect_at > ?
		 ORDER BY reminder_at`, ms, ms)
}

func (s *DB) MarkReminderSent(ctx context.Context, sourceMessageID, reminderMessageID int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_items
		 SET reminder_sent = 1, reminder_message_id = ?
		 WHERE source_message_id = ? AND reminder_sent = 0`,
		reminderMessageID, sourceMessageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) ExpiredItems(ctx context.Context, now time.Time) ([]monitor.MonitoredItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM monitored_items
		 WHERE pending_approval = 0
		   AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at`, now.UnixMilli())
}

func (s *DB) MarkPendingApproval(ctx context.Context, sourceMessageID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitored_items SET pending_approval = 1 WHERE source_message_id = ?`,
		sourceMessageID)
	return err
}

func (s *DB) queryItems(ctx context.Context, query string, args ...any) ([]monitor.MonitoredItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.MonitoredItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (monitor.MonitoredItem, error) {
	var (
		it                             monitor.MonitoredItem
		inEffect, expires, reminder    sql.NullInt64
		sent, pending                  int
		reminderMsgID                  sql.NullInt64
		trackedSince                   int64
	)
	err := r.Scan(&it.SourceMessageID, &it.ChannelID, &it.RawText, &it.MatchedExpr,
		&inEffect, &expires, &reminder, &sent, &reminderMsgID, &pending, &trackedSince)
	if err != nil {
		return monitor.MonitoredItem{}, err
	}
	it.InEffectAt = fromNullTime(inEffect)
	it.ExpiresAt = fromNullTime(expires)
	it.ReminderAt = fromNullTime(reminder)
	it.ReminderSent = sent != 0
	it.PendingApproval = pending != 0
	if reminderMsgID.Valid {
		it.ReminderMessageID = int(reminderMsgID.Int64)
	}
	it.TrackedSince = time.UnixMilli(trackedSince)
	return it, nil
}

// ---- watched channels ----

func (s *DB) WatchChannel(ctx context.Context, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watched_channels(channel_id, enabled_at) VALUES(?,?)
		 ON CONFLICT(channel_id) DO NOTHING`,
		channelID, time.Now().UnixMilli())
	return err
}

func (s *DB) UnwatchChannel(ctx context.Context, channelID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM monitored_items WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM watched_channels WHERE channel_id = ?`, channelID)
	return int(n), err
}

func (s *DB) IsWatched(ctx context.Context, channelID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM watched_channels WHERE channel_id = ?`, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- notifier dedup ----

func (s *DB) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *DB) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *DB) pruneExpiredDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

// ---- helpers ----

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
