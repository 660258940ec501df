package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gfxbot/internal/monitor"
	logx "gfxbot/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "gfxbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testItem(id int) monitor.MonitoredItem {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return monitor.MonitoredItem{
		SourceMessageID: id,
		ChannelID:       77,
		RawText:         "grafika 01.06-07.06",
		MatchedExpr:     "01.06-07.06",
		InEffectAt:      base,
		ExpiresAt:       base.Add(8 * 24 * time.Hour),
		ReminderAt:      base.Add(-12 * time.Hour),
		TrackedSince:    base.Add(-10 * 24 * time.Hour),
	}
}

func TestItemRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	want := testItem(5)
	if err := db.PutItem(ctx, want); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	got, ok, err := db.GetItem(ctx, 5)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !ok {
		t.Fatal("item not found")
	}
	if got.SourceMessageID != want.SourceMessageID ||
		got.ChannelID != want.ChannelID ||
		got.RawText != want.RawText ||
		got.MatchedExpr != want.MatchedExpr ||
		!got.InEffectAt.Equal(want.InEffectAt) ||
		!got.ExpiresAt.Equal(want.ExpiresAt) ||
		!got.ReminderAt.Equal(want.ReminderAt) ||
		!got.TrackedSince.Equal(want.TrackedSince) ||
		got.ReminderSent || got.ReminderMessageID != 0 || got.PendingApproval {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestGetItemMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.GetItem(ctx, 404)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if ok {
		t.Fatal("expected missing item")
	}
}

func TestPutItemUpserts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	it := testItem(5)
	if err := db.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	it.MatchedExpr = "15.06-20.06"
	it.InEffectAt = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if err := db.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem (update): %v", err)
	}

	got, _, _ := db.GetItem(ctx, 5)
	if got.MatchedExpr != "15.06-20.06" {
		t.Fatalf("MatchedExpr = %q after upsert", got.MatchedExpr)
	}
	items, err := db.ListItems(ctx)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(items))
	}
}

func TestZeroTimesStoredAsNull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	it := testItem(5)
	it.ReminderAt = time.Time{} // ineligible item
	if err := db.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	got, _, _ := db.GetItem(ctx, 5)
	if !got.ReminderAt.IsZero() {
		t.Fatalf("ReminderAt = %v, want zero", got.ReminderAt)
	}
	// And it never shows up as due.
	due, err := db.DueReminders(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("ineligible item reported due: %+v", due)
	}
}

func TestDueRemindersPredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Date(2025, 5, 31, 13, 0, 0, 0, time.UTC)

	due := testItem(1) // reminder 12:00, in effect tomorrow
	due.ReminderAt = time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)

	notYet := testItem(2)
	notYet.ReminderAt = time.Date(2025, 5, 31, 18, 0, 0, 0, time.UTC)

	inEffect := testItem(3) // in-effect instant already passed
	inEffect.ReminderAt = time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	inEffect.InEffectAt = time.Date(2025, 5, 21, 0, 0, 0, 0, time.UTC)

	sent := testItem(4)
	sent.ReminderAt = time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)

	for _, it := range []monitor.MonitoredItem{due, notYet, inEffect, sent} {
		if err := db.PutItem(ctx, it); err != nil {
			t.Fatalf("PutItem(%d): %v", it.SourceMessageID, err)
		}
	}
	if ok, err := db.MarkReminderSent(ctx, 4, 2001); err != nil || !ok {
		t.Fatalf("MarkReminderSent: ok=%v err=%v", ok, err)
	}

	got, err := db.DueReminders(ctx, now)
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(got) != 1 || got[0].SourceMessageID != 1 {
		t.Fatalf("DueReminders = %+v, want only item 1", got)
	}
}

func TestMarkReminderSentCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.PutItem(ctx, testItem(5)); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	ok, err := db.MarkReminderSent(ctx, 5, 2001)
	if err != nil {
		t.Fatalf("MarkReminderSent: %v", err)
	}
	if !ok {
		t.Fatal("first mark should transition")
	}

	ok, err = db.MarkReminderSent(ctx, 5, 2002)
	if err != nil {
		t.Fatalf("MarkReminderSent (second): %v", err)
	}
	if ok {
		t.Fatal("second mark must not transition")
	}

	got, _, _ := db.GetItem(ctx, 5)
	if got.ReminderMessageID != 2001 {
		t.Fatalf("ReminderMessageID = %d, want the first winner", got.ReminderMessageID)
	}

	// Unknown item: no transition, no error.
	ok, err = db.MarkReminderSent(ctx, 404, 1)
	if err != nil || ok {
		t.Fatalf("MarkReminderSent(missing) = %v, %v", ok, err)
	}
}

func TestExpiredItemsSkipsPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)

	expired := testItem(1)
	pending := testItem(2)
	fresh := testItem(3)
	fresh.ExpiresAt = now.Add(24 * time.Hour)

	for _, it := range []monitor.MonitoredItem{expired, pending, fresh} {
		if err := db.PutItem(ctx, it); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}
	if err := db.MarkPendingApproval(ctx, 2); err != nil {
		t.Fatalf("MarkPendingApproval: %v", err)
	}

	got, err := db.ExpiredItems(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredItems: %v", err)
	}
	if len(got) != 1 || got[0].SourceMessageID != 1 {
		t.Fatalf("ExpiredItems = %+v, want only item 1", got)
	}
}

func TestWatchedChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	if watched, _ := db.IsWatched(ctx, 77); watched {
		t.Fatal("channel watched before WatchChannel")
	}
	if err := db.WatchChannel(ctx, 77); err != nil {
		t.Fatalf("WatchChannel: %v", err)
	}
	// Idempotent.
	if err := db.WatchChannel(ctx, 77); err != nil {
		t.Fatalf("WatchChannel (repeat): %v", err)
	}
	if watched, _ := db.IsWatched(ctx, 77); !watched {
		t.Fatal("channel not watched")
	}
}

func TestUnwatchChannelCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	_ = db.WatchChannel(ctx, 77)
	_ = db.WatchChannel(ctx, 88)

	a := testItem(1)
	b := testItem(2)
	other := testItem(3)
	other.ChannelID = 88
	for _, it := range []monitor.MonitoredItem{a, b, other} {
		if err := db.PutItem(ctx, it); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}

	n, err := db.UnwatchChannel(ctx, 77)
	if err != nil {
		t.Fatalf("UnwatchChannel: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d items, want 2", n)
	}
	if watched, _ := db.IsWatched(ctx, 77); watched {
		t.Fatal("channel still watched")
	}
	if _, ok, _ := db.GetItem(ctx, 3); !ok {
		t.Fatal("item in another channel must survive")
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := db.PutDedup(ctx, "expiry:5", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	got, ok, err := db.GetDedup(ctx, "expiry:5")
	if err != nil {
		t.Fatalf("GetDedup: %v", err)
	}
	if !ok {
		t.Fatal("dedup key missing")
	}
	if !got.Equal(until) {
		t.Fatalf("until = %v, want %v", got, until)
	}

	if _, ok, _ := db.GetDedup(ctx, "other"); ok {
		t.Fatal("unexpected dedup hit")
	}
}
