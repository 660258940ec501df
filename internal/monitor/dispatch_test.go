package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	logx "gfxbot/pkg/logx"
)

func newTestDispatcher(t *testing.T, store Store, msgr Messenger, alert Alerter) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatchConfig{Timezone: "UTC"}, store, msgr, alert, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func dueItem(id int, reminderAt, inEffectAt time.Time) MonitoredItem {
	return MonitoredItem{
		SourceMessageID: id,
		ChannelID:       77,
		MatchedExpr:     "01.06-07.06",
		InEffectAt:      inEffectAt,
		ExpiresAt:       inEffectAt.Add(7 * 24 * time.Hour),
		ReminderAt:      reminderAt,
		TrackedSince:    reminderAt.Add(-10 * 24 * time.Hour),
	}
}

func TestSweepDeliversDueReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, store, msgr, nil)

	now := time.Date(2025, 5, 31, 12, 30, 0, 0, time.UTC)
	reminderAt := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)
	inEffect := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5, reminderAt, inEffect))

	if sent := d.Sweep(ctx, now); sent != 1 {
		t.Fatalf("Sweep sent %d, want 1", sent)
	}
	if msgr.replyCount() != 1 {
		t.Fatalf("replies = %d, want 1", msgr.replyCount())
	}
	if !strings.Contains(msgr.replies[0].text, "01.06-07.06") {
		t.Fatalf("reminder text missing expression: %q", msgr.replies[0].text)
	}
	if len(msgr.reacts) != 1 {
		t.Fatalf("reacts = %d, want 1", len(msgr.reacts))
	}

	it, _, _ := store.GetItem(ctx, 5)
	if !it.ReminderSent || it.ReminderMessageID == 0 {
		t.Fatalf("item not marked sent: %+v", it)
	}
}

func TestSweepAtMostOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, store, msgr, nil)

	now := time.Date(2025, 5, 31, 12, 30, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5,
		time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	d.Sweep(ctx, now)
	d.Sweep(ctx, now.Add(time.Minute))
	d.Sweep(ctx, now.Add(2*time.Minute))

	if msgr.replyCount() != 1 {
		t.Fatalf("reminder delivered %d times, want exactly 1", msgr.replyCount())
	}
}

func TestSweepDeliversLateReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, store, msgr, nil)

	// Scheduled days ago (downtime); still before the in-effect instant.
	now := time.Date(2025, 5, 31, 20, 0, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5,
		time.Date(2025, 5, 28, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	if sent := d.Sweep(ctx, now); sent != 1 {
		t.Fatalf("late reminder not delivered")
	}
}

func TestSweepSkipsAlreadyInEffect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, store, msgr, nil)

	// The in-effect instant passed during downtime: a reminder now
	// would be noise.
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5,
		time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	if sent := d.Sweep(ctx, now); sent != 0 {
		t.Fatalf("Sweep sent %d, want 0", sent)
	}
	if msgr.replyCount() != 0 {
		t.Fatal("no reply expected for an item already in effect")
	}
}

func TestSweepRetriesAfterDeliveryFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{replyErr: errors.New("flood wait")}
	d := newTestDispatcher(t, store, msgr, nil)

	now := time.Date(2025, 5, 31, 12, 30, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5,
		time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	if sent := d.Sweep(ctx, now); sent != 0 {
		t.Fatalf("Sweep sent %d, want 0 on failure", sent)
	}
	it, _, _ := store.GetItem(ctx, 5)
	if it.ReminderSent {
		t.Fatal("failed delivery must leave the item unsent")
	}

	// Transport recovers; next sweep delivers.
	msgr.mu.Lock()
	msgr.replyErr = nil
	msgr.mu.Unlock()
	if sent := d.Sweep(ctx, now.Add(time.Hour)); sent != 1 {
		t.Fatalf("retry sweep sent %d, want 1", sent)
	}
}

func TestSweepFailureIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, store, msgr, nil)

	now := time.Date(2025, 5, 31, 12, 30, 0, 0, time.UTC)
	reminderAt := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)

	// Item 1 is already marked sent but the scan raced; item 2 is fine.
	it1 := dueItem(1, reminderAt, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	_ = store.PutItem(ctx, it1)
	_ = store.PutItem(ctx, dueItem(2, reminderAt, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	_, _ = store.MarkReminderSent(ctx, 1, 999)

	if sent := d.Sweep(ctx, now); sent != 1 {
		t.Fatalf("Sweep sent %d, want 1", sent)
	}
	if msgr.replies[0].to.MessageID != 2 {
		t.Fatalf("delivered to %d, want item 2", msgr.replies[0].to.MessageID)
	}
}

func TestSweepReReadsUnderLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, store, msgr, nil)

	now := time.Date(2025, 5, 31, 12, 30, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5,
		time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	// Simulate a removal that lands between the scan and the delivery:
	// the item from the scan snapshot is gone by send time.
	_ = store.DeleteItem(ctx, 5)

	if sent := d.Sweep(ctx, now); sent != 0 {
		t.Fatalf("Sweep sent %d for a removed item", sent)
	}
	if msgr.replyCount() != 0 {
		t.Fatal("no reminder may be posted for a removed item")
	}
}

func TestSweepRendersTemplate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	msgr := &fakeMessenger{}
	d, err := NewDispatcher(DispatchConfig{
		Template: "heads up: {expr} starts {date}",
		Timezone: "UTC",
	}, store, msgr, nil, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	now := time.Date(2025, 5, 31, 12, 30, 0, 0, time.UTC)
	_ = store.PutItem(ctx, dueItem(5,
		time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

	d.Sweep(ctx, now)
	want := "heads up: 01.06-07.06 starts Sun, 1 Jun 00:00"
	if msgr.replies[0].text != want {
		t.Fatalf("text = %q, want %q", msgr.replies[0].text, want)
	}
}

func TestExpirySweepAsksOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	alert := newFakeAlerter()
	d := newTestDispatcher(t, store, &fakeMessenger{}, alert)

	inEffect := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	it := dueItem(5, time.Time{}, inEffect)
	it.ExpiresAt = time.Date(2025, 6, 8, 23, 59, 59, 0, time.UTC)
	_ = store.PutItem(ctx, it)

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	d.ExpirySweep(ctx, now)

	if !alert.has(fmt.Sprintf("expiry:%d", 5)) {
		t.Fatal("expected an expiry alert")
	}
	got, _, _ := store.GetItem(ctx, 5)
	if !got.PendingApproval {
		t.Fatal("item not marked pending approval")
	}

	// Second sweep: already pending, no further alert processing.
	alert.mu.Lock()
	alert.alerts = map[string]string{}
	alert.mu.Unlock()
	d.ExpirySweep(ctx, now.Add(time.Hour))
	if alert.has(fmt.Sprintf("expiry:%d", 5)) {
		t.Fatal("pending item alerted again")
	}
}

func TestExpirySweepSkipsUnexpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	alert := newFakeAlerter()
	d := newTestDispatcher(t, store, &fakeMessenger{}, alert)

	it := dueItem(5, time.Time{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	it.ExpiresAt = time.Date(2025, 6, 8, 23, 59, 59, 0, time.UTC)
	_ = store.PutItem(ctx, it)

	d.ExpirySweep(ctx, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC))
	if len(alert.alerts) != 0 {
		t.Fatalf("unexpired item alerted: %v", alert.alerts)
	}
}
