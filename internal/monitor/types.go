package monitor

import (
	"context"
	"errors"
	"time"

	kit "gfxbot/internal/transport"
)

// ErrNoDate reports that a text carries no recognized date expression.
// It is a data result: callers treat it as "not a monitorable item"
// (on create) or "stop monitoring" (on edit), never as a crash.
var ErrNoDate = errors.New("no recognized date expression")

// MonitoredItem is one tracked graphics message. Zero time values and
// a zero ReminderMessageID mean "not set".
type MonitoredItem struct {
	SourceMessageID   int
	ChannelID         int64
	RawText           string
	MatchedExpr       string
	InEffectAt        time.Time
	ExpiresAt         time.Time
	ReminderAt        time.Time
	ReminderSent      bool
	ReminderMessageID int
	PendingApproval   bool
	TrackedSince      time.Time
}

// Ref returns the transport reference of the original message.
func (it MonitoredItem) Ref() kit.MessageRef {
	return kit.MessageRef{ChatID: it.ChannelID, MessageID: it.SourceMessageID}
}

// ReminderRef returns the reference of the posted reminder message.
// Only meaningful when ReminderSent is true.
func (it MonitoredItem) ReminderRef() kit.MessageRef {
	return kit.MessageRef{ChatID: it.ChannelID, MessageID: it.ReminderMessageID}
}

// Store is the persistence surface the engine and dispatcher rely on.
// Implementations must treat SourceMessageID as the unique item key.
type Store interface {
	PutItem(ctx context.Context, it MonitoredItem) error
	GetItem(ctx context.Context, sourceMessageID int) (MonitoredItem, bool, error)
	DeleteItem(ctx context.Context, sourceMessageID int) error
	ListItems(ctx context.Context) ([]MonitoredItem, error)

	// DueReminders returns items with an unsent reminder scheduled at
	// or before now whose in-effect instant is still in the future.
	DueReminders(ctx context.Context, now time.Time) ([]MonitoredItem, error)

	// MarkReminderSent flips ReminderSent and records the reminder
	// message id, but only if the item exists and is still unsent.
	// The returned bool reports whether the row transitioned; this
	// compare-and-set carries the at-most-once delivery guarantee.
	MarkReminderSent(ctx context.Context, sourceMessageID, reminderMessageID int) (bool, error)

	// ExpiredItems returns items past their expiry not yet awaiting
	// moderator approval.
	ExpiredItems(ctx context.Context, now time.Time) ([]MonitoredItem, error)
	MarkPendingApproval(ctx context.Context, sourceMessageID int) error

	WatchChannel(ctx context.Context, channelID int64) error
	// UnwatchChannel disables monitoring for a channel and drops its
	// items, returning how many were removed.
	UnwatchChannel(ctx context.Context, channelID int64) (int, error)
	IsWatched(ctx context.Context, channelID int64) (bool, error)
}

// Messenger is the outbound message surface. The transport adapter
// implements it; failures map to kit.ErrNotFound when the referenced
// message is already gone.
type Messenger interface {
	Reply(ctx context.Context, to kit.MessageRef, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	React(ctx context.Context, ref kit.MessageRef, emoji string) error
	Delete(ctx context.Context, ref kit.MessageRef) error
}

// Alerter delivers out-of-band moderator alerts. Implementations must
// not block; the notifier service queues and rate-limits delivery.
// The key deduplicates repeated alerts about the same subject.
type Alerter interface {
	Alert(key, text string)
}

type ReminderState string

const (
	ReminderNone      ReminderState = "none"
	ReminderScheduled ReminderState = "scheduled"
	ReminderDone      ReminderState = "sent"
)

// ItemStatus is the display view of a tracked item.
type ItemStatus struct {
	SourceMessageID int
	ChannelID       int64
	Expr            string
	InEffectAt      time.Time
	ExpiresAt       time.Time
	State           ReminderState
	ReminderAt      time.Time
	PendingApproval bool
}

// Event types published on the bus.
const (
	EventTracked      = "monitor.item.tracked"
	EventRemoved      = "monitor.item.removed"
	EventReminderSent = "monitor.reminder.sent"
)
