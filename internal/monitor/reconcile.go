package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gfxbot/internal/eventbus"
	kit "gfxbot/internal/transport"
	logx "gfxbot/pkg/logx"
)

// Config holds the scheduling knobs shared by the engine's parser and
// policy. Zero values fall back to defaults.
type Config struct {
	Timezone       string
	ReminderHour   int
	ReminderMinute int
}

const DefaultTimezone = "Europe/Warsaw"

func (c Config) location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	return time.LoadLocation(tz)
}

// Engine reconciles monitored-item state with message events:
// create, edit, delete, explicit un/monitor, and expiry cleanup.
//
// Every transition is idempotent with respect to duplicate event
// delivery; a missing item on edit/delete is a no-op. All writes are
// serialized with the dispatcher through the shared mutex.
type Engine struct {
	mu    *sync.Mutex
	store Store
	msgr  Messenger
	alert Alerter
	bus   eventbus.Bus
	log   logx.Logger

	// guarded by mu (hot-reloadable)
	parser *Parser
	policy Policy
}

func NewEngine(cfg Config, store Store, msgr Messenger, alert Alerter, bus eventbus.Bus, mu *sync.Mutex, log logx.Logger) (*Engine, error) {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{mu: mu, store: store, msgr: msgr, alert: alert, bus: bus, log: log}
	if err := e.Apply(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply swaps the parser and policy per cfg. Used at startup and on
// config hot reload.
func (e *Engine) Apply(cfg Config) error {
	loc, err := cfg.location()
	if err != nil {
		return fmt.Errorf("monitor.timezone: %w", err)
	}
	e.mu.Lock()
	e.parser = NewParser(loc)
	e.policy = NewPolicy(loc, cfg.ReminderHour, cfg.ReminderMinute)
	e.mu.Unlock()
	return nil
}

// Mutex exposes the serialization lock shared with the dispatcher.
func (e *Engine) Mutex() *sync.Mutex { return e.mu }

// OnCreate handles a new message in a possibly-watched channel.
// Only media posts are candidates: the watched channels carry
// graphics, and captions carry the date expressions. A watched-channel
// media post without a recognized date alerts the moderator.
func (e *Engine) OnCreate(ctx context.Context, msg *kit.Message, now time.Time) error {
	if msg == nil || !msg.HasMedia {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	watched, err := e.store.IsWatched(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if !watched {
		return nil
	}

	parsed, err := e.parser.Parse(msg.Text, now)
	if errors.Is(err, ErrNoDate) {
		if e.alert != nil {
			e.alert.Alert(
				fmt.Sprintf("nodate:%d:%d", msg.ChatID, msg.ID),
				fmt.Sprintf("Graphic %d in channel %d has no recognized date expression. Use /track %d <date> to monitor it.", msg.ID, msg.ChatID, msg.ID),
			)
		}
		return nil
	}
	if err != nil {
		return err
	}

	it := e.buildItem(msg.ChatID, msg.ID, msg.Text, parsed, now)
	if err := e.store.PutItem(ctx, it); err != nil {
		return err
	}
	e.log.Info("graphic tracked",
		logx.Int("message_id", it.SourceMessageID),
		logx.String("expr", it.MatchedExpr),
		logx.Time("in_effect_at", it.InEffectAt),
		logx.Bool("reminder", !it.ReminderAt.IsZero()))
	e.publish(EventTracked, it.SourceMessageID)
	return nil
}

// OnEdit re-parses the new text of a tracked message. Losing the date
// expression stops monitoring (and removes an already-sent reminder
// message). A successful re-parse updates the in-effect instant; the
// reminder schedule is only recomputed while unsent, measured from the
// original TrackedSince so edits don't reset the eligibility clock.
func (e *Engine) OnEdit(ctx context.Context, msg *kit.Message, now time.Time) error {
	if msg == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok, err := e.store.GetItem(ctx, msg.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Not tracked (or a duplicate notification after removal).
		return nil
	}

	parsed, perr := e.parser.Parse(msg.Text, now)
	if errors.Is(perr, ErrNoDate) {
		e.log.Info("date expression lost on edit, untracking", logx.Int("message_id", it.SourceMessageID))
		return e.removeLocked(ctx, it, false)
	}
	if perr != nil {
		return perr
	}

	it.RawText = msg.Text
	it.MatchedExpr = parsed.Expr
	it.InEffectAt = parsed.InEffectAt
	it.ExpiresAt = parsed.ExpiresAt
	if !it.ReminderSent {
		it.ReminderAt = time.Time{}
		if at, ok := e.policy.ReminderAt(it.TrackedSince, it.InEffectAt); ok {
			it.ReminderAt = at
		}
	}
	if err := e.store.PutItem(ctx, it); err != nil {
		return err
	}
	e.log.Info("graphic reconciled",
		logx.Int("message_id", it.SourceMessageID),
		logx.String("expr", it.MatchedExpr),
		logx.Time("in_effect_at", it.InEffectAt))
	return nil
}

// OnDelete handles deletion of the source message.
func (e *Engine) OnDelete(ctx context.Context, sourceMessageID int) error {
	return e.Unmonitor(ctx, sourceMessageID)
}

// Unmonitor stops tracking an item, removing its reminder message if
// one was posted. A missing item is a no-op.
func (e *Engine) Unmonitor(ctx context.Context, sourceMessageID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok, err := e.store.GetItem(ctx, sourceMessageID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.removeLocked(ctx, it, false)
}

// ResolveExpiry finishes the expiry flow after moderator review.
// When approved, the original message (and any reminder message) is
// deleted from the channel; otherwise the messages stay and only the
// tracking record is dropped.
func (e *Engine) ResolveExpiry(ctx context.Context, sourceMessageID int, deleteMessages bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok, err := e.store.GetItem(ctx, sourceMessageID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.removeLocked(ctx, it, deleteMessages)
}

// removeLocked drops the item and cleans up posted messages.
// kit.ErrNotFound from any delete means the message is already gone
// and counts as success.
func (e *Engine) removeLocked(ctx context.Context, it MonitoredItem, deleteOriginal bool) error {
	if deleteOriginal {
		if err := e.msgr.Delete(ctx, it.Ref()); err != nil && !errors.Is(err, kit.ErrNotFound) {
			return err
		}
	}
	if it.ReminderSent && it.ReminderMessageID != 0 {
		if err := e.msgr.Delete(ctx, it.ReminderRef()); err != nil && !errors.Is(err, kit.ErrNotFound) {
			e.log.Warn("reminder message cleanup failed", logx.Int("message_id", it.SourceMessageID), logx.Err(err))
		}
	}
	if err := e.store.DeleteItem(ctx, it.SourceMessageID); err != nil {
		return err
	}
	e.log.Info("graphic untracked", logx.Int("message_id", it.SourceMessageID))
	e.publish(EventRemoved, it.SourceMessageID)
	return nil
}

// RegisterManually tracks a message by explicit command. The 48-hour
// eligibility window is measured from now (the registration instant),
// not from when the message was originally posted.
func (e *Engine) RegisterManually(ctx context.Context, channelID int64, messageID int, text string, now time.Time) (MonitoredItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	parsed, err := e.parser.Parse(text, now)
	if err != nil {
		return MonitoredItem{}, err
	}
	it := e.buildItem(channelID, messageID, text, parsed, now)
	if err := e.store.PutItem(ctx, it); err != nil {
		return MonitoredItem{}, err
	}
	e.log.Info("graphic tracked manually",
		logx.Int("message_id", it.SourceMessageID),
		logx.String("expr", it.MatchedExpr),
		logx.Time("in_effect_at", it.InEffectAt))
	e.publish(EventTracked, it.SourceMessageID)
	return it, nil
}

// WatchChannel enables monitoring for a channel.
func (e *Engine) WatchChannel(ctx context.Context, channelID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.WatchChannel(ctx, channelID)
}

// UnwatchChannel disables monitoring for a channel and drops its
// items, returning how many were removed.
func (e *Engine) UnwatchChannel(ctx context.Context, channelID int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.UnwatchChannel(ctx, channelID)
}

// Statuses returns the display state of every tracked item.
func (e *Engine) Statuses(ctx context.Context) ([]ItemStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := e.store.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ItemStatus, 0, len(items))
	for _, it := range items {
		st := ItemStatus{
			SourceMessageID: it.SourceMessageID,
			ChannelID:       it.ChannelID,
			Expr:            it.MatchedExpr,
			InEffectAt:      it.InEffectAt,
			ExpiresAt:       it.ExpiresAt,
			ReminderAt:      it.ReminderAt,
			PendingApproval: it.PendingApproval,
			State:           ReminderNone,
		}
		switch {
		case it.ReminderSent:
			st.State = ReminderDone
		case !it.ReminderAt.IsZero():
			st.State = ReminderScheduled
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) buildItem(channelID int64, messageID int, text string, parsed Parsed, now time.Time) MonitoredItem {
	it := MonitoredItem{
		SourceMessageID: messageID,
		ChannelID:       channelID,
		RawText:         text,
		MatchedExpr:     parsed.Expr,
		InEffectAt:      parsed.InEffectAt,
		ExpiresAt:       parsed.ExpiresAt,
		TrackedSince:    now,
	}
	if at, ok := e.policy.ReminderAt(it.TrackedSince, it.InEffectAt); ok {
		it.ReminderAt = at
	}
	return it
}

func (e *Engine) publish(typ string, messageID int) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{"message_id": messageID}})
}
