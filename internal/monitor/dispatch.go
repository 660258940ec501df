package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gfxbot/internal/eventbus"
	logx "gfxbot/pkg/logx"
)

// DispatchConfig controls reminder delivery.
type DispatchConfig struct {
	// Template builds the reminder text; {expr} expands to the matched
	// date expression, {date} to the formatted in-effect instant.
	Template string
	// Reaction is the emoji set on the original message once its
	// reminder is posted. Empty disables the visual marker.
	Reaction string
	// Timezone for {date} formatting.
	Timezone string
	// SendTimeout bounds each outbound call.
	SendTimeout time.Duration
}

const (
	DefaultTemplate    = "⏰ Reminder: this graphic goes into effect {date} ({expr})."
	DefaultReaction    = "✅"
	DefaultSendTimeout = 15 * time.Second
)

// Dispatcher performs the periodic reminder sweep: it finds due,
// unsent reminders, delivers each exactly once, and leaves failed
// items pending so the next sweep retries. It holds no state between
// sweeps; after downtime the first sweep simply finds the overdue
// reminders and delivers them immediately.
type Dispatcher struct {
	mu    *sync.Mutex
	store Store
	msgr  Messenger
	alert Alerter
	bus   eventbus.Bus
	log   logx.Logger

	// guarded by mu (hot-reloadable)
	cfg DispatchConfig
	loc *time.Location
}

func NewDispatcher(cfg DispatchConfig, store Store, msgr Messenger, alert Alerter, bus eventbus.Bus, mu *sync.Mutex, log logx.Logger) (*Dispatcher, error) {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{mu: mu, store: store, msgr: msgr, alert: alert, bus: bus, log: log}
	if err := d.Apply(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) Apply(cfg DispatchConfig) error {
	if strings.TrimSpace(cfg.Template) == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("monitor.timezone: %w", err)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.loc = loc
	d.mu.Unlock()
	return nil
}

// Sweep runs one due-reminder scan. Items are processed independently:
// one delivery failure is logged and retried next sweep without
// aborting the rest. Returns how many reminders were posted.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) int {
	d.mu.Lock()
	due, err := d.store.DueReminders(ctx, now)
	d.mu.Unlock()
	if err != nil {
		d.log.Error("due reminder query failed", logx.Err(err))
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	d.log.Debug("reminder sweep", logx.Int("due", len(due)))

	sent := 0
	for _, it := range due {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, it.SourceMessageID, now) {
			sent++
		}
	}
	if sent > 0 {
		d.log.Info("reminder sweep done", logx.Int("sent", sent), logx.Int("due", len(due)))
	}
	return sent
}

// deliver posts the reminder for one item. The item is re-read under
// the shared lock immediately before sending so a reconciliation that
// raced with the sweep (edit, delete, un-monitor) wins: the dispatcher
// only acts on committed state.
func (d *Dispatcher) deliver(ctx context.Context, sourceMessageID int, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok, err := d.store.GetItem(ctx, sourceMessageID)
	if err != nil {
		d.log.Error("item re-read failed", logx.Int("message_id", sourceMessageID), logx.Err(err))
		return false
	}
	if !ok {
		// Removed since the scan: the pending reminder was cancelled.
		return false
	}
	if it.ReminderSent {
		if it.ReminderMessageID == 0 {
			// Invariant violation; a bug somewhere upstream. Skip the
			// item, keep the sweep alive.
			d.log.Error("store inconsistency: reminder sent without message id", logx.Int("message_id", it.SourceMessageID))
		}
		return false
	}
	if it.ReminderAt.IsZero() || it.ReminderAt.After(now) {
		return false
	}
	if !it.InEffectAt.After(now) {
		// Already in effect; a reminder now is useless noise.
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	ref, err := d.msgr.Reply(sendCtx, it.Ref(), d.renderText(it), nil)
	if err != nil {
		// Left unsent on purpose: the next sweep retries until the
		// item is removed.
		d.log.Warn("reminder delivery failed", logx.Int("message_id", it.SourceMessageID), logx.Err(err))
		return false
	}
	if d.cfg.Reaction != "" {
		if err := d.msgr.React(sendCtx, it.Ref(), d.cfg.Reaction); err != nil {
			// The reminder is already posted; don't lose that over a
			// missing reaction.
			d.log.Warn("reaction failed", logx.Int("message_id", it.SourceMessageID), logx.Err(err))
		}
	}

	changed, err := d.store.MarkReminderSent(ctx, it.SourceMessageID, ref.MessageID)
	if err != nil {
		d.log.Error("mark reminder sent failed", logx.Int("message_id", it.SourceMessageID), logx.Err(err))
		return false
	}
	if !changed {
		// Lost a race we should not be able to lose under the shared
		// lock; surface it loudly.
		d.log.Error("reminder marked sent concurrently", logx.Int("message_id", it.SourceMessageID))
		return false
	}

	late := now.Sub(it.ReminderAt)
	d.log.Info("reminder posted",
		logx.Int("message_id", it.SourceMessageID),
		logx.Int("reminder_message_id", ref.MessageID),
		logx.Time("scheduled_at", it.ReminderAt),
		logx.Duration("late_by", late))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventReminderSent, Data: map[string]any{
			"message_id":          it.SourceMessageID,
			"reminder_message_id": ref.MessageID,
		}})
	}
	return true
}

// ExpirySweep finds graphics past their expiry instant and asks the
// moderator to approve cleanup. Items are marked pending so the next
// sweep doesn't re-ask; the decision arrives via /approve or /keep.
func (d *Dispatcher) ExpirySweep(ctx context.Context, now time.Time) {
	d.mu.Lock()
	loc := d.loc
	expired, err := d.store.ExpiredItems(ctx, now)
	d.mu.Unlock()
	if err != nil {
		d.log.Error("expired item query failed", logx.Err(err))
		return
	}

	for _, it := range expired {
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		if err := d.store.MarkPendingApproval(ctx, it.SourceMessageID); err != nil {
			d.mu.Unlock()
			d.log.Error("mark pending approval failed", logx.Int("message_id", it.SourceMessageID), logx.Err(err))
			continue
		}
		d.mu.Unlock()

		d.log.Info("graphic expired, awaiting approval",
			logx.Int("message_id", it.SourceMessageID),
			logx.Time("expired_at", it.ExpiresAt))
		if d.alert != nil {
			d.alert.Alert(
				fmt.Sprintf("expiry:%d", it.SourceMessageID),
				fmt.Sprintf("Graphic %d (%s) expired %s. Reply /approve %d to delete it or /keep %d to leave it.",
					it.SourceMessageID, it.MatchedExpr,
					it.ExpiresAt.In(loc).Format("2006-01-02 15:04"),
					it.SourceMessageID, it.SourceMessageID),
			)
		}
	}
}

func (d *Dispatcher) renderText(it MonitoredItem) string {
	r := strings.NewReplacer(
		"{expr}", it.MatchedExpr,
		"{date}", it.InEffectAt.In(d.loc).Format("Mon, 2 Jan 15:04"),
	)
	return r.Replace(d.cfg.Template)
}
