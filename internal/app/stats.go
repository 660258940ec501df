package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gfxbot/internal/eventbus"
	"gfxbot/internal/monitor"
	kit "gfxbot/internal/transport"
)

// runStats counts monitor lifecycle events since startup. Fed from the
// event bus; read by the /stats command.
type runStats struct {
	started time.Time

	tracked   atomic.Int64
	removed   atomic.Int64
	reminders atomic.Int64
}

func newRunStats(now time.Time) *runStats {
	return &runStats{started: now}
}

func (s *runStats) observe(e eventbus.Event) {
	switch e.Type {
	case monitor.EventTracked:
		s.tracked.Add(1)
	case monitor.EventRemoved:
		s.removed.Add(1)
	case monitor.EventReminderSent:
		s.reminders.Add(1)
	}
}

func (s *runStats) render(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "up %s\n", now.Sub(s.started).Round(time.Second))
	fmt.Fprintf(&b, "graphics tracked: %d\n", s.tracked.Load())
	fmt.Fprintf(&b, "graphics removed: %d\n", s.removed.Load())
	fmt.Fprintf(&b, "reminders sent: %d", s.reminders.Load())
	return b.String()
}

func statsCommand(s *runStats) Command {
	return Command{
		Name:        "stats",
		Description: "show uptime and activity counters",
		Usage:       "/stats",
		Access:      AccessModeratorOnly,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, s.render(time.Now()), &kit.SendOptions{DisablePreview: true})
			return err
		},
	}
}
