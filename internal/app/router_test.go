package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"gfxbot/internal/monitor"
	kit "gfxbot/internal/transport"
	logx "gfxbot/pkg/logx"
)

// routeStore is an in-memory monitor.Store backing router tests.
type routeStore struct {
	mu      sync.Mutex
	items   map[int]monitor.MonitoredItem
	watched map[int64]bool
}

func newRouteStore() *routeStore {
	return &routeStore{items: map[int]monitor.MonitoredItem{}, watched: map[int64]bool{}}
}

func (s *routeStore) PutItem(_ context.Context, it monitor.MonitoredItem) error {
	s.mu.Lock()
	s.items[it.SourceMessageID] = it
	s.mu.Unlock()
	return nil
}

func (s *routeStore) GetItem(_ context.Context, id int) (monitor.MonitoredItem, bool, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	s.mu.Unlock()
	return it, ok, nil
}

func (s *routeStore) DeleteItem(_ context.Context, id int) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

func (s *routeStore) ListItems(_ context.Context) ([]monitor.MonitoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.MonitoredItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out, nil
}

func (s *routeStore) DueReminders(_ context.Context, now time.Time) ([]monitor.MonitoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []monitor.MonitoredItem
	for _, it := range s.items {
		if !it.ReminderSent && !it.ReminderAt.IsZero() && !it.ReminderAt.After(now) && it.InEffectAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *routeStore) MarkReminderSent(_ context.Context, id, reminderID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it.ReminderSent {
		return false, nil
	}
	it.ReminderSent = true
	it.ReminderMessageID = reminderID
	s.items[id] = it
	return true, nil
}

func (s *routeStore) ExpiredItems(_ context.Context, now time.Time) ([]monitor.MonitoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []monitor.MonitoredItem
	for _, it := range s.items {
		if !it.PendingApproval && !it.ExpiresAt.IsZero() && it.ExpiresAt.Before(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *routeStore) MarkPendingApproval(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.PendingApproval = true
		s.items[id] = it
	}
	return nil
}

func (s *routeStore) WatchChannel(_ context.Context, channelID int64) error {
	s.mu.Lock()
	s.watched[channelID] = true
	s.mu.Unlock()
	return nil
}

func (s *routeStore) UnwatchChannel(_ context.Context, channelID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, channelID)
	n := 0
	for id, it := range s.items {
		if it.ChannelID == channelID {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *routeStore) IsWatched(_ context.Context, channelID int64) (bool, error) {
	s.mu.Lock()
	ok := s.watched[channelID]
	s.mu.Unlock()
	return ok, nil
}

// routeAdapter records outbound calls; Start/Stop are inert.
type routeAdapter struct {
	mu    sync.Mutex
	texts []string
	chats []int64
}

func (a *routeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *routeAdapter) Stop(context.Context) error                     { return nil }

func (a *routeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.chats = append(a.chats, to.ChatID)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 9000 + len(a.texts)}, nil
}

func (a *routeAdapter) Reply(_ context.Context, to kit.MessageRef, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.chats = append(a.chats, to.ChatID)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 9000 + len(a.texts)}, nil
}

func (a *routeAdapter) React(context.Context, kit.MessageRef, string) error { return nil }
func (a *routeAdapter) Delete(context.Context, kit.MessageRef) error        { return nil }

func (a *routeAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func (a *routeAdapter) waitText(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, txt := range a.sent() {
			if strings.Contains(txt, substr) {
				return txt
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no outbound text containing %q; sent: %v", substr, a.sent())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type routerFixture struct {
	router  *Router
	adapter *routeAdapter
	store   *routeStore
	updates chan kit.Update
}

func newRouterFixture(t *testing.T, moderators []int64) *routerFixture {
	t.Helper()
	store := newRouteStore()
	adapter := &routeAdapter{}
	engine, err := monitor.NewEngine(monitor.Config{Timezone: "UTC", ReminderHour: 12}, store, adapter, nil, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r := NewRouter(logx.Nop(), adapter, engine, moderators)

	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		close(updates)
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})
	return &routerFixture{router: r, adapter: adapter, store: store, updates: updates}
}

func commandMsg(from int64, chat int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:     1,
		ChatID: chat,
		FromID: from,
		Text:   text,
	}}
}

func TestRouterModeratorGate(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})

	f.updates <- commandMsg(999, 5, "/watch")
	f.adapter.waitText(t, "unauthorized")

	f.updates <- commandMsg(100, 5, "/watch")
	f.adapter.waitText(t, "channel is now monitored")

	watched, _ := f.store.IsWatched(context.Background(), 5)
	if !watched {
		t.Fatal("channel 5 not watched after /watch")
	}
}

func TestRouterStripsBotMention(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})

	f.updates <- commandMsg(100, 5, "/watch@gfxbot")
	f.adapter.waitText(t, "channel is now monitored")
}

func TestRouterUnknownCommand(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, nil)

	// Private chat gets a hint.
	f.updates <- commandMsg(1, 5, "/frobnicate")
	f.adapter.waitText(t, "unknown command")

	// Groups stay silent; other bots may own the command.
	before := len(f.adapter.sent())
	up := commandMsg(1, 6, "/frobnicate")
	up.Message.IsGroup = true
	f.updates <- up
	time.Sleep(50 * time.Millisecond)
	if got := len(f.adapter.sent()); got != before {
		t.Fatalf("group unknown command replied: %v", f.adapter.sent())
	}
}

func TestRouterHelpOpenToEveryone(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})

	f.updates <- commandMsg(999, 5, "/help")
	txt := f.adapter.waitText(t, "commands:")
	for _, want := range []string{"/watch", "/track <message_id>", "/approve <message_id>"} {
		if !strings.Contains(txt, want) {
			t.Fatalf("help missing %q:\n%s", want, txt)
		}
	}
}

func TestRouterFeedsWatchedChannelPosts(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})
	if err := f.store.WatchChannel(context.Background(), 7); err != nil {
		t.Fatal(err)
	}

	f.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:       31,
		ChatID:   7,
		Text:     "promo graphic 01.06-07.06",
		HasMedia: true,
	}}

	deadline := time.After(3 * time.Second)
	for {
		if _, ok, _ := f.store.GetItem(context.Background(), 31); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("post in watched channel was not tracked")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRouterEditsApplyInArrivalOrder(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})
	if err := f.store.WatchChannel(context.Background(), 7); err != nil {
		t.Fatal(err)
	}

	post := func(kind kit.UpdateKind, id int, text string) {
		f.updates <- kit.Update{Kind: kind, Message: &kit.Message{
			ID:       id,
			ChatID:   7,
			Text:     text,
			HasMedia: true,
		}}
	}

	// Back-to-back edits of one message must land newest-last. Run a
	// batch of messages so a scheduling fluke cannot mask a reordering.
	for id := 50; id < 60; id++ {
		post(kit.UpdateMessage, id, "promo graphic 01.06-07.06")
		post(kit.UpdateEdited, id, "promo graphic 02.06-07.06 first")
		post(kit.UpdateEdited, id, "promo graphic 03.06-07.06 second")
	}

	for id := 50; id < 60; id++ {
		deadline := time.After(3 * time.Second)
		for {
			it, ok, _ := f.store.GetItem(context.Background(), id)
			if ok && strings.Contains(it.RawText, "second") {
				if !strings.Contains(it.RawText, "03.06") {
					t.Fatalf("message %d: RawText = %q, want the last edit", id, it.RawText)
				}
				break
			}
			select {
			case <-deadline:
				t.Fatalf("message %d: RawText = %q, last edit never applied", id, it.RawText)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func TestRouterTrackAndList(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})

	f.updates <- commandMsg(100, 5, "/track 44 01.06-07.06")
	f.adapter.waitText(t, "tracking message 44")

	f.updates <- commandMsg(100, 5, "/list")
	txt := f.adapter.waitText(t, "#44")
	if !strings.Contains(txt, "01.06-07.06") {
		t.Fatalf("list missing expression:\n%s", txt)
	}

	f.updates <- commandMsg(100, 5, "/untrack 44")
	f.adapter.waitText(t, "message 44 untracked")
	if _, ok, _ := f.store.GetItem(context.Background(), 44); ok {
		t.Fatal("item 44 still stored after /untrack")
	}
}

func TestRouterTrackUsageAndBadID(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t, []int64{100})

	f.updates <- commandMsg(100, 5, "/track")
	f.adapter.waitText(t, "usage: /track")

	f.updates <- commandMsg(100, 5, "/track abc czerwiec")
	f.adapter.waitText(t, `invalid message id "abc"`)
}
