package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	kit "gfxbot/internal/transport"
)

// memStore is an in-memory Store with the same predicate semantics as
// the sqlite implementation.
type memStore struct {
	mu      sync.Mutex
	items   map[int]MonitoredItem
	watched map[int64]bool

	failPut bool
}

func newMemStore() *memStore {
	return &memStore{items: map[int]MonitoredItem{}, watched: map[int64]bool{}}
}

var errStoreDown = errors.New("store down")

func (s *memStore) PutItem(_ context.Context, it MonitoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errStoreDown
	}
	s.items[it.SourceMessageID] = it
	return nil
}

func (s *memStore) GetItem(_ context.Context, id int) (MonitoredItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok, nil
}

func (s *memStore) DeleteItem(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *memStore) ListItems(_ context.Context) ([]MonitoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MonitoredItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceMessageID < out[j].SourceMessageID })
	return out, nil
}

func (s *memStore) DueReminders(_ context.Context, now time.Time) ([]MonitoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MonitoredItem
	for _, it := range s.items {
		if !it.ReminderSent && !it.ReminderAt.IsZero() && !it.ReminderAt.After(now) && it.InEffectAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceMessageID < out[j].SourceMessageID })
	return out, nil
}

func (s *memStore) MarkReminderSent(_ context.Context, id, reminderMessageID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it.ReminderSent {
		return false, nil
	}
	it.ReminderSent = true
	it.ReminderMessageID = reminderMessageID
	s.items[id] = it
	return true, nil
}

func (s *memStore) ExpiredItems(_ context.Context, now time.Time) ([]MonitoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MonitoredItem
	for _, it := range s.items {
		if !it.PendingApproval && !it.ExpiresAt.IsZero() && !it.ExpiresAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceMessageID < out[j].SourceMessageID })
	return out, nil
}

func (s *memStore) MarkPendingApproval(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.PendingApproval = true
		s.items[id] = it
	}
	return nil
}

func (s *memStore) WatchChannel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched[id] = true
	return nil
}

func (s *memStore) UnwatchChannel(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, id)
	n := 0
	for k, it := range s.items {
		if it.ChannelID == id {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) IsWatched(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watched[id], nil
}

type sentMessage struct {
	to   kit.MessageRef
	text string
}

// fakeMessenger records outbound calls and can inject failures.
type fakeMessenger struct {
	mu       sync.Mutex
	replies  []sentMessage
	reacts   []kit.MessageRef
	deletes  []kit.MessageRef
	nextID   int
	replyErr error
	delErr   error
}

func (f *fakeMessenger) Reply(_ context.Context, to kit.MessageRef, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return kit.MessageRef{}, f.replyErr
	}
	f.nextID++
	f.replies = append(f.replies, sentMessage{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1000 + f.nextID}, nil
}

func (f *fakeMessenger) React(_ context.Context, ref kit.MessageRef, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, ref)
	return nil
}

func (f *fakeMessenger) Delete(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deletes = append(f.deletes, ref)
	return nil
}

func (f *fakeMessenger) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

// fakeAlerter captures moderator alerts by dedup key.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts map[string]string
}

func newFakeAlerter() *fakeAlerter { return &fakeAlerter{alerts: map[string]string{}} }

func (f *fakeAlerter) Alert(key, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts[key] = text
}

func (f *fakeAlerter) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.alerts[key]
	return ok
}
