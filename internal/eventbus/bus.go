// Package eventbus carries monitor lifecycle signals (item tracked,
// item removed, reminder sent) between parts of the bot that should
// not import each other. The event type constants live next to their
// publishers, e.g. monitor.EventTracked.
package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-memory signal. Data holds whatever the publisher
// attaches (an item id, a count); consumers type-switch on Type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.Mutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the lock across them is fine
	// and guarantees no send races an unsubscribe's close.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		for i, cur := range b.subs {
			if cur == s {
				last := len(b.subs) - 1
				b.subs[i], b.subs = b.subs[last], b.subs[:last]
				break
			}
		}
		close(s.ch)
	}
	return s.ch, unsubscribe
}
