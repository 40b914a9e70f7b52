package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process pub/sub hub. Subscribers select events by kind prefix
// and never block publishers: a full subscriber loses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	prefixes []string
	ch       chan Event
}

func (s *subscription) wants(kind string) bool {
	return slices.ContainsFunc(s.prefixes, func(p string) bool {
		return strings.HasPrefix(kind, p)
	})
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every matching subscriber, stamping a fresh id and
// the current time when they are missing.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe is SubscribeAny with a single prefix.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeAny(bufSize, prefix)
}

// SubscribeAny returns a buffered channel receiving events whose kind starts
// with any of prefixes, and a function that ends the subscription. The
// function is safe to call more than once.
func (b *Bus) SubscribeAny(bufSize int, prefixes ...string) (<-chan Event, func()) {
	sub := &subscription{prefixes: slices.Clone(prefixes), ch: make(chan Event, bufSize)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries lost to full subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
