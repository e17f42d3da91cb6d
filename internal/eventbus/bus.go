// Package eventbus is an in-process fan-out for job lifecycle signals.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the bus counts the drop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Match selects the events a subscriber receives. Nil matches everything.
type Match func(Event) bool

// Topic matches events whose Type equals t.
func Topic(t string) Match { return func(e Event) bool { return e.Type == t } }

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	SubscribeMatch(buffer int, match Match) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	match Match
}

type memBus struct {
	// mu is read-held while sending so unsubscribe (write lock) cannot close
	// a channel mid-send.
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.match != nil && !s.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeMatch(buffer, nil)
}

func (b *memBus) SubscribeMatch(buffer int, match Match) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), match: match}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
