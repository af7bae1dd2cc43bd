package eventbus

import (
	"sync"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple the scheduler
// core from its observers (daemon logging, history, tests).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscriber channels are buffered; slow subscribers drop events.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a minimal in-memory fanout bus. It owns no background goroutines.
type Bus struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]*subscriber
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // nil means all types
}

func New() *Bus {
	return &Bus{subs: map[uint64]*subscriber{}}
}

// Publish delivers e to every matching subscriber without blocking.
// A subscriber whose buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot matching subscribers so sends happen outside the lock.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			chs = append(chs, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from the send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered subscription. With no types given, every
// event is delivered; otherwise only the listed event types are.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

func (s *subscriber) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}
