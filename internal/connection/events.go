package connection

import (
	"sync"

	"vlyne/internal/xray"
)

type EventKind int

const (
	EventLog EventKind = iota
	EventStateChanged
	EventStopped
)

// Stop reasons carried by EventStopped.
const (
	ReasonProcessExit     = "process-exit"
	ReasonManualStop      = "manual-stop"
	ReasonManualNoProcess = "manual-no-process"
	ReasonAppQuit         = "app-quit"
)

// StopInfo tells observers why the tunnel went down. Code is set only for
// process-exit.
type StopInfo struct {
	Reason string
	Code   *int
	Signal string
}

// Event is one notification on the Bus. Only the field matching Kind is set.
type Event struct {
	Kind  EventKind
	Line  xray.LogLine
	State State
	Stop  StopInfo
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that detaches it. The
// channel is closed on unsubscribe or when the bus closes, and receives
// nothing afterwards.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close detaches every subscriber. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
