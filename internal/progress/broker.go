package progress

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultGraceWindow keeps a finished operation's event buffer around so
// late subscribers can still observe the outcome.
const DefaultGraceWindow = 2 * time.Minute

const subscriberBuffer = 256

// Event is one named progress event of an operation.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Terminal event types. Publishing either one ends the operation.
const (
	EventComplete = "complete"
	EventError    = "error"
)

type operation struct {
	events []Event
	subs   map[chan Event]struct{}
	done   bool
}

// Broker buffers progress events per operation id and replays them, in
// order, to every subscriber. Operations are one-shot: after a terminal
// event the buffer survives for a grace window, then is evicted.
type Broker struct {
	mu    sync.Mutex
	ops   map[string]*operation
	grace time.Duration

	// afterFunc is swappable for tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewBroker creates a Broker with the given grace window; zero means
// DefaultGraceWindow.
func NewBroker(grace time.Duration) *Broker {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Broker{
		ops:       make(map[string]*operation),
		grace:     grace,
		afterFunc: time.AfterFunc,
	}
}

// Publish appends an event to the operation's buffer and fans it out to
// live subscribers. Publishing EventComplete or EventError terminates the
// operation. Events published after termination are dropped.
func (b *Broker) Publish(opID string, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	op := b.ops[opID]
	if op == nil {
		op = &operation{subs: make(map[chan Event]struct{})}
		b.ops[opID] = op
	}
	if op.done {
		slog.Warn("progress event after terminal state dropped", "operation", opID, "event", eventType)
		return
	}

	ev := Event{Type: eventType, Payload: payload}
	op.events = append(op.events, ev)
	for ch := range op.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("slow progress subscriber, dropping event", "operation", opID, "event", eventType)
		}
	}

	if eventType == EventComplete || eventType == EventError {
		op.done = true
		for ch := range op.subs {
			close(ch)
		}
		op.subs = make(map[chan Event]struct{})
		b.afterFunc(b.grace, func() { b.evict(opID) })
	}
}

// Subscribe returns a channel that first replays the operation's buffered
// events in order, then carries live events. The channel is closed when
// the operation terminates. The returned cancel function detaches the
// subscriber; it is safe to call more than once.
func (b *Broker) Subscribe(opID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	op := b.ops[opID]
	if op == nil {
		op = &operation{subs: make(map[chan Event]struct{})}
		b.ops[opID] = op
	}

	ch := make(chan Event, len(op.events)+subscriberBuffer)
	for _, ev := range op.events {
		ch <- ev
	}
	if op.done {
		close(ch)
		return ch, func() {}
	}

	op.subs[ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := op.subs[ch]; ok {
				delete(op.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Active reports whether the operation exists and has not terminated.
func (b *Broker) Active(opID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	op := b.ops[opID]
	return op != nil && !op.done
}

func (b *Broker) evict(opID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if op := b.ops[opID]; op != nil && op.done {
		delete(b.ops, opID)
	}
}
