package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"stakeportal/core/types"
)

const historyLimit = 256

// Envelope is an event with its stream position.
type Envelope struct {
	Sequence uint64 `json:"sequence"`
	Cursor   string `json:"cursor"`
	types.Event
}

// Broadcaster streams events to UI subscribers. Slow subscribers miss events
// rather than blocking publishers; a reconnecting subscriber replays the
// backlog after its cursor.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Envelope
	history []Envelope
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Envelope)}
}

// Publish sends event to every subscriber.
func (b *Broadcaster) Publish(event types.Event) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	env := Envelope{Sequence: b.seq, Cursor: strconv.FormatUint(b.seq, 10), Event: event}
	b.history = append(b.history, env)
	if len(b.history) > historyLimit {
		trimmed := make([]Envelope, historyLimit)
		copy(trimmed, b.history[len(b.history)-historyLimit:])
		b.history = trimmed
	}
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return env
}

// Notify publishes n as a notification event.
func (b *Broadcaster) Notify(_ context.Context, n Notification) {
	b.Publish(types.Event{Type: types.EventNotification, Payload: n})
}

// Subscribe registers a subscriber for events after cursor. The returned
// cancel function is idempotent and also runs when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context, cursor string) (<-chan Envelope, func(), []Envelope) {
	updates := make(chan Envelope, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Envelope, 0, len(b.history))
	for _, env := range b.history {
		if env.Sequence > since {
			backlog = append(backlog, env)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
