package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity classifies a notification for presentation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Notification is a user-facing message. Key identifies the message for
// de-duplication, for example "stake-success".
type Notification struct {
	Key      string   `json:"key"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notification) {
	if f != nil {
		f(ctx, n)
	}
}

// Multi fans a notification out to every sink in order.
type Multi []Notifier

// Notify delivers n to each non-nil sink.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, sink := range m {
		if sink != nil {
			sink.Notify(ctx, n)
		}
	}
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// Notify logs n at a level matching its severity.
func (l Log) Notify(ctx context.Context, n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Severity == SeverityError {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, n.Message, slog.String("key", n.Key), slog.String("severity", string(n.Severity)))
}

// Dedup drops a notification whose key is still displayed, i.e. was emitted
// less than window ago. Notifications without a key always pass.
type Dedup struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup wraps next. A non-positive window defaults to five seconds, the
// usual lifetime of a toast.
func NewDedup(next Notifier, window time.Duration) *Dedup {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Dedup{next: next, window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// Notify forwards n unless an identical key is active.
func (d *Dedup) Notify(ctx context.Context, n Notification) {
	if n.Key != "" {
		now := d.now()
		d.mu.Lock()
		if last, ok := d.seen[n.Key]; ok && now.Sub(last) < d.window {
			d.mu.Unlock()
			return
		}
		d.seen[n.Key] = now
		for key, at := range d.seen {
			if now.Sub(at) >= d.window {
				delete(d.seen, key)
			}
		}
		d.mu.Unlock()
	}
	if d.next != nil {
		d.next.Notify(ctx, n)
	}
}
