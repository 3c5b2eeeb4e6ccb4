package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// LogSink writes each event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, e review.NotificationEvent) error {
	for _, r := range e.Recipients {
		to := r.UserID
		if to == "" {
			to = "role:" + string(r.Role)
		}
		s.logger.Info("notification",
			"event", e.ID,
			"subject", e.SubjectID,
			"kind", e.SubjectKind,
			"from", e.Transition.From,
			"to", e.Transition.To,
			"recipient", to,
			"template", r.Template,
		)
	}
	return nil
}

// Bus is an in-process publish/subscribe channel for notification events.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan review.NotificationEvent
	next int
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan review.NotificationEvent)}
}

// Subscribe returns a channel receiving every event delivered after the call,
// and a func that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan review.NotificationEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan review.NotificationEvent, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Name() string { return "bus" }

// Deliver hands e to every subscriber with room in its buffer. Subscribers
// that fall behind miss the event; the outbox keeps the durable record.
func (b *Bus) Deliver(ctx context.Context, e review.NotificationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return ctx.Err()
}
