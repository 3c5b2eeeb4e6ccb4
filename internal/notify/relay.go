package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// Outbox is the durable event store the relay drains.
type Outbox interface {
	PendingNotifications(ctx context.Context, afterEmitted time.Time, afterID string, limit, maxAttempts int) ([]review.NotificationEvent, error)
	MarkNotificationDelivered(ctx context.Context, id string) error
	MarkNotificationFailed(ctx context.Context, id string, cause error) error
}

// Sink delivers one event to an external collaborator.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e review.NotificationEvent) error
}

// RelayOptions tunes the relay loop.
type RelayOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay publishes committed outbox events to sinks. An event counts as
// delivered once every sink accepted it; otherwise it is retried on a later
// pass until MaxAttempts, so sinks may see an event more than once.
type Relay struct {
	outbox Outbox
	sinks  []Sink
	opts   RelayOptions
	logger *slog.Logger

	kick chan struct{}
	mu   sync.Mutex
}

// NewRelay creates a relay over outbox.
func NewRelay(outbox Outbox, opts RelayOptions, logger *slog.Logger, sinks ...Sink) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outbox: outbox,
		sinks:  sinks,
		opts:   opts,
		logger: logger.With("component", "notify"),
		kick:   make(chan struct{}, 1),
	}
}

// Kick asks a running relay to flush soon. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every tick and kick until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if _, _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("relay pass failed", "error", err)
		}
	}
}

// Flush delivers pending events in batches until none are left, returning
// how many were delivered and how many failed in this pass. Each pass pages
// through the outbox once, so failing events are tried at most once per pass
// and never hold back the events behind them.
func (r *Relay) Flush(ctx context.Context) (delivered, failed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var afterEmitted time.Time
	var afterID string
	for {
		events, err := r.outbox.PendingNotifications(ctx, afterEmitted, afterID, r.opts.BatchSize, r.opts.MaxAttempts)
		if err != nil {
			return delivered, failed, fmt.Errorf("loading outbox: %w", err)
		}

		for _, e := range events {
			afterEmitted, afterID = e.EmittedAt, e.ID

			if derr := r.deliver(ctx, e); derr != nil {
				failed++
				r.logger.Warn("notification delivery failed",
					"event", e.ID, "subject", e.SubjectID, "attempt", e.Attempts+1, "error", derr)
				if err := r.outbox.MarkNotificationFailed(ctx, e.ID, derr); err != nil {
					return delivered, failed, err
				}
				if e.Attempts+1 >= r.opts.MaxAttempts {
					r.logger.Error("notification abandoned", "event", e.ID, "attempts", e.Attempts+1)
				}
				continue
			}
			delivered++
			if err := r.outbox.MarkNotificationDelivered(ctx, e.ID); err != nil {
				return delivered, failed, err
			}
		}
		if len(events) < r.opts.BatchSize {
			return delivered, failed, nil
		}
	}
}

func (r *Relay) deliver(ctx context.Context, e review.NotificationEvent) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Deliver(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
