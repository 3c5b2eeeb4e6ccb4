package main

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/reviewflow/internal/analysis"
	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/lease"
	"github.com/TobiSchelling/reviewflow/internal/llm"
	"github.com/TobiSchelling/reviewflow/internal/notify"
	"github.com/TobiSchelling/reviewflow/internal/pipeline"
)

// runtime is the wired pipeline shared by the commands that change state.
type runtime struct {
	db    *database.DB
	pool  *analysis.Pool
	coord *pipeline.Coordinator
	relay *notify.Relay
	bus   *notify.Bus
}

func newRuntime() (*runtime, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}

	selector, err := llm.FromConfig(cfg.Providers, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring providers: %w", err)
	}

	a := cfg.Analysis
	pool, err := analysis.NewPool(a.Workers, a.QueueSize, analysis.Saturation(a.SaturationPolicy))
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := notify.NewBus()
	sinks := []notify.Sink{notify.NewLogSink(logger), bus}
	n := cfg.Notifications
	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(n.WebhookURL, n.WebhookTimeout))
	}
	relay := notify.NewRelay(db, notify.RelayOptions{
		Interval:    n.RelayInterval,
		BatchSize:   n.BatchSize,
		MaxAttempts: n.MaxAttempts,
	}, logger, sinks...)

	guard := lease.New()
	orch := analysis.New(db, guard, selector, pool, analysis.PolicyFromConfig(cfg), logger)
	coord := pipeline.New(db, db, orch, guard, relay, logger)

	return &runtime{db: db, pool: pool, coord: coord, relay: relay, bus: bus}, nil
}

// Close waits for queued analyses to finish, delivers the notifications
// they produced and closes the database.
func (rt *runtime) Close(ctx context.Context) {
	rt.pool.Close()
	rt.finish(ctx)
}

// Shutdown cancels running analyses, leaving them in flight for the next
// resume, then flushes notifications and closes the database.
func (rt *runtime) Shutdown(ctx context.Context) {
	rt.pool.Stop()
	rt.finish(ctx)
}

func (rt *runtime) finish(ctx context.Context) {
	if _, _, err := rt.relay.Flush(ctx); err != nil {
		logger.Warn("flushing notifications", "error", err)
	}
	rt.db.Close()
}
