// Package analysis runs AI analyses of review subjects: it snapshots the
// request, invokes a provider with retries on a bounded worker pool, and
// turns replies into decisions.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/reviewflow/internal/lease"
	"github.com/TobiSchelling/reviewflow/internal/llm"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetSubject(ctx context.Context, id int64) (*review.Subject, error)
	GetAnalysis(ctx context.Context, id string) (*review.AnalysisRecord, error)
	SaveAnalysis(ctx context.Context, r *review.AnalysisRecord, expectedVersion int64) error
}

// ProviderSelector picks the provider for one attempt.
type ProviderSelector interface {
	Select(ctx context.Context, req llm.Request) (llm.Provider, error)
}

// Outcome is the result of invoking a provider for one analysis record.
// Exactly one of Reply and Err is set.
type Outcome struct {
	Reply     string
	Err       error
	Exhausted bool
	Attempts  int
	Model     string
	Duration  time.Duration
}

// Callback receives the outcome of a finished run.
type Callback func(ctx context.Context, recordID string, out Outcome)

// Orchestrator schedules and runs analyses.
type Orchestrator struct {
	store    Store
	guard    *lease.Guard
	selector ProviderSelector
	pool     *Pool
	policy   Policy
	logger   *slog.Logger
	callback Callback

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. SetCallback must be called before Enqueue.
func New(store Store, guard *lease.Guard, selector ProviderSelector, pool *Pool, policy Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		guard:    guard,
		selector: selector,
		pool:     pool,
		policy:   policy,
		logger:   logger.With("component", "analysis"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetCallback registers the receiver of finished runs.
func (o *Orchestrator) SetCallback(cb Callback) {
	o.callback = cb
}

// Policy returns the decision policy in effect.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Decide interprets a provider reply under the configured policy.
func (o *Orchestrator) Decide(raw string) (review.Decision, error) {
	return o.policy.Decide(raw, o.logger)
}

// NewRecord builds the pending analysis record for a submission, with the
// request captured from the subject's content as it is now. The caller
// persists it together with the submit transition.
func (o *Orchestrator) NewRecord(s *review.Subject) (*review.AnalysisRecord, error) {
	req := BuildRequest(s, o.policy.MaxTokens)
	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	return &review.AnalysisRecord{
		ID:             uuid.NewString(),
		SubjectID:      s.ID,
		SubjectKind:    s.Kind,
		Kind:           review.AnalysisKindFor(s.Kind),
		RequestPayload: payload,
		Status:         review.RecordPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Enqueue schedules Run for recordID on the worker pool.
func (o *Orchestrator) Enqueue(ctx context.Context, recordID string) error {
	if err := o.pool.Submit(ctx, func(wctx context.Context) { o.Run(wctx, recordID) }); err != nil {
		return fmt.Errorf("enqueue analysis %s: %w", recordID, err)
	}
	return nil
}

// Run claims the record, invokes a provider and hands the outcome to the
// callback. A record that is no longer its subject's in-flight analysis is
// cancelled instead. If ctx ends mid-run no outcome is delivered and the
// record stays in flight for a later resume.
func (o *Orchestrator) Run(ctx context.Context, recordID string) {
	rec, err := o.claim(ctx, recordID)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("claiming analysis", "record", recordID, "error", err)
		}
		return
	}
	if rec == nil {
		return
	}

	var out Outcome
	req, err := DecodeRequest(rec.RequestPayload)
	if err != nil {
		out = Outcome{Err: &llm.Error{Kind: llm.Fatal, Provider: "orchestrator", Err: err}}
	} else {
		out = o.invoke(ctx, req)
	}

	if ctx.Err() != nil {
		o.logger.Info("analysis interrupted, leaving for resume", "record", recordID, "attempts", out.Attempts)
		return
	}
	if o.callback == nil {
		o.logger.Error("analysis finished without a callback", "record", recordID)
		return
	}
	o.callback(ctx, recordID, out)
}

// claim moves a pending record to processing under the subject lease.
// It returns nil, nil when there is nothing to run.
func (o *Orchestrator) claim(ctx context.Context, recordID string) (*review.AnalysisRecord, error) {
	rec, err := o.store.GetAnalysis(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var claimed *review.AnalysisRecord
	err = o.guard.With(ctx, rec.SubjectID, func() error {
		// Re-read under the lease; the first read only told us which subject to lock.
		rec, err := o.store.GetAnalysis(ctx, recordID)
		if err != nil {
			return err
		}
		if !rec.Status.InFlight() {
			o.logger.Debug("analysis already finished", "record", recordID, "status", rec.Status)
			return nil
		}

		subject, err := o.store.GetSubject(ctx, rec.SubjectID)
		if err != nil && !errors.Is(err, review.ErrNotFound) {
			return err
		}
		if subject == nil || lease.VerifyInFlight(subject, recordID) != nil {
			o.logger.Info("analysis superseded before start, cancelling", "record", recordID, "subject", rec.SubjectID)
			return o.Cancel(ctx, rec, "superseded before processing")
		}

		if rec.Status == review.RecordPending {
			rec.Status = review.RecordProcessing
			if err := o.store.SaveAnalysis(ctx, rec, rec.Version); err != nil {
				return err
			}
		}
		claimed = rec
		return nil
	})
	return claimed, err
}

// Cancel marks an in-flight record cancelled. The caller must hold the
// subject lease.
func (o *Orchestrator) Cancel(ctx context.Context, rec *review.AnalysisRecord, reason string) error {
	if !rec.Status.InFlight() {
		return nil
	}
	now := o.now().UTC()
	rec.Status = review.RecordCancelled
	rec.ErrorMessage = reason
	rec.CompletedAt = &now
	return o.store.SaveAnalysis(ctx, rec, rec.Version)
}

// invoke calls providers until one replies, a fatal error occurs or the
// attempt budget is spent.
func (o *Orchestrator) invoke(ctx context.Context, req llm.Request) Outcome {
	retry := o.policy.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := o.now()
	var lastErr error
	var model string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reply, m, err := o.attempt(ctx, req)
		if m != "" {
			model = m
		}
		if err == nil {
			return Outcome{Reply: reply, Attempts: attempt, Model: model, Duration: o.now().Sub(start)}
		}
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err(), Attempts: attempt, Model: model, Duration: o.now().Sub(start)}
		}

		lastErr = err
		kind := llm.KindOf(err)
		o.logger.Warn("analysis attempt failed",
			"attempt", attempt, "max_attempts", maxAttempts, "kind", kind, "error", err)
		if kind == llm.Fatal {
			return Outcome{Err: err, Attempts: attempt, Model: model, Duration: o.now().Sub(start)}
		}
		if attempt == maxAttempts {
			break
		}
		if err := o.sleep(ctx, retry.Backoff(attempt)); err != nil {
			return Outcome{Err: err, Attempts: attempt, Model: model, Duration: o.now().Sub(start)}
		}
	}

	return Outcome{
		Err:       fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr),
		Exhausted: true,
		Attempts:  maxAttempts,
		Model:     model,
		Duration:  o.now().Sub(start),
	}
}

func (o *Orchestrator) attempt(ctx context.Context, req llm.Request) (string, string, error) {
	provider, err := o.selector.Select(ctx, req)
	if err != nil {
		return "", "", err
	}
	model := provider.Name() + "/" + provider.Model()

	actx := ctx
	if t := o.policy.Retry.AttemptTimeout; t > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	reply, err := provider.Invoke(actx, req)
	return reply, model, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
