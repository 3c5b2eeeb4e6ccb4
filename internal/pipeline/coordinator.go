// Package pipeline drives review subjects through the state machine. Every
// entry point is one guarded transition attempt: load under the subject
// lease, verify, apply, commit with a version check, then side effects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/analysis"
	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/lease"
	"github.com/TobiSchelling/reviewflow/internal/notify"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetSubject(ctx context.Context, id int64) (*review.Subject, error)
	GetAnalysis(ctx context.Context, id string) (*review.AnalysisRecord, error)
	InFlightAnalyses(ctx context.Context) ([]review.AnalysisRecord, error)
	Commit(ctx context.Context, c database.Change) error
}

// Identity resolves callers to principals.
type Identity interface {
	Principal(ctx context.Context, userID string) (*review.Principal, error)
}

// Analyzer creates, schedules and interprets analyses.
type Analyzer interface {
	NewRecord(s *review.Subject) (*review.AnalysisRecord, error)
	Enqueue(ctx context.Context, recordID string) error
	Decide(raw string) (review.Decision, error)
	SetCallback(cb analysis.Callback)
}

// Notifier is told when new events are in the outbox.
type Notifier interface {
	Kick()
}

// SubmitCommand asks for a draft or rejected subject to be analyzed.
type SubmitCommand struct {
	SubjectID int64
	CallerID  string
	// ExpectedVersion and ExpectedStatus describe the state the caller acted
	// on. At least one must be set; a mismatch fails with review.ErrConflict.
	ExpectedVersion int64
	ExpectedStatus  review.Status
}

// Verb is a human reviewer's decision.
type Verb string

const (
	VerbApprove Verb = "approve"
	VerbReject  Verb = "reject"
)

// ParseVerb validates a verb from user input.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(s); v {
	case VerbApprove, VerbReject:
		return v, nil
	}
	return "", fmt.Errorf("unknown verb %q", s)
}

// DecisionCommand records a human approve or reject.
type DecisionCommand struct {
	SubjectID       int64
	CallerID        string
	Verb            Verb
	Reason          string
	// ExpectedVersion and ExpectedStatus as for SubmitCommand. Approve
	// resolves to the tier of the state the caller acted on.
	ExpectedVersion int64
	ExpectedStatus  review.Status
}

// CallbackResult tells whether an AI outcome changed the subject.
type CallbackResult string

const (
	CallbackApplied   CallbackResult = "applied"
	CallbackDiscarded CallbackResult = "discarded"
)

// Coordinator is the pipeline's entry point.
type Coordinator struct {
	store    Store
	identity Identity
	analyzer Analyzer
	guard    *lease.Guard
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a coordinator and registers it as the analyzer's callback.
func New(store Store, identity Identity, analyzer Analyzer, guard *lease.Guard, notifier Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:    store,
		identity: identity,
		analyzer: analyzer,
		guard:    guard,
		notifier: notifier,
		logger:   logger.With("component", "pipeline"),
		now:      time.Now,
	}
	analyzer.SetCallback(func(ctx context.Context, recordID string, out analysis.Outcome) {
		if _, err := c.OnAICallback(ctx, recordID, out); err != nil {
			c.logger.Error("applying analysis outcome", "record", recordID, "error", err)
		}
	})
	return c
}

// Submit moves the subject to ai_processing, persists a pending analysis
// record in the same commit and schedules it. The analysis runs after
// Submit returns unless the pool is saturated under the caller_runs policy.
func (c *Coordinator) Submit(ctx context.Context, cmd SubmitCommand) (*review.Subject, error) {
	p, err := c.principal(ctx, cmd.CallerID)
	if err != nil {
		return nil, err
	}

	var subject *review.Subject
	var recordID string
	err = c.guard.With(ctx, cmd.SubjectID, func() error {
		s, err := c.store.GetSubject(ctx, cmd.SubjectID)
		if err != nil {
			return err
		}
		if err := lease.VerifyExpected(s, cmd.ExpectedVersion, cmd.ExpectedStatus); err != nil {
			return err
		}
		step, err := review.Next(s, review.TriggerSubmit, p)
		if err != nil {
			return err
		}

		rec, err := c.analyzer.NewRecord(s)
		if err != nil {
			return err
		}
		change := c.apply(s, step, nil)
		s.CurrentAnalysisID = rec.ID
		change.Inserts = []*review.AnalysisRecord{rec}
		if err := c.store.Commit(ctx, change); err != nil {
			return err
		}
		subject, recordID = s, rec.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("subject submitted", "subject", subject.ID, "kind", subject.Kind, "record", recordID)

	// The lease is released before enqueueing: under caller_runs the
	// analysis may run right here and needs the lease itself.
	if err := c.analyzer.Enqueue(ctx, recordID); err != nil {
		c.logger.Error("analysis not scheduled, it will be picked up on resume",
			"subject", subject.ID, "record", recordID, "error", err)
	}
	c.notifier.Kick()
	return subject, nil
}

// HumanDecision applies an approve or reject by a reviewer. Approve resolves
// to the trigger of the review tier the caller saw; a reviewer who lost a
// race gets review.ErrConflict instead of acting on the next tier.
func (c *Coordinator) HumanDecision(ctx context.Context, cmd DecisionCommand) (*review.Subject, error) {
	p, err := c.principal(ctx, cmd.CallerID)
	if err != nil {
		return nil, err
	}

	var subject *review.Subject
	var step review.Step
	err = c.guard.With(ctx, cmd.SubjectID, func() error {
		s, err := c.store.GetSubject(ctx, cmd.SubjectID)
		if err != nil {
			return err
		}
		if err := lease.VerifyExpected(s, cmd.ExpectedVersion, cmd.ExpectedStatus); err != nil {
			return err
		}
		// s now matches what the caller saw, so the tier cannot have shifted.
		trigger, err := triggerFor(cmd.Verb, s.Status)
		if err != nil {
			return err
		}
		step, err = review.Next(s, trigger, p)
		if err != nil {
			return err
		}
		step.Reason = cmd.Reason

		if err := c.store.Commit(ctx, c.apply(s, step, nil)); err != nil {
			return err
		}
		subject = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("review decision applied",
		"subject", subject.ID, "by", cmd.CallerID, "tier", step.By, "from", step.From, "to", step.To)
	c.notifier.Kick()
	return subject, nil
}

// OnAICallback applies a finished analysis. Outcomes for records that are no
// longer their subject's in-flight analysis are discarded without error, and
// such a record is marked cancelled if it was still in flight.
func (c *Coordinator) OnAICallback(ctx context.Context, recordID string, out analysis.Outcome) (CallbackResult, error) {
	first, err := c.store.GetAnalysis(ctx, recordID)
	if errors.Is(err, review.ErrNotFound) {
		c.logger.Warn("callback for unknown analysis, discarding", "record", recordID)
		return CallbackDiscarded, nil
	}
	if err != nil {
		return "", err
	}

	result := CallbackDiscarded
	var step review.Step
	err = c.guard.With(ctx, first.SubjectID, func() error {
		rec, err := c.store.GetAnalysis(ctx, recordID)
		if err != nil {
			return err
		}
		s, err := c.store.GetSubject(ctx, rec.SubjectID)
		if err != nil && !errors.Is(err, review.ErrNotFound) {
			return err
		}

		if s == nil || lease.VerifyInFlight(s, recordID) != nil {
			c.logger.Info("stale analysis callback, discarding", "record", recordID, "subject", rec.SubjectID)
			return c.cancel(ctx, rec, "superseded")
		}
		if rec.Status != review.RecordProcessing {
			c.logger.Warn("callback for unclaimed analysis, discarding", "record", recordID, "status", rec.Status)
			return nil
		}

		var decision *review.Decision
		var trigger review.Trigger
		var reason string
		now := c.now().UTC()

		rec.Attempts = out.Attempts
		rec.Model = out.Model
		rec.Duration = out.Duration
		rec.CompletedAt = &now

		switch {
		case out.Err != nil:
			rec.Status = review.RecordFailed
			rec.ErrorMessage = out.Err.Error()
			trigger = review.TriggerAIFail
			if out.Exhausted {
				trigger = review.TriggerRetriesExhausted
			}
			reason = "AI analysis failed: " + out.Err.Error()
		default:
			rec.ResultText = out.Reply
			d, err := c.analyzer.Decide(out.Reply)
			if err != nil {
				rec.Status = review.RecordFailed
				rec.ErrorMessage = err.Error()
				trigger = review.TriggerAIFail
				reason = "AI analysis failed: " + err.Error()
				break
			}
			decision = &d
			pass := d.IsPass
			rec.Status = review.RecordCompleted
			rec.IsPass = &pass
			rec.Confidence = d.Confidence
			rec.RiskLevel = d.RiskLevel
			rec.KeyIssues = d.KeyIssues
			rec.Recommendations = d.Recommendations
			rec.Escalated = d.Escalated
			rec.Fallback = d.Fallback
			trigger = review.TriggerAIFail
			if d.IsPass {
				trigger = review.TriggerAIPass
			}
			reason = d.Summary()
		}

		step, err = review.Next(s, trigger, nil)
		if err != nil {
			return err
		}
		step.Reason = reason

		change := c.apply(s, step, decision)
		s.CurrentAnalysisID = ""
		change.Updates = []database.AnalysisUpdate{{Record: rec}}
		if err := c.store.Commit(ctx, change); err != nil {
			if errors.Is(err, review.ErrConflict) {
				c.logger.Warn("analysis outcome lost a version race, discarding", "record", recordID, "error", err)
				return nil
			}
			return err
		}
		result = CallbackApplied
		return nil
	})
	if err != nil {
		return "", err
	}

	if result == CallbackApplied {
		c.logger.Info("analysis applied",
			"record", recordID, "subject", first.SubjectID, "trigger", step.Trigger, "to", step.To)
		c.notifier.Kick()
	}
	return result, nil
}

// Resume re-schedules analyses left in flight, for example by a crash or
// shutdown. Records whose subject has moved on are cancelled.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	records, err := c.store.InFlightAnalyses(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading in-flight analyses: %w", err)
	}

	resumed := 0
	for _, r := range records {
		var live bool
		err := c.guard.With(ctx, r.SubjectID, func() error {
			rec, err := c.store.GetAnalysis(ctx, r.ID)
			if err != nil {
				return err
			}
			s, err := c.store.GetSubject(ctx, rec.SubjectID)
			if err != nil && !errors.Is(err, review.ErrNotFound) {
				return err
			}
			if s == nil || lease.VerifyInFlight(s, rec.ID) != nil {
				c.logger.Info("cancelling orphaned analysis", "record", rec.ID, "subject", rec.SubjectID)
				return c.cancel(ctx, rec, "orphaned")
			}
			live = true
			return nil
		})
		if err != nil {
			return resumed, err
		}
		if !live {
			continue
		}
		if err := c.analyzer.Enqueue(ctx, r.ID); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		c.logger.Info("resumed analyses", "count", resumed)
	}
	return resumed, nil
}

// apply mutates s for step and returns the change to commit, including the
// notification event if the step has recipients.
func (c *Coordinator) apply(s *review.Subject, step review.Step, d *review.Decision) database.Change {
	expected := s.Version
	now := c.now().UTC()
	review.Apply(s, step, now)

	change := database.Change{Subject: s, ExpectedVersion: expected}
	if e, ok := notify.NewEvent(s, step, d, now); ok {
		change.Events = []review.NotificationEvent{e}
	}
	return change
}

func (c *Coordinator) cancel(ctx context.Context, rec *review.AnalysisRecord, reason string) error {
	if !rec.Status.InFlight() {
		return nil
	}
	now := c.now().UTC()
	rec.Status = review.RecordCancelled
	rec.ErrorMessage = reason
	rec.CompletedAt = &now
	return c.store.Commit(ctx, database.Change{Updates: []database.AnalysisUpdate{{Record: rec}}})
}

func (c *Coordinator) principal(ctx context.Context, userID string) (*review.Principal, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: caller not identified", review.ErrForbidden)
	}
	p, err := c.identity.Principal(ctx, userID)
	if errors.Is(err, review.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user %s", review.ErrForbidden, userID)
	}
	return p, err
}

func triggerFor(v Verb, status review.Status) (review.Trigger, error) {
	switch v {
	case VerbReject:
		return review.TriggerReject, nil
	case VerbApprove:
		if status == review.StatusSuperAdminReviewing {
			return review.TriggerSuperAdminApprove, nil
		}
		return review.TriggerAdminApprove, nil
	}
	return "", fmt.Errorf("%w: unknown verb %q", review.ErrInvalidTransition, v)
}
