package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/analysis"
	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/lease"
	"github.com/TobiSchelling/reviewflow/internal/llm"
	"github.com/TobiSchelling/reviewflow/internal/logging"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

type reply struct {
	text string
	err  error
}

// scriptedProvider returns replies in order, repeating the last one. With
// hang set it waits for the attempt deadline; with gate set it waits for
// the gate to close before replying.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	hang    bool
	gate    chan struct{}
}

func (p *scriptedProvider) Name() string                     { return "scripted" }
func (p *scriptedProvider) Model() string                    { return "v1" }
func (p *scriptedProvider) IsAvailable(context.Context) bool { return true }
func (p *scriptedProvider) CostEstimate(llm.Request) float64 { return 0 }

func (p *scriptedProvider) Invoke(ctx context.Context, _ llm.Request) (string, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.hang {
		<-ctx.Done()
		return "", &llm.Error{Kind: llm.Retryable, Provider: "scripted", Err: ctx.Err()}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", &llm.Error{Kind: llm.Retryable, Provider: "scripted", Err: ctx.Err()}
		}
	}
	if len(p.replies) == 0 {
		return `{"isPass": true, "confidence": 0.9}`, nil
	}
	r := p.replies[len(p.replies)-1]
	if n <= len(p.replies) {
		r = p.replies[n-1]
	}
	return r.text, r.err
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type kickCounter struct{ n atomic.Int32 }

func (k *kickCounter) Kick() { k.n.Add(1) }

type harness struct {
	db    *database.DB
	coord *Coordinator
	kicks *kickCounter
}

func testPolicy() analysis.Policy {
	return analysis.Policy{
		Retry: analysis.RetryPolicy{
			MaxAttempts:    3,
			BaseInterval:   time.Millisecond,
			Multiplier:     2,
			MaxInterval:    4 * time.Millisecond,
			AttemptTimeout: 2 * time.Second,
		},
		ParseFallback:       analysis.FallbackLenient,
		FallbackConfidence:  0.3,
		LowConfidence:       analysis.LowConfidenceEscalate,
		ConfidenceThreshold: 0.6,
		MaxTokens:           256,
	}
}

func newHarness(t *testing.T, provider llm.Provider, policy analysis.Policy) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, u := range []database.User{
		{ID: "olga", Name: "Olga", Roles: []review.Role{review.RoleMember}},
		{ID: "ada", Name: "Ada", Roles: []review.Role{review.RoleAdmin}},
		{ID: "abe", Name: "Abe", Roles: []review.Role{review.RoleAdmin}},
		{ID: "sam", Name: "Sam", Roles: []review.Role{review.RoleSuperAdmin}},
		{ID: "zed", Name: "Zed", Roles: []review.Role{review.RoleAdmin, review.RoleSuperAdmin}},
	} {
		if err := db.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	pool, err := analysis.NewPool(2, 8, analysis.SaturationBlock)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	// Registered after db.Close so it runs first.
	t.Cleanup(pool.Stop)

	guard := lease.New()
	log := logging.Discard()
	orch := analysis.New(db, guard, llm.NewSelector(llm.SelectOrdered, log, provider), pool, policy, log)
	kicks := &kickCounter{}
	return &harness{db: db, coord: New(db, db, orch, guard, kicks, log), kicks: kicks}
}

func (h *harness) draft(t *testing.T, kind review.Kind) *review.Subject {
	t.Helper()
	s := &review.Subject{Kind: kind, OwnerID: "olga",
		Content: review.Content{Title: "Week 42", Summary: "Importer shipped", Body: "Shipped the feed importer."}}
	if _, err := h.db.InsertSubject(context.Background(), s); err != nil {
		t.Fatalf("InsertSubject: %v", err)
	}
	return s
}

func (h *harness) waitStatus(t *testing.T, id int64, want review.Status) *review.Subject {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := h.db.GetSubject(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSubject: %v", err)
		}
		if s.Status == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("subject %d stuck in %s, want %s", id, s.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// checkInFlightInvariant asserts that every subject is in ai_processing
// exactly when one in-flight record exists for it and it is the tracked one.
func (h *harness) checkInFlightInvariant(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	subjects, err := h.db.ListSubjects(ctx, database.SubjectFilter{})
	if err != nil {
		t.Fatalf("ListSubjects: %v", err)
	}
	for _, s := range subjects {
		records, _ := h.db.ListAnalyses(ctx, s.ID)
		var inflight []review.AnalysisRecord
		for _, r := range records {
			if r.Status.InFlight() {
				inflight = append(inflight, r)
			}
		}
		if s.Status == review.StatusAIProcessing {
			if len(inflight) != 1 || inflight[0].ID != s.CurrentAnalysisID {
				t.Errorf("subject %d in ai_processing with %d in-flight records", s.ID, len(inflight))
			}
		} else if len(inflight) != 0 || s.CurrentAnalysisID != "" {
			t.Errorf("subject %d in %s still has in-flight work", s.ID, s.Status)
		}
	}
}

func TestScenarioAPassThenAdminApprove(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{gate: gate, replies: []reply{{text: `{"isPass": true, "confidence": 0.9, "riskLevel": "LOW"}`}}}
	h := newHarness(t, provider, testPolicy())
	ctx := context.Background()
	s := h.draft(t, review.KindWeeklyReport)

	got, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != review.StatusAIProcessing || got.SubmittedAt == nil {
		t.Fatalf("expected ai_processing with submittedAt, got %+v", got)
	}
	records, _ := h.db.ListAnalyses(ctx, s.ID)
	if len(records) != 1 || !records[0].Status.InFlight() {
		t.Fatalf("expected exactly one in-flight record, got %+v", records)
	}
	h.checkInFlightInvariant(t)

	close(gate)
	h.waitStatus(t, s.ID, review.StatusAdminReviewing)
	h.checkInFlightInvariant(t)

	rec, _ := h.db.GetAnalysis(ctx, records[0].ID)
	if rec.Status != review.RecordCompleted || rec.Confidence != 0.9 || rec.RiskLevel != review.RiskLow {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Model != "scripted/v1" || rec.Attempts != 1 {
		t.Errorf("model/attempts not recorded: %s %d", rec.Model, rec.Attempts)
	}

	final, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbApprove, ExpectedStatus: review.StatusAdminReviewing})
	if err != nil {
		t.Fatalf("HumanDecision: %v", err)
	}
	if final.Status != review.StatusApproved || final.DecidedAt == nil {
		t.Errorf("expected approved weekly report, got %+v", final)
	}

	events, _ := h.db.NotificationsForSubject(ctx, s.ID)
	if len(events) != 2 {
		t.Fatalf("expected 2 events (review requested, approved), got %d", len(events))
	}
	if events[0].Recipients[0].Role != review.RoleAdmin || events[1].Transition.To != review.StatusApproved {
		t.Errorf("unexpected events: %+v", events)
	}
	if h.kicks.n.Load() < 3 {
		t.Errorf("relay should be kicked after every commit, got %d", h.kicks.n.Load())
	}
}

func TestScenarioBAIRejects(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{{text: `{"isPass": false, "confidence": 0.8, "proposal": "No concrete outcomes listed."}`}}}
	h := newHarness(t, provider, testPolicy())
	s := h.draft(t, review.KindWeeklyReport)

	if _, err := h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := h.waitStatus(t, s.ID, review.StatusRejected)

	if got.RejectedBy != review.RoleAI {
		t.Errorf("expected rejectedBy ai, got %s", got.RejectedBy)
	}
	if got.RejectionReason != "No concrete outcomes listed." {
		t.Errorf("expected reason from proposal, got %q", got.RejectionReason)
	}
	records, _ := h.db.ListAnalyses(context.Background(), s.ID)
	if records[0].Status != review.RecordCompleted || records[0].IsPass == nil || *records[0].IsPass {
		t.Errorf("expected completed failing record, got %+v", records[0])
	}
	h.checkInFlightInvariant(t)
}

func TestScenarioCRetriesExhausted(t *testing.T) {
	provider := &scriptedProvider{hang: true}
	policy := testPolicy()
	policy.Retry.AttemptTimeout = 20 * time.Millisecond
	h := newHarness(t, provider, policy)
	s := h.draft(t, review.KindProjectProposal)

	if _, err := h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := h.waitStatus(t, s.ID, review.StatusRejected)

	if provider.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", provider.Calls())
	}
	if got.RejectedBy != review.RoleAI {
		t.Errorf("expected rejectedBy ai, got %s", got.RejectedBy)
	}
	records, _ := h.db.ListAnalyses(context.Background(), s.ID)
	rec := records[0]
	if rec.Status != review.RecordFailed || rec.Attempts != 3 {
		t.Errorf("expected failed record after 3 attempts, got %s/%d", rec.Status, rec.Attempts)
	}
	if !strings.Contains(rec.ErrorMessage, "deadline exceeded") {
		t.Errorf("expected last timeout detail, got %q", rec.ErrorMessage)
	}
	if !strings.Contains(got.RejectionReason, "deadline exceeded") {
		t.Errorf("expected timeout in rejection reason, got %q", got.RejectionReason)
	}
}

func TestScenarioDConcurrentApprove(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, testPolicy())
	ctx := context.Background()
	s := h.draft(t, review.KindProjectProposal)

	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	reviewing := h.waitStatus(t, s.ID, review.StatusAdminReviewing)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, caller := range []string{"ada", "abe"} {
		wg.Add(1)
		go func(i int, caller string) {
			defer wg.Done()
			_, errs[i] = h.coord.HumanDecision(ctx, DecisionCommand{
				SubjectID: s.ID, CallerID: caller, Verb: VerbApprove, ExpectedVersion: reviewing.Version,
			})
		}(i, caller)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, review.ErrConflict):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", succeeded, conflicted)
	}

	got, _ := h.db.GetSubject(ctx, s.ID)
	if got.Status != review.StatusSuperAdminReviewing || got.Version != reviewing.Version+1 {
		t.Errorf("expected exactly one transition, got %s v%d", got.Status, got.Version)
	}
}

func TestConcurrentSubmitOneWinner(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{gate: gate}
	h := newHarness(t, provider, testPolicy())
	defer close(gate)
	ctx := context.Background()
	s := h.draft(t, review.KindWeeklyReport)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedVersion: s.Version})
		}(i)
	}
	wg.Wait()

	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("expected exactly one success, got %v / %v", errs[0], errs[1])
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, review.ErrConflict) {
			t.Errorf("expected ErrConflict for the loser, got %v", err)
		}
	}
	records, _ := h.db.ListAnalyses(ctx, s.ID)
	if len(records) != 1 {
		t.Errorf("expected exactly one analysis record, got %d", len(records))
	}
	h.checkInFlightInvariant(t)
}

// oneWinner asserts that exactly one of errs is nil and the rest are conflicts.
func oneWinner(t *testing.T, errs []error) {
	t.Helper()
	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, review.ErrConflict):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != len(errs)-1 {
		t.Fatalf("expected one winner and %d conflicts, got %d/%d", len(errs)-1, succeeded, conflicted)
	}
}

func TestConcurrentCommandsByStatusConflict(t *testing.T) {
	t.Run("submit", func(t *testing.T) {
		gate := make(chan struct{})
		h := newHarness(t, &scriptedProvider{gate: gate}, testPolicy())
		defer close(gate)
		s := h.draft(t, review.KindWeeklyReport)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
			}(i)
		}
		wg.Wait()
		oneWinner(t, errs)
	})

	for _, kind := range []review.Kind{review.KindWeeklyReport, review.KindProjectProposal} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, &scriptedProvider{}, testPolicy())
			ctx := context.Background()
			s := h.draft(t, kind)
			if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			reviewing := h.waitStatus(t, s.ID, review.StatusAdminReviewing)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, caller := range []string{"ada", "zed"} {
				wg.Add(1)
				go func(i int, caller string) {
					defer wg.Done()
					_, errs[i] = h.coord.HumanDecision(ctx, DecisionCommand{
						SubjectID: s.ID, CallerID: caller, Verb: VerbApprove, ExpectedStatus: review.StatusAdminReviewing,
					})
				}(i, caller)
			}
			wg.Wait()
			oneWinner(t, errs)

			got, _ := h.db.GetSubject(ctx, s.ID)
			if got.Version != reviewing.Version+1 {
				t.Errorf("expected exactly one transition, got v%d", got.Version)
			}
		})
	}
}

func TestLateAdminApproveDoesNotActAtNextTier(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, testPolicy())
	ctx := context.Background()
	s := h.draft(t, review.KindProjectProposal)
	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitStatus(t, s.ID, review.StatusAdminReviewing)

	approve := func(caller string) error {
		_, err := h.coord.HumanDecision(ctx, DecisionCommand{
			SubjectID: s.ID, CallerID: caller, Verb: VerbApprove, ExpectedStatus: review.StatusAdminReviewing,
		})
		return err
	}
	if err := approve("ada"); err != nil {
		t.Fatalf("first admin approve: %v", err)
	}
	// zed also holds super_admin but acted on the admin tier.
	if err := approve("zed"); !errors.Is(err, review.ErrConflict) {
		t.Fatalf("late admin approve: expected ErrConflict, got %v", err)
	}
	got, _ := h.db.GetSubject(ctx, s.ID)
	if got.Status != review.StatusSuperAdminReviewing {
		t.Errorf("proposal must wait for its own super admin review, got %s", got.Status)
	}
}

func TestStaleCallbackIsNoOp(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &scriptedProvider{gate: gate}, testPolicy())
	defer close(gate)
	ctx := context.Background()
	s := h.draft(t, review.KindWeeklyReport)

	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	before, _ := h.db.GetSubject(ctx, s.ID)

	// An older analysis of the same subject that was never the tracked one.
	stale := &review.AnalysisRecord{ID: "stale-1", SubjectID: s.ID, SubjectKind: s.Kind,
		Kind: review.AnalysisWeeklyReview, RequestPayload: "{}", Status: review.RecordProcessing}
	if err := h.db.Commit(ctx, database.Change{Inserts: []*review.AnalysisRecord{stale}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	result, err := h.coord.OnAICallback(ctx, "stale-1", analysis.Outcome{Reply: `{"isPass": false}`})
	if err != nil {
		t.Fatalf("stale callback must not error: %v", err)
	}
	if result != CallbackDiscarded {
		t.Errorf("expected discarded, got %s", result)
	}

	after, _ := h.db.GetSubject(ctx, s.ID)
	if after.Status != before.Status || after.Version != before.Version {
		t.Errorf("stale callback changed subject: %s v%d -> %s v%d", before.Status, before.Version, after.Status, after.Version)
	}
	rec, _ := h.db.GetAnalysis(ctx, "stale-1")
	if rec.Status != review.RecordCancelled {
		t.Errorf("superseded record should be cancelled, got %s", rec.Status)
	}

	if result, _ := h.coord.OnAICallback(ctx, "no-such-record", analysis.Outcome{}); result != CallbackDiscarded {
		t.Errorf("unknown record should be discarded, got %s", result)
	}
}

func TestHumanDecisionGuards(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, testPolicy())
	ctx := context.Background()
	s := h.draft(t, review.KindProjectProposal)

	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbApprove, ExpectedStatus: review.StatusDraft}); !errors.Is(err, review.ErrInvalidTransition) {
		t.Errorf("approving a draft: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "ada", ExpectedStatus: review.StatusDraft}); !errors.Is(err, review.ErrForbidden) {
		t.Errorf("non-owner submit: expected ErrForbidden, got %v", err)
	}
	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "mallory", ExpectedStatus: review.StatusDraft}); !errors.Is(err, review.ErrForbidden) {
		t.Errorf("unknown caller: expected ErrForbidden, got %v", err)
	}

	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	reviewing := h.waitStatus(t, s.ID, review.StatusAdminReviewing)

	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "olga", Verb: VerbApprove, ExpectedStatus: review.StatusAdminReviewing}); !errors.Is(err, review.ErrForbidden) {
		t.Errorf("member approving: expected ErrForbidden, got %v", err)
	}
	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbApprove, ExpectedVersion: reviewing.Version - 1}); !errors.Is(err, review.ErrConflict) {
		t.Errorf("stale expected version: expected ErrConflict, got %v", err)
	}
	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbApprove}); !errors.Is(err, review.ErrPreconditionRequired) {
		t.Errorf("no expected state: expected ErrPreconditionRequired, got %v", err)
	}
	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbApprove, ExpectedStatus: review.StatusSuperAdminReviewing}); !errors.Is(err, review.ErrConflict) {
		t.Errorf("wrong expected status: expected ErrConflict, got %v", err)
	}
	unchanged, _ := h.db.GetSubject(ctx, s.ID)
	if unchanged.Version != reviewing.Version {
		t.Error("rejected commands must not mutate the subject")
	}

	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbApprove, ExpectedStatus: review.StatusAdminReviewing}); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if _, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "ada", Verb: VerbReject, ExpectedStatus: review.StatusSuperAdminReviewing}); !errors.Is(err, review.ErrForbidden) {
		t.Errorf("admin rejecting at super admin tier: expected ErrForbidden, got %v", err)
	}

	got, err := h.coord.HumanDecision(ctx, DecisionCommand{SubjectID: s.ID, CallerID: "sam", Verb: VerbReject, Reason: "Budget frozen", ExpectedStatus: review.StatusSuperAdminReviewing})
	if err != nil {
		t.Fatalf("super admin reject: %v", err)
	}
	if got.Status != review.StatusRejected || got.RejectedBy != review.RoleSuperAdmin || got.RejectionReason != "Budget frozen" {
		t.Errorf("unexpected rejection: %+v", got)
	}

	events, _ := h.db.NotificationsForSubject(ctx, s.ID)
	last := events[len(events)-1]
	if len(last.Recipients) != 2 || last.Recipients[1].Role != review.RoleSuperAdmin {
		t.Errorf("rejection should notify owner and rejecting tier, got %+v", last.Recipients)
	}
}

func TestResubmitPreservesHistory(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{text: `{"isPass": false, "confidence": 0.9, "proposal": "Missing risks"}`},
		{text: `{"isPass": true, "confidence": 0.9}`},
	}}
	h := newHarness(t, provider, testPolicy())
	ctx := context.Background()
	s := h.draft(t, review.KindProjectProposal)

	h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
	rejected := h.waitStatus(t, s.ID, review.StatusRejected)

	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedVersion: rejected.Version}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got := h.waitStatus(t, s.ID, review.StatusAdminReviewing)
	if got.RejectedBy != "" || got.RejectionReason != "" || got.RejectedAt != nil {
		t.Errorf("resubmission must clear rejection metadata: %+v", got)
	}

	records, _ := h.db.ListAnalyses(ctx, s.ID)
	if len(records) != 2 || records[0].Status != review.RecordCompleted || records[1].Status != review.RecordCompleted {
		t.Errorf("expected both analyses kept, got %+v", records)
	}
	h.checkInFlightInvariant(t)
}

func TestStrictParsePolicyRejects(t *testing.T) {
	policy := testPolicy()
	policy.ParseFallback = analysis.FallbackStrict
	h := newHarness(t, &scriptedProvider{replies: []reply{{text: "Looks good to me!"}}}, policy)
	s := h.draft(t, review.KindWeeklyReport)

	h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
	got := h.waitStatus(t, s.ID, review.StatusRejected)

	if got.RejectedBy != review.RoleAI || !strings.Contains(got.RejectionReason, "unparsable") {
		t.Errorf("unexpected rejection: %s %q", got.RejectedBy, got.RejectionReason)
	}
	records, _ := h.db.ListAnalyses(context.Background(), s.ID)
	if records[0].Status != review.RecordFailed || records[0].ResultText != "Looks good to me!" {
		t.Errorf("expected failed record keeping the raw reply, got %+v", records[0])
	}
}

func TestLowConfidencePolicies(t *testing.T) {
	lowPass := `{"isPass": true, "confidence": 0.4, "proposal": "Probably fine"}`

	t.Run("escalate", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{replies: []reply{{text: lowPass}}}, testPolicy())
		s := h.draft(t, review.KindWeeklyReport)
		h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
		h.waitStatus(t, s.ID, review.StatusAdminReviewing)

		records, _ := h.db.ListAnalyses(context.Background(), s.ID)
		if !records[0].Escalated {
			t.Error("low-confidence pass must be recorded as escalated")
		}
		events, _ := h.db.NotificationsForSubject(context.Background(), s.ID)
		if events[0].Recipients[0].Template != review.TemplateReviewRequestedEscalated || !events[0].Payload.Decision.Escalated {
			t.Errorf("escalation missing from event: %+v", events[0])
		}
	})

	t.Run("block", func(t *testing.T) {
		policy := testPolicy()
		policy.LowConfidence = analysis.LowConfidenceBlock
		h := newHarness(t, &scriptedProvider{replies: []reply{{text: lowPass}}}, policy)
		s := h.draft(t, review.KindWeeklyReport)
		h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
		got := h.waitStatus(t, s.ID, review.StatusRejected)

		if !strings.HasPrefix(got.RejectionReason, "confidence below threshold") {
			t.Errorf("unexpected reason %q", got.RejectionReason)
		}
	})
}

func TestNonFiniteConfidenceIsEscalated(t *testing.T) {
	h := newHarness(t, &scriptedProvider{replies: []reply{{text: `{"isPass": true, "confidence": "NaN"}`}}}, testPolicy())
	ctx := context.Background()
	s := h.draft(t, review.KindWeeklyReport)

	if _, err := h.coord.Submit(ctx, SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitStatus(t, s.ID, review.StatusAdminReviewing)
	h.checkInFlightInvariant(t)

	records, _ := h.db.ListAnalyses(ctx, s.ID)
	rec := records[0]
	if rec.Status != review.RecordCompleted || !rec.Fallback || !rec.Escalated || rec.Confidence != 0.3 {
		t.Errorf("expected escalated fallback record, got %+v", rec)
	}
	events, _ := h.db.NotificationsForSubject(ctx, s.ID)
	if len(events) != 1 || events[0].Payload.Decision == nil || events[0].Payload.Decision.Confidence != 0.3 {
		t.Errorf("expected one event with fallback confidence, got %+v", events)
	}
}

func TestFatalProviderErrorRejectsWithoutRetry(t *testing.T) {
	fatal := &llm.Error{Kind: llm.Fatal, Provider: "scripted", StatusCode: 400, Err: errors.New("unsupported content")}
	provider := &scriptedProvider{replies: []reply{{err: fatal}}}
	h := newHarness(t, provider, testPolicy())
	s := h.draft(t, review.KindWeeklyReport)

	h.coord.Submit(context.Background(), SubmitCommand{SubjectID: s.ID, CallerID: "olga", ExpectedStatus: review.StatusDraft})
	got := h.waitStatus(t, s.ID, review.StatusRejected)

	if provider.Calls() != 1 {
		t.Errorf("fatal errors must not be retried, got %d calls", provider.Calls())
	}
	if !strings.Contains(got.RejectionReason, "unsupported content") {
		t.Errorf("unexpected reason %q", got.RejectionReason)
	}
}

func TestResumeSchedulesInFlightRecords(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, testPolicy())
	ctx := context.Background()

	// Simulate a crash right after submit: subject in ai_processing with a
	// pending record that no worker ever picked up.
	s := h.draft(t, review.KindWeeklyReport)
	rec := &review.AnalysisRecord{ID: "left-over", SubjectID: s.ID, SubjectKind: s.Kind,
		Kind: review.AnalysisWeeklyReview, RequestPayload: `{"prompt":"x"}`, Status: review.RecordPending}
	s.Status = review.StatusAIProcessing
	s.CurrentAnalysisID = rec.ID
	if err := h.db.Commit(ctx, database.Change{Subject: s, Inserts: []*review.AnalysisRecord{rec}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// And an orphan whose subject has since moved on.
	other := h.draft(t, review.KindWeeklyReport)
	orphan := &review.AnalysisRecord{ID: "orphan", SubjectID: other.ID, SubjectKind: other.Kind,
		Kind: review.AnalysisWeeklyReview, RequestPayload: "{}", Status: review.RecordProcessing}
	if err := h.db.Commit(ctx, database.Change{Inserts: []*review.AnalysisRecord{orphan}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, err := h.coord.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 resumed analysis, got %d", n)
	}
	h.waitStatus(t, s.ID, review.StatusAdminReviewing)

	got, _ := h.db.GetAnalysis(ctx, "orphan")
	if got.Status != review.RecordCancelled {
		t.Errorf("orphan should be cancelled, got %s", got.Status)
	}
	h.checkInFlightInvariant(t)
}
