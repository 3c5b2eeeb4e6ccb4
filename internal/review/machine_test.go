package review

import (
	"errors"
	"testing"
	"time"
)

func admin() *Principal      { return &Principal{ID: "ada", Roles: []Role{RoleAdmin}} }
func superAdmin() *Principal { return &Principal{ID: "sam", Roles: []Role{RoleSuperAdmin}} }
func owner() *Principal      { return &Principal{ID: "olga", Roles: []Role{RoleMember}} }

func newSubject(kind Kind, status Status) *Subject {
	return &Subject{ID: 7, Kind: kind, OwnerID: "olga", Status: status, Version: 3}
}

func TestSubmitRequiresOwner(t *testing.T) {
	s := newSubject(KindWeeklyReport, StatusDraft)

	if _, err := Next(s, TriggerSubmit, admin()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}

	step, err := Next(s, TriggerSubmit, owner())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.To != StatusAIProcessing {
		t.Errorf("expected ai_processing, got %s", step.To)
	}
}

func TestResubmitClearsRejection(t *testing.T) {
	s := newSubject(KindProjectProposal, StatusRejected)
	earlier := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	s.RejectedBy = RoleAI
	s.RejectionReason = "too vague"
	s.RejectedAt = &earlier
	s.DecidedAt = &earlier

	step, err := Next(s, TriggerSubmit, owner())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := earlier.Add(time.Hour)
	Apply(s, step, now)

	if s.RejectedBy != "" || s.RejectionReason != "" || s.RejectedAt != nil {
		t.Errorf("expected rejection metadata cleared, got %q %q %v", s.RejectedBy, s.RejectionReason, s.RejectedAt)
	}
	if s.SubmittedAt == nil || !s.SubmittedAt.Equal(now) {
		t.Errorf("expected submittedAt stamped")
	}
	if s.DecidedAt != nil {
		t.Error("expected decidedAt cleared")
	}
}

func TestSystemTriggersRejectPrincipal(t *testing.T) {
	s := newSubject(KindWeeklyReport, StatusAIProcessing)
	if _, err := Next(s, TriggerAIPass, admin()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for human ai_pass, got %v", err)
	}

	step, err := Next(s, TriggerRetriesExhausted, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.To != StatusRejected || step.By != RoleAI {
		t.Errorf("expected rejected by ai, got %s by %s", step.To, step.By)
	}
}

func TestAdminApproveDiffersByKind(t *testing.T) {
	report := newSubject(KindWeeklyReport, StatusAdminReviewing)
	step, err := Next(report, TriggerAdminApprove, admin())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.To != StatusApproved {
		t.Errorf("weekly report: expected approved, got %s", step.To)
	}

	project := newSubject(KindProjectProposal, StatusAdminReviewing)
	step, err = Next(project, TriggerAdminApprove, admin())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.To != StatusSuperAdminReviewing {
		t.Errorf("project: expected super_admin_reviewing, got %s", step.To)
	}
}

func TestSuperAdminTier(t *testing.T) {
	s := newSubject(KindProjectProposal, StatusSuperAdminReviewing)

	if _, err := Next(s, TriggerSuperAdminApprove, admin()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected admin to be forbidden, got %v", err)
	}
	if _, err := Next(s, TriggerReject, admin()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected admin reject to be forbidden at super admin tier, got %v", err)
	}

	step, err := Next(s, TriggerReject, superAdmin())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.By != RoleSuperAdmin {
		t.Errorf("expected rejectedBy super_admin, got %s", step.By)
	}
}

func TestWeeklyReportHasNoSuperAdminTier(t *testing.T) {
	s := newSubject(KindWeeklyReport, StatusSuperAdminReviewing)
	if _, err := Next(s, TriggerSuperAdminApprove, superAdmin()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNoSkippingAIProcessing(t *testing.T) {
	for _, kind := range []Kind{KindWeeklyReport, KindProjectProposal} {
		for _, from := range []Status{StatusDraft, StatusRejected} {
			for _, tr := range Triggers(kind, from) {
				if tr != TriggerSubmit {
					t.Errorf("%s/%s: unexpected trigger %s", kind, from, tr)
				}
			}
		}
		if got := Triggers(kind, StatusApproved); len(got) != 0 {
			t.Errorf("%s: approved should be terminal, got %v", kind, got)
		}
	}
}

func TestApplyRejectionStampsMetadata(t *testing.T) {
	s := newSubject(KindWeeklyReport, StatusAdminReviewing)
	step, err := Next(s, TriggerReject, admin())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	step.Reason = "missing metrics"
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	Apply(s, step, now)

	if s.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", s.Status)
	}
	if s.RejectedBy != RoleAdmin || s.RejectionReason != "missing metrics" {
		t.Errorf("unexpected rejection metadata: %s %q", s.RejectedBy, s.RejectionReason)
	}
	if s.DecidedAt == nil || s.RejectedAt == nil {
		t.Error("expected decision timestamps")
	}
}

func TestDecisionSummary(t *testing.T) {
	d := Decision{Proposal: "  Needs clearer goals  "}
	if d.Summary() != "Needs clearer goals" {
		t.Errorf("unexpected summary %q", d.Summary())
	}
	d = Decision{KeyIssues: []string{"a", "b"}}
	if d.Summary() != "a; b" {
		t.Errorf("unexpected summary %q", d.Summary())
	}
}
