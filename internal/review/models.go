package review

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which workflow a subject follows.
type Kind string

const (
	KindWeeklyReport    Kind = "weekly_report"
	KindProjectProposal Kind = "project_proposal"
)

// ParseKind validates a kind string from storage or user input.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindWeeklyReport, KindProjectProposal:
		return k, nil
	}
	return "", fmt.Errorf("unknown subject kind %q", s)
}

// Status is the lifecycle state of a subject.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusAIProcessing        Status = "ai_processing"
	StatusAdminReviewing      Status = "admin_reviewing"
	StatusSuperAdminReviewing Status = "super_admin_reviewing"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
)

var allStatuses = []Status{
	StatusDraft,
	StatusAIProcessing,
	StatusAdminReviewing,
	StatusSuperAdminReviewing,
	StatusApproved,
	StatusRejected,
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further review step is pending.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Role is a reviewer tier or the AI stage.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleAI         Role = "ai"
)

// ParseRole validates a human role. The AI role cannot be assigned to users.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleMember, RoleAdmin, RoleSuperAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Principal is the caller of a human-triggered transition.
type Principal struct {
	ID    string
	Roles []Role
}

// Has reports role membership.
func (p Principal) Has(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Content holds the author-owned fields of a subject.
type Content struct {
	Title     string
	Summary   string
	Body      string
	PeriodID  string // weekly reports only, e.g. "2026-10-12..2026-10-18"
	SourceURL string
}

// Subject is a weekly report or a project proposal under review.
type Subject struct {
	ID      int64
	Kind    Kind
	OwnerID string
	Status  Status
	Content Content

	// CurrentAnalysisID is the in-flight analysis record while Status is
	// StatusAIProcessing and empty otherwise.
	CurrentAnalysisID string

	RejectedBy      Role
	RejectionReason string
	RejectedAt      *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	DecidedAt   *time.Time

	Version int64
}

// AnalysisKind selects the prompt and scoring field used for a subject.
type AnalysisKind string

const (
	AnalysisWeeklyReview AnalysisKind = "weekly_report_review"
	AnalysisFeasibility  AnalysisKind = "project_feasibility"
)

// AnalysisKindFor maps a subject kind to its analysis kind.
func AnalysisKindFor(k Kind) AnalysisKind {
	if k == KindProjectProposal {
		return AnalysisFeasibility
	}
	return AnalysisWeeklyReview
}

// RecordStatus is the lifecycle state of an analysis record.
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordProcessing RecordStatus = "processing"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
	RecordCancelled  RecordStatus = "cancelled"
)

// InFlight reports whether the record may still be mutated.
func (s RecordStatus) InFlight() bool {
	return s == RecordPending || s == RecordProcessing
}

// RiskLevel is the AI-assessed risk of a subject.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ParseRiskLevel accepts any casing; ok is false for unknown values.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch r := RiskLevel(strings.ToUpper(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return r, true
	}
	return "", false
}

// AnalysisRecord is the audit trail entry for one AI analysis of a subject.
type AnalysisRecord struct {
	ID          string
	SubjectID   int64
	SubjectKind Kind
	Kind        AnalysisKind

	// RequestPayload is the provider request captured when the analysis was
	// requested, so later edits to the subject are never analyzed by it.
	RequestPayload string

	Status          RecordStatus
	ResultText      string
	IsPass          *bool
	Confidence      float64
	RiskLevel       RiskLevel
	KeyIssues       []string
	Recommendations []string
	Escalated       bool
	Fallback        bool

	Model        string
	Attempts     int
	Duration     time.Duration
	ErrorMessage string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Version int64
}

// Decision is the structured outcome parsed from a provider reply.
type Decision struct {
	IsPass          bool
	Proposal        string
	Confidence      float64
	RiskLevel       RiskLevel
	KeyIssues       []string
	Recommendations []string

	// Escalated marks a low-confidence pass routed to human review.
	Escalated bool
	// Fallback marks a decision synthesized because the reply was unparsable.
	Fallback bool
}

// Summary is the one-line explanation used as a rejection reason.
func (d Decision) Summary() string {
	if s := strings.TrimSpace(d.Proposal); s != "" {
		return s
	}
	if len(d.KeyIssues) > 0 {
		return strings.Join(d.KeyIssues, "; ")
	}
	if d.IsPass {
		return "passed AI review"
	}
	return "rejected by AI review"
}
