package server

import (
	"time"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

type subjectView struct {
	ID                int64         `json:"id"`
	Kind              review.Kind   `json:"type"`
	OwnerID           string        `json:"ownerId"`
	Status            review.Status `json:"status"`
	Title             string        `json:"title"`
	Summary           string        `json:"summary,omitempty"`
	Body              string        `json:"body,omitempty"`
	PeriodID          string        `json:"periodId,omitempty"`
	SourceURL         string        `json:"sourceUrl,omitempty"`
	CurrentAnalysisID string        `json:"currentAnalysisId,omitempty"`
	RejectedBy        review.Role   `json:"rejectedBy,omitempty"`
	RejectionReason   string        `json:"rejectionReason,omitempty"`
	RejectedAt        *time.Time    `json:"rejectedAt,omitempty"`
	SubmittedAt       *time.Time    `json:"submittedAt,omitempty"`
	DecidedAt         *time.Time    `json:"decidedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	Version           int64         `json:"version"`
}

func newSubjectView(s *review.Subject) subjectView {
	return subjectView{
		ID:                s.ID,
		Kind:              s.Kind,
		OwnerID:           s.OwnerID,
		Status:            s.Status,
		Title:             s.Content.Title,
		Summary:           s.Content.Summary,
		Body:              s.Content.Body,
		PeriodID:          s.Content.PeriodID,
		SourceURL:         s.Content.SourceURL,
		CurrentAnalysisID: s.CurrentAnalysisID,
		RejectedBy:        s.RejectedBy,
		RejectionReason:   s.RejectionReason,
		RejectedAt:        s.RejectedAt,
		SubmittedAt:       s.SubmittedAt,
		DecidedAt:         s.DecidedAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		Version:           s.Version,
	}
}

type analysisView struct {
	ID              string              `json:"id"`
	SubjectID       int64               `json:"subjectId"`
	Kind            review.AnalysisKind `json:"analysisType"`
	Status          review.RecordStatus `json:"status"`
	IsPass          *bool               `json:"isPass,omitempty"`
	Confidence      float64             `json:"confidence,omitempty"`
	RiskLevel       review.RiskLevel    `json:"riskLevel,omitempty"`
	KeyIssues       []string            `json:"keyIssues,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Escalated       bool                `json:"escalated,omitempty"`
	Fallback        bool                `json:"fallback,omitempty"`
	ResultText      string              `json:"resultText,omitempty"`
	Model           string              `json:"model,omitempty"`
	Attempts        int                 `json:"attempts"`
	DurationMS      int64               `json:"durationMs"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
}

func newAnalysisView(r *review.AnalysisRecord) analysisView {
	return analysisView{
		ID:              r.ID,
		SubjectID:       r.SubjectID,
		Kind:            r.Kind,
		Status:          r.Status,
		IsPass:          r.IsPass,
		Confidence:      r.Confidence,
		RiskLevel:       r.RiskLevel,
		KeyIssues:       r.KeyIssues,
		Recommendations: r.Recommendations,
		Escalated:       r.Escalated,
		Fallback:        r.Fallback,
		ResultText:      r.ResultText,
		Model:           r.Model,
		Attempts:        r.Attempts,
		DurationMS:      r.Duration.Milliseconds(),
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}
