// Package notify maps committed transitions to recipients and delivers the
// resulting events through an outbox relay.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// Recipients returns who hears about a committed step. s is the subject after
// the step was applied; d is the AI decision for steps out of ai_processing
// and nil otherwise.
func Recipients(s *review.Subject, step review.Step, d *review.Decision) []review.Recipient {
	owner := review.Recipient{UserID: s.OwnerID}

	switch {
	case step.Trigger == review.TriggerSubmit:
		return nil

	case step.From == review.StatusAIProcessing && step.To == review.StatusAdminReviewing:
		tmpl := review.TemplateReviewRequested
		if d != nil && d.Escalated {
			tmpl = review.TemplateReviewRequestedEscalated
		}
		return []review.Recipient{{Role: review.RoleAdmin, Template: tmpl}}

	case step.From == review.StatusAIProcessing && step.To == review.StatusRejected:
		owner.Template = review.TemplateRejectedByAI
		return []review.Recipient{owner}

	case step.To == review.StatusSuperAdminReviewing:
		owner.Template = review.TemplateAdvanced
		return []review.Recipient{
			{Role: review.RoleSuperAdmin, Template: review.TemplateReviewRequested},
			owner,
		}

	case step.To == review.StatusRejected:
		owner.Template = review.TemplateRejected
		return []review.Recipient{owner, {Role: step.By, Template: review.TemplateRejected}}

	case step.To == review.StatusApproved:
		owner.Template = review.TemplateApproved
		out := []review.Recipient{owner}
		for _, tier := range review.ReviewTiers(s.Kind) {
			out = append(out, review.Recipient{Role: tier, Template: review.TemplateApproved})
		}
		return out
	}
	return nil
}

// NewEvent builds the notification for a committed step. ok is false when
// the step notifies nobody.
func NewEvent(s *review.Subject, step review.Step, d *review.Decision, now time.Time) (review.NotificationEvent, bool) {
	recipients := Recipients(s, step, d)
	if len(recipients) == 0 {
		return review.NotificationEvent{}, false
	}

	payload := review.EventPayload{
		Title:   s.Content.Title,
		Summary: s.Content.Summary,
		OwnerID: s.OwnerID,
		Status:  s.Status,
		// The event is built before commit; the committed version is one higher.
		Version: s.Version + 1,
		Reason:  s.RejectionReason,
	}
	if d != nil {
		payload.Decision = &review.DecisionExcerpt{
			IsPass:     d.IsPass,
			Confidence: d.Confidence,
			RiskLevel:  d.RiskLevel,
			Escalated:  d.Escalated,
			KeyIssues:  d.KeyIssues,
		}
	}

	return review.NotificationEvent{
		ID:          uuid.NewString(),
		SubjectID:   s.ID,
		SubjectKind: s.Kind,
		Transition:  review.Transition{From: step.From, To: step.To, Trigger: step.Trigger},
		Recipients:  recipients,
		Payload:     payload,
		EmittedAt:   now.UTC(),
	}, true
}
