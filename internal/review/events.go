package review

import "time"

// Template names the message a recipient should receive.
type Template string

const (
	TemplateReviewRequested          Template = "review_requested"
	TemplateReviewRequestedEscalated Template = "review_requested_escalated"
	TemplateAdvanced                 Template = "advanced"
	TemplateRejectedByAI             Template = "rejected_by_ai"
	TemplateRejected                 Template = "rejected"
	TemplateApproved                 Template = "approved"
)

// Recipient addresses either every holder of a role or a single user.
type Recipient struct {
	Role     Role     `json:"role,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	Template Template `json:"template"`
}

// Transition describes a committed status change.
type Transition struct {
	From    Status  `json:"from"`
	To      Status  `json:"to"`
	Trigger Trigger `json:"trigger"`
}

// DecisionExcerpt is the part of an AI decision included in notifications.
type DecisionExcerpt struct {
	IsPass     bool      `json:"isPass"`
	Confidence float64   `json:"confidence"`
	RiskLevel  RiskLevel `json:"riskLevel,omitempty"`
	Escalated  bool      `json:"escalated,omitempty"`
	KeyIssues  []string  `json:"keyIssues,omitempty"`
}

// EventPayload summarizes the subject for message templates.
type EventPayload struct {
	Title    string           `json:"title"`
	Summary  string           `json:"summary,omitempty"`
	OwnerID  string           `json:"ownerId"`
	Status   Status           `json:"status"`
	Version  int64            `json:"version"`
	Reason   string           `json:"reason,omitempty"`
	Decision *DecisionExcerpt `json:"decision,omitempty"`
}

// NotificationEvent is produced once per committed transition that has
// recipients, and delivered at least once.
type NotificationEvent struct {
	ID          string       `json:"id"`
	SubjectID   int64        `json:"subjectId"`
	SubjectKind Kind         `json:"subjectType"`
	Transition  Transition   `json:"transition"`
	Recipients  []Recipient  `json:"recipients"`
	Payload     EventPayload `json:"payload"`
	EmittedAt   time.Time    `json:"emittedAt"`

	Attempts    int        `json:"-"`
	DeliveredAt *time.Time `json:"-"`
	LastError   string     `json:"-"`
}
