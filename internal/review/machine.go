package review

import (
	"fmt"
	"strings"
	"time"
)

// Trigger is an event that may move a subject to another status.
type Trigger string

const (
	TriggerSubmit            Trigger = "submit"
	TriggerAIPass            Trigger = "ai_pass"
	TriggerAIFail            Trigger = "ai_fail"
	TriggerRetriesExhausted  Trigger = "retries_exhausted"
	TriggerAdminApprove      Trigger = "admin_approve"
	TriggerSuperAdminApprove Trigger = "super_admin_approve"
	TriggerReject            Trigger = "reject"
)

// System reports whether the trigger comes from the AI stage rather than a person.
func (t Trigger) System() bool {
	return t == TriggerAIPass || t == TriggerAIFail || t == TriggerRetriesExhausted
}

type guardKind int

const (
	guardOwner guardKind = iota + 1
	guardRoles
	guardSystem
)

type rule struct {
	to    Status
	guard guardKind
	// roles lists the tiers allowed to fire a guardRoles rule, in the order
	// used to pick RejectedBy.
	roles []Role
}

type tableKey struct {
	kind    Kind
	from    Status
	trigger Trigger
}

type row struct {
	kinds    []Kind
	from     []Status
	triggers []Trigger
	rule     rule
}

var (
	bothKinds   = []Kind{KindWeeklyReport, KindProjectProposal}
	projectOnly = []Kind{KindProjectProposal}
	reportOnly  = []Kind{KindWeeklyReport}
)

var rows = []row{
	{bothKinds, []Status{StatusDraft, StatusRejected}, []Trigger{TriggerSubmit},
		rule{to: StatusAIProcessing, guard: guardOwner}},
	{bothKinds, []Status{StatusAIProcessing}, []Trigger{TriggerAIPass},
		rule{to: StatusAdminReviewing, guard: guardSystem}},
	{bothKinds, []Status{StatusAIProcessing}, []Trigger{TriggerAIFail, TriggerRetriesExhausted},
		rule{to: StatusRejected, guard: guardSystem}},
	{projectOnly, []Status{StatusAdminReviewing}, []Trigger{TriggerAdminApprove},
		rule{to: StatusSuperAdminReviewing, guard: guardRoles, roles: []Role{RoleAdmin}}},
	{reportOnly, []Status{StatusAdminReviewing}, []Trigger{TriggerAdminApprove},
		rule{to: StatusApproved, guard: guardRoles, roles: []Role{RoleAdmin}}},
	{bothKinds, []Status{StatusAdminReviewing}, []Trigger{TriggerReject},
		rule{to: StatusRejected, guard: guardRoles, roles: []Role{RoleAdmin, RoleSuperAdmin}}},
	{projectOnly, []Status{StatusSuperAdminReviewing}, []Trigger{TriggerReject},
		rule{to: StatusRejected, guard: guardRoles, roles: []Role{RoleSuperAdmin}}},
	{projectOnly, []Status{StatusSuperAdminReviewing}, []Trigger{TriggerSuperAdminApprove},
		rule{to: StatusApproved, guard: guardRoles, roles: []Role{RoleSuperAdmin}}},
}

var table = mustBuildTable(rows)

// mustBuildTable expands rows into the lookup table and panics on any entry
// that names a status the kind cannot reach or duplicates another entry.
func mustBuildTable(rows []row) map[tableKey]rule {
	t := make(map[tableKey]rule)
	for _, r := range rows {
		for _, k := range r.kinds {
			if _, err := ParseKind(string(k)); err != nil {
				panic(err)
			}
			for _, from := range r.from {
				if !reachable(k, from) || !reachable(k, r.rule.to) {
					panic(fmt.Sprintf("review: %s cannot use %s -> %s", k, from, r.rule.to))
				}
				if from.Terminal() && from != StatusRejected {
					panic(fmt.Sprintf("review: transition out of terminal %s", from))
				}
				for _, tr := range r.triggers {
					if tr.System() != (r.rule.guard == guardSystem) {
						panic(fmt.Sprintf("review: trigger %s has mismatched guard", tr))
					}
					if (from == StatusDraft || from == StatusRejected) && r.rule.to != StatusAIProcessing {
						panic(fmt.Sprintf("review: %s must go through %s", from, StatusAIProcessing))
					}
					key := tableKey{kind: k, from: from, trigger: tr}
					if _, dup := t[key]; dup {
						panic(fmt.Sprintf("review: duplicate transition %v", key))
					}
					t[key] = r.rule
				}
			}
		}
	}
	return t
}

func reachable(k Kind, s Status) bool {
	if _, err := ParseStatus(string(s)); err != nil {
		return false
	}
	return s != StatusSuperAdminReviewing || k == KindProjectProposal
}

// Step is a validated transition ready to be applied.
type Step struct {
	From    Status
	To      Status
	Trigger Trigger
	// By is the tier that authorized the step: RoleAI for system triggers,
	// the matching reviewer tier for human review, RoleMember for submit.
	By Role
	// Reason is recorded as the rejection reason when To is StatusRejected.
	Reason string
}

// Next validates trigger against the subject's current status and the caller.
// System triggers take a nil principal; human triggers require one.
func Next(s *Subject, trigger Trigger, p *Principal) (Step, error) {
	r, ok := table[tableKey{kind: s.Kind, from: s.Status, trigger: trigger}]
	if !ok {
		return Step{}, fmt.Errorf("%w: %s %d cannot %s from %s", ErrInvalidTransition, s.Kind, s.ID, trigger, s.Status)
	}

	step := Step{From: s.Status, To: r.to, Trigger: trigger}
	switch r.guard {
	case guardSystem:
		if p != nil {
			return Step{}, fmt.Errorf("%w: %s is reserved for the AI stage", ErrForbidden, trigger)
		}
		step.By = RoleAI
	case guardOwner:
		if p == nil || p.ID != s.OwnerID {
			return Step{}, fmt.Errorf("%w: only the owner may %s", ErrForbidden, trigger)
		}
		step.By = RoleMember
	case guardRoles:
		if p == nil {
			return Step{}, fmt.Errorf("%w: %s requires a reviewer", ErrForbidden, trigger)
		}
		for _, role := range r.roles {
			if p.Has(role) {
				step.By = role
				break
			}
		}
		if step.By == "" {
			return Step{}, fmt.Errorf("%w: %s requires role %s", ErrForbidden, trigger, joinRoles(r.roles))
		}
	}
	return step, nil
}

// Triggers lists the triggers legal for a subject kind in a given status.
func Triggers(k Kind, from Status) []Trigger {
	var out []Trigger
	for _, tr := range []Trigger{
		TriggerSubmit, TriggerAIPass, TriggerAIFail, TriggerRetriesExhausted,
		TriggerAdminApprove, TriggerSuperAdminApprove, TriggerReject,
	} {
		if _, ok := table[tableKey{kind: k, from: from, trigger: tr}]; ok {
			out = append(out, tr)
		}
	}
	return out
}

// Apply mutates the subject's pipeline-owned fields for a validated step.
// Version and CurrentAnalysisID are left to the caller.
func Apply(s *Subject, step Step, now time.Time) {
	s.Status = step.To
	s.UpdatedAt = now

	switch step.To {
	case StatusAIProcessing:
		s.SubmittedAt = &now
		s.DecidedAt = nil
		s.RejectedBy = ""
		s.RejectionReason = ""
		s.RejectedAt = nil
	case StatusRejected:
		s.RejectedBy = step.By
		s.RejectionReason = step.Reason
		if s.RejectionReason == "" {
			s.RejectionReason = "rejected by " + string(step.By)
		}
		s.RejectedAt = &now
		s.DecidedAt = &now
	case StatusApproved:
		s.DecidedAt = &now
	}
}

// ReviewTiers lists the human tiers a subject kind passes through, in order.
func ReviewTiers(k Kind) []Role {
	if k == KindProjectProposal {
		return []Role{RoleAdmin, RoleSuperAdmin}
	}
	return []Role{RoleAdmin}
}

func joinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}
