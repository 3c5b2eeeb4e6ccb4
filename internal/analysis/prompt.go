package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/llm"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

const systemPrompt = `You review internal submissions for an engineering organization. You are
strict but fair, and you always answer with a single JSON object and nothing else.`

const weeklyReviewPrompt = `Review this weekly report before it goes to an admin.

PASS means: the report states what was done this week, names concrete outcomes,
and flags blockers or risks honestly.

FAIL means: the report is empty or generic filler, copies an earlier week, or
omits obvious blockers.

Reporting period: %s
Author: %s
Title: %s
Summary: %s
Report:
%s

Respond with ONLY this JSON:
{
    "isPass": true or false,
    "proposal": "One or two sentences the admin will read first",
    "confidence": 0.0-1.0,
    "riskLevel": "LOW" | "MEDIUM" | "HIGH" | "CRITICAL",
    "keyIssues": ["issue 1", "issue 2"],
    "recommendations": ["recommendation 1"]
}`

const feasibilityPrompt = `Assess the feasibility of this project proposal before it goes to an admin.

PASS means: the goal is clear, the scope is achievable, and the main risks are
acknowledged with a plausible mitigation.

FAIL means: the goal is unclear, the scope is unrealistic, or a critical risk is
ignored.

Proposed by: %s
Title: %s
Summary: %s
Proposal:
%s

Respond with ONLY this JSON:
{
    "isPass": true or false,
    "proposal": "One or two sentences the admin will read first",
    "feasibilityScore": 0.0-1.0,
    "riskLevel": "LOW" | "MEDIUM" | "HIGH" | "CRITICAL",
    "keyIssues": ["issue 1", "issue 2"],
    "recommendations": ["recommendation 1"]
}`

const maxBodyChars = 8000

// BuildRequest snapshots the subject's content into a provider request.
func BuildRequest(s *review.Subject, maxTokens int) llm.Request {
	body := s.Content.Body
	if body == "" {
		body = s.Content.Title
	}
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "..."
	}
	summary := s.Content.Summary
	if summary == "" {
		summary = "(none)"
	}

	kind := review.AnalysisKindFor(s.Kind)
	var prompt string
	switch kind {
	case review.AnalysisFeasibility:
		prompt = fmt.Sprintf(feasibilityPrompt, s.OwnerID, s.Content.Title, summary, body)
	default:
		period := s.Content.PeriodID
		if period != "" {
			period = database.FormatPeriodDisplay(period)
		} else {
			period = "unspecified"
		}
		prompt = fmt.Sprintf(weeklyReviewPrompt, period, s.OwnerID, s.Content.Title, summary, body)
	}

	return llm.Request{Kind: string(kind), System: systemPrompt, Prompt: prompt, MaxTokens: maxTokens}
}

// EncodeRequest serializes a request for storage on the analysis record.
func EncodeRequest(r llm.Request) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode analysis request: %w", err)
	}
	return string(b), nil
}

// DecodeRequest restores the request stored on an analysis record.
func DecodeRequest(payload string) (llm.Request, error) {
	var r llm.Request
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return llm.Request{}, fmt.Errorf("decode analysis request: %w", err)
	}
	return r, nil
}
