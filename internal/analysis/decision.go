package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/TobiSchelling/reviewflow/internal/llm"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

// ErrUnparsable is returned by Interpret under the strict fallback policy
// when a reply carries no usable decision.
var ErrUnparsable = errors.New("unparsable AI reply")

const maxListItems = 10

// Decide parses a provider reply and applies the confidence gate.
func (p Policy) Decide(raw string, logger *slog.Logger) (review.Decision, error) {
	d, err := p.Interpret(raw, logger)
	if err != nil {
		return d, err
	}
	return p.Gate(d), nil
}

// Interpret turns a raw reply into a Decision. A reply without a JSON object
// or without a boolean isPass is unparsable and handled per ParseFallback.
// Every fallback is logged.
func (p Policy) Interpret(raw string, logger *slog.Logger) (review.Decision, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parsed := llm.ParseJSONResponse(raw)
	isPass, ok := getBool(parsed, "isPass")
	if parsed == nil || !ok {
		if p.ParseFallback == FallbackStrict {
			logger.Warn("AI reply unparsable, failing analysis", "policy", p.ParseFallback, "reply", excerpt(raw))
			return review.Decision{}, fmt.Errorf("%w: %s", ErrUnparsable, excerpt(raw))
		}
		logger.Warn("AI reply unparsable, using fallback decision",
			"policy", p.ParseFallback, "confidence", p.FallbackConfidence, "reply", excerpt(raw))
		return review.Decision{
			IsPass:     true,
			Proposal:   "AI reply could not be parsed",
			Confidence: p.FallbackConfidence,
			RiskLevel:  review.RiskMedium,
			Fallback:   true,
		}, nil
	}

	d := review.Decision{
		IsPass:          isPass,
		Proposal:        getString(parsed, "proposal", ""),
		KeyIssues:       getStrings(parsed, "keyIssues"),
		Recommendations: getStrings(parsed, "recommendations"),
	}

	conf, ok := getFloat(parsed, "confidence")
	if !ok {
		conf, ok = getFloat(parsed, "feasibilityScore")
	}
	if ok {
		d.Confidence = normalizeConfidence(conf)
	} else {
		logger.Warn("AI reply has no confidence, using fallback", "confidence", p.FallbackConfidence)
		d.Confidence = p.FallbackConfidence
		d.Fallback = true
	}

	risk, ok := review.ParseRiskLevel(getString(parsed, "riskLevel", ""))
	if !ok {
		risk = review.RiskMedium
	}
	d.RiskLevel = risk

	return d, nil
}

// Gate applies the low-confidence policy to a pass below the threshold.
// Fails and confident passes are returned unchanged.
func (p Policy) Gate(d review.Decision) review.Decision {
	if !d.IsPass || d.Confidence >= p.ConfidenceThreshold {
		return d
	}
	if p.LowConfidence == LowConfidenceBlock {
		reason := fmt.Sprintf("confidence below threshold (%.2f < %.2f)", d.Confidence, p.ConfidenceThreshold)
		if d.Proposal != "" {
			reason += ": " + d.Proposal
		}
		d.IsPass = false
		d.Proposal = reason
		return d
	}
	d.Escalated = true
	return d
}

// normalizeConfidence accepts 0..1 or a 0..100 percentage and clamps the result.
func normalizeConfidence(v float64) float64 {
	if v > 1 && v <= 100 {
		v /= 100
	}
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func getString(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return fallback
}

func getBool(m map[string]any, key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// getFloat reads a finite number, also from a numeric string. NaN and
// infinities count as missing.
func getFloat(m map[string]any, key string) (float64, bool) {
	var f float64
	switch v := m[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func getStrings(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range arr {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if len(out) > maxListItems {
		out = out[:maxListItems]
	}
	return out
}
