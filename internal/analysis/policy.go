package analysis

import (
	"math"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/config"
)

// RetryPolicy controls provider invocation retries. MaxAttempts counts every
// call including the first, so MaxAttempts=3 allows two retries.
type RetryPolicy struct {
	MaxAttempts    int
	BaseInterval   time.Duration
	Multiplier     float64
	MaxInterval    time.Duration
	AttemptTimeout time.Duration
}

// Backoff returns the wait before attempt n+1, given n failed attempts (n >= 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.BaseInterval <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseInterval) * math.Pow(mult, float64(n-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// ParseFallback decides what an unparsable reply means.
type ParseFallback string

const (
	// FallbackLenient treats the reply as a pass at FallbackConfidence.
	FallbackLenient ParseFallback = "lenient"
	// FallbackStrict fails the analysis.
	FallbackStrict ParseFallback = "strict"
)

// LowConfidencePolicy decides what a pass below the threshold means.
type LowConfidencePolicy string

const (
	// LowConfidenceEscalate forwards the pass to human review, flagged.
	LowConfidenceEscalate LowConfidencePolicy = "escalate"
	// LowConfidenceBlock turns the pass into a rejection.
	LowConfidenceBlock LowConfidencePolicy = "block"
)

// Policy is every decision-shaping knob of the orchestrator. One value is
// applied to both analysis kinds.
type Policy struct {
	Retry               RetryPolicy
	ParseFallback       ParseFallback
	FallbackConfidence  float64
	LowConfidence       LowConfidencePolicy
	ConfidenceThreshold float64
	MaxTokens           int
}

// PolicyFromConfig maps the analysis config section onto a Policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	a := cfg.Analysis
	return Policy{
		Retry: RetryPolicy{
			MaxAttempts:    a.Retry.MaxAttempts,
			BaseInterval:   a.Retry.BaseInterval,
			Multiplier:     a.Retry.Multiplier,
			MaxInterval:    a.Retry.MaxInterval,
			AttemptTimeout: a.Retry.AttemptTimeout,
		},
		ParseFallback:       ParseFallback(a.ParseFallback),
		FallbackConfidence:  a.FallbackConfidence,
		LowConfidence:       LowConfidencePolicy(a.LowConfidencePolicy),
		ConfidenceThreshold: a.ConfidenceThreshold,
		MaxTokens:           cfg.Providers.MaxTokens,
	}
}
