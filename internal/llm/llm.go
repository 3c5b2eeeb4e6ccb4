package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Request is the provider-neutral analysis request. It is serialized onto the
// analysis record when the analysis is requested and replayed from there, so
// every attempt sees the same content.
type Request struct {
	Kind      string `json:"kind"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens"`
}

// Provider is the interface for AI analysis backends.
type Provider interface {
	Name() string
	Model() string
	// Invoke returns the raw reply text. Failures should be *Error values so
	// the caller can tell retryable failures from fatal ones.
	Invoke(ctx context.Context, req Request) (string, error)
	IsAvailable(ctx context.Context) bool
	// CostEstimate is a relative cost used by the cheapest selection policy.
	CostEstimate(req Request) float64
}

// Kind classifies a provider failure.
type Kind int

const (
	Fatal Kind = iota
	Retryable
)

func (k Kind) String() string {
	if k == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Error is a provider failure tagged with its retry classification.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoProvider is returned when no configured provider is reachable.
var ErrNoProvider = errors.New("no AI provider available")

// KindOf classifies err. Untagged errors are fatal except timeouts, which
// are always worth another attempt.
func KindOf(err error) Kind {
	if err == nil {
		return Fatal
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retryable
	}
	return Fatal
}

// KindForStatus maps an HTTP status to a retry classification: request
// timeouts, rate limits and server errors are retryable, every other
// non-2xx status is fatal.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return Fatal
	}
}

// statusError builds the error for a non-2xx provider response.
func statusError(provider string, code int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &Error{Kind: KindForStatus(code), Provider: provider, StatusCode: code, Err: errors.New(msg)}
}

// transportError wraps a failure to reach the provider at all. Connection
// failures and timeouts are retryable; a cancelled parent context is not.
func transportError(provider string, err error) *Error {
	kind := Retryable
	if errors.Is(err, context.Canceled) {
		kind = Fatal
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// estimateTokens is a rough prompt-plus-completion token count.
func estimateTokens(req Request) int {
	return (len(req.System)+len(req.Prompt))/4 + req.MaxTokens
}
