package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TobiSchelling/reviewflow/internal/config"
)

// Selection policies.
const (
	SelectOrdered  = "ordered"
	SelectCheapest = "cheapest"
)

// Selector picks a provider per attempt. Availability is re-checked each
// time so a provider that comes back is used again without a restart.
type Selector struct {
	providers []Provider
	policy    string
	logger    *slog.Logger
}

// NewSelector creates a selector over providers in preference order.
func NewSelector(policy string, logger *slog.Logger, providers ...Provider) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{providers: providers, policy: policy, logger: logger}
}

// Providers returns the configured providers in preference order.
func (s *Selector) Providers() []Provider {
	return s.providers
}

// Select returns the provider to use for req. When nothing is reachable it
// returns a retryable *Error wrapping ErrNoProvider.
func (s *Selector) Select(ctx context.Context, req Request) (Provider, error) {
	var chosen Provider
	for _, p := range s.providers {
		if !p.IsAvailable(ctx) {
			s.logger.Debug("provider unavailable", "provider", p.Name())
			continue
		}
		if s.policy != SelectCheapest {
			return p, nil
		}
		if chosen == nil || p.CostEstimate(req) < chosen.CostEstimate(req) {
			chosen = p
		}
	}
	if chosen == nil {
		return nil, &Error{Kind: Retryable, Provider: "selector", Err: ErrNoProvider}
	}
	return chosen, nil
}

// FromConfig builds the selector described by the providers config section.
func FromConfig(cfg config.Providers, logger *slog.Logger) (*Selector, error) {
	var providers []Provider
	for _, name := range cfg.Order {
		switch strings.ToLower(name) {
		case "ollama":
			providers = append(providers, NewOllamaProvider(cfg.Ollama.Model, cfg.Ollama.URL))
		case "openai":
			providers = append(providers, NewOpenAIProvider(cfg.OpenAI.Model, cfg.OpenAI.BaseURL,
				cfg.OpenAI.APIKeyEnv, cfg.OpenAI.CostPer1KTokens))
		default:
			return nil, fmt.Errorf("unknown provider %q in providers.order", name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("providers.order is empty")
	}
	return NewSelector(cfg.Selection, logger, providers...), nil
}
