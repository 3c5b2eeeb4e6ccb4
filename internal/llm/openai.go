package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenAIProvider talks to an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	model     string
	BaseURL   string
	APIKey    string
	CostPer1K float64
	client    *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider reading its key from apiKeyEnv.
func NewOpenAIProvider(model, baseURL, apiKeyEnv string, costPer1K float64) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		model:     model,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    os.Getenv(apiKeyEnv),
		CostPer1K: costPer1K,
		client:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *OpenAIProvider) Name() string  { return "openai" }
func (o *OpenAIProvider) Model() string { return o.model }

// IsAvailable checks if the API key is set.
func (o *OpenAIProvider) IsAvailable(context.Context) bool {
	return o.APIKey != ""
}

// CostEstimate prices the prompt plus the completion budget.
func (o *OpenAIProvider) CostEstimate(r Request) float64 {
	return float64(estimateTokens(r)) / 1000 * o.CostPer1K
}

// Invoke sends the request as a chat completion with a JSON response format.
func (o *OpenAIProvider) Invoke(ctx context.Context, r Request) (string, error) {
	if o.APIKey == "" {
		return "", &Error{Kind: Fatal, Provider: o.Name(), Err: errors.New("API key not configured")}
	}

	messages := []map[string]string{}
	if r.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": r.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": r.Prompt})

	body := map[string]any{
		"model":           o.model,
		"messages":        messages,
		"max_tokens":      r.MaxTokens,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Kind: Fatal, Provider: o.Name(), Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", &Error{Kind: Fatal, Provider: o.Name(), Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", transportError(o.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", statusError(o.Name(), resp.StatusCode, respBody)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", transportError(o.Name(), fmt.Errorf("decoding response: %w", err))
	}

	if len(result.Choices) == 0 {
		return "", &Error{Kind: Retryable, Provider: o.Name(), Err: errors.New("no choices in response")}
	}

	return result.Choices[0].Message.Content, nil
}
