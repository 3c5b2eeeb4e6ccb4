package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

var md = goldmark.New()

// WebhookSink POSTs each event as JSON, with a rendered HTML summary for
// chat integrations that display rich text.
type WebhookSink struct {
	URL    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. timeout bounds each request.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{URL: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookBody struct {
	review.NotificationEvent
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
}

func (w *WebhookSink) Deliver(ctx context.Context, e review.NotificationEvent) error {
	text := Markdown(e)
	html, err := renderMarkdown(text)
	if err != nil {
		return err
	}

	data, err := json.Marshal(webhookBody{NotificationEvent: e, Markdown: text, HTML: html})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Markdown renders a human-readable message for an event.
func Markdown(e review.NotificationEvent) string {
	var b strings.Builder
	p := e.Payload

	fmt.Fprintf(&b, "**%s** (%s #%d)\n\n", p.Title, strings.ReplaceAll(string(e.SubjectKind), "_", " "), e.SubjectID)
	fmt.Fprintf(&b, "%s → %s\n\n", e.Transition.From, e.Transition.To)

	switch e.Transition.To {
	case review.StatusRejected:
		if p.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n\n", p.Reason)
		}
	case review.StatusAdminReviewing, review.StatusSuperAdminReviewing:
		if p.Summary != "" {
			fmt.Fprintf(&b, "> %s\n\n", p.Summary)
		}
	}

	if d := p.Decision; d != nil {
		verdict := "pass"
		if !d.IsPass {
			verdict = "fail"
		}
		fmt.Fprintf(&b, "AI verdict: *%s*, confidence %.0f%%", verdict, d.Confidence*100)
		if d.RiskLevel != "" {
			fmt.Fprintf(&b, ", risk %s", d.RiskLevel)
		}
		b.WriteString("\n\n")
		if d.Escalated {
			b.WriteString("**Low confidence: please review carefully.**\n\n")
		}
		for _, issue := range d.KeyIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	return b.String()
}

func renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}
