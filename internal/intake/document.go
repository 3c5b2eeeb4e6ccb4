package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const (
	maxDocumentBytes = 5 << 20
	minDocumentText  = 100
)

// ErrNoContent is returned when a page has no extractable article text.
var ErrNoContent = errors.New("no extractable content")

// Document is the readable part of a fetched page.
type Document struct {
	URL     string
	Title   string
	Summary string
	Text    string
}

// DocumentFetcher downloads a page and extracts its main text, used to seed
// a project proposal from a design doc or RFC link.
type DocumentFetcher struct {
	client *http.Client
}

// NewDocumentFetcher creates a fetcher. timeout bounds the whole request.
func NewDocumentFetcher(timeout time.Duration) *DocumentFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DocumentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch downloads pageURL and extracts its readable text.
func (f *DocumentFetcher) Fetch(ctx context.Context, pageURL string) (*Document, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid document URL %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "reviewflow/1.0 (proposal intake)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetching %s: %s", pageURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pageURL, err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", pageURL, ErrNoContent, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) < minDocumentText {
		return nil, fmt.Errorf("%s: %w", pageURL, ErrNoContent)
	}

	title := pageTitle(body)
	if title == "" {
		title = parsed.Host + parsed.Path
	}
	return &Document{
		URL:     pageURL,
		Title:   title,
		Summary: summarize(strings.Join(strings.Fields(text), " ")),
		Text:    text,
	}, nil
}

// pageTitle prefers the first heading over the <title>, which often carries
// a site suffix.
func pageTitle(page []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return strings.Join(strings.Fields(h1), " ")
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// htmlText returns the visible text of an HTML fragment with whitespace
// collapsed. Plain text passes through unchanged apart from whitespace.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	// Keep words in adjacent block elements apart.
	doc.Find("p, br, li, div, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}
