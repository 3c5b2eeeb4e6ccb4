// Package intake creates review drafts from outside sources: team feeds
// become weekly reports and linked documents seed project proposals.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/reviewflow/internal/config"
	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

const (
	maxPerFeed     = 20
	maxSummaryLen  = 280
	defaultTimeout = 15 * time.Second
)

// Store is the persistence the importer needs.
type Store interface {
	InsertSubject(ctx context.Context, s *review.Subject) (int64, error)
	GetSubjectBySourceURL(ctx context.Context, url string) (*review.Subject, error)
}

// Result holds the results of an import run.
type Result struct {
	TotalFound int
	Created    int
	Duplicates int
	Feeds      map[string]int
}

// FeedEntry is a parsed feed item.
type FeedEntry struct {
	URL       string
	Title     string
	Published time.Time // zero when the feed has no date
	Content   string
	Source    string
}

// FeedImporter turns entries of the configured team feeds into weekly
// report drafts owned by each feed's owner.
type FeedImporter struct {
	store  Store
	feeds  []config.Feed
	parser *gofeed.Parser
	logger *slog.Logger
	now    func() time.Time
}

// NewFeedImporter creates an importer. timeout bounds each feed request.
func NewFeedImporter(store Store, feeds []config.Feed, timeout time.Duration, logger *slog.Logger) *FeedImporter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	return &FeedImporter{
		store:  store,
		feeds:  feeds,
		parser: parser,
		logger: logger.With("component", "intake"),
		now:    time.Now,
	}
}

// Import creates drafts for entries published within daysBack days that
// have not been imported before. A feed that fails to parse is logged and
// skipped.
func (fi *FeedImporter) Import(ctx context.Context, daysBack int) (*Result, error) {
	r := &Result{Feeds: make(map[string]int)}
	cutoff := fi.now().AddDate(0, 0, -daysBack)

	for _, fc := range fi.feeds {
		if fc.Owner == "" {
			fi.logger.Warn("feed has no owner, skipping", "url", fc.URL)
			continue
		}
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		entries, err := fi.parseFeed(ctx, fc.URL, name, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return r, ctx.Err()
			}
			fi.logger.Warn("failed to parse feed", "url", fc.URL, "error", err)
			continue
		}
		r.TotalFound += len(entries)

		for _, e := range entries {
			created, err := fi.createDraft(ctx, e, fc.Owner)
			if err != nil {
				return r, err
			}
			if created {
				r.Created++
				r.Feeds[name]++
			} else {
				r.Duplicates++
			}
		}
		fi.logger.Debug("parsed feed", "source", name, "entries", len(entries))
	}

	fi.logger.Info("import complete", "found", r.TotalFound, "created", r.Created, "duplicates", r.Duplicates)
	return r, nil
}

func (fi *FeedImporter) parseFeed(ctx context.Context, feedURL, source string, cutoff time.Time) ([]FeedEntry, error) {
	feed, err := fi.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}

	var entries []FeedEntry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		entry := parseItem(item, source)
		if entry == nil {
			continue
		}
		if entry.Published.IsZero() || !entry.Published.Before(cutoff) {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

func (fi *FeedImporter) createDraft(ctx context.Context, e FeedEntry, owner string) (bool, error) {
	existing, err := fi.store.GetSubjectBySourceURL(ctx, e.URL)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	published := e.Published
	if published.IsZero() {
		published = fi.now()
	}
	s := &review.Subject{
		Kind:    review.KindWeeklyReport,
		OwnerID: owner,
		Content: review.Content{
			Title:     e.Title,
			Summary:   summarize(e.Content),
			Body:      e.Content,
			PeriodID:  database.WeekPeriod(published),
			SourceURL: e.URL,
		},
	}
	if _, err := fi.store.InsertSubject(ctx, s); err != nil {
		return false, fmt.Errorf("creating draft for %s: %w", e.URL, err)
	}
	return true, nil
}

func parseItem(item *gofeed.Item, source string) *FeedEntry {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	if itemURL == "" {
		return nil
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	var published time.Time
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}

	var content string
	if item.Content != "" {
		content = htmlText(item.Content)
	} else if item.Description != "" {
		content = htmlText(item.Description)
	}

	return &FeedEntry{
		URL:       itemURL,
		Title:     title,
		Published: published,
		Content:   content,
		Source:    source,
	}
}

// summarize returns the first sentence of text, cut at maxSummaryLen.
func summarize(text string) string {
	if i := strings.Index(text, ". "); i >= 0 {
		text = text[:i+1]
	}
	if len(text) > maxSummaryLen {
		cut := strings.LastIndex(text[:maxSummaryLen], " ")
		if cut <= 0 {
			cut = maxSummaryLen
		}
		text = text[:cut] + "..."
	}
	return text
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
