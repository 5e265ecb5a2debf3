package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/pkg/metrics"
)

const (
	userAgent     = "newsledger/1.0"
	defaultMaxAge = 24 * time.Hour
	bodyLimit     = 500
)

// Options are shared by the feed-based collectors.
type Options struct {
	// MaxAge skips entries published longer ago. Zero means 24h.
	MaxAge  time.Duration
	Timeout time.Duration
	Filter  *Filter
	Clock   clock.Clock
	Logger  zerolog.Logger
}

func (o *Options) defaults() {
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
}

// fetcher downloads and parses feeds.
type fetcher struct {
	client *http.Client
	parser *gofeed.Parser
}

func newFetcher(timeout time.Duration) fetcher {
	return fetcher{
		client: &http.Client{Timeout: timeout},
		parser: gofeed.NewParser(),
	}
}

func (f fetcher) fetch(ctx context.Context, name, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", name, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s status %d", name, resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

// RSS collects entries from RSS/Atom feeds.
type RSS struct {
	fetcher
	feeds []Feed
	opts  Options
}

// NewRSS creates a new RSS collector.
func NewRSS(feeds []Feed, opts Options) *RSS {
	opts.defaults()
	opts.Logger = opts.Logger.With().Str("source", string(KindRSS)).Logger()
	return &RSS{fetcher: newFetcher(opts.Timeout), feeds: feeds, opts: opts}
}

func (r *RSS) Name() string { return string(KindRSS) }

func (r *RSS) Collect(ctx context.Context) ([]Item, error) {
	var all []Item
	var errs []error

	for _, feed := range r.feeds {
		items, err := r.collectFeed(ctx, feed)
		if err != nil {
			metrics.FeedFetches.WithLabelValues(feed.Name, "error").Inc()
			r.opts.Logger.Warn().Err(err).Str("feed", feed.Name).Msg("feed failed")
			errs = append(errs, err)
			continue
		}
		metrics.FeedFetches.WithLabelValues(feed.Name, "ok").Inc()
		all = append(all, items...)
	}

	return all, errors.Join(errs...)
}

func (r *RSS) collectFeed(ctx context.Context, feed Feed) ([]Item, error) {
	parsed, err := r.fetch(ctx, feed.Name, feed.URL)
	if err != nil {
		return nil, err
	}

	now := r.opts.Clock.Now().UTC()
	cutoff := now.Add(-r.opts.MaxAge)

	var items []Item
	for _, entry := range parsed.Items {
		published := now
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}
		if published.Before(cutoff) {
			continue
		}

		body := entry.Description
		if body == "" {
			body = entry.Content
		}
		body = PlainText(body)

		title := PlainText(entry.Title)
		if title == "" {
			title = "Untitled"
		}
		if r.opts.Filter != nil && !r.opts.Filter.Matches(title+" "+body) {
			continue
		}

		link := entry.Link
		if link == "" && len(entry.Links) > 0 {
			link = entry.Links[0]
		}
		guid := entry.GUID
		if guid == "" {
			guid = link
		}

		author := ""
		if entry.Author != nil {
			author = entry.Author.Name
		}

		items = append(items, Item{
			ID:          fmt.Sprintf("rss:%s:%s", feed.Name, guid),
			Kind:        KindRSS,
			Feed:        feed.Name,
			Title:       title,
			URL:         link,
			Body:        truncate(body, bodyLimit),
			Author:      author,
			Priority:    feed.Priority,
			Tier:        feed.Tier,
			PublishedAt: published,
			CollectedAt: now,
		})
	}

	r.opts.Logger.Debug().Str("feed", feed.Name).Int("entries", len(parsed.Items)).Int("kept", len(items)).Msg("feed collected")
	return items, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
