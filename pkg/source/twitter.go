package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elonfeng/newsledger/pkg/metrics"
)

// Twitter collects account timelines through Nitter RSS feeds.
type Twitter struct {
	fetcher
	nitterURL string
	accounts  []Feed
	opts      Options
}

// NewTwitter creates a timeline collector. Each account's Name is its handle;
// a non-empty URL replaces the Nitter feed URL for that account.
func NewTwitter(nitterURL string, accounts []Feed, opts Options) *Twitter {
	if nitterURL == "" {
		nitterURL = "https://nitter.net"
	}
	opts.defaults()
	opts.Logger = opts.Logger.With().Str("source", string(KindSocial)).Logger()
	return &Twitter{
		fetcher:   newFetcher(opts.Timeout),
		nitterURL: strings.TrimRight(nitterURL, "/"),
		accounts:  accounts,
		opts:      opts,
	}
}

func (t *Twitter) Name() string { return string(KindSocial) }

func (t *Twitter) Collect(ctx context.Context) ([]Item, error) {
	var all []Item
	var errs []error

	for _, account := range t.accounts {
		items, err := t.collectAccount(ctx, account)
		if err != nil {
			metrics.FeedFetches.WithLabelValues(account.Name, "error").Inc()
			t.opts.Logger.Warn().Err(err).Str("account", account.Name).Msg("timeline failed")
			errs = append(errs, err)
			continue
		}
		metrics.FeedFetches.WithLabelValues(account.Name, "ok").Inc()
		all = append(all, items...)
	}

	return all, errors.Join(errs...)
}

func (t *Twitter) collectAccount(ctx context.Context, account Feed) ([]Item, error) {
	handle := strings.TrimPrefix(account.Name, "@")
	feedURL := account.URL
	if feedURL == "" {
		feedURL = fmt.Sprintf("%s/%s/rss", t.nitterURL, handle)
	}

	feed, err := t.fetch(ctx, "@"+handle, feedURL)
	if err != nil {
		return nil, err
	}

	now := t.opts.Clock.Now().UTC()
	cutoff := now.Add(-t.opts.MaxAge)

	var items []Item
	for _, entry := range feed.Items {
		published := now
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		}
		if published.Before(cutoff) {
			continue
		}

		text := PlainText(entry.Description)
		if text == "" {
			text = PlainText(entry.Title)
		}
		// Retweets carry someone else's news.
		if strings.HasPrefix(entry.Title, "RT by @") || strings.HasPrefix(text, "RT @") {
			continue
		}
		if t.opts.Filter != nil && !t.opts.Filter.Matches(text) {
			continue
		}

		// Convert nitter link back to twitter.
		link := strings.Replace(entry.Link, t.nitterURL, "https://x.com", 1)
		link = strings.TrimSuffix(link, "#m")

		items = append(items, Item{
			ID:          fmt.Sprintf("social:%s:%s", handle, entry.GUID),
			Kind:        KindSocial,
			Feed:        account.Name,
			Title:       truncate(PlainText(entry.Title), 280),
			URL:         link,
			Body:        truncate(text, bodyLimit),
			Author:      handle,
			Priority:    account.Priority,
			Tier:        account.Tier,
			PublishedAt: published,
			CollectedAt: now,
		})
	}

	return items, nil
}
