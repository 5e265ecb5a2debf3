package source

import (
	"context"
	"time"

	"github.com/elonfeng/newsledger/pkg/ledger"
)

// Kind identifies how an item was collected.
type Kind string

const (
	KindRSS    Kind = "rss"
	KindSocial Kind = "social"
)

// Feed is one configured feed. Priority and Tier travel with every item the
// feed yields.
type Feed struct {
	Name     string `yaml:"name" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Priority string `yaml:"priority" json:"priority"`
	Tier     string `yaml:"tier" json:"tier"`
}

// Item is one raw entry pulled from a feed.
type Item struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Feed        string    `json:"feed"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Body        string    `json:"body"`
	Author      string    `json:"author"`
	Priority    string    `json:"priority"`
	Tier        string    `json:"tier"`
	PublishedAt time.Time `json:"published_at"`
	CollectedAt time.Time `json:"collected_at"`
}

// Entry converts the item for the ledger. The feed name is the ledger source.
func (it Item) Entry() ledger.Entry {
	return ledger.Entry{
		Source:      it.Feed,
		Title:       it.Title,
		Body:        it.Body,
		URL:         it.URL,
		PublishedAt: it.PublishedAt,
		Priority:    it.Priority,
		Tier:        it.Tier,
	}
}

// Source is the interface every collector implements. Collect returns what
// it could fetch together with an error joining per-feed failures.
type Source interface {
	Name() string
	Collect(ctx context.Context) ([]Item, error)
}
