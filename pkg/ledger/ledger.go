// Package ledger records ingested items and keeps the item and cluster tables
// consistent.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/cluster"
	"github.com/elonfeng/newsledger/pkg/fingerprint"
	"github.com/elonfeng/newsledger/pkg/metrics"
)

// Entry is one raw item handed over by a feed fetcher.
type Entry struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Priority    string    `json:"priority"`
	Tier        string    `json:"tier"`
}

// Text is the content fingerprinted for an entry.
func (e Entry) Text() string {
	return strings.TrimSpace(e.Title + " " + e.Body)
}

// Result reports where an ingested item landed.
type Result struct {
	ItemID     int64  `json:"item_id"`
	ClusterID  string `json:"cluster_id"`
	Duplicate  bool   `json:"duplicate"`
	NewCluster bool   `json:"new_cluster"`
}

// Ledger is the write path for items.
type Ledger struct {
	store  store.Store
	engine *cluster.Engine
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a ledger over the given store.
func New(s store.Store, engine *cluster.Engine, clk clock.Clock, logger zerolog.Logger) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{
		store:  s,
		engine: engine,
		clock:  clk,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Ingest fingerprints, clusters and records one entry in a single
// transaction. Exact duplicates are still recorded and clustered.
func (l *Ledger) Ingest(ctx context.Context, e Entry) (Result, error) {
	norm := fingerprint.Normalize(e.Text())
	hash := fingerprint.ExactHash(norm)
	fp := fingerprint.Of(norm)
	now := l.clock.Now()

	published := e.PublishedAt
	if published.IsZero() {
		published = now
	}

	var res Result
	err := l.store.Update(ctx, func(tx *store.Tx) error {
		dup, err := tx.HasItemWithHash(ctx, hash)
		if err != nil {
			return err
		}

		a, err := l.engine.Assign(ctx, tx, cluster.Candidate{
			Fingerprint:    fp,
			NormalizedText: norm,
			Hash:           hash,
			Title:          e.Title,
			Source:         e.Source,
			SeenAt:         now,
		})
		if err != nil {
			return err
		}

		item := &store.Item{
			Source:         e.Source,
			Title:          e.Title,
			URL:            e.URL,
			PublishedAt:    published,
			NormalizedText: norm,
			TextHash:       hash,
			Simhash:        int64(fp),
			ClusterID:      a.ClusterID,
			Priority:       e.Priority,
			Tier:           e.Tier,
			CreatedAt:      now,
		}
		if err := tx.InsertItem(ctx, item); err != nil {
			return err
		}

		res = Result{ItemID: item.ID, ClusterID: a.ClusterID, Duplicate: dup, NewCluster: a.Created}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s item: %w", e.Source, err)
	}

	metrics.ItemsIngested.WithLabelValues(e.Source, strconv.FormatBool(res.Duplicate)).Inc()
	if res.NewCluster {
		metrics.ClustersCreated.Inc()
	}
	l.logger.Debug().
		Int64("item_id", res.ItemID).
		Str("cluster_id", res.ClusterID).
		Bool("duplicate", res.Duplicate).
		Bool("new_cluster", res.NewCluster).
		Msg("item ingested")
	return res, nil
}

// MarkPublished records a successful publish for a drafted item.
func (l *Ledger) MarkPublished(ctx context.Context, itemID int64, publishID string) error {
	return l.store.Update(ctx, func(tx *store.Tx) error {
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		return tx.MarkPublished(ctx, itemID, item.ClusterID, publishID, l.clock.Now())
	})
}

// UpdateDraft replaces a drafted item's text after a reviewer edit.
func (l *Ledger) UpdateDraft(ctx context.Context, itemID int64, text string) error {
	norm := fingerprint.Normalize(text)
	return l.store.Update(ctx, func(tx *store.Tx) error {
		return tx.UpdateDraftText(ctx, itemID, text, fingerprint.ExactHash(norm), int64(fingerprint.Of(norm)))
	})
}

// Archive retires an item whose draft will never be published.
func (l *Ledger) Archive(ctx context.Context, itemID int64) error {
	return l.store.Update(ctx, func(tx *store.Tx) error {
		return tx.MarkArchived(ctx, itemID)
	})
}
