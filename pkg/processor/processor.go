// Package processor runs collected items through the ledger, the scorer and
// the policy pipeline.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/health"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/pkg/ledger"
	"github.com/elonfeng/newsledger/pkg/metrics"
	"github.com/elonfeng/newsledger/pkg/policy"
	"github.com/elonfeng/newsledger/pkg/score"
	"github.com/elonfeng/newsledger/pkg/source"
)

// DefaultSeenLimit bounds the seen id list kept in the ledger document.
const DefaultSeenLimit = 1000

// Outcome is what happened to one entry.
type Outcome struct {
	ItemID    int64           `json:"item_id"`
	ClusterID string          `json:"cluster_id"`
	Duplicate bool            `json:"duplicate"`
	Score     float64         `json:"score"`
	Decision  policy.Decision `json:"decision"`
}

// Report summarizes a collection pass.
type Report struct {
	Collected int                    `json:"collected"`
	Seen      int                    `json:"seen"`
	Processed int                    `json:"processed"`
	Failed    int                    `json:"failed"`
	Outcomes  map[policy.Outcome]int `json:"outcomes"`
}

// Processor is the ingest path: collect, record, score, decide.
type Processor struct {
	sources   []source.Source
	ledger    *ledger.Ledger
	scorer    score.Scorer
	policy    *policy.Pipeline
	docs      *state.File
	health    *health.Tracker
	seenLimit int
	clock     clock.Clock
	logger    zerolog.Logger
}

// Config holds the processor's collaborators.
type Config struct {
	Sources   []source.Source
	Ledger    *ledger.Ledger
	Scorer    score.Scorer
	Policy    *policy.Pipeline
	Docs      *state.File
	Health    *health.Tracker
	SeenLimit int
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// New creates a processor.
func New(cfg Config) *Processor {
	if cfg.SeenLimit <= 0 {
		cfg.SeenLimit = DefaultSeenLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Processor{
		sources:   cfg.Sources,
		ledger:    cfg.Ledger,
		scorer:    cfg.Scorer,
		policy:    cfg.Policy,
		docs:      cfg.Docs,
		health:    cfg.Health,
		seenLimit: cfg.SeenLimit,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With().Str("component", "processor").Logger(),
	}
}

// Collect pulls every source and processes the items not seen before. A
// failing source does not stop the others.
func (p *Processor) Collect(ctx context.Context) (Report, error) {
	rep := Report{Outcomes: make(map[policy.Outcome]int)}

	doc, err := p.docs.View()
	if err != nil {
		return rep, err
	}
	seen := make(map[string]bool, len(doc.SeenIDs))
	for _, id := range doc.SeenIDs {
		seen[id] = true
	}
	weights := doc.ContentIntelligence.ScoringWeights

	for _, src := range p.sources {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		items, err := src.Collect(ctx)
		if err != nil {
			p.recordFailure(componentFor(src), err)
		} else {
			p.recordSuccess(componentFor(src))
		}
		rep.Collected += len(items)

		var fresh []string
		for _, it := range items {
			if seen[it.ID] {
				rep.Seen++
				continue
			}
			seen[it.ID] = true

			out, err := p.process(ctx, it.Entry(), false, weights)
			if out.ItemID > 0 {
				// Recorded in the ledger; never ingest it again.
				fresh = append(fresh, it.ID)
			}
			if err != nil {
				rep.Failed++
				p.logger.Error().Err(err).Str("id", it.ID).Msg("process item failed")
				continue
			}
			rep.Processed++
			rep.Outcomes[out.Decision.Outcome]++
		}

		if err := p.markSeen(ctx, src.Name(), fresh); err != nil {
			return rep, err
		}
	}

	p.logger.Info().
		Int("collected", rep.Collected).
		Int("seen", rep.Seen).
		Int("processed", rep.Processed).
		Int("failed", rep.Failed).
		Msg("collection complete")
	return rep, nil
}

// ProcessEntry runs one manually supplied entry through the pipeline.
func (p *Processor) ProcessEntry(ctx context.Context, e ledger.Entry, isTest bool) (Outcome, error) {
	doc, err := p.docs.View()
	if err != nil {
		return Outcome{}, err
	}
	return p.process(ctx, e, isTest, doc.ContentIntelligence.ScoringWeights)
}

func (p *Processor) process(ctx context.Context, e ledger.Entry, isTest bool, weights map[string]float64) (Outcome, error) {
	res, err := p.ledger.Ingest(ctx, e)
	if err != nil {
		p.recordFailure(health.ComponentStore, err)
		return Outcome{}, err
	}

	s, err := p.scorer.Score(ctx, score.Input{
		Source:   e.Source,
		Title:    e.Title,
		Body:     e.Body,
		URL:      e.URL,
		Priority: e.Priority,
		Tier:     e.Tier,
		Seen:     res.Duplicate,
		Weights:  weights,
	})
	out := Outcome{ItemID: res.ItemID, ClusterID: res.ClusterID, Duplicate: res.Duplicate}
	if err != nil {
		p.recordFailure(health.ComponentScorer, err)
		return out, fmt.Errorf("score item %d: %w", res.ItemID, err)
	}
	out.Score = s

	dec, err := p.policy.Decide(ctx, policy.Candidate{
		ItemID:    res.ItemID,
		ClusterID: res.ClusterID,
		Source:    e.Source,
		Title:     e.Title,
		Body:      e.Body,
		URL:       e.URL,
		Priority:  e.Priority,
		Tier:      e.Tier,
		Score:     s,
		Duplicate: res.Duplicate,
		IsTest:    isTest,
	})
	if err != nil {
		p.recordFailure(health.ComponentProcessor, err)
		return out, err
	}
	p.recordSuccess(health.ComponentProcessor)
	metrics.PolicyDecisions.WithLabelValues(string(dec.Outcome)).Inc()

	out.Decision = dec
	return out, nil
}

// markSeen records processed ids and per-source bookkeeping.
func (p *Processor) markSeen(ctx context.Context, sourceName string, ids []string) error {
	now := p.clock.Now().UTC()
	err := p.docs.Update(ctx, func(doc *state.Document) error {
		doc.SeenIDs = append(doc.SeenIDs, ids...)
		if over := len(doc.SeenIDs) - p.seenLimit; over > 0 {
			doc.SeenIDs = append([]string(nil), doc.SeenIDs[over:]...)
		}
		if doc.LastChecked == nil {
			doc.LastChecked = make(map[string]time.Time)
		}
		doc.LastChecked[sourceName] = now
		if doc.ProcessedSources == nil {
			doc.ProcessedSources = make(map[string]int)
		}
		doc.ProcessedSources[sourceName] += len(ids)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record seen items for %s: %w", sourceName, err)
	}
	return nil
}

func componentFor(src source.Source) health.Component {
	if src.Name() == string(source.KindSocial) {
		return health.ComponentSocialFeed
	}
	return health.ComponentFeed
}

func (p *Processor) recordFailure(c health.Component, err error) {
	if p.health != nil {
		p.health.Failure(c, err)
	}
}

func (p *Processor) recordSuccess(c health.Component) {
	if p.health != nil {
		p.health.Success(c)
	}
}
