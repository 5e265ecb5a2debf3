// Package policy decides whether a scored item becomes a draft, and how that
// draft is approved.
package policy

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/draft"
	"github.com/elonfeng/newsledger/pkg/fingerprint"
	"github.com/elonfeng/newsledger/pkg/render"
)

// Outcome is the result of a policy decision. Only AutoApproved and
// QueuedForReview create a draft.
type Outcome string

const (
	BelowThreshold  Outcome = "below_threshold"
	QuotaReached    Outcome = "quota_reached"
	ClusterCooldown Outcome = "cluster_cooldown"
	AutoApproved    Outcome = "auto_approved"
	QueuedForReview Outcome = "queued_for_review"
)

// Drafted reports whether the outcome created a draft.
func (o Outcome) Drafted() bool {
	return o == AutoApproved || o == QueuedForReview
}

// Config holds the pipeline's thresholds and limits.
type Config struct {
	DefaultThreshold   float64
	PriorityThresholds map[string]float64
	DailyMaxDrafts     int
	ClusterCooldown    time.Duration
	DraftLookback      time.Duration
	DraftSimilarity    int
	DuplicateSuffix    string
	Tiers              TierConfig
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold:   0.7,
		PriorityThresholds: map[string]float64{"P0": 0, "P1": 0.7, "P2": 0.8},
		DailyMaxDrafts:     6,
		ClusterCooldown:    12 * time.Hour,
		DraftLookback:      7 * 24 * time.Hour,
		DraftSimilarity:    6,
		DuplicateSuffix:    " (more soon)",
		Tiers:              TierConfig{OfficialThreshold: 0.75, TrustedThreshold: 0.82},
	}
}

// Candidate is a recorded and scored item.
type Candidate struct {
	ItemID    int64
	ClusterID string
	Source    string
	Title     string
	Body      string
	URL       string
	Priority  string
	Tier      string
	Score     float64
	Duplicate bool
	IsTest    bool
}

// Decision is the pipeline's verdict on a candidate.
type Decision struct {
	Outcome       Outcome      `json:"outcome"`
	Score         float64      `json:"score"`
	Threshold     float64      `json:"threshold"`
	ApprovalTier  draft.Tier   `json:"approval_tier"`
	Reason        string       `json:"reason"`
	NearDuplicate bool         `json:"near_duplicate,omitempty"`
	Draft         *draft.Draft `json:"draft,omitempty"`
}

// Renderer produces post text.
type Renderer interface {
	Render(c render.Content) string
}

// Pipeline evaluates threshold, daily quota, cluster cooldown, duplicate
// drafts and approval tier, in that order.
type Pipeline struct {
	cfg    Config
	store  store.Store
	docs   *state.File
	render Renderer
	tiers  *Tiers
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a pipeline.
func New(cfg Config, s store.Store, docs *state.File, r Renderer, clk clock.Clock, logger zerolog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.PriorityThresholds == nil {
		cfg.PriorityThresholds = def.PriorityThresholds
	}
	if cfg.DailyMaxDrafts <= 0 {
		cfg.DailyMaxDrafts = def.DailyMaxDrafts
	}
	if cfg.ClusterCooldown <= 0 {
		cfg.ClusterCooldown = def.ClusterCooldown
	}
	if cfg.DraftLookback <= 0 {
		cfg.DraftLookback = def.DraftLookback
	}
	if cfg.DraftSimilarity <= 0 {
		cfg.DraftSimilarity = def.DraftSimilarity
	}
	if cfg.DuplicateSuffix == "" {
		cfg.DuplicateSuffix = def.DuplicateSuffix
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Pipeline{
		cfg:    cfg,
		store:  s,
		docs:   docs,
		render: r,
		tiers:  NewTiers(cfg.Tiers),
		clock:  clk,
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

func isP0(priority string) bool {
	return strings.EqualFold(strings.TrimSpace(priority), "P0")
}

// Threshold resolves the minimum score for a priority. P0 has none.
func (p *Pipeline) Threshold(priority string, fallback float64) float64 {
	if isP0(priority) {
		return 0
	}
	if t, ok := p.cfg.PriorityThresholds[strings.ToUpper(strings.TrimSpace(priority))]; ok {
		return t
	}
	return fallback
}

// Decide runs the candidate through the pipeline. Drafting outcomes mark the
// item drafted, stamp its cluster and add a pending draft to the ledger
// document in one store transaction. Policy rejections are returned as
// decisions, not errors.
func (p *Pipeline) Decide(ctx context.Context, c Candidate) (Decision, error) {
	now := p.clock.Now()
	fallback := p.cfg.DefaultThreshold
	if p.docs != nil {
		if doc, err := p.docs.View(); err == nil && doc.ContentIntelligence.DraftThreshold > 0 {
			fallback = doc.ContentIntelligence.DraftThreshold
		}
	}

	dec := Decision{Score: c.Score, Threshold: p.Threshold(c.Priority, fallback)}
	log := p.logger.With().Int64("item_id", c.ItemID).Str("cluster_id", c.ClusterID).Float64("score", c.Score).Logger()

	if !isP0(c.Priority) && c.Score < dec.Threshold {
		dec.reject(BelowThreshold, fmt.Sprintf("score %.3f below threshold %.2f", c.Score, dec.Threshold))
		log.Info().Str("outcome", string(dec.Outcome)).Msg(dec.Reason)
		return dec, nil
	}

	text := p.render.Render(render.Content{Title: c.Title, Body: c.Body, URL: c.URL, Source: c.Source})

	var (
		d        draft.Draft
		recorded bool
	)
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		if !isP0(c.Priority) {
			n, err := tx.CountDraftedSince(ctx, clock.StartOfDay(now))
			if err != nil {
				return err
			}
			if n >= p.cfg.DailyMaxDrafts {
				dec.reject(QuotaReached, fmt.Sprintf("%d drafts today, limit %d", n, p.cfg.DailyMaxDrafts))
				return nil
			}
		}

		cl, err := tx.GetCluster(ctx, c.ClusterID)
		if err != nil {
			return err
		}
		if cl.LastDraftAt != nil && now.Sub(*cl.LastDraftAt) < p.cfg.ClusterCooldown {
			dec.reject(ClusterCooldown, fmt.Sprintf("cluster drafted %s ago, cooldown %s",
				now.Sub(*cl.LastDraftAt).Round(time.Minute), p.cfg.ClusterCooldown))
			return nil
		}

		recent, err := tx.RecentDrafts(ctx, now.Add(-p.cfg.DraftLookback))
		if err != nil {
			return err
		}
		if SimilarDraft(text, recent, p.cfg.DraftSimilarity) {
			text = render.WithSuffix(text, p.cfg.DuplicateSuffix)
			dec.NearDuplicate = true
		}

		dec.ApprovalTier, dec.Reason = p.tiers.Decide(c.Source, c.Priority, c.Score)
		dec.Outcome = QueuedForReview
		if dec.ApprovalTier == draft.TierAutoApprove {
			dec.Outcome = AutoApproved
		}

		if c.Duplicate {
			dec.Reason += "; exact duplicate of an earlier item"
		}

		norm := fingerprint.Normalize(text)
		err = tx.MarkDrafted(ctx, c.ItemID, c.ClusterID, text,
			fingerprint.ExactHash(norm), int64(fingerprint.Of(norm)), now)
		if err != nil {
			return err
		}

		// The pending draft is written before the item commits, so a failed
		// ledger write leaves the item ingested and the cluster unstamped.
		d = p.newDraft(c, text, dec, now)
		if p.docs == nil {
			return nil
		}
		if err := p.docs.Update(ctx, func(doc *state.Document) error {
			doc.Add(d)
			doc.Incr("drafts_created", 1)
			return nil
		}); err != nil {
			return fmt.Errorf("record draft: %w", err)
		}
		recorded = true
		return nil
	})
	if err != nil {
		if recorded {
			log.Error().Err(err).Str("story_id", d.StoryID).
				Msg("pending draft recorded but item not marked drafted")
		}
		return Decision{}, fmt.Errorf("decide item %d: %w", c.ItemID, err)
	}

	if !dec.Outcome.Drafted() {
		log.Info().Str("outcome", string(dec.Outcome)).Msg(dec.Reason)
		return dec, nil
	}

	dec.Draft = &d

	log.Info().
		Str("outcome", string(dec.Outcome)).
		Str("story_id", d.StoryID).
		Bool("near_duplicate", dec.NearDuplicate).
		Bool("duplicate", c.Duplicate).
		Msg(dec.Reason)
	return dec, nil
}

func (d *Decision) reject(o Outcome, reason string) {
	d.Outcome = o
	d.ApprovalTier = draft.TierAutoDrop
	d.Reason = reason
}

func (p *Pipeline) newDraft(c Candidate, text string, dec Decision, now time.Time) draft.Draft {
	status := draft.NeedsReview
	if dec.Outcome == AutoApproved {
		status = draft.AutoApproved
	}
	return draft.Draft{
		StoryID:        StoryID(c.Source, c.Title, c.ItemID),
		Topic:          c.Title,
		Source:         c.Source,
		Description:    c.Body,
		Link:           c.URL,
		Priority:       c.Priority,
		Tier:           c.Tier,
		ClusterID:      c.ClusterID,
		ItemID:         c.ItemID,
		Score:          c.Score,
		Text:           text,
		Status:         status,
		ApprovalTier:   dec.ApprovalTier,
		ApprovalReason: dec.Reason,
		IsTest:         c.IsTest,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// SimilarDraft reports whether text matches a recent draft exactly or
// within maxDistance bits.
func SimilarDraft(text string, recent []store.Item, maxDistance int) bool {
	norm := fingerprint.Normalize(text)
	hash := fingerprint.ExactHash(norm)
	fp := fingerprint.Of(norm)

	for _, it := range recent {
		if it.DraftHash != nil && *it.DraftHash == hash {
			return true
		}
		if it.DraftSimhash != nil && fingerprint.Distance(fp, uint64(*it.DraftSimhash)) <= maxDistance {
			return true
		}
	}
	return false
}

// StoryID derives a short stable id for a draft.
func StoryID(source, title string, itemID int64) string {
	sum := sha1.Sum([]byte(source + "|" + title + "|" + strconv.FormatInt(itemID, 10)))
	return hex.EncodeToString(sum[:])[:12]
}
