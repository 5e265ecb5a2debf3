package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/health"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/pkg/draft"
	"github.com/elonfeng/newsledger/pkg/metrics"
	"github.com/elonfeng/newsledger/pkg/render"
)

// Items is the slice of the ledger the handoff updates.
type Items interface {
	MarkPublished(ctx context.Context, itemID int64, publishID string) error
	Archive(ctx context.Context, itemID int64) error
}

// Notifier posts a plain confirmation message.
type Notifier interface {
	PostNotice(ctx context.Context, text string) error
}

// Report summarizes one handoff pass.
type Report struct {
	Published   int `json:"published"`
	TestSkipped int `json:"test_skipped"`
	Failed      int `json:"failed"`
}

// Handoff publishes approved drafts and records the result in the ledger
// document and the item table.
type Handoff struct {
	docs      *state.File
	items     Items
	publisher Publisher
	notifier  Notifier
	health    *health.Tracker
	statusURL string
	clock     clock.Clock
	logger    zerolog.Logger

	mu   sync.Mutex
	side sync.WaitGroup
}

// HandoffConfig configures a Handoff.
type HandoffConfig struct {
	// StatusURL formats a publish id into a link, e.g. "https://x.com/i/status/%s".
	StatusURL string
}

// NewHandoff creates a handoff. notifier and tracker may be nil.
func NewHandoff(cfg HandoffConfig, docs *state.File, items Items, p Publisher, notifier Notifier, tracker *health.Tracker, clk clock.Clock, logger zerolog.Logger) *Handoff {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handoff{
		docs:      docs,
		items:     items,
		publisher: p,
		notifier:  notifier,
		health:    tracker,
		statusURL: cfg.StatusURL,
		clock:     clk,
		logger:    logger.With().Str("component", "publish").Str("publisher", p.Name()).Logger(),
	}
}

// Run publishes every approved or auto-approved draft once. Test drafts are
// marked test_skipped instead. Runs are serialized so a draft is never
// handed to the publisher twice.
func (h *Handoff) Run(ctx context.Context) (Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.docs.View()
	if err != nil {
		return Report{}, err
	}
	ready := doc.Filter(func(d *draft.Draft) bool { return d.Status.Publishable() })

	var rep Report
	for _, d := range ready {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := h.logger.With().Str("story_id", d.StoryID).Logger()

		if d.IsTest {
			if h.settle(ctx, d, draft.TestSkipped, "") {
				rep.TestSkipped++
				log.Info().Msg("test draft skipped")
				if d.ItemID > 0 {
					h.goSide("archive test item", func(ctx context.Context) error {
						return h.items.Archive(ctx, d.ItemID)
					})
				}
			}
			continue
		}

		text := render.Fit(strings.TrimSpace(d.Text), render.Limit)
		if text == "" {
			log.Warn().Msg("approved draft has no text")
			rep.Failed++
			continue
		}

		id, err := h.publisher.Publish(ctx, text)
		if err != nil {
			metrics.Publishes.WithLabelValues("error").Inc()
			if h.health != nil {
				h.health.Failure(health.ComponentPublisher, err)
			}
			log.Error().Err(err).Msg("publish failed")
			rep.Failed++
			continue
		}
		metrics.Publishes.WithLabelValues("ok").Inc()
		if h.health != nil {
			h.health.Success(health.ComponentPublisher)
		}

		if !h.settle(ctx, d, draft.Published, id) {
			log.Error().Str("publish_id", id).Msg("published but draft could not be updated")
			rep.Failed++
			continue
		}
		rep.Published++
		log.Info().Str("publish_id", id).Msg("draft published")

		if d.ItemID > 0 {
			if err := h.items.MarkPublished(ctx, d.ItemID, id); err != nil {
				log.Error().Err(err).Int64("item_id", d.ItemID).Msg("record ledger publish failed")
			}
		}
		if h.notifier != nil {
			notice := h.notice(d, id)
			h.goSide("publish confirmation", func(ctx context.Context) error {
				return h.notifier.PostNotice(ctx, notice)
			})
		}
	}
	return rep, nil
}

// settle moves a draft that is still publishable to its final status.
func (h *Handoff) settle(ctx context.Context, seen draft.Draft, to draft.Status, publishID string) bool {
	now := h.clock.Now()
	applied := false
	err := h.docs.Update(ctx, func(doc *state.Document) error {
		applied = false
		cur, err := doc.Find(seen.StoryID)
		if err != nil {
			return err
		}
		if cur.Status != seen.Status {
			return state.ErrNoChange
		}
		if err := cur.Transition(to, now); err != nil {
			return err
		}
		if publishID != "" {
			cur.PublishID = publishID
			doc.Incr("drafts_published", 1)
		}
		applied = true
		return nil
	})
	if err != nil {
		h.logger.Error().Err(err).Str("story_id", seen.StoryID).Str("to", string(to)).Msg("update draft failed")
		return false
	}
	if applied {
		metrics.DraftTransitions.WithLabelValues(string(to)).Inc()
	}
	return applied
}

func (h *Handoff) notice(d draft.Draft, id string) string {
	link := id
	if h.statusURL != "" {
		link = fmt.Sprintf(h.statusURL, id)
	}
	return fmt.Sprintf("✅ **Published**: %s\n%s", d.Title(), link)
}

func (h *Handoff) goSide(what string, fn func(ctx context.Context) error) {
	h.side.Add(1)
	go func() {
		defer h.side.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.logger.Warn().Err(err).Msg(what + " failed")
		}
	}()
}

// Wait blocks until background side calls have finished.
func (h *Handoff) Wait() { h.side.Wait() }
