// Package reconcile drives pending drafts through review by re-deriving their
// status from the review channel.
package reconcile

import (
	"context"
	"errors"
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
	"github.com/elonfeng/newsledger/pkg/review"
)

const (
	DefaultMaxAge   = 24 * time.Hour
	DefaultInterval = 15 * time.Minute
	queueSize       = 256
)

// ErrQueueFull is returned when an event cannot be queued.
var ErrQueueFull = errors.New("reconcile queue full")

// EventKind is the kind of a review-channel event.
type EventKind int

const (
	// EventReaction means reactions on a review message changed.
	EventReaction EventKind = iota
	// EventEdit carries replacement text for a draft awaiting an edit.
	EventEdit
	// EventRescan asks for a full pass.
	EventRescan
)

var kindNames = map[EventKind]string{
	EventReaction: "reaction",
	EventEdit:     "edit",
	EventRescan:   "rescan",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind maps an event kind name to its EventKind.
func ParseKind(name string) (EventKind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// ParseEdit extracts the replacement text from a review-channel reply of the
// form "EDIT: <text>".
func ParseEdit(message string) (string, bool) {
	m := strings.TrimSpace(message)
	if len(m) < 5 || !strings.EqualFold(m[:5], "EDIT:") {
		return "", false
	}
	text := strings.TrimSpace(m[5:])
	return text, text != ""
}

// Event is one review-channel event.
type Event struct {
	Kind      EventKind `json:"kind"`
	MessageID string    `json:"message_id,omitempty"`
	StoryID   string    `json:"story_id,omitempty"`
	Text      string    `json:"text,omitempty"`

	done chan result
}

type result struct {
	report Report
	err    error
}

// Items is the slice of the ledger the reconciler updates.
type Items interface {
	Archive(ctx context.Context, itemID int64) error
	UpdateDraft(ctx context.Context, itemID int64, text string) error
}

// Report summarizes a reconciliation pass.
type Report struct {
	Posted      int                  `json:"posted"`
	Evaluated   int                  `json:"evaluated"`
	Transitions map[draft.Status]int `json:"transitions"`
	Failures    int                  `json:"failures"`
}

func (r *Report) add(o Report) {
	r.Posted += o.Posted
	r.Evaluated += o.Evaluated
	r.Failures += o.Failures
	for s, n := range o.Transitions {
		r.note(s, n)
	}
}

func (r *Report) note(s draft.Status, n int) {
	if r.Transitions == nil {
		r.Transitions = make(map[draft.Status]int)
	}
	r.Transitions[s] += n
}

// Reconciler owns every review-driven draft transition. Events and periodic
// rescans are consumed by one goroutine in Run; the exported entry points
// hold mu, so direct callers never interleave with Run or each other.
type Reconciler struct {
	mu sync.Mutex


	docs    *state.File
	items   Items
	channel review.Channel
	health  *health.Tracker
	maxAge  time.Duration
	clock   clock.Clock
	logger  zerolog.Logger

	events chan Event
	side   sync.WaitGroup
}

// Config configures a Reconciler.
type Config struct {
	MaxAge time.Duration
}

// New creates a reconciler. health may be nil.
func New(cfg Config, docs *state.File, items Items, ch review.Channel, tracker *health.Tracker, clk clock.Clock, logger zerolog.Logger) *Reconciler {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Reconciler{
		docs:    docs,
		items:   items,
		channel: ch,
		health:  tracker,
		maxAge:  cfg.MaxAge,
		clock:   clk,
		logger:  logger.With().Str("component", "reconcile").Logger(),
		events:  make(chan Event, queueSize),
	}
}

// Submit queues an event for Run without waiting for it.
func (r *Reconciler) Submit(e Event) error {
	select {
	case r.events <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues an event and waits until Run has handled it.
func (r *Reconciler) SubmitWait(ctx context.Context, e Event) error {
	_, err := r.submitWait(ctx, e)
	return err
}

// Rescan queues a full pass and returns its report once Run has made it.
func (r *Reconciler) Rescan(ctx context.Context) (Report, error) {
	return r.submitWait(ctx, Event{Kind: EventRescan})
}

func (r *Reconciler) submitWait(ctx context.Context, e Event) (Report, error) {
	e.done = make(chan result, 1)
	select {
	case r.events <- e:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	select {
	case res := <-e.done:
		return res.report, res.err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Run consumes events and rescans every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Dur("max_age", r.maxAge).Msg("reconciler running")
	r.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			r.side.Wait()
			r.logger.Info().Msg("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.pass(ctx)
		case e := <-r.events:
			r.mu.Lock()
			rep, err := r.handle(ctx, e)
			r.mu.Unlock()
			if err != nil {
				r.logger.Warn().Err(err).Stringer("kind", e.Kind).Msg("event failed")
			}
			if e.done != nil {
				e.done <- result{report: rep, err: err}
			}
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	r.mu.Lock()
	rep, err := r.reconcile(ctx)
	r.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile pass failed")
		return
	}
	r.logger.Info().
		Int("posted", rep.Posted).
		Int("evaluated", rep.Evaluated).
		Int("failures", rep.Failures).
		Interface("transitions", rep.Transitions).
		Msg("reconcile pass")
}

// Handle applies one event.
func (r *Reconciler) Handle(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.handle(ctx, e)
	return err
}

func (r *Reconciler) handle(ctx context.Context, e Event) (Report, error) {
	switch e.Kind {
	case EventReaction:
		return Report{}, r.handleReaction(ctx, e.MessageID)
	case EventEdit:
		return Report{}, r.applyEdit(ctx, e.StoryID, e.Text)
	case EventRescan:
		return r.reconcile(ctx)
	default:
		return Report{}, fmt.Errorf("unknown event kind %d", e.Kind)
	}
}

// Reconcile posts drafts waiting for review, then re-evaluates every draft
// under review. Running it again on an unchanged channel changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcile(ctx)
}

func (r *Reconciler) reconcile(ctx context.Context) (Report, error) {
	doc, err := r.docs.View()
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, d := range doc.PendingStories {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		switch {
		case d.Status == draft.NeedsReview:
			rep.add(r.post(ctx, d))
		case d.Status.InReview() && d.MessageID != "":
			rep.add(r.evaluate(ctx, d))
		}
	}

	r.observe()
	return rep, nil
}

// HandleReaction re-evaluates the draft posted as messageID.
func (r *Reconciler) HandleReaction(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handleReaction(ctx, messageID)
}

func (r *Reconciler) handleReaction(ctx context.Context, messageID string) error {
	doc, err := r.docs.View()
	if err != nil {
		return err
	}
	d, err := doc.FindByMessage(messageID)
	if err != nil {
		return err
	}
	if !d.Status.InReview() {
		return nil
	}
	rep := r.evaluate(ctx, *d)
	if rep.Failures > 0 {
		return fmt.Errorf("evaluate story %s: review channel unavailable", d.StoryID)
	}
	return nil
}

// post hands a needs_review draft to the review channel and records the
// message reference.
func (r *Reconciler) post(ctx context.Context, d draft.Draft) Report {
	log := r.logger.With().Str("story_id", d.StoryID).Logger()

	messageID, err := r.channel.PostForReview(ctx, &d)
	if err != nil {
		metrics.ReviewCalls.WithLabelValues("post", "error").Inc()
		r.failure(err)
		log.Warn().Err(err).Msg("post for review failed")
		return Report{Failures: 1}
	}
	metrics.ReviewCalls.WithLabelValues("post", "ok").Inc()
	r.success()

	applied := false
	err = r.docs.Update(ctx, func(doc *state.Document) error {
		applied = false
		cur, err := doc.Find(d.StoryID)
		if err != nil {
			return err
		}
		if cur.Status != draft.NeedsReview || cur.MessageID != "" {
			return state.ErrNoChange
		}
		if err := cur.MarkPosted(messageID, r.clock.Now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("message_id", messageID).Msg("record review post failed")
		return Report{Failures: 1}
	}
	if !applied {
		log.Warn().Str("message_id", messageID).Msg("draft changed while posting, review message orphaned")
		return Report{}
	}

	metrics.DraftTransitions.WithLabelValues(string(draft.PostedForReview)).Inc()
	log.Info().Str("message_id", messageID).Msg("posted for review")
	rep := Report{Posted: 1}
	rep.note(draft.PostedForReview, 1)
	return rep
}

// evaluate reads the draft's review message and applies the resulting
// transition, if any, against a fresh copy of the document.
func (r *Reconciler) evaluate(ctx context.Context, seen draft.Draft) Report {
	log := r.logger.With().Str("story_id", seen.StoryID).Str("message_id", seen.MessageID).Logger()
	now := r.clock.Now()

	var next draft.Status
	var ok bool
	snap, err := r.channel.Snapshot(ctx, seen.MessageID)
	switch {
	case err == nil:
		metrics.ReviewCalls.WithLabelValues("snapshot", "ok").Inc()
		r.success()
		next, ok = draft.Decide(snap.Reactions, snap.Age(now), r.maxAge)
	case seen.PostedAt != nil && now.Sub(*seen.PostedAt) > r.maxAge:
		// The message cannot be read, but it is already past review age.
		next, ok = draft.Rejected, true
	case review.IsNotFound(err):
		// The channel answered; the message is gone. It is forced to
		// rejected once past review age.
		metrics.ReviewCalls.WithLabelValues("snapshot", "deleted").Inc()
		r.success()
		log.Warn().Msg("review message deleted, waiting for review age")
		return Report{Evaluated: 1}
	default:
		metrics.ReviewCalls.WithLabelValues("snapshot", "error").Inc()
		r.failure(err)
		log.Warn().Err(err).Msg("read review message failed")
		return Report{Evaluated: 1, Failures: 1}
	}

	rep := Report{Evaluated: 1}
	if !ok || next == seen.Status {
		return rep
	}

	var updated draft.Draft
	err = r.docs.Update(ctx, func(doc *state.Document) error {
		updated = draft.Draft{}
		cur, err := doc.Find(seen.StoryID)
		if err != nil {
			return err
		}
		if cur.Status != seen.Status || cur.MessageID != seen.MessageID {
			// Decided on a stale read; the next pass sees the new state.
			return state.ErrNoChange
		}
		if err := cur.Transition(next, now); err != nil {
			return err
		}
		updated = *cur
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("to", string(next)).Msg("apply transition failed")
		rep.Failures++
		return rep
	}
	if updated.StoryID == "" {
		log.Debug().Msg("draft changed concurrently, transition skipped")
		return rep
	}

	metrics.DraftTransitions.WithLabelValues(string(next)).Inc()
	rep.note(next, 1)
	log.Info().Str("from", string(seen.Status)).Str("to", string(next)).Msg("draft transition")
	r.afterTransition(updated)
	return rep
}

// afterTransition runs best-effort side calls for a transition. They never
// undo it.
func (r *Reconciler) afterTransition(d draft.Draft) {
	switch d.Status {
	case draft.EditRequested:
		r.goSide("post edit request", func(ctx context.Context) error {
			return r.channel.PostEditRequest(ctx, &d)
		})
	case draft.Rejected:
		if d.ItemID > 0 && r.items != nil {
			r.goSide("archive rejected item", func(ctx context.Context) error {
				return r.items.Archive(ctx, d.ItemID)
			})
		}
	}
}

// ApplyEdit replaces the text of a draft awaiting an edit and re-posts it.
// An empty storyID targets the most recent draft awaiting an edit.
func (r *Reconciler) ApplyEdit(ctx context.Context, storyID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyEdit(ctx, storyID, text)
}

func (r *Reconciler) applyEdit(ctx context.Context, storyID, text string) error {
	now := r.clock.Now()

	var edited draft.Draft
	err := r.docs.Update(ctx, func(doc *state.Document) error {
		var d *draft.Draft
		var err error
		if storyID == "" {
			d, err = doc.LatestEditRequested()
		} else {
			d, err = doc.Find(storyID)
		}
		if err != nil {
			return err
		}
		if err := d.ApplyEdit(text, now); err != nil {
			return err
		}
		doc.Incr("drafts_edited", 1)
		edited = *d
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply edit: %w", err)
	}

	metrics.DraftTransitions.WithLabelValues(string(draft.NeedsReview)).Inc()
	r.logger.Info().Str("story_id", edited.StoryID).Msg("draft edited, re-posting")

	if edited.ItemID > 0 && r.items != nil {
		if err := r.items.UpdateDraft(ctx, edited.ItemID, edited.Text); err != nil {
			r.logger.Warn().Err(err).Int64("item_id", edited.ItemID).Msg("update ledger draft text failed")
		}
	}
	r.goSide("confirm edit", func(ctx context.Context) error {
		return r.channel.PostNotice(ctx, fmt.Sprintf("%s Updated draft for **%s**. Re-posting for review.", review.EmojiApprove, edited.Title()))
	})

	r.post(ctx, edited)
	return nil
}

// goSide runs a best-effort call in the background with its own timeout.
func (r *Reconciler) goSide(what string, fn func(ctx context.Context) error) {
	r.side.Add(1)
	go func() {
		defer r.side.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn().Err(err).Msg(what + " failed")
		}
	}()
}

// Wait blocks until background side calls have finished.
func (r *Reconciler) Wait() { r.side.Wait() }

func (r *Reconciler) failure(err error) {
	if r.health != nil {
		r.health.Failure(health.ComponentReview, err)
	}
}

func (r *Reconciler) success() {
	if r.health != nil {
		r.health.Success(health.ComponentReview)
	}
}

// observe refreshes the pending-draft gauges.
func (r *Reconciler) observe() {
	doc, err := r.docs.View()
	if err != nil {
		return
	}
	counts := make(map[draft.Status]int)
	for _, d := range doc.PendingStories {
		counts[d.Status]++
	}
	for _, s := range []draft.Status{
		draft.NeedsReview, draft.PostedForReview, draft.EditRequested, draft.Hold,
		draft.Approved, draft.AutoApproved,
	} {
		metrics.PendingDrafts.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
