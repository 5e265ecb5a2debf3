// Package health tracks repeated component failures and escalates them to a
// recovery action.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/pkg/metrics"
)

// Component is a failure-tracked part of the pipeline.
type Component int

const (
	ComponentFeed Component = iota
	ComponentSocialFeed
	ComponentScorer
	ComponentProcessor
	ComponentReview
	ComponentPublisher
	ComponentStore
)

var componentNames = map[Component]string{
	ComponentFeed:       "feed",
	ComponentSocialFeed: "social_feed",
	ComponentScorer:     "scorer",
	ComponentProcessor:  "processor",
	ComponentReview:     "review",
	ComponentPublisher:  "publisher",
	ComponentStore:      "store",
}

func (c Component) String() string {
	if n, ok := componentNames[c]; ok {
		return n
	}
	return "unknown"
}

// RecoveryAction is what to do about a failing component.
type RecoveryAction string

const (
	Continue       RecoveryAction = "continue"
	Restart        RecoveryAction = "restart"
	ResetState     RecoveryAction = "reset_state"
	LogAndContinue RecoveryAction = "log_and_continue"
)

// escalations maps a component to its action once failures cross the
// threshold. Components not listed escalate to LogAndContinue.
var escalations = map[Component]RecoveryAction{
	ComponentSocialFeed: Restart,
	ComponentReview:     Restart,
	ComponentProcessor:  ResetState,
}

// Escalation is reported when a component crosses the failure threshold.
type Escalation struct {
	Component Component
	Action    RecoveryAction
	Failures  int
	LastError error
}

// Tracker counts failures per component within a sliding window.
type Tracker struct {
	mu         sync.Mutex
	window     time.Duration
	threshold  int
	failures   map[Component][]time.Time
	clock      clock.Clock
	logger     zerolog.Logger
	onEscalate func(Escalation)
}

// NewTracker creates a tracker. Zero values default to a one hour window and
// a threshold of three failures.
func NewTracker(window time.Duration, threshold int, clk clock.Clock, logger zerolog.Logger) *Tracker {
	if window <= 0 {
		window = time.Hour
	}
	if threshold <= 0 {
		threshold = 3
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Tracker{
		window:    window,
		threshold: threshold,
		failures:  make(map[Component][]time.Time),
		clock:     clk,
		logger:    logger.With().Str("component", "health").Logger(),
	}
}

// OnEscalate registers a callback for escalations. It runs synchronously on
// the goroutine that recorded the failure.
func (t *Tracker) OnEscalate(fn func(Escalation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEscalate = fn
}

// Failure records a failure and returns the recovery action.
func (t *Tracker) Failure(c Component, err error) RecoveryAction {
	now := t.clock.Now()

	t.mu.Lock()
	recent := t.prune(c, now)
	recent = append(recent, now)
	t.failures[c] = recent
	n := len(recent)
	notify := t.onEscalate
	t.mu.Unlock()

	log := t.logger.Warn().Err(err).Str("failed", c.String()).Int("failures", n)
	if n < t.threshold {
		metrics.ComponentFailures.WithLabelValues(c.String(), string(Continue)).Inc()
		log.Msg("component failure")
		return Continue
	}

	action, ok := escalations[c]
	if !ok {
		action = LogAndContinue
	}
	metrics.ComponentFailures.WithLabelValues(c.String(), string(action)).Inc()
	log.Str("action", string(action)).Msg("component failing repeatedly")
	if notify != nil {
		notify(Escalation{Component: c, Action: action, Failures: n, LastError: err})
	}
	return action
}

// Success clears a component's failure history.
func (t *Tracker) Success(c Component) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, c)
}

// Failures returns the number of failures inside the window.
func (t *Tracker) Failures(c Component) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.prune(c, t.clock.Now()))
}

// Snapshot returns failure counts for every component with recent failures.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make(map[string]int)
	for c := range t.failures {
		if n := len(t.prune(c, now)); n > 0 {
			out[c.String()] = n
		}
	}
	return out
}

func (t *Tracker) prune(c Component, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	kept := t.failures[c][:0]
	for _, ts := range t.failures[c] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.failures[c] = kept
	return kept
}
