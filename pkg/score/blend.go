package score

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/health"
	"github.com/elonfeng/newsledger/pkg/metrics"
)

const (
	learnedShare = 0.6
	rulesShare   = 0.4
)

// Blend mixes a learned score with the rule score. When the learned scorer
// fails, the rule score is used alone and the failure is recorded.
type Blend struct {
	learned Scorer
	rules   *Rules
	health  *health.Tracker
	logger  zerolog.Logger
}

// NewBlend creates a blended scorer. learned may be nil, in which case only
// rules are used. tracker may be nil.
func NewBlend(learned Scorer, rules *Rules, tracker *health.Tracker, logger zerolog.Logger) *Blend {
	return &Blend{
		learned: learned,
		rules:   rules,
		health:  tracker,
		logger:  logger.With().Str("component", "score").Logger(),
	}
}

// Score returns 0.6*learned + 0.4*rules, or the rule score on failure.
func (b *Blend) Score(ctx context.Context, in Input) (float64, error) {
	rules, _ := b.rules.Score(ctx, in)
	if b.learned == nil {
		return rules, nil
	}

	learned, err := b.learned.Score(ctx, in)
	if err != nil {
		metrics.ScoreFallbacks.Inc()
		if b.health != nil {
			b.health.Failure(health.ComponentScorer, err)
		}
		b.logger.Warn().Err(err).Str("title", in.Title).Msg("learned scorer failed, using rules")
		return rules, nil
	}
	if b.health != nil {
		b.health.Success(health.ComponentScorer)
	}
	return clamp(learnedShare*learned + rulesShare*rules), nil
}
