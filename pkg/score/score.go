// Package score rates how worth drafting an item is, on a 0..1 scale.
package score

import (
	"context"
	"strings"
)

// Rule component names, also the keys of content_intelligence.scoring_weights.
const (
	DeveloperCredibility = "developer_credibility"
	CommunityEngagement  = "community_engagement"
	InformationNovelty   = "information_novelty"
	TechnicalDepth       = "technical_depth"
)

// DefaultWeights are the rule component weights.
var DefaultWeights = map[string]float64{
	DeveloperCredibility: 0.4,
	CommunityEngagement:  0.3,
	InformationNovelty:   0.2,
	TechnicalDepth:       0.1,
}

// Input is an item to score.
type Input struct {
	Source   string
	Title    string
	Body     string
	URL      string
	Priority string
	Tier     string
	// Seen marks content the ledger already holds.
	Seen bool
	// Weights override DefaultWeights per component.
	Weights map[string]float64
}

func (in Input) text() string {
	return strings.ToLower(strings.TrimSpace(in.Title + " " + in.Body))
}

// Scorer rates an item.
type Scorer interface {
	Score(ctx context.Context, in Input) (float64, error)
}

// NormalizeWeights overlays overrides on the default weights.
func NormalizeWeights(overrides map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Weighted sums components by weight. Components without a weight count zero.
func Weighted(components, weights map[string]float64) float64 {
	var total float64
	for k, w := range weights {
		total += components[k] * w
	}
	return total
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
