package score

import (
	"context"
	"math"
	"strings"
)

// RulesConfig tunes the rule scorer.
type RulesConfig struct {
	// Credibility maps a source name to how much it is trusted, 0..1.
	Credibility        map[string]float64 `yaml:"credibility"`
	DefaultCredibility float64            `yaml:"default_credibility"`
	InterestKeywords   []string           `yaml:"interest_keywords"`
	TechnicalKeywords  []string           `yaml:"technical_keywords"`
	OfficialSources    []string           `yaml:"official_sources"`
}

var defaultInterestKeywords = []string{
	"patch", "patch notes", "update", "hotfix", "roadmap", "alpha", "beta",
	"release", "improvement", "live", "ship", "vehicle", "cargo", "engineering",
	"server meshing", "performance", "optimization", "introducing", "launch",
	"showcase", "event",
}

var defaultTechnicalKeywords = []string{
	"performance", "optimization", "networking", "server meshing", "technical",
	"implementation", "engineering", "latency", "persistence", "rendering",
	"physics", "netcode",
}

// Rules scores items from keyword and source heuristics.
type Rules struct {
	credibility        map[string]float64
	defaultCredibility float64
	interest           []string
	technical          []string
	official           map[string]bool
}

// NewRules creates a rule scorer.
func NewRules(cfg RulesConfig) *Rules {
	r := &Rules{
		credibility:        make(map[string]float64, len(cfg.Credibility)),
		defaultCredibility: cfg.DefaultCredibility,
		interest:           lowerAll(cfg.InterestKeywords),
		technical:          lowerAll(cfg.TechnicalKeywords),
		official:           make(map[string]bool, len(cfg.OfficialSources)),
	}
	if r.defaultCredibility <= 0 {
		r.defaultCredibility = 0.5
	}
	if len(r.interest) == 0 {
		r.interest = defaultInterestKeywords
	}
	if len(r.technical) == 0 {
		r.technical = defaultTechnicalKeywords
	}
	for k, v := range cfg.Credibility {
		r.credibility[strings.ToLower(k)] = v
	}
	for _, s := range cfg.OfficialSources {
		r.official[strings.ToLower(s)] = true
	}
	return r
}

// Components returns the four rule components for an item.
func (r *Rules) Components(in Input) map[string]float64 {
	text := in.text()
	return map[string]float64{
		DeveloperCredibility: r.credibilityOf(in.Source),
		CommunityEngagement:  r.engagement(in, text),
		InformationNovelty:   novelty(in.Seen),
		TechnicalDepth:       math.Min(float64(matches(text, r.technical))*0.25, 1),
	}
}

// Score never fails.
func (r *Rules) Score(_ context.Context, in Input) (float64, error) {
	return clamp(Weighted(r.Components(in), NormalizeWeights(in.Weights))), nil
}

func (r *Rules) credibilityOf(source string) float64 {
	if v, ok := r.credibility[strings.ToLower(source)]; ok {
		return v
	}
	return r.defaultCredibility
}

func (r *Rules) engagement(in Input, text string) float64 {
	v := math.Min(float64(matches(text, r.interest))*0.2, 1)
	if strings.EqualFold(in.Priority, "P0") || strings.EqualFold(in.Tier, "official") || r.official[strings.ToLower(in.Source)] {
		v = math.Min(v+0.2, 1)
	}
	return v
}

func novelty(seen bool) float64 {
	if seen {
		return 0.1
	}
	return 0.8
}

func matches(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
