package policy

import (
	"fmt"
	"strings"

	"github.com/elonfeng/newsledger/pkg/draft"
)

// SourceClass is how much a source is trusted for auto-approval.
type SourceClass int

const (
	ClassOther SourceClass = iota
	ClassTrusted
	ClassOfficial
)

func (c SourceClass) String() string {
	switch c {
	case ClassOfficial:
		return "official"
	case ClassTrusted:
		return "trusted"
	default:
		return "other"
	}
}

// TierConfig configures approval tiers.
type TierConfig struct {
	Enabled           bool     `yaml:"enabled"`
	OfficialSources   []string `yaml:"official_sources"`
	TrustedSources    []string `yaml:"trusted_sources"`
	OfficialThreshold float64  `yaml:"official_threshold"`
	TrustedThreshold  float64  `yaml:"trusted_threshold"`
}

// Tiers classifies sources and picks the approval tier of a draft.
type Tiers struct {
	enabled    bool
	classes    map[string]SourceClass
	thresholds map[SourceClass]float64
}

// NewTiers builds the tier table. A source listed as both official and
// trusted is official.
func NewTiers(cfg TierConfig) *Tiers {
	if cfg.OfficialThreshold <= 0 {
		cfg.OfficialThreshold = 0.75
	}
	if cfg.TrustedThreshold <= 0 {
		cfg.TrustedThreshold = 0.82
	}

	t := &Tiers{
		enabled: cfg.Enabled,
		classes: make(map[string]SourceClass),
		thresholds: map[SourceClass]float64{
			ClassOfficial: cfg.OfficialThreshold,
			ClassTrusted:  cfg.TrustedThreshold,
		},
	}
	for _, s := range cfg.TrustedSources {
		t.classes[strings.ToLower(s)] = ClassTrusted
	}
	for _, s := range cfg.OfficialSources {
		t.classes[strings.ToLower(s)] = ClassOfficial
	}
	return t
}

// Classify returns the class of a source name.
func (t *Tiers) Classify(source string) SourceClass {
	return t.classes[strings.ToLower(source)]
}

// Decide returns the approval tier and a rationale for the audit trail.
func (t *Tiers) Decide(source, priority string, score float64) (draft.Tier, string) {
	if !t.enabled {
		return draft.TierBatchDigest, "auto-approve disabled"
	}

	official := t.thresholds[ClassOfficial]
	if strings.EqualFold(priority, "P0") && score >= official {
		return draft.TierAutoApprove, fmt.Sprintf("P0 priority with score %.3f", score)
	}

	class := t.Classify(source)
	if class == ClassOther {
		return draft.TierBatchDigest, fmt.Sprintf("source '%s' with score %.3f", source, score)
	}

	threshold := t.thresholds[class]
	if score >= threshold {
		return draft.TierAutoApprove, fmt.Sprintf("%s source '%s' with score %.3f >= %.2f", class, source, score, threshold)
	}
	return draft.TierBatchDigest, fmt.Sprintf("%s source '%s' below threshold (%.3f < %.2f)", class, source, score, threshold)
}
