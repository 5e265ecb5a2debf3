// Package state persists the ledger document: pending drafts, scoring
// settings and run counters. Every write replaces the file atomically.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/newsledger/pkg/draft"
)

var (
	// ErrCorrupt is returned when the persisted document fails validation.
	ErrCorrupt = errors.New("ledger document is corrupt")
	// ErrStale is returned when the document changed under a read-modify-write.
	ErrStale = errors.New("ledger document changed concurrently")
	// ErrNoChange lets an Update callback finish without writing.
	ErrNoChange = errors.New("no change")
	// ErrDraftNotFound is returned when no pending draft has the given story id.
	ErrDraftNotFound = errors.New("draft not found")
)

// ContentIntelligence holds tunable scoring settings.
type ContentIntelligence struct {
	ScoringWeights map[string]float64 `json:"scoring_weights,omitempty"`
	DraftThreshold float64            `json:"draft_threshold,omitempty"`
}

// Document is the ledger document. Top-level keys it does not know about are
// kept in Extra and written back unchanged.
type Document struct {
	ContentIntelligence ContentIntelligence  `json:"content_intelligence"`
	PendingStories      []draft.Draft        `json:"pending_stories"`
	SeenIDs             []string             `json:"seen_ids"`
	LastChecked         map[string]time.Time `json:"last_checked"`
	ProcessedSources    map[string]int       `json:"processed_sources"`
	Counters            map[string]int       `json:"counters"`
	Revision            int64                `json:"revision"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownKeys = map[string]bool{
	"content_intelligence": true,
	"pending_stories":      true,
	"seen_ids":             true,
	"last_checked":         true,
	"processed_sources":    true,
	"counters":             true,
	"revision":             true,
}

type plainDocument Document

func (d Document) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(plainDocument(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(knownKeys)+len(d.Extra))
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if !knownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var plain plainDocument
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return fmt.Errorf("compact %s: %w", k, err)
		}
		if plain.Extra == nil {
			plain.Extra = make(map[string]json.RawMessage)
		}
		plain.Extra[k] = json.RawMessage(buf.Bytes())
	}

	*d = Document(plain)
	return nil
}

// Find returns the pending draft with the given story id.
func (d *Document) Find(storyID string) (*draft.Draft, error) {
	for i := range d.PendingStories {
		if d.PendingStories[i].StoryID == storyID {
			return &d.PendingStories[i], nil
		}
	}
	return nil, fmt.Errorf("story %s: %w", storyID, ErrDraftNotFound)
}

// FindByMessage returns the pending draft posted as the given review message.
func (d *Document) FindByMessage(messageID string) (*draft.Draft, error) {
	for i := range d.PendingStories {
		if messageID != "" && d.PendingStories[i].MessageID == messageID {
			return &d.PendingStories[i], nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, ErrDraftNotFound)
}

// LatestEditRequested returns the most recently added draft awaiting an edit.
func (d *Document) LatestEditRequested() (*draft.Draft, error) {
	for i := len(d.PendingStories) - 1; i >= 0; i-- {
		if d.PendingStories[i].Status == draft.EditRequested {
			return &d.PendingStories[i], nil
		}
	}
	return nil, fmt.Errorf("edit_requested: %w", ErrDraftNotFound)
}

// Add appends a new pending draft.
func (d *Document) Add(dr draft.Draft) {
	d.PendingStories = append(d.PendingStories, dr)
}

// Incr bumps a named counter.
func (d *Document) Incr(name string, n int) {
	if d.Counters == nil {
		d.Counters = make(map[string]int)
	}
	d.Counters[name] += n
}

// Filter returns pending drafts matching keep.
func (d *Document) Filter(keep func(*draft.Draft) bool) []draft.Draft {
	var out []draft.Draft
	for i := range d.PendingStories {
		if keep(&d.PendingStories[i]) {
			out = append(out, d.PendingStories[i])
		}
	}
	return out
}
