package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/pkg/draft"
)

func newFile(t *testing.T) *File {
	t.Helper()
	return NewFile(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
}

func sampleDocument() *Document {
	posted := time.Date(2026, 7, 1, 10, 30, 0, 0, time.UTC)
	return &Document{
		ContentIntelligence: ContentIntelligence{
			ScoringWeights: map[string]float64{"developer_credibility": 0.4, "technical_depth": 0.1},
			DraftThreshold: 0.7,
		},
		PendingStories: []draft.Draft{
			{
				StoryID:        "a1",
				Topic:          "Patch 4.1 live",
				Source:         "rss",
				ClusterID:      "c-1",
				ItemID:         12,
				Score:          0.91,
				Text:           "Patch 4.1 is live",
				Status:         draft.PostedForReview,
				ApprovalTier:   draft.TierBatchDigest,
				ApprovalReason: "other source",
				MessageID:      "998877",
				PostedAt:       &posted,
				CreatedAt:      posted.Add(-time.Minute),
				UpdatedAt:      posted,
			},
		},
		SeenIDs:          []string{"x", "y"},
		LastChecked:      map[string]time.Time{"rss": posted},
		ProcessedSources: map[string]int{"rss": 3},
		Counters:         map[string]int{"drafts_created": 1},
		Revision:         4,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFile(t)
	want := sampleDocument()
	if err := f.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := f.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
	}

	if err := f.Save(got); err != nil {
		t.Fatalf("second save: %v", err)
	}
	again, _ := f.Load()
	if !reflect.DeepEqual(again, got) {
		t.Fatalf("second round trip changed the document")
	}
}

func TestUnknownKeysPreserved(t *testing.T) {
	t.Parallel()

	f := newFile(t)
	raw := `{
  "revision": 2,
  "pending_stories": [],
  "operator_notes": {"owner": "desk", "tags": ["a", "b"]},
  "legacy_flag": true
}`
	if err := os.WriteFile(f.Path(), []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := f.Update(context.Background(), func(doc *Document) error {
		doc.Incr("runs", 1)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	saved, _ := os.ReadFile(f.Path())
	var top map[string]json.RawMessage
	if err := json.Unmarshal(saved, &top); err != nil {
		t.Fatalf("decode saved: %v", err)
	}
	if string(top["legacy_flag"]) != "true" {
		t.Fatalf("legacy_flag lost: %s", saved)
	}
	if !strings.Contains(string(top["operator_notes"]), `"owner"`) {
		t.Fatalf("operator_notes lost: %s", saved)
	}

	doc, _ := f.Load()
	if doc.Revision != 3 || doc.Counters["runs"] != 1 {
		t.Fatalf("unexpected document after update: %+v", doc)
	}
	if string(doc.Extra["operator_notes"]) != `{"owner":"desk","tags":["a","b"]}` {
		t.Fatalf("unexpected extra: %s", doc.Extra["operator_notes"])
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	doc, err := newFile(t).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Revision != 0 || len(doc.PendingStories) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
}

func TestLoadCorruptDocument(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"truncated":      `{"pending_stories": [`,
		"empty":          "  ",
		"bad status":     `{"pending_stories": [{"story_id": "a", "draft_status": "maybe"}]}`,
		"missing id":     `{"pending_stories": [{"draft_status": "approved"}]}`,
		"not an object":  `[1, 2]`,
		"bad weight":     `{"content_intelligence": {"scoring_weights": {"x": "high"}}}`,
		"negative rev":   `{"revision": -1}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFile(t)
			if err := os.WriteFile(f.Path(), []byte(raw), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := f.Load(); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}

			called := false
			err := f.Update(context.Background(), func(*Document) error { called = true; return nil })
			if !errors.Is(err, ErrCorrupt) || called {
				t.Fatalf("update over corrupt file should fail before fn, err=%v called=%v", err, called)
			}
			after, _ := os.ReadFile(f.Path())
			if string(after) != raw {
				t.Fatalf("corrupt file was overwritten")
			}
		})
	}
}

func TestUpdateRetriesOnStaleRevision(t *testing.T) {
	t.Parallel()

	f := newFile(t)
	if err := f.Save(&Document{Revision: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	calls := 0
	err := f.Update(context.Background(), func(doc *Document) error {
		calls++
		if calls == 1 {
			// Another process writes between our read and our commit.
			if err := f.Save(&Document{Revision: 7, SeenIDs: []string{"other"}}); err != nil {
				return err
			}
		}
		doc.SeenIDs = append(doc.SeenIDs, "mine")
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn ran %d times, want 2", calls)
	}

	doc, _ := f.Load()
	if doc.Revision != 8 || !reflect.DeepEqual(doc.SeenIDs, []string{"other", "mine"}) {
		t.Fatalf("stale write was not discarded: %+v", doc)
	}
}

func TestUpdateGivesUpWhenAlwaysStale(t *testing.T) {
	t.Parallel()

	f := newFile(t)
	rev := int64(0)
	err := f.Update(context.Background(), func(doc *Document) error {
		rev += 10
		return f.Save(&Document{Revision: rev})
	})
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	t.Parallel()

	f := newFile(t)
	if err := f.Save(&Document{Revision: 3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := f.Update(context.Background(), func(*Document) error { return ErrNoChange })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, _ := f.Load()
	if doc.Revision != 3 {
		t.Fatalf("revision moved on a no-op update: %d", doc.Revision)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	t.Parallel()

	f := newFile(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Update(context.Background(), func(doc *Document) error {
				doc.Incr("hits", 1)
				return nil
			})
		}()
	}
	wg.Wait()

	doc, err := f.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Counters["hits"] != 20 || doc.Revision != 20 {
		t.Fatalf("lost updates: %+v", doc)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(f.Path()), ".*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestDocumentLookups(t *testing.T) {
	t.Parallel()

	doc := sampleDocument()
	doc.Add(draft.Draft{StoryID: "b2", Status: draft.EditRequested})
	doc.Add(draft.Draft{StoryID: "c3", Status: draft.EditRequested})

	if d, err := doc.Find("b2"); err != nil || d.StoryID != "b2" {
		t.Fatalf("Find: %v %v", d, err)
	}
	if _, err := doc.Find("zz"); !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("expected ErrDraftNotFound, got %v", err)
	}
	if d, err := doc.FindByMessage("998877"); err != nil || d.StoryID != "a1" {
		t.Fatalf("FindByMessage: %v %v", d, err)
	}
	if _, err := doc.FindByMessage(""); !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("empty message id should not match")
	}
	if d, err := doc.LatestEditRequested(); err != nil || d.StoryID != "c3" {
		t.Fatalf("LatestEditRequested: %v %v", d, err)
	}
}
