package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/cluster"
	"github.com/elonfeng/newsledger/pkg/draft"
)

func newTestLedger(t *testing.T) (*Ledger, *store.SQLiteStore, *clock.Manual) {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return New(s, cluster.NewEngine(0, 0), clk, zerolog.Nop()), s, clk
}

var patchNotes = Entry{
	Source:   "rss",
	Title:    "Alpha 4.1 patch notes",
	Body:     "The new patch brings cargo hauling changes and mining balance updates across the verse",
	URL:      "https://example.com/patch",
	Priority: "P1",
}

func TestIngestExactDuplicate(t *testing.T) {
	t.Parallel()

	l, s, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Ingest(ctx, patchNotes)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if first.Duplicate || !first.NewCluster {
		t.Fatalf("first ingest = %+v", first)
	}

	again := patchNotes
	again.Source = "mirror"
	again.Title = "  ALPHA 4.1 Patch Notes!"
	second, err := l.Ingest(ctx, again)
	if err != nil {
		t.Fatalf("ingest duplicate: %v", err)
	}
	if !second.Duplicate || second.NewCluster || second.ClusterID != first.ClusterID {
		t.Fatalf("duplicate ingest = %+v, first %+v", second, first)
	}
	if second.ItemID <= first.ItemID {
		t.Fatalf("item ids not increasing: %d then %d", first.ItemID, second.ItemID)
	}

	c, err := s.GetCluster(ctx, first.ClusterID)
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if c.ItemCount != 2 {
		t.Fatalf("cluster item count = %d, want 2", c.ItemCount)
	}
}

func TestIngestDefaultsPublishedAt(t *testing.T) {
	t.Parallel()

	l, s, clk := newTestLedger(t)
	res, err := l.Ingest(context.Background(), patchNotes)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	item, err := s.GetItem(context.Background(), res.ItemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !item.PublishedAt.Equal(clk.Now()) || item.Status != store.ItemIngested {
		t.Fatalf("unexpected item %+v", item)
	}
}

func draftItem(t *testing.T, s *store.SQLiteStore, res Result, at time.Time) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.MarkDrafted(context.Background(), res.ItemID, res.ClusterID, "draft", "h", 1, at)
	})
	if err != nil {
		t.Fatalf("mark drafted: %v", err)
	}
}

func TestPublishAndArchive(t *testing.T) {
	t.Parallel()

	l, s, clk := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Ingest(ctx, patchNotes)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	draftItem(t, s, res, clk.Now())

	if err := l.UpdateDraft(ctx, res.ItemID, "edited text"); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if err := l.MarkPublished(ctx, res.ItemID, "1790000000000000001"); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	item, err := s.GetItem(ctx, res.ItemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != store.ItemPublished || item.PublishID == nil || *item.PublishID != "1790000000000000001" {
		t.Fatalf("unexpected published item %+v", item)
	}

	if err := l.Archive(ctx, res.ItemID); !errors.Is(err, store.ErrStatusRegression) {
		t.Fatalf("archiving a published item should fail, got %v", err)
	}
}

func TestMaintenance(t *testing.T) {
	t.Parallel()

	l, s, clk := newTestLedger(t)
	ctx := context.Background()
	docs := state.NewFile(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	archiveDir := filepath.Join(t.TempDir(), "archives")

	old, err := l.Ingest(ctx, patchNotes)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	start := clk.Now()
	posted := start.Add(time.Hour)

	err = docs.Update(ctx, func(doc *state.Document) error {
		doc.Add(draft.Draft{StoryID: "stale", Status: draft.PostedForReview, MessageID: "m", PostedAt: &posted, CreatedAt: start})
		doc.Add(draft.Draft{StoryID: "skipped", Status: draft.TestSkipped, CreatedAt: start, UpdatedAt: start})
		doc.Add(draft.Draft{StoryID: "approved", Status: draft.Approved, CreatedAt: start, UpdatedAt: start})
		return nil
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}

	clk.Advance(8 * 24 * time.Hour)
	fresh, err := l.Ingest(ctx, Entry{Source: "rss", Title: "Unrelated fresh headline", Body: "ship showcase stream moves to thursday evening"})
	if err != nil {
		t.Fatalf("ingest fresh: %v", err)
	}
	err = docs.Update(ctx, func(doc *state.Document) error {
		doc.Add(draft.Draft{StoryID: "young", Status: draft.NeedsReview, CreatedAt: clk.Now()})
		return nil
	})
	if err != nil {
		t.Fatalf("seed young draft: %v", err)
	}

	m := NewMaintainer(l, docs, MaintenanceConfig{ArchiveDir: archiveDir})
	rep, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if rep.DraftsArchived != 2 || rep.ItemsArchived != 1 || rep.ClustersPurged != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	doc, err := docs.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	var left []string
	for _, d := range doc.PendingStories {
		left = append(left, d.StoryID)
	}
	if len(left) != 2 || left[0] != "approved" || left[1] != "young" {
		t.Fatalf("remaining drafts = %v", left)
	}

	raw, err := os.ReadFile(rep.ArchiveFile)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var archived []ArchivedDraft
	if err := json.Unmarshal(raw, &archived); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(archived) != 2 || archived[0].StoryID != "stale" || archived[0].Status != draft.Archived || archived[0].ArchiveReason != "stale>7d" {
		t.Fatalf("unexpected archive %+v", archived)
	}
	if filepath.Base(rep.ArchiveFile) != "drafts-20260318.json" {
		t.Fatalf("unexpected archive file %s", rep.ArchiveFile)
	}

	item, err := s.GetItem(ctx, old.ItemID)
	if err != nil || item.Status != store.ItemArchived {
		t.Fatalf("old item not archived: %+v %v", item, err)
	}
	item, err = s.GetItem(ctx, fresh.ItemID)
	if err != nil || item.Status != store.ItemIngested {
		t.Fatalf("fresh item touched: %+v %v", item, err)
	}

	// Past the purge horizon the old cluster and its items go away.
	clk.Advance(61 * 24 * time.Hour)
	rep, err = m.Run(ctx)
	if err != nil {
		t.Fatalf("second maintain: %v", err)
	}
	if rep.ClustersPurged != 2 {
		t.Fatalf("clusters purged = %d, want 2", rep.ClustersPurged)
	}
	if _, err := s.GetCluster(ctx, old.ClusterID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old cluster should be purged, got %v", err)
	}
}

func TestMaintenanceKeepsUnreadableArchive(t *testing.T) {
	t.Parallel()

	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	docs := state.NewFile(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	archiveDir := t.TempDir()

	path := filepath.Join(archiveDir, "drafts-"+clk.Now().Format("20060102")+".json")
	garbage := []byte(`[{"story_id": "earlier"`)
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	err := docs.Update(ctx, func(doc *state.Document) error {
		doc.Add(draft.Draft{StoryID: "skipped", Status: draft.TestSkipped, CreatedAt: clk.Now(), UpdatedAt: clk.Now()})
		return nil
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}

	m := NewMaintainer(l, docs, MaintenanceConfig{ArchiveDir: archiveDir})
	rep, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}

	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("unreadable archive not moved aside: %v %v", matches, err)
	}
	kept, err := os.ReadFile(matches[0])
	if err != nil || string(kept) != string(garbage) {
		t.Fatalf("moved archive changed: %q %v", kept, err)
	}

	raw, err := os.ReadFile(rep.ArchiveFile)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var archived []ArchivedDraft
	if err := json.Unmarshal(raw, &archived); err != nil {
		t.Fatalf("new archive is not valid JSON: %v", err)
	}
	if len(archived) != 1 || archived[0].StoryID != "skipped" {
		t.Fatalf("unexpected archive %+v", archived)
	}

	tmps, _ := filepath.Glob(filepath.Join(archiveDir, ".*.tmp"))
	if len(tmps) != 0 {
		t.Fatalf("temp files left behind: %v", tmps)
	}
}
