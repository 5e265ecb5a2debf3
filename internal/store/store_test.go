package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCluster(t *testing.T, s *SQLiteStore, id string, seen time.Time) {
	t.Helper()

	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertCluster(context.Background(), &Cluster{
			ID:            id,
			CanonicalHash: "hash-" + id,
			FirstSeen:     seen,
			LastSeen:      seen,
			ItemCount:     1,
		})
	})
	if err != nil {
		t.Fatalf("insert cluster: %v", err)
	}
}

func seedItem(t *testing.T, s *SQLiteStore, clusterID, hash string, created time.Time) *Item {
	t.Helper()

	item := &Item{
		Source:      "rss",
		Title:       "title",
		PublishedAt: created,
		TextHash:    hash,
		Simhash:     -42,
		ClusterID:   clusterID,
		CreatedAt:   created,
	}
	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertItem(context.Background(), item)
	})
	if err != nil {
		t.Fatalf("insert item: %v", err)
	}
	return item
}

func TestItemRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	seedCluster(t, s, "c1", now)
	item := seedItem(t, s, "c1", "abc", now)
	if item.ID == 0 {
		t.Fatalf("expected item id to be assigned")
	}

	got, err := s.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != ItemIngested {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.Simhash != -42 || got.Fingerprint() != uint64(0xFFFFFFFFFFFFFFD6) {
		t.Fatalf("simhash not preserved: %d", got.Simhash)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %s, want %s", got.CreatedAt, now)
	}
	if got.DraftText != nil || got.DraftedAt != nil {
		t.Fatalf("expected nullable draft columns to be nil")
	}

	ok, err := s.HasItemWithHash(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("expected hash lookup to match, ok=%v err=%v", ok, err)
	}
	ok, err = s.HasItemWithHash(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expected hash lookup to miss, ok=%v err=%v", ok, err)
	}

	if _, err := s.GetItem(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	seedCluster(t, s, "c1", now)
	item := seedItem(t, s, "c1", "abc", now)

	err := s.Update(ctx, func(tx *Tx) error {
		return tx.MarkPublished(ctx, item.ID, "c1", "tweet-1", now)
	})
	if !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("publishing an ingested item should fail, got %v", err)
	}

	err = s.Update(ctx, func(tx *Tx) error {
		if err := tx.MarkDrafted(ctx, item.ID, "c1", "draft", "dh", 7, now); err != nil {
			return err
		}
		return tx.MarkPublished(ctx, item.ID, "c1", "tweet-1", now.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("draft then publish: %v", err)
	}

	err = s.Update(ctx, func(tx *Tx) error { return tx.MarkArchived(ctx, item.ID) })
	if !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("archiving a published item should fail, got %v", err)
	}

	got, _ := s.GetItem(ctx, item.ID)
	if got.Status != ItemPublished || got.PublishID == nil || *got.PublishID != "tweet-1" {
		t.Fatalf("unexpected item after publish: %+v", got)
	}

	c, err := s.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if c.LastDraftAt == nil || !c.LastDraftAt.Equal(now) {
		t.Fatalf("unexpected last_draft_at: %v", c.LastDraftAt)
	}
	if c.LastPublishedAt == nil || !c.LastPublishedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected last_published_at: %v", c.LastPublishedAt)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.InsertCluster(ctx, &Cluster{ID: "c1", CanonicalHash: "h", FirstSeen: now, LastSeen: now, ItemCount: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetCluster(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cluster insert to be rolled back, got %v", err)
	}
}

func TestTouchClusterKeepsLastSeenMonotonic(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	seedCluster(t, s, "c1", now)

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.TouchCluster(ctx, "c1", now.Add(2*time.Hour)); err != nil {
			return err
		}
		return tx.TouchCluster(ctx, "c1", now.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}

	c, _ := s.GetCluster(ctx, "c1")
	if c.ItemCount != 3 {
		t.Fatalf("item_count = %d, want 3", c.ItemCount)
	}
	if !c.LastSeen.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("last_seen = %s", c.LastSeen)
	}

	err = s.Update(ctx, func(tx *Tx) error { return tx.TouchCluster(ctx, "nope", now) })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown cluster, got %v", err)
	}
}

func TestDraftQueries(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	seedCluster(t, s, "c1", day)
	a := seedItem(t, s, "c1", "a", day.Add(-2*time.Hour))
	b := seedItem(t, s, "c1", "b", day.Add(time.Hour))
	seedItem(t, s, "c1", "c", day.Add(2*time.Hour))

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.MarkDrafted(ctx, a.ID, "c1", "yesterday draft", "ha", 1, day.Add(-time.Hour)); err != nil {
			return err
		}
		return tx.MarkDrafted(ctx, b.ID, "c1", "today draft", "hb", 2, day.Add(3*time.Hour))
	})
	if err != nil {
		t.Fatalf("mark drafted: %v", err)
	}

	n, err := s.CountDraftedSince(ctx, day)
	if err != nil || n != 1 {
		t.Fatalf("CountDraftedSince = %d, %v; want 1", n, err)
	}

	drafts, err := s.RecentDrafts(ctx, day.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("recent drafts: %v", err)
	}
	if len(drafts) != 2 || *drafts[0].DraftText != "today draft" {
		t.Fatalf("unexpected recent drafts: %+v", drafts)
	}
}

func TestClustersSeenSinceAndList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	seedCluster(t, s, "old", now.Add(-10*24*time.Hour))
	seedCluster(t, s, "new1", now.Add(-time.Hour))
	seedCluster(t, s, "new2", now)

	got, err := s.ClustersSeenSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("clusters since: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new1" || got[1].ID != "new2" {
		t.Fatalf("unexpected clusters: %+v", got)
	}

	listed, err := s.ListClusters(ctx, ClusterListOpts{Limit: 1})
	if err != nil || len(listed) != 1 || listed[0].ID != "new2" {
		t.Fatalf("ListClusters = %+v, %v", listed, err)
	}

	seedItem(t, s, "new1", "x", now)
	seedItem(t, s, "new2", "y", now)
	items, err := s.ListItems(ctx, ListOpts{ClusterID: "new2", Status: ItemIngested})
	if err != nil || len(items) != 1 || items[0].TextHash != "y" {
		t.Fatalf("ListItems = %+v, %v", items, err)
	}

	counts, err := s.CountItemsBySource(ctx)
	if err != nil || counts["rss"] != 2 {
		t.Fatalf("CountItemsBySource = %v, %v", counts, err)
	}
}

func TestMaintenance(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-90 * 24 * time.Hour)

	seedCluster(t, s, "stale", old)
	seedCluster(t, s, "kept", old)
	stale := seedItem(t, s, "stale", "s", old)
	kept := seedItem(t, s, "kept", "k", old)
	fresh := seedItem(t, s, "kept", "f", now)

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.MarkDrafted(ctx, kept.ID, "kept", "d", "dh", 0, old); err != nil {
			return err
		}
		return tx.MarkPublished(ctx, kept.ID, "kept", "t1", old)
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	var archived, purged int64
	err = s.Update(ctx, func(tx *Tx) error {
		var err error
		if archived, err = tx.ArchiveStaleItems(ctx, now.Add(-30*24*time.Hour)); err != nil {
			return err
		}
		purged, err = tx.PurgeClusters(ctx, now.Add(-60*24*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if archived != 1 || purged != 1 {
		t.Fatalf("archived=%d purged=%d, want 1 and 1", archived, purged)
	}

	if _, err := s.GetItem(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected purged cluster's item to be gone, got %v", err)
	}
	if _, err := s.GetCluster(ctx, "kept"); err != nil {
		t.Fatalf("cluster with published item must survive: %v", err)
	}
	got, _ := s.GetItem(ctx, fresh.ID)
	if got.Status != ItemIngested {
		t.Fatalf("fresh item should not be archived, got %s", got.Status)
	}
}

func TestCanAdvance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to ItemStatus
		want     bool
	}{
		{ItemIngested, ItemDrafted, true},
		{ItemDrafted, ItemPublished, true},
		{ItemIngested, ItemArchived, true},
		{ItemDrafted, ItemArchived, true},
		{ItemPublished, ItemDrafted, false},
		{ItemPublished, ItemArchived, false},
		{ItemArchived, ItemIngested, false},
		{ItemIngested, ItemPublished, false},
	}
	for _, tt := range tests {
		if got := CanAdvance(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionsFollowCanAdvance(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	move := func(ctx context.Context, tx *Tx, id int64, to ItemStatus) error {
		switch to {
		case ItemDrafted:
			return tx.MarkDrafted(ctx, id, "c1", "draft", "dh", 1, now)
		case ItemPublished:
			return tx.MarkPublished(ctx, id, "c1", "t1", now)
		case ItemArchived:
			return tx.MarkArchived(ctx, id)
		}
		return nil
	}
	reach := map[ItemStatus][]ItemStatus{
		ItemIngested:  nil,
		ItemDrafted:   {ItemDrafted},
		ItemPublished: {ItemDrafted, ItemPublished},
		ItemArchived:  {ItemArchived},
	}

	for from, steps := range reach {
		for _, to := range []ItemStatus{ItemDrafted, ItemPublished, ItemArchived} {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				t.Parallel()

				s := openTestStore(t)
				ctx := context.Background()
				seedCluster(t, s, "c1", now)
				item := seedItem(t, s, "c1", "h", now)
				for _, step := range steps {
					if err := s.Update(ctx, func(tx *Tx) error { return move(ctx, tx, item.ID, step) }); err != nil {
						t.Fatalf("reach %s: %v", from, err)
					}
				}

				err := s.Update(ctx, func(tx *Tx) error { return move(ctx, tx, item.ID, to) })
				allowed := CanAdvance(from, to) || (from == ItemArchived && to == ItemArchived)
				if allowed && err != nil {
					t.Fatalf("move %s -> %s: %v", from, to, err)
				}
				if !allowed && !errors.Is(err, ErrStatusRegression) {
					t.Fatalf("move %s -> %s = %v, want ErrStatusRegression", from, to, err)
				}
			})
		}
	}
}
