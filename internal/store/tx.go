package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// Tx is a write transaction opened by Store.Update. It also exposes every
// read, so read-modify-write sequences see their own writes.
type Tx struct {
	reader
	tx *sqlx.Tx
}

// InsertCluster creates a new cluster row.
func (t *Tx) InsertCluster(ctx context.Context, c *Cluster) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO clusters (
			cluster_id, canonical_text, canonical_hash, canonical_simhash,
			title, source, first_seen, last_seen, item_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.CanonicalText, c.CanonicalHash, c.CanonicalSimhash,
		c.Title, c.Source, c.FirstSeen.UTC(), c.LastSeen.UTC(), c.ItemCount)
	if err != nil {
		return fmt.Errorf("insert cluster %s: %w", c.ID, err)
	}
	return nil
}

// TouchCluster records one more member seen at the given time. last_seen
// never moves backwards.
func (t *Tx) TouchCluster(ctx context.Context, id string, seenAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE clusters
		SET last_seen = MAX(last_seen, ?), item_count = item_count + 1
		WHERE cluster_id = ?
	`, seenAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch cluster %s: %w", id, err)
	}
	return expectOne(res, "touch cluster "+id)
}

// InsertItem stores a new item and fills in its assigned id.
func (t *Tx) InsertItem(ctx context.Context, item *Item) error {
	if item.Status == "" {
		item.Status = ItemIngested
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (
			source, title, url, published_at, normalized_text, text_hash, simhash,
			cluster_id, priority, tier, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.Source, item.Title, item.URL, item.PublishedAt.UTC(), item.NormalizedText,
		item.TextHash, item.Simhash, item.ClusterID, item.Priority, item.Tier,
		string(item.Status), item.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert item id: %w", err)
	}
	item.ID = id
	return nil
}

// MarkDrafted moves an ingested item to drafted, stores its draft text and
// fingerprints, and stamps the cluster's last_draft_at.
func (t *Tx) MarkDrafted(ctx context.Context, itemID int64, clusterID, text, hash string, simhash int64, at time.Time) error {
	n, err := t.advance(ctx, itemID, ItemDrafted, map[string]any{
		"draft_text":    text,
		"draft_hash":    hash,
		"draft_simhash": simhash,
		"drafted_at":    at.UTC(),
	})
	if err != nil {
		return err
	}
	if err := t.expectTransition(ctx, n, itemID, ItemDrafted); err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx,
		"UPDATE clusters SET last_draft_at = ? WHERE cluster_id = ?", at.UTC(), clusterID); err != nil {
		return fmt.Errorf("stamp cluster %s draft: %w", clusterID, err)
	}
	return nil
}

// UpdateDraftText replaces the stored draft text of a drafted item after a
// reviewer edit.
func (t *Tx) UpdateDraftText(ctx context.Context, itemID int64, text, hash string, simhash int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE items SET draft_text = ?, draft_hash = ?, draft_simhash = ?
		WHERE id = ? AND status = ?
	`, text, hash, simhash, itemID, string(ItemDrafted))
	if err != nil {
		return fmt.Errorf("update draft text %d: %w", itemID, err)
	}
	return nil
}

// MarkPublished records the external publish id and stamps the cluster's
// last_published_at.
func (t *Tx) MarkPublished(ctx context.Context, itemID int64, clusterID, publishID string, at time.Time) error {
	n, err := t.advance(ctx, itemID, ItemPublished, map[string]any{"publish_id": publishID})
	if err != nil {
		return err
	}
	if err := t.expectTransition(ctx, n, itemID, ItemPublished); err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx,
		"UPDATE clusters SET last_published_at = ? WHERE cluster_id = ?", at.UTC(), clusterID); err != nil {
		return fmt.Errorf("stamp cluster %s publish: %w", clusterID, err)
	}
	return nil
}

// MarkArchived moves a not-yet-published item sideways to archived. Archiving
// an already archived item is a no-op.
func (t *Tx) MarkArchived(ctx context.Context, itemID int64) error {
	n, err := t.advance(ctx, itemID, ItemArchived, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		item, err := t.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status == ItemArchived {
			return nil
		}
	}
	return t.expectTransition(ctx, n, itemID, ItemArchived)
}

// ArchiveStaleItems archives every unpublished item created before cutoff.
func (t *Tx) ArchiveStaleItems(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := sq.Update("items").
		Set("status", string(ItemArchived)).
		Where(sq.Eq{"status": fromStatuses(ItemArchived)}).
		Where(sq.Lt{"created_at": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build archive query: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("archive stale items: %w", err)
	}
	return res.RowsAffected()
}

// PurgeClusters deletes clusters last seen before cutoff that never had a
// published item, together with their member items, so no item is left
// pointing at a missing cluster.
func (t *Tx) PurgeClusters(ctx context.Context, cutoff time.Time) (int64, error) {
	const purgeable = `
		SELECT cluster_id FROM clusters
		WHERE last_seen < ? AND cluster_id NOT IN (
			SELECT DISTINCT cluster_id FROM items WHERE status = ?
		)`

	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM items WHERE cluster_id IN ("+purgeable+")",
		cutoff.UTC(), string(ItemPublished)); err != nil {
		return 0, fmt.Errorf("purge cluster items: %w", err)
	}

	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM clusters WHERE cluster_id IN ("+purgeable+")",
		cutoff.UTC(), string(ItemPublished))
	if err != nil {
		return 0, fmt.Errorf("purge clusters: %w", err)
	}
	return res.RowsAffected()
}

// advance moves an item to status to, setting the extra columns, but only
// from a status CanAdvance allows. It returns the number of rows changed.
func (t *Tx) advance(ctx context.Context, itemID int64, to ItemStatus, set map[string]any) (int64, error) {
	b := sq.Update("items").Set("status", string(to))
	if len(set) > 0 {
		b = b.SetMap(set)
	}
	query, args, err := b.Where(sq.Eq{"id": itemID, "status": fromStatuses(to)}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s query: %w", to, err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("move item %d to %s: %w", itemID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (t *Tx) expectTransition(ctx context.Context, n int64, itemID int64, to ItemStatus) error {
	if n == 1 {
		return nil
	}
	item, err := t.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !CanAdvance(item.Status, to) {
		return fmt.Errorf("move item %d from %s to %s: %w", itemID, item.Status, to, ErrStatusRegression)
	}
	return fmt.Errorf("move item %d from %s to %s: no row updated", itemID, item.Status, to)
}

func fromStatuses(to ItemStatus) []string {
	from := make([]string, 0, len(predecessors[to]))
	for _, p := range predecessors[to] {
		from = append(from, string(p))
	}
	return from
}

func expectOne(res interface{ RowsAffected() (int64, error) }, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
