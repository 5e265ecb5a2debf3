package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

// ErrStatusRegression is returned when an item status update would move the
// item backwards in its lifecycle.
var ErrStatusRegression = errors.New("item status cannot move backwards")

// ItemStatus is the lifecycle status of a ledger item.
type ItemStatus string

const (
	ItemIngested  ItemStatus = "ingested"
	ItemDrafted   ItemStatus = "drafted"
	ItemPublished ItemStatus = "published"
	ItemArchived  ItemStatus = "archived"
)

// predecessors lists the statuses an item may hold before moving to the key.
var predecessors = map[ItemStatus][]ItemStatus{
	ItemDrafted:   {ItemIngested},
	ItemPublished: {ItemDrafted},
	ItemArchived:  {ItemIngested, ItemDrafted},
}

// CanAdvance reports whether an item may move from one status to another.
func CanAdvance(from, to ItemStatus) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Item is one ingested piece of content.
type Item struct {
	ID             int64      `db:"id" json:"id"`
	Source         string     `db:"source" json:"source"`
	Title          string     `db:"title" json:"title"`
	URL            string     `db:"url" json:"url"`
	PublishedAt    time.Time  `db:"published_at" json:"published_at"`
	NormalizedText string     `db:"normalized_text" json:"normalized_text"`
	TextHash       string     `db:"text_hash" json:"text_hash"`
	Simhash        int64      `db:"simhash" json:"simhash"`
	ClusterID      string     `db:"cluster_id" json:"cluster_id"`
	Priority       string     `db:"priority" json:"priority"`
	Tier           string     `db:"tier" json:"tier"`
	Status         ItemStatus `db:"status" json:"status"`
	DraftText      *string    `db:"draft_text" json:"draft_text,omitempty"`
	DraftHash      *string    `db:"draft_hash" json:"draft_hash,omitempty"`
	DraftSimhash   *int64     `db:"draft_simhash" json:"draft_simhash,omitempty"`
	PublishID      *string    `db:"publish_id" json:"publish_id,omitempty"`
	DraftedAt      *time.Time `db:"drafted_at" json:"drafted_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Fingerprint returns the item's simhash as the unsigned value it was
// computed as. SQLite integers are signed, so the column stores the same bits
// reinterpreted as int64.
func (i Item) Fingerprint() uint64 { return uint64(i.Simhash) }

// Cluster groups items about the same story within a sliding window.
type Cluster struct {
	ID               string     `db:"cluster_id" json:"cluster_id"`
	CanonicalText    string     `db:"canonical_text" json:"canonical_text"`
	CanonicalHash    string     `db:"canonical_hash" json:"canonical_hash"`
	CanonicalSimhash int64      `db:"canonical_simhash" json:"canonical_simhash"`
	Title            string     `db:"title" json:"title"`
	Source           string     `db:"source" json:"source"`
	FirstSeen        time.Time  `db:"first_seen" json:"first_seen"`
	LastSeen         time.Time  `db:"last_seen" json:"last_seen"`
	ItemCount        int        `db:"item_count" json:"item_count"`
	LastDraftAt      *time.Time `db:"last_draft_at" json:"last_draft_at,omitempty"`
	LastPublishedAt  *time.Time `db:"last_published_at" json:"last_published_at,omitempty"`
}

// Fingerprint returns the canonical simhash as an unsigned value.
func (c Cluster) Fingerprint() uint64 { return uint64(c.CanonicalSimhash) }

// ListOpts controls item listing.
type ListOpts struct {
	Source    string
	ClusterID string
	Status    ItemStatus
	Since     time.Time
	Limit     int
}

// ClusterListOpts controls cluster listing.
type ClusterListOpts struct {
	SeenSince time.Time
	Limit     int
}

// Reader is the read side of the ledger, safe for concurrent use.
type Reader interface {
	GetItem(ctx context.Context, id int64) (*Item, error)
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	HasItemWithHash(ctx context.Context, hash string) (bool, error)
	ClustersSeenSince(ctx context.Context, since time.Time) ([]Cluster, error)
	CountDraftedSince(ctx context.Context, since time.Time) (int, error)
	RecentDrafts(ctx context.Context, since time.Time) ([]Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]Item, error)
	ListClusters(ctx context.Context, opts ClusterListOpts) ([]Cluster, error)
	CountItemsBySource(ctx context.Context) (map[string]int, error)
}

// Store is the ledger persistence interface. All writes go through Update so
// they are serialized and committed atomically.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(tx *Tx) error) error
	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	reader
	db      *sqlx.DB
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{reader: reader{q: db}, db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Update runs fn inside a write transaction. Only one Update runs at a time
// per store; fn's error rolls the transaction back.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&Tx{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type reader struct {
	q queryer
}

func (r reader) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := r.q.GetContext(ctx, &item, "SELECT * FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return &item, nil
}

func (r reader) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var c Cluster
	err := r.q.GetContext(ctx, &c, "SELECT * FROM clusters WHERE cluster_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get cluster %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	return &c, nil
}

func (r reader) HasItemWithHash(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := r.q.GetContext(ctx, &n, "SELECT COUNT(*) FROM (SELECT 1 FROM items WHERE text_hash = ? LIMIT 1)", hash); err != nil {
		return false, fmt.Errorf("lookup hash: %w", err)
	}
	return n > 0, nil
}

// ClustersSeenSince returns clusters whose last_seen is at or after since, in
// creation order.
func (r reader) ClustersSeenSince(ctx context.Context, since time.Time) ([]Cluster, error) {
	var clusters []Cluster
	err := r.q.SelectContext(ctx, &clusters,
		"SELECT * FROM clusters WHERE last_seen >= ? ORDER BY rowid", since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list clusters since %s: %w", since.Format(time.RFC3339), err)
	}
	return clusters, nil
}

// CountDraftedSince counts items that entered drafted status at or after since.
func (r reader) CountDraftedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := r.q.GetContext(ctx, &n, "SELECT COUNT(*) FROM items WHERE drafted_at >= ?", since.UTC()); err != nil {
		return 0, fmt.Errorf("count drafts: %w", err)
	}
	return n, nil
}

// RecentDrafts returns items carrying draft text drafted at or after since.
func (r reader) RecentDrafts(ctx context.Context, since time.Time) ([]Item, error) {
	var items []Item
	err := r.q.SelectContext(ctx, &items,
		"SELECT * FROM items WHERE draft_text IS NOT NULL AND drafted_at >= ? ORDER BY drafted_at DESC", since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list recent drafts: %w", err)
	}
	return items, nil
}

func (r reader) ListItems(ctx context.Context, opts ListOpts) ([]Item, error) {
	q := sq.Select("*").From("items")
	if opts.Source != "" {
		q = q.Where(sq.Eq{"source": opts.Source})
	}
	if opts.ClusterID != "" {
		q = q.Where(sq.Eq{"cluster_id": opts.ClusterID})
	}
	if opts.Status != "" {
		q = q.Where(sq.Eq{"status": string(opts.Status)})
	}
	if !opts.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": opts.Since.UTC()})
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query, args, err := q.OrderBy("id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list items query: %w", err)
	}

	var items []Item
	if err := r.q.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (r reader) ListClusters(ctx context.Context, opts ClusterListOpts) ([]Cluster, error) {
	q := sq.Select("*").From("clusters")
	if !opts.SeenSince.IsZero() {
		q = q.Where(sq.GtOrEq{"last_seen": opts.SeenSince.UTC()})
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query, args, err := q.OrderBy("last_seen DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list clusters query: %w", err)
	}

	var clusters []Cluster
	if err := r.q.SelectContext(ctx, &clusters, query, args...); err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	return clusters, nil
}

func (r reader) CountItemsBySource(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryxContext(ctx, "SELECT source, COUNT(*) AS cnt FROM items GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("count items by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, err
		}
		counts[src] = cnt
	}
	return counts, rows.Err()
}
