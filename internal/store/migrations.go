package store

const schema = `
CREATE TABLE IF NOT EXISTS clusters (
    cluster_id        TEXT PRIMARY KEY,
    canonical_text    TEXT NOT NULL DEFAULT '',
    canonical_hash    TEXT NOT NULL,
    canonical_simhash INTEGER NOT NULL DEFAULT 0,
    title             TEXT NOT NULL DEFAULT '',
    source            TEXT NOT NULL DEFAULT '',
    first_seen        DATETIME NOT NULL,
    last_seen         DATETIME NOT NULL,
    item_count        INTEGER NOT NULL DEFAULT 0,
    last_draft_at     DATETIME,
    last_published_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_clusters_last_seen ON clusters(last_seen);

CREATE TABLE IF NOT EXISTS items (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source          TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL DEFAULT '',
    published_at    DATETIME NOT NULL,
    normalized_text TEXT NOT NULL DEFAULT '',
    text_hash       TEXT NOT NULL,
    simhash         INTEGER NOT NULL DEFAULT 0,
    cluster_id      TEXT NOT NULL REFERENCES clusters(cluster_id),
    priority        TEXT NOT NULL DEFAULT '',
    tier            TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'ingested',
    draft_text      TEXT,
    draft_hash      TEXT,
    draft_simhash   INTEGER,
    publish_id      TEXT,
    drafted_at      DATETIME,
    created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_hash ON items(text_hash);
CREATE INDEX IF NOT EXISTS idx_items_cluster ON items(cluster_id);
CREATE INDEX IF NOT EXISTS idx_items_created ON items(created_at);
CREATE INDEX IF NOT EXISTS idx_items_drafted ON items(drafted_at);
`
