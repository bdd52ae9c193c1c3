package database

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    partition TEXT NOT NULL,
    collection TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    value TEXT,
    deleted BOOLEAN DEFAULT false,
    pending BOOLEAN DEFAULT false,
    local_ts INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (partition, collection, doc_id)
);

CREATE TABLE IF NOT EXISTS pending_writes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    partition TEXT NOT NULL,
    collection TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    op TEXT NOT NULL,
    value TEXT,
    field TEXT,
    delta INTEGER DEFAULT 0,
    local_ts INTEGER NOT NULL,
    attempts INTEGER DEFAULT 0,
    last_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pending_key ON pending_writes(partition, collection, doc_id);
CREATE INDEX IF NOT EXISTS idx_cache_collection ON cache_entries(partition, collection);
`
