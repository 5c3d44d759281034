package meta

// Schema contains the SQL statements to create the metadata schema.
const Schema = `
-- Files table: logical path identities
CREATE TABLE IF NOT EXISTS files (
    id               TEXT PRIMARY KEY,
    path             TEXT UNIQUE NOT NULL,
    owner_id         TEXT NOT NULL DEFAULT '',
    current_version  TEXT,
    is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
    original_hash_id TEXT UNIQUE,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);

-- Versions table: immutable content snapshots
CREATE TABLE IF NOT EXISTS versions (
    id          TEXT PRIMARY KEY,
    file_id     TEXT NOT NULL,
    blake3_hash TEXT NOT NULL,
    size_bytes  INTEGER NOT NULL,
    tier_id     INTEGER NOT NULL,
    created_by  TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    FOREIGN KEY (file_id) REFERENCES files(id)
);

-- Chunks table: content-addressed byte ranges with refcounts
CREATE TABLE IF NOT EXISTS chunks (
    hash         TEXT PRIMARY KEY,
    length_bytes INTEGER NOT NULL,
    ref_count    INTEGER NOT NULL DEFAULT 0,
    container_id TEXT,
    offset_bytes INTEGER,
    compressed   BOOLEAN NOT NULL DEFAULT FALSE,
    stored_bytes INTEGER,
    created_at   DATETIME NOT NULL,
    FOREIGN KEY (container_id) REFERENCES blob_containers(id)
);

-- Version chunk manifests: ordered (version, index) -> chunk mappings
CREATE TABLE IF NOT EXISTS version_chunks (
    version_id   TEXT NOT NULL,
    chunk_index  INTEGER NOT NULL,
    chunk_hash   TEXT NOT NULL,
    chunk_offset INTEGER NOT NULL,
    inline_data  BLOB,
    PRIMARY KEY (version_id, chunk_index),
    FOREIGN KEY (version_id) REFERENCES versions(id)
);

-- Blob containers: append-only packfiles
CREATE TABLE IF NOT EXISTS blob_containers (
    id          TEXT PRIMARY KEY,
    disk_path   TEXT UNIQUE NOT NULL,
    total_size  INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    is_sealed   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  DATETIME NOT NULL,
    sealed_at   DATETIME
);

-- Sync conflicts detected at commit time
CREATE TABLE IF NOT EXISTS sync_conflicts (
    id             TEXT PRIMARY KEY,
    file_id        TEXT NOT NULL,
    local_version  TEXT,
    remote_version TEXT,
    kind           TEXT NOT NULL,
    detected_at    DATETIME NOT NULL,
    resolution     TEXT NOT NULL DEFAULT 'unresolved',
    resolved_at    DATETIME,
    resolved_by    TEXT,
    FOREIGN KEY (file_id) REFERENCES files(id)
);

-- Share links: opaque tokens granting bounded access to a path
CREATE TABLE IF NOT EXISTS share_links (
    id               TEXT PRIMARY KEY,
    file_id          TEXT NOT NULL,
    token            TEXT UNIQUE NOT NULL,
    password_hash    TEXT,
    permissions      TEXT NOT NULL,
    expires_at       DATETIME,
    max_uses         INTEGER,
    used_count       INTEGER NOT NULL DEFAULT 0,
    is_active        BOOLEAN NOT NULL DEFAULT TRUE,
    created_at       DATETIME NOT NULL,
    last_accessed_at DATETIME,
    FOREIGN KEY (file_id) REFERENCES files(id)
);

-- Selective sync rules: ordered include/exclude patterns per user
CREATE TABLE IF NOT EXISTS selective_sync_rules (
    id        TEXT PRIMARY KEY,
    user_id   TEXT NOT NULL,
    kind      TEXT NOT NULL,
    pattern   TEXT NOT NULL,
    priority  INTEGER NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

-- Device sync state: per-device cursor and quota counters
CREATE TABLE IF NOT EXISTS device_sync_state (
    user_id        TEXT NOT NULL,
    device_id      TEXT NOT NULL,
    last_cursor    DATETIME NOT NULL,
    synced_bytes   INTEGER NOT NULL DEFAULT 0,
    max_sync_bytes INTEGER,
    UNIQUE (user_id, device_id)
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_updated ON files(updated_at);
CREATE INDEX IF NOT EXISTS idx_versions_file ON versions(file_id);
CREATE INDEX IF NOT EXISTS idx_version_chunks_hash ON version_chunks(chunk_hash);
CREATE INDEX IF NOT EXISTS idx_chunks_refcount ON chunks(ref_count);
CREATE INDEX IF NOT EXISTS idx_chunks_container ON chunks(container_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_file ON sync_conflicts(file_id);
CREATE INDEX IF NOT EXISTS idx_shares_token ON share_links(token);
CREATE INDEX IF NOT EXISTS idx_rules_user ON selective_sync_rules(user_id);
`
