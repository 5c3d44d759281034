package models

import "time"

// File is a logical path identity. Content lives on versions; a file
// row only tracks the current one. Directory paths end in "/" and have
// no current version.
type File struct {
	ID             string     `json:"id"`
	Path           string     `json:"path"`
	OwnerID        string     `json:"owner_id,omitempty"`
	CurrentVersion string     `json:"current_version,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	OriginalHashID string     `json:"original_hash_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Version is an immutable content snapshot. Once committed, none of
// its attributes change.
type Version struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	Blake3    string    `json:"blake3_hash"`
	SizeBytes int64     `json:"size_bytes"`
	TierID    int       `json:"tier_id"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ManifestEntry is one ordered element of a version's chunk manifest.
// Offset is the cumulative sum of prior chunk lengths.
type ManifestEntry struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	// Inline carries the chunk bytes directly for TierInline versions,
	// which bypass the chunk store entirely.
	Inline []byte `json:"inline,omitempty"`
}

// Chunk is a content-addressed byte range keyed by its BLAKE3 hash.
type Chunk struct {
	Hash        string        `json:"hash"`
	LengthBytes int64         `json:"length_bytes"`
	RefCount    int64         `json:"ref_count"`
	Location    ChunkLocation `json:"location"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ChunkLocation is a closed sum: either a (container, offset, length)
// triplet or the legacy standalone blob layout. Containerized is the
// discriminant; standalone chunks are addressed purely by hash.
type ChunkLocation struct {
	Containerized bool   `json:"containerized"`
	ContainerID   string `json:"container_id,omitempty"`
	Offset        int64  `json:"offset,omitempty"`
	Length        int64  `json:"length,omitempty"`
	Compressed    bool   `json:"compressed,omitempty"`
}

// Container is an append-only packfile aggregating chunks on disk.
type Container struct {
	ID         string     `json:"id"`
	DiskPath   string     `json:"disk_path"`
	TotalSize  int64      `json:"total_size"`
	ChunkCount int64      `json:"chunk_count"`
	IsSealed   bool       `json:"is_sealed"`
	CreatedAt  time.Time  `json:"created_at"`
	SealedAt   *time.Time `json:"sealed_at,omitempty"`
}

// Conflict kinds.
const (
	ConflictEditEdit   = "edit-edit"
	ConflictEditDelete = "edit-delete"
	ConflictDeleteEdit = "delete-edit"
)

// Conflict resolutions.
const (
	ResolutionUnresolved = "unresolved"
	ResolutionKeepLocal  = "keep-local"
	ResolutionKeepRemote = "keep-remote"
	ResolutionKeepBoth   = "keep-both"
	ResolutionManual     = "manual"
)

// Conflict records a divergent concurrent edit detected at commit time.
type Conflict struct {
	ID            string     `json:"id"`
	FileID        string     `json:"file_id"`
	LocalVersion  string     `json:"local_version,omitempty"`
	RemoteVersion string     `json:"remote_version,omitempty"`
	Kind          string     `json:"kind"`
	DetectedAt    time.Time  `json:"detected_at"`
	Resolution    string     `json:"resolution"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
}

// Share permissions.
const (
	PermissionView     = "view"
	PermissionDownload = "download"
)

// ShareLink grants bounded access to a path via an opaque token.
type ShareLink struct {
	ID             string     `json:"id"`
	FileID         string     `json:"file_id"`
	Token          string     `json:"token"`
	Permissions    string     `json:"permissions"`
	PasswordHash   string     `json:"-"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	MaxUses        int64      `json:"max_uses,omitempty"`
	UsedCount      int64      `json:"used_count"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// Selective-sync rule kinds.
const (
	RuleInclude = "include"
	RuleExclude = "exclude"
)

// SyncRule is one ordered include/exclude pattern for a device's
// selective sync. Higher priority evaluates first; first match wins.
type SyncRule struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Kind     string `json:"kind"`
	Pattern  string `json:"pattern"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"is_active"`
}

// DeviceState tracks a client installation's sync cursor and quota.
type DeviceState struct {
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	LastCursor   time.Time `json:"last_cursor"`
	SyncedBytes  int64     `json:"synced_bytes"`
	MaxSyncBytes int64     `json:"max_sync_bytes,omitempty"`
}

// Entry is a directory listing element: a real file at the prefix, or
// a virtual directory synthesized from common path prefixes. A virtual
// directory has no file row; its ID is the BLAKE3 of its path.
type Entry struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"is_dir"`
	IsVirtual bool      `json:"is_virtual"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Blake3    string    `json:"blake3_hash,omitempty"`
	TierID    int       `json:"tier_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change-event actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionMove   = "move"
	// ActionLagged marks a gap: the subscriber fell behind and missed
	// Lag events. The interval must be treated as possibly missed and
	// resynced via ChangesSince.
	ActionLagged = "lagged"
)

// ChangeEvent is a path-scoped mutation broadcast on the change bus
// and returned by change enumeration.
type ChangeEvent struct {
	Path      string    `json:"path"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Owner     string    `json:"-"`
	Lag       int64     `json:"lag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
