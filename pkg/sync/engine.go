// Package sync orchestrates the delta-sync pipeline: chunking and
// hashing on upload, manifest commits against the version graph,
// chunk assembly and verification on download, and change delivery
// to subscribed clients.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"entanglement/pkg/bus"
	"entanglement/pkg/chunker"
	"entanglement/pkg/hasher"
	"entanglement/pkg/log"
	"entanglement/pkg/meta"
	"entanglement/pkg/models"
	"entanglement/pkg/packfile"
	"entanglement/pkg/pathutil"
	"entanglement/pkg/selective"

	"github.com/rs/zerolog"
)

// Engine binds the metadata store, the packfile store, and the change
// bus into the sync operations the transport exposes.
type Engine struct {
	meta   *meta.Store
	pack   *packfile.Store
	bus    *bus.Bus
	logger zerolog.Logger
}

// NewEngine wires an engine over its three collaborators.
func NewEngine(metaStore *meta.Store, pack *packfile.Store, changeBus *bus.Bus) *Engine {
	return &Engine{
		meta:   metaStore,
		pack:   pack,
		bus:    changeBus,
		logger: log.With("sync"),
	}
}

// UploadParams carries one upload request. ParentVersion is the
// version the client based its content on; empty means the client
// believes the path is new. Device, when set, counts the upload
// against that device's quota.
type UploadParams struct {
	Path          string
	Data          []byte
	ParentVersion string
	Actor         string
	Device        string
}

// Upload runs the full ingest pipeline: normalize, select tier, chunk
// and hash in one pass, store chunks the index lacks, and commit the
// manifest. A parent mismatch surfaces as *meta.ConflictError; the
// chunks stay stored either way, so a retried commit uploads nothing
// twice.
func (e *Engine) Upload(ctx context.Context, p UploadParams) (*models.Version, error) {
	path, err := pathutil.Normalize(p.Path)
	if err != nil {
		return nil, err
	}

	size := int64(len(p.Data))
	tier := chunker.SelectTier(path, size)

	manifest, uploaded, err := e.storeChunks(ctx, p.Data, tier)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("path", path).Int64("stored_bytes", uploaded).Msg("chunks stored")

	return e.Commit(ctx, CommitInput{
		Path:          path,
		ParentVersion: p.ParentVersion,
		Manifest:      manifest,
		Blake3:        hasher.Sum(p.Data),
		SizeBytes:     size,
		Tier:          tier,
		Actor:         p.Actor,
		Device:        p.Device,
	})
}

// CommitInput is a manifest commit against a path. All referenced
// chunks must already be stored; the manifest is validated and
// refcounted atomically with the version's visibility. Device, when
// set, counts SizeBytes against that device's quota.
type CommitInput struct {
	Path          string
	ParentVersion string
	Manifest      []models.ManifestEntry
	Blake3        string
	SizeBytes     int64
	Tier          chunker.Tier
	Actor         string
	Device        string
}

// Commit makes a manifest the path's current version and publishes the
// change. A fresh commit to a soft-deleted path revives the file; a
// commit with a parent against one is an edit-delete conflict.
func (e *Engine) Commit(ctx context.Context, in CommitInput) (*models.Version, error) {
	path, err := pathutil.Normalize(in.Path)
	if err != nil {
		return nil, err
	}

	// Quota is charged on the logical size before the commit, so an
	// over-quota device is rejected without a version. A commit that
	// then conflicts has already counted; the retry after resolution
	// counts again, which overstates rather than understates usage.
	if in.Device != "" && in.SizeBytes > 0 {
		if err := e.meta.AddSyncedBytes(ctx, in.Actor, in.Device, in.SizeBytes); err != nil {
			return nil, err
		}
	}

	file, err := e.meta.UpsertFile(ctx, path, in.Actor)
	if err != nil {
		return nil, err
	}

	parent := in.ParentVersion
	action := models.ActionUpdate
	if parent == "" {
		action = models.ActionCreate
	}
	if file.IsDeleted && parent == "" {
		// The history continues from the version that was current at
		// deletion.
		if err := e.meta.Undelete(ctx, file.ID); err != nil {
			return nil, err
		}
		parent = file.CurrentVersion
	}

	version, err := e.meta.CommitVersion(ctx, meta.CommitParams{
		FileID:        file.ID,
		ParentVersion: parent,
		Manifest:      in.Manifest,
		Blake3:        in.Blake3,
		SizeBytes:     in.SizeBytes,
		Tier:          in.Tier,
		CreatedBy:     in.Actor,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug().Str("path", path).Str("version", version.ID).
		Int("chunks", len(in.Manifest)).Int64("bytes", in.SizeBytes).Msg("version committed")
	e.bus.Publish(models.ChangeEvent{
		Path:   path,
		Action: action,
		Actor:  in.Actor,
		Owner:  file.OwnerID,
	})
	return version, nil
}

// PutChunk verifies and stores one chunk arriving over the transport.
// The body is re-hashed before it can enter the store.
func (e *Engine) PutChunk(ctx context.Context, hash string, data []byte, tier chunker.Tier) (bool, error) {
	if !hasher.Valid(hash) {
		return false, fmt.Errorf("%w: malformed hash %q", meta.ErrInvalidManifest, hash)
	}
	if got := hasher.Sum(data); got != hash {
		return false, fmt.Errorf("%w: body hashes to %s, want %s", ErrIntegrity, got, hash)
	}
	if !tier.Valid() || tier == chunker.TierInline {
		tier = chunker.TierStandard
	}
	return e.pack.Put(ctx, hash, data, tier)
}

// GetChunk reads one verified chunk.
func (e *Engine) GetChunk(ctx context.Context, hash string) ([]byte, error) {
	return e.pack.Get(ctx, hash)
}

// MissingChunks is the dedup negotiation: which of these hashes does
// the store lack.
func (e *Engine) MissingChunks(ctx context.Context, hashes []string) ([]string, error) {
	return e.meta.MissingChunks(ctx, hashes)
}

// storeChunks splits data per tier, stores what the index lacks, and
// returns the ordered manifest plus the byte count actually written.
// Inline-tier content bypasses the chunk store: its bytes travel in
// the manifest entry itself.
func (e *Engine) storeChunks(ctx context.Context, data []byte, tier chunker.Tier) ([]models.ManifestEntry, int64, error) {
	if tier == chunker.TierInline {
		if len(data) == 0 {
			return nil, 0, nil
		}
		return []models.ManifestEntry{{
			Index:  0,
			Hash:   hasher.Sum(data),
			Offset: 0,
			Length: int64(len(data)),
			Inline: data,
		}}, 0, nil
	}

	cuts := chunker.Split(data, tier)
	manifest := make([]models.ManifestEntry, 0, len(cuts))
	var uploaded int64
	for i, cut := range cuts {
		chunk := data[cut.Offset : cut.Offset+int64(cut.Length)]
		hash := hasher.Sum(chunk)
		stored, err := e.pack.Put(ctx, hash, chunk, tier)
		if err != nil {
			return nil, 0, err
		}
		if stored {
			uploaded += int64(cut.Length)
		}
		manifest = append(manifest, models.ManifestEntry{
			Index:  i,
			Hash:   hash,
			Offset: cut.Offset,
			Length: int64(cut.Length),
		})
	}
	return manifest, uploaded, nil
}

// Download assembles a version's bytes from its manifest, verifying
// the whole-file BLAKE3 as it goes. On any mismatch it returns
// ErrIntegrity and no bytes.
func (e *Engine) Download(ctx context.Context, versionID string) ([]byte, error) {
	version, err := e.meta.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	manifest, err := e.meta.Manifest(ctx, versionID)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, version.SizeBytes)
	h := hasher.New()
	for _, entry := range manifest {
		chunk := entry.Inline
		if chunk == nil {
			chunk, err = e.pack.Get(ctx, entry.Hash)
			var corrupt *packfile.CorruptChunkError
			if errors.As(err, &corrupt) {
				return nil, fmt.Errorf("%w: version %s chunk %d: %s", ErrIntegrity, versionID, entry.Index, corrupt.Hash)
			}
			if err != nil {
				return nil, err
			}
		}
		_, _ = h.Write(chunk)
		out = append(out, chunk...)
	}

	if got := h.SumHex(); got != version.Blake3 {
		return nil, fmt.Errorf("%w: version %s assembled to %s, want %s", ErrIntegrity, versionID, got, version.Blake3)
	}
	return out, nil
}

// DownloadLatest resolves a path's current version and downloads it.
func (e *Engine) DownloadLatest(ctx context.Context, path string) ([]byte, *models.Version, error) {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return nil, nil, err
	}
	file, err := e.meta.ResolvePath(ctx, normalized)
	if err != nil {
		return nil, nil, err
	}
	if file.CurrentVersion == "" {
		return nil, nil, meta.ErrNotFound
	}
	version, err := e.meta.Version(ctx, file.CurrentVersion)
	if err != nil {
		return nil, nil, err
	}
	data, err := e.Download(ctx, version.ID)
	if err != nil {
		return nil, nil, err
	}
	return data, version, nil
}

// Delete soft-deletes a path. A non-empty parentVersion that no longer
// matches the server's current version means the client is deleting
// content it has not seen; that is recorded as a delete-edit conflict
// and the delete is rejected.
func (e *Engine) Delete(ctx context.Context, path, parentVersion, actor string) error {
	normalized, err := normalizeAny(path)
	if err != nil {
		return err
	}
	file, err := e.meta.ResolvePath(ctx, normalized)
	if err != nil {
		return err
	}

	if parentVersion != "" && file.CurrentVersion != parentVersion {
		current, err := e.meta.Version(ctx, file.CurrentVersion)
		if err != nil && !errors.Is(err, meta.ErrNotFound) {
			return err
		}
		conflict, err := e.meta.RecordConflict(ctx, file.ID, parentVersion, file.CurrentVersion, models.ConflictDeleteEdit)
		if err != nil {
			return err
		}
		return &meta.ConflictError{Kind: models.ConflictDeleteEdit, ConflictID: conflict.ID, Current: current}
	}

	if err := e.meta.SoftDelete(ctx, file.ID); err != nil {
		return err
	}
	e.bus.Publish(models.ChangeEvent{
		Path:   normalized,
		Action: models.ActionDelete,
		Actor:  actor,
		Owner:  file.OwnerID,
	})
	return nil
}

// Undelete revives a soft-deleted file.
func (e *Engine) Undelete(ctx context.Context, fileID, actor string) (*models.File, error) {
	if err := e.meta.Undelete(ctx, fileID); err != nil {
		return nil, err
	}
	file, err := e.meta.FileByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(models.ChangeEvent{
		Path:   file.Path,
		Action: models.ActionCreate,
		Actor:  actor,
		Owner:  file.OwnerID,
	})
	return file, nil
}

// Move renames a file or directory.
func (e *Engine) Move(ctx context.Context, oldPath, newPath, actor string) (*models.File, error) {
	oldNorm, err := normalizeAny(oldPath)
	if err != nil {
		return nil, err
	}
	newNorm, err := normalizeAny(newPath)
	if err != nil {
		return nil, err
	}

	moved, err := e.meta.Rename(ctx, oldNorm, newNorm, actor)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(models.ChangeEvent{
		Path:   newNorm,
		Action: models.ActionMove,
		Actor:  actor,
		Owner:  moved.OwnerID,
	})
	return moved, nil
}

// Restore makes an older version current again as a new commit.
func (e *Engine) Restore(ctx context.Context, path, versionID, actor string) (*models.Version, error) {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return nil, err
	}
	file, err := e.meta.ResolvePath(ctx, normalized)
	if err != nil {
		return nil, err
	}
	restored, err := e.meta.Restore(ctx, file.ID, versionID, actor)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(models.ChangeEvent{
		Path:   normalized,
		Action: models.ActionUpdate,
		Actor:  actor,
		Owner:  file.OwnerID,
	})
	return restored, nil
}

// List returns a directory's children, virtual directories included.
func (e *Engine) List(ctx context.Context, dirPath string) ([]models.Entry, error) {
	normalized, err := pathutil.NormalizeDir(dirPath)
	if err != nil {
		return nil, err
	}
	return e.meta.ListDirectory(ctx, normalized)
}

// History returns a file's version history in commit order.
func (e *Engine) History(ctx context.Context, path string) ([]models.Version, error) {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return nil, err
	}
	file, err := e.meta.ResolvePath(ctx, normalized)
	if err != nil {
		return nil, err
	}
	return e.meta.VersionsByFile(ctx, file.ID)
}

// ChangesSince enumerates a user's file events after cursor, filtered
// through the user's selective-sync rules, and advances the device's
// stored cursor. Used to resume after reconnects and lagged
// subscriptions.
func (e *Engine) ChangesSince(ctx context.Context, cursor time.Time, userID, deviceID string) ([]models.ChangeEvent, time.Time, error) {
	events, newCursor, err := e.meta.ChangesSince(ctx, cursor)
	if err != nil {
		return nil, cursor, err
	}
	rules, err := e.meta.RulesForUser(ctx, userID)
	if err != nil {
		return nil, cursor, err
	}

	filtered := events[:0]
	for _, ev := range events {
		if userID != "" && ev.Owner != "" && ev.Owner != userID {
			continue
		}
		if !selective.Matches(ev.Path, rules) {
			continue
		}
		filtered = append(filtered, ev)
	}

	if deviceID != "" {
		if err := e.meta.UpsertDeviceCursor(ctx, userID, deviceID, newCursor); err != nil {
			return nil, cursor, err
		}
	}
	return filtered, newCursor, nil
}

// Subscribe opens a live event stream for a principal.
func (e *Engine) Subscribe(owner string) *bus.Subscriber {
	return e.bus.Subscribe(owner)
}

// Unsubscribe tears a stream down.
func (e *Engine) Unsubscribe(sub *bus.Subscriber) {
	e.bus.Unsubscribe(sub)
}

// LocalContent is the client-side content a resolution re-commits: the
// manifest the server rejected when the conflict was detected. Its
// chunks must already be stored.
type LocalContent struct {
	Manifest  []models.ManifestEntry
	Blake3    string
	SizeBytes int64
	Tier      chunker.Tier
}

// ResolveParams names a conflict and how to settle it. Local carries
// the client's rejected content; keep-local and keep-both need it,
// keep-remote and manual ignore it.
type ResolveParams struct {
	ConflictID string
	Resolution string
	Actor      string
	Local      *LocalContent
}

// ResolveConflict applies a resolution to a recorded conflict. The
// server's current version stays at the original path in every case
// except keep-local, which commits the client's content on top of it.
// keep-both writes the client's content to a derived conflict path, so
// neither side's bytes are lost. keep-remote and manual only mark the
// record.
func (e *Engine) ResolveConflict(ctx context.Context, p ResolveParams) (*models.Conflict, error) {
	conflict, err := e.meta.Conflict(ctx, p.ConflictID)
	if err != nil {
		return nil, err
	}
	file, err := e.meta.FileByID(ctx, conflict.FileID)
	if err != nil {
		return nil, err
	}

	switch p.Resolution {
	case models.ResolutionKeepRemote, models.ResolutionManual:
		// Nothing to re-commit; the server's content stands.

	case models.ResolutionKeepLocal:
		if err := e.applyLocal(ctx, conflict, file, p.Local, p.Actor); err != nil {
			return nil, err
		}

	case models.ResolutionKeepBoth:
		if err := e.forkLocal(ctx, file, p.Local, p.Actor); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", meta.ErrDatabase, p.Resolution)
	}

	if err := e.meta.ResolveConflict(ctx, p.ConflictID, p.Resolution, p.Actor); err != nil {
		return nil, err
	}
	return e.meta.Conflict(ctx, p.ConflictID)
}

// applyLocal makes the client's side current at the original path. For
// a delete-edit conflict with no content, the client's side is the
// delete itself.
func (e *Engine) applyLocal(ctx context.Context, conflict *models.Conflict, file *models.File, local *LocalContent, actor string) error {
	if local == nil {
		if conflict.Kind != models.ConflictDeleteEdit {
			return fmt.Errorf("%w: resolution needs the local content", meta.ErrInvalidManifest)
		}
		if err := e.meta.SoftDelete(ctx, file.ID); err != nil {
			return err
		}
		e.bus.Publish(models.ChangeEvent{
			Path:   file.Path,
			Action: models.ActionDelete,
			Actor:  actor,
			Owner:  file.OwnerID,
		})
		return nil
	}

	if file.IsDeleted {
		if err := e.meta.Undelete(ctx, file.ID); err != nil {
			return err
		}
	}
	// Committing against the current version cannot conflict again.
	_, err := e.meta.CommitVersion(ctx, meta.CommitParams{
		FileID:        file.ID,
		ParentVersion: file.CurrentVersion,
		Manifest:      local.Manifest,
		Blake3:        local.Blake3,
		SizeBytes:     local.SizeBytes,
		Tier:          local.Tier,
		CreatedBy:     actor,
	})
	if err != nil {
		return err
	}
	e.bus.Publish(models.ChangeEvent{
		Path:   file.Path,
		Action: models.ActionUpdate,
		Actor:  actor,
		Owner:  file.OwnerID,
	})
	return nil
}

// forkLocal writes the client's content to a derived conflict path.
// The original path is left alone: its current version is the server's
// winner.
func (e *Engine) forkLocal(ctx context.Context, file *models.File, local *LocalContent, actor string) error {
	if local == nil {
		return fmt.Errorf("%w: resolution needs the local content", meta.ErrInvalidManifest)
	}

	forkPath := pathutil.ConflictPath(file.Path, time.Now())
	fork, err := e.meta.UpsertFile(ctx, forkPath, file.OwnerID)
	if err != nil {
		return err
	}
	_, err = e.meta.CommitVersion(ctx, meta.CommitParams{
		FileID:    fork.ID,
		Manifest:  local.Manifest,
		Blake3:    local.Blake3,
		SizeBytes: local.SizeBytes,
		Tier:      local.Tier,
		CreatedBy: actor,
	})
	if err != nil {
		return err
	}
	e.bus.Publish(models.ChangeEvent{
		Path:   forkPath,
		Action: models.ActionCreate,
		Actor:  actor,
		Owner:  file.OwnerID,
	})
	return nil
}

// normalizeAny accepts either a file path or a directory path.
func normalizeAny(path string) (string, error) {
	if strings.HasSuffix(path, "/") {
		return pathutil.NormalizeDir(path)
	}
	return pathutil.Normalize(path)
}
