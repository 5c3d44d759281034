package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entanglement/pkg/chunker"
	"entanglement/pkg/models"

	"github.com/google/uuid"
)

// CommitParams describes a version commit. ParentVersion is the
// version the client based its edit on; empty means the client
// believes the file is new.
type CommitParams struct {
	FileID        string
	ParentVersion string
	Manifest      []models.ManifestEntry
	Blake3        string
	SizeBytes     int64
	Tier          chunker.Tier
	CreatedBy     string
}

// conflictSignal carries conflict details out of the commit
// transaction so the record can be written after rollback.
type conflictSignal struct {
	kind    string
	current *models.Version
}

func (c *conflictSignal) Error() string { return "conflict" }

// CommitVersion atomically creates a version: the version row, all
// manifest rows, the per-chunk increfs, and the file's current_version
// pointer succeed or fail together. A parent mismatch rejects the
// commit with *ConflictError carrying the server's current version;
// the conflict record itself survives the rollback.
func (s *Store) CommitVersion(ctx context.Context, p CommitParams) (*models.Version, error) {
	if err := validateManifest(p); err != nil {
		return nil, err
	}

	version := &models.Version{
		ID:        uuid.NewString(),
		FileID:    p.FileID,
		Blake3:    p.Blake3,
		SizeBytes: p.SizeBytes,
		TierID:    int(p.Tier),
		CreatedBy: p.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ?`, p.FileID))
		if err != nil {
			return err
		}

		if f.IsDeleted {
			return &conflictSignal{kind: models.ConflictEditDelete}
		}
		if f.CurrentVersion != p.ParentVersion {
			current, err := versionTx(ctx, tx, f.CurrentVersion)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return &conflictSignal{kind: models.ConflictEditEdit, current: current}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO versions (id, file_id, blake3_hash, size_bytes, tier_id, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			version.ID, version.FileID, version.Blake3, version.SizeBytes,
			version.TierID, version.CreatedBy, version.CreatedAt,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		for _, entry := range p.Manifest {
			var inline interface{}
			if entry.Inline != nil {
				inline = entry.Inline
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO version_chunks (version_id, chunk_index, chunk_hash, chunk_offset, inline_data)
				 VALUES (?, ?, ?, ?, ?)`,
				version.ID, entry.Index, entry.Hash, entry.Offset, inline,
			); err != nil {
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
			if entry.Inline == nil {
				if err := increfTx(ctx, tx, entry.Hash, 1); err != nil {
					if errors.Is(err, ErrNotFound) {
						return fmt.Errorf("%w: manifest references unknown chunk %s", ErrInvalidManifest, entry.Hash)
					}
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET current_version = ?, updated_at = ? WHERE id = ?`,
			version.ID, version.CreatedAt, p.FileID,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		return nil
	})

	var sig *conflictSignal
	if errors.As(err, &sig) {
		conflict, recErr := s.RecordConflict(ctx, p.FileID, p.ParentVersion, currentID(sig.current), sig.kind)
		if recErr != nil {
			return nil, recErr
		}
		return nil, &ConflictError{Kind: sig.kind, ConflictID: conflict.ID, Current: sig.current}
	}
	if err != nil {
		return nil, err
	}
	return version, nil
}

func currentID(v *models.Version) string {
	if v == nil {
		return ""
	}
	return v.ID
}

// validateManifest checks ordering, offset contiguity, size agreement,
// and the inline-tier shape before any row is written.
func validateManifest(p CommitParams) error {
	if !p.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %d", ErrInvalidManifest, p.Tier)
	}
	if p.Tier == chunker.TierInline {
		if len(p.Manifest) > 1 {
			return fmt.Errorf("%w: inline version carries %d entries", ErrInvalidManifest, len(p.Manifest))
		}
		if len(p.Manifest) == 1 && p.Manifest[0].Inline == nil {
			return fmt.Errorf("%w: inline version without inline data", ErrInvalidManifest)
		}
	}
	var offset int64
	for i, entry := range p.Manifest {
		if entry.Index != i {
			return fmt.Errorf("%w: entry %d has index %d", ErrInvalidManifest, i, entry.Index)
		}
		if entry.Offset != offset {
			return fmt.Errorf("%w: entry %d offset %d, want %d", ErrInvalidManifest, i, entry.Offset, offset)
		}
		if entry.Length < 0 {
			return fmt.Errorf("%w: entry %d has negative length", ErrInvalidManifest, i)
		}
		if entry.Inline != nil && int64(len(entry.Inline)) != entry.Length {
			return fmt.Errorf("%w: entry %d inline length mismatch", ErrInvalidManifest, i)
		}
		offset += entry.Length
	}
	if offset != p.SizeBytes {
		return fmt.Errorf("%w: manifest sums to %d bytes, version claims %d", ErrInvalidManifest, offset, p.SizeBytes)
	}
	return nil
}

func versionTx(ctx context.Context, tx *sql.Tx, id string) (*models.Version, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return scanVersion(tx.QueryRowContext(ctx,
		`SELECT id, file_id, blake3_hash, size_bytes, tier_id, created_by, created_at
		 FROM versions WHERE id = ?`, id))
}

func scanVersion(row rowScanner) (*models.Version, error) {
	var v models.Version
	err := row.Scan(&v.ID, &v.FileID, &v.Blake3, &v.SizeBytes, &v.TierID, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return &v, nil
}

// Version returns a version row by id.
func (s *Store) Version(ctx context.Context, id string) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanVersion(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, blake3_hash, size_bytes, tier_id, created_by, created_at
		 FROM versions WHERE id = ?`, id))
}

// VersionsByFile returns a file's history in commit order.
func (s *Store) VersionsByFile(ctx context.Context, fileID string) ([]models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, blake3_hash, size_bytes, tier_id, created_by, created_at
		 FROM versions WHERE file_id = ? ORDER BY created_at, rowid`, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return versions, nil
}

// Manifest returns a version's ordered chunk manifest. Entry lengths
// come from the chunk index, or from the inline payload for inline
// versions.
func (s *Store) Manifest(ctx context.Context, versionID string) ([]models.ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT vc.chunk_index, vc.chunk_hash, vc.chunk_offset, vc.inline_data, c.length_bytes
		 FROM version_chunks vc
		 LEFT JOIN chunks c ON vc.chunk_hash = c.hash
		 WHERE vc.version_id = ? ORDER BY vc.chunk_index`, versionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var manifest []models.ManifestEntry
	for rows.Next() {
		var (
			e      models.ManifestEntry
			inline []byte
			length sql.NullInt64
		)
		if err := rows.Scan(&e.Index, &e.Hash, &e.Offset, &inline, &length); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if inline != nil {
			e.Inline = inline
			e.Length = int64(len(inline))
		} else {
			e.Length = length.Int64
		}
		manifest = append(manifest, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if manifest == nil {
		// Distinguish "empty version" from "no such version".
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM versions WHERE id = ?)`, versionID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return manifest, nil
}

// Restore creates a new version whose manifest equals an old one and
// makes it current, incrementing chunk refcounts accordingly. The old
// version is untouched.
func (s *Store) Restore(ctx context.Context, fileID, versionID, by string) (*models.Version, error) {
	old, err := s.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if old.FileID != fileID {
		return nil, fmt.Errorf("%w: version %s does not belong to file %s", ErrNotFound, versionID, fileID)
	}

	restored := &models.Version{
		ID:        uuid.NewString(),
		FileID:    fileID,
		Blake3:    old.Blake3,
		SizeBytes: old.SizeBytes,
		TierID:    old.TierID,
		CreatedBy: by,
		CreatedAt: time.Now().UTC(),
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO versions (id, file_id, blake3_hash, size_bytes, tier_id, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			restored.ID, restored.FileID, restored.Blake3, restored.SizeBytes,
			restored.TierID, restored.CreatedBy, restored.CreatedAt,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_chunks (version_id, chunk_index, chunk_hash, chunk_offset, inline_data)
			 SELECT ?, chunk_index, chunk_hash, chunk_offset, inline_data
			 FROM version_chunks WHERE version_id = ?`,
			restored.ID, versionID,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		// A manifest may reference the same chunk at several indexes;
		// the refcount counts entries, not distinct hashes.
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET ref_count = ref_count +
			   (SELECT COUNT(*) FROM version_chunks
			    WHERE version_id = ?1 AND chunk_hash = chunks.hash AND inline_data IS NULL)
			 WHERE hash IN (SELECT chunk_hash FROM version_chunks WHERE version_id = ?1 AND inline_data IS NULL)`,
			versionID,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET current_version = ?, updated_at = ? WHERE id = ?`,
			restored.ID, restored.CreatedAt, fileID,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}
