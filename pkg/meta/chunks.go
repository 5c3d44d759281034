package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"entanglement/pkg/models"
)

// ChunkExists checks whether a chunk hash is known to the index.
func (s *Store) ChunkExists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chunks WHERE hash = ?)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return exists, nil
}

// MissingChunks returns the subset of hashes the store lacks,
// preserving input order. This is the dedup check-set of the sync
// negotiation; it is read-only and takes no row locks.
func (s *Store) MissingChunks(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(hashes))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM chunks WHERE hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool, len(hashes))
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		existing[h] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	var missing []string
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if !existing[h] && !seen[h] {
			missing = append(missing, h)
			seen[h] = true
		}
	}
	return missing, nil
}

// RecordChunk registers a chunk and its physical location. Idempotent
// by hash: re-recording an existing chunk is a no-op and reports
// created=false. The refcount starts at zero; only manifest commits
// move it.
func (s *Store) RecordChunk(ctx context.Context, hash string, length int64, loc models.ChunkLocation) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var containerID interface{}
	var offset, stored interface{}
	if loc.Containerized {
		containerID = loc.ContainerID
		offset = loc.Offset
		stored = loc.Length
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (hash, length_bytes, ref_count, container_id, offset_bytes, compressed, stored_bytes, created_at)
		 VALUES (?, ?, 0, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		hash, length, containerID, offset, loc.Compressed, stored, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return n > 0, nil
}

// Chunk returns the index entry for a hash.
func (s *Store) Chunk(ctx context.Context, hash string) (*models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanChunk(s.db.QueryRowContext(ctx,
		`SELECT hash, length_bytes, ref_count, container_id, offset_bytes, compressed, stored_bytes, created_at
		 FROM chunks WHERE hash = ?`, hash))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var (
		c           models.Chunk
		containerID sql.NullString
		offset      sql.NullInt64
		stored      sql.NullInt64
	)
	err := row.Scan(&c.Hash, &c.LengthBytes, &c.RefCount, &containerID, &offset, &c.Location.Compressed, &stored, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if containerID.Valid {
		c.Location.Containerized = true
		c.Location.ContainerID = containerID.String
		c.Location.Offset = offset.Int64
		c.Location.Length = stored.Int64
	}
	return &c, nil
}

// increfTx adds n references to a chunk inside an open transaction.
// Row-level serialization of concurrent incref/decref on the same hash
// is provided by the transaction.
func increfTx(ctx context.Context, tx *sql.Tx, hash string, n int64) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE chunks SET ref_count = ref_count + ? WHERE hash = ?`, n, hash)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: chunk %s", ErrNotFound, hash)
	}
	return nil
}

// Decref removes n references from a chunk and returns the remaining
// count. Zero signals GC eligibility.
func (s *Store) Decref(ctx context.Context, hash string, n int64) (remaining int64, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET ref_count = ref_count - ? WHERE hash = ? AND ref_count >= ?`, n, hash, n); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		err := tx.QueryRowContext(ctx, `SELECT ref_count FROM chunks WHERE hash = ?`, hash).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: chunk %s", ErrNotFound, hash)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		return nil
	})
	return remaining, err
}

// ZeroRefChunks lists chunks whose refcount has reached zero, the GC
// candidate set.
func (s *Store) ZeroRefChunks(ctx context.Context) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, length_bytes, ref_count, container_id, offset_bytes, compressed, stored_bytes, created_at
		 FROM chunks WHERE ref_count = 0`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return chunks, nil
}

// DeleteChunk removes a chunk row. Callers must have already removed
// the physical bytes; refusing rows that regained references keeps a
// concurrent commit from losing its chunk.
func (s *Store) DeleteChunk(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE hash = ? AND ref_count = 0`, hash)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChunksInContainer lists all chunk rows located in a container,
// ordered by offset. Used by compaction.
func (s *Store) ChunksInContainer(ctx context.Context, containerID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, length_bytes, ref_count, container_id, offset_bytes, compressed, stored_bytes, created_at
		 FROM chunks WHERE container_id = ? ORDER BY offset_bytes`, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return chunks, nil
}
