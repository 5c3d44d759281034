package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entanglement/pkg/models"

	"github.com/google/uuid"
)

// CreateContainer registers a new open container at diskPath.
func (s *Store) CreateContainer(ctx context.Context, diskPath string) (*models.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &models.Container{
		ID:        uuid.NewString(),
		DiskPath:  diskPath,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blob_containers (id, disk_path, total_size, chunk_count, is_sealed, created_at)
		 VALUES (?, ?, 0, 0, FALSE, ?)`,
		c.ID, c.DiskPath, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return c, nil
}

// Container returns a container row by id.
func (s *Store) Container(ctx context.Context, id string) (*models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c        models.Container
		sealedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, disk_path, total_size, chunk_count, is_sealed, created_at, sealed_at
		 FROM blob_containers WHERE id = ?`, id,
	).Scan(&c.ID, &c.DiskPath, &c.TotalSize, &c.ChunkCount, &c.IsSealed, &c.CreatedAt, &sealedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if sealedAt.Valid {
		c.SealedAt = &sealedAt.Time
	}
	return &c, nil
}

// AddChunkToContainer bumps a container's size and chunk counters
// after an append.
func (s *Store) AddChunkToContainer(ctx context.Context, id string, storedBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE blob_containers SET total_size = total_size + ?, chunk_count = chunk_count + 1
		 WHERE id = ? AND is_sealed = FALSE`,
		storedBytes, id,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: container %s (missing or sealed)", ErrNotFound, id)
	}
	return nil
}

// SealContainer marks a container read-only. Idempotent: sealing a
// sealed container leaves sealed_at untouched.
func (s *Store) SealContainer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE blob_containers SET is_sealed = TRUE, sealed_at = ?
		 WHERE id = ? AND is_sealed = FALSE`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blob_containers WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// SealedContainers lists sealed containers, the compaction candidate
// set.
func (s *Store) SealedContainers(ctx context.Context) ([]models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, disk_path, total_size, chunk_count, is_sealed, created_at, sealed_at
		 FROM blob_containers WHERE is_sealed = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Container
	for rows.Next() {
		var (
			c        models.Container
			sealedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.DiskPath, &c.TotalSize, &c.ChunkCount, &c.IsSealed, &c.CreatedAt, &sealedAt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if sealedAt.Valid {
			c.SealedAt = &sealedAt.Time
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return out, nil
}

// UnsealedContainers lists containers still open for appends. After a
// crash these are orphans; the packfile store seals them on startup
// rather than resuming appends into a file of unknown tail state.
func (s *Store) UnsealedContainers(ctx context.Context) ([]models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, disk_path, total_size, chunk_count, is_sealed, created_at, sealed_at
		 FROM blob_containers WHERE is_sealed = FALSE`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Container
	for rows.Next() {
		var (
			c        models.Container
			sealedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.DiskPath, &c.TotalSize, &c.ChunkCount, &c.IsSealed, &c.CreatedAt, &sealedAt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return out, nil
}

// LiveBytesInContainer sums the stored bytes of referenced chunks in a
// container. Compaction compares this against total_size.
func (s *Store) LiveBytesInContainer(ctx context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var live int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(stored_bytes), 0) FROM chunks WHERE container_id = ? AND ref_count > 0`, id,
	).Scan(&live)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return live, nil
}

// RelocatedChunk is one survivor of a compaction: the chunk's new
// position inside the replacement container.
type RelocatedChunk struct {
	Hash   string
	Offset int64
	Length int64
}

// FlipContainer atomically moves the surviving chunks of oldID into
// newID and deletes the old container row. Readers that resolved a
// location before the flip still see the old container file, which the
// caller unlinks only after this commits.
func (s *Store) FlipContainer(ctx context.Context, oldID, newID string, survivors []RelocatedChunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rc := range survivors {
			result, err := tx.ExecContext(ctx,
				`UPDATE chunks SET container_id = ?, offset_bytes = ? WHERE hash = ? AND container_id = ?`,
				newID, rc.Offset, rc.Hash, oldID)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
			if n == 0 {
				return fmt.Errorf("%w: chunk %s not in container %s", ErrNotFound, rc.Hash, oldID)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blob_containers WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		return nil
	})
}
