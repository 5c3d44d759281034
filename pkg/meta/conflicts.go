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

// RecordConflict persists a detected conflict. localVersion is the
// client's parent version, remoteVersion the server's current one;
// either may be empty for the delete-flavored kinds.
func (s *Store) RecordConflict(ctx context.Context, fileID, localVersion, remoteVersion, kind string) (*models.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &models.Conflict{
		ID:            uuid.NewString(),
		FileID:        fileID,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		Kind:          kind,
		DetectedAt:    time.Now().UTC(),
		Resolution:    models.ResolutionUnresolved,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_conflicts (id, file_id, local_version, remote_version, kind, detected_at, resolution)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FileID, nullable(c.LocalVersion), nullable(c.RemoteVersion), c.Kind, c.DetectedAt, c.Resolution,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return c, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var (
		c          models.Conflict
		local      sql.NullString
		remote     sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)
	err := row.Scan(&c.ID, &c.FileID, &local, &remote, &c.Kind, &c.DetectedAt, &c.Resolution, &resolvedAt, &resolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	c.LocalVersion = local.String
	c.RemoteVersion = remote.String
	c.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return &c, nil
}

// Conflict returns a conflict record by id.
func (s *Store) Conflict(ctx context.Context, id string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanConflict(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, local_version, remote_version, kind, detected_at, resolution, resolved_at, resolved_by
		 FROM sync_conflicts WHERE id = ?`, id))
}

// ListConflicts returns conflict records, optionally restricted to the
// unresolved ones, newest first.
func (s *Store) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, file_id, local_version, remote_version, kind, detected_at, resolution, resolved_at, resolved_by
	          FROM sync_conflicts`
	if unresolvedOnly {
		query += ` WHERE resolution = 'unresolved'`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return conflicts, nil
}

// ResolveConflict marks a conflict resolved. Only unresolved conflicts
// can transition; resolving twice returns ErrNotFound.
func (s *Store) ResolveConflict(ctx context.Context, id, resolution, by string) error {
	switch resolution {
	case models.ResolutionKeepLocal, models.ResolutionKeepRemote, models.ResolutionKeepBoth, models.ResolutionManual:
	default:
		return fmt.Errorf("%w: unknown resolution %q", ErrDatabase, resolution)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_conflicts SET resolution = ?, resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND resolution = 'unresolved'`,
		resolution, time.Now().UTC(), by, id,
	)
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
