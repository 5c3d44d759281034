package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"entanglement/pkg/models"
	"entanglement/pkg/pathutil"

	"github.com/google/uuid"
)

const selectFile = `SELECT id, path, owner_id, current_version, is_deleted, original_hash_id, created_at, updated_at FROM files`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix builds a LIKE pattern matching paths that start with
// prefix. % and _ are legal path characters, so they must be escaped
// or a directory named /a_b/ would also match /aXb/ descendants.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		f        models.File
		current  sql.NullString
		origHash sql.NullString
	)
	err := row.Scan(&f.ID, &f.Path, &f.OwnerID, &current, &f.IsDeleted, &origHash, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	f.CurrentVersion = current.String
	f.OriginalHashID = origHash.String
	return &f, nil
}

// ResolvePath returns the non-deleted file at path.
func (s *Store) ResolvePath(ctx context.Context, path string) (*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanFile(s.db.QueryRowContext(ctx,
		selectFile+` WHERE path = ? AND is_deleted = FALSE`, path))
}

// FileByID returns a file row regardless of deletion state; deleted
// files remain reachable for version history.
func (s *Store) FileByID(ctx context.Context, id string) (*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanFile(s.db.QueryRowContext(ctx, selectFile+` WHERE id = ?`, id))
}

// FileByVirtualID resolves a materialized directory through the sticky
// id clients obtained while it was still virtual.
func (s *Store) FileByVirtualID(ctx context.Context, virtualID string) (*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanFile(s.db.QueryRowContext(ctx,
		selectFile+` WHERE original_hash_id = ? AND is_deleted = FALSE`, virtualID))
}

// UpsertFile returns the file row for path, creating it on first
// write. Deletion state is left untouched; the caller decides whether
// a write to a soft-deleted path is a conflict or an undelete.
func (s *Store) UpsertFile(ctx context.Context, path, ownerID string) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, path, owner_id, is_deleted, created_at, updated_at)
		 VALUES (?, ?, ?, FALSE, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		uuid.NewString(), path, ownerID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return scanFile(s.db.QueryRowContext(ctx, selectFile+` WHERE path = ?`, path))
}

// Materialize creates a real directory row for a previously virtual
// path, carrying original_hash_id = BLAKE3(path) so clients holding
// the virtual id keep resolving the same entity.
func (s *Store) Materialize(ctx context.Context, dirPath, ownerID string) (*models.File, error) {
	if !pathutil.IsDir(dirPath) {
		return nil, fmt.Errorf("%w: directory path must end in /: %q", pathutil.ErrInvalidPath, dirPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, path, owner_id, is_deleted, original_hash_id, created_at, updated_at)
		 VALUES (?, ?, ?, FALSE, ?, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		uuid.NewString(), dirPath, ownerID, pathutil.VirtualID(dirPath), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return scanFile(s.db.QueryRowContext(ctx, selectFile+` WHERE path = ?`, dirPath))
}

// ListDirectory lists the direct children of dirPath: real files and
// directories at that prefix plus virtual directories synthesized from
// the common prefixes of deeper paths.
func (s *Store) ListDirectory(ctx context.Context, dirPath string) ([]models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.path, f.updated_at, f.original_hash_id,
		        v.size_bytes, v.blake3_hash, v.tier_id
		 FROM files f
		 LEFT JOIN versions v ON f.current_version = v.id
		 WHERE f.path LIKE ? ESCAPE '\' AND f.path != ? AND f.is_deleted = FALSE
		 ORDER BY f.path`,
		likePrefix(dirPath), dirPath,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var direct []models.Entry
	realDirs := make(map[string]bool)
	virtual := make(map[string]bool)

	for rows.Next() {
		var (
			e        models.Entry
			origHash sql.NullString
			size     sql.NullInt64
			hash     sql.NullString
			tier     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Path, &e.UpdatedAt, &origHash, &size, &hash, &tier); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		rel := strings.TrimPrefix(e.Path, dirPath)
		slash := strings.IndexByte(strings.TrimSuffix(rel, "/"), '/')
		if slash >= 0 {
			// Deeper path: remember its first segment as a virtual
			// directory candidate.
			virtual[dirPath+rel[:slash+1]] = true
			continue
		}

		if pathutil.IsDir(e.Path) {
			e.IsDir = true
			realDirs[e.Path] = true
		} else {
			e.SizeBytes = size.Int64
			e.Blake3 = hash.String
			e.TierID = int(tier.Int64)
		}
		direct = append(direct, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	for vpath := range virtual {
		if realDirs[vpath] {
			continue
		}
		direct = append(direct, models.Entry{
			ID:        pathutil.VirtualID(vpath),
			Path:      vpath,
			IsDir:     true,
			IsVirtual: true,
		})
	}

	sort.Slice(direct, func(i, j int) bool { return direct[i].Path < direct[j].Path })
	return direct, nil
}

// Rename moves a file or directory to newPath. For directories all
// descendant paths are rewritten in the same transaction, and the
// trailing-slash invariant is asserted before commit. Moving a virtual
// directory materializes it with the sticky id of its old path.
func (s *Store) Rename(ctx context.Context, oldPath, newPath, ownerID string) (*models.File, error) {
	oldIsDir := pathutil.IsDir(oldPath)
	if oldIsDir != pathutil.IsDir(newPath) {
		return nil, fmt.Errorf("%w: rename cannot change directory-ness: %q -> %q", pathutil.ErrInvalidPath, oldPath, newPath)
	}

	var moved *models.File
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		if oldIsDir {
			// Rewrite every descendant in one statement. substr() and
			// length() are character-indexed, so the prefix length must
			// be measured by SQLite itself: a Go byte count would split
			// multi-byte path segments.
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET path = ? || substr(path, length(?) + 1), updated_at = ?
				 WHERE path LIKE ? ESCAPE '\' AND path != ?`,
				newPath, oldPath, now, likePrefix(oldPath), oldPath,
			); err != nil {
				if isUniqueViolation(err) {
					return ErrAlreadyExists
				}
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
		}

		row := tx.QueryRowContext(ctx, selectFile+` WHERE path = ? AND is_deleted = FALSE`, oldPath)
		f, err := scanFile(row)
		switch {
		case errors.Is(err, ErrNotFound) && oldIsDir:
			// Virtual directory: no row of its own. Materialize the
			// destination carrying the old path's virtual id.
			id := uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO files (id, path, owner_id, is_deleted, original_hash_id, created_at, updated_at)
				 VALUES (?, ?, ?, FALSE, ?, ?, ?)`,
				id, newPath, ownerID, pathutil.VirtualID(oldPath), now, now,
			); err != nil {
				if isUniqueViolation(err) {
					return ErrAlreadyExists
				}
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
			moved, err = scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ?`, id))
			return err
		case err != nil:
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET path = ?, updated_at = ? WHERE id = ?`,
			newPath, now, f.ID,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		if oldIsDir {
			// A prior implementation corrupted directory renames by
			// dropping the trailing slash and orphaning descendants.
			// Assert the suffix invariant before this transaction can
			// commit. The descendant probe bounds on '/' and '0', the
			// byte after it, instead of LIKE: the prefix comes from a
			// column and cannot be escaped as a parameter.
			var bad int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM files
				 WHERE path LIKE ? ESCAPE '\' AND path != ? AND current_version IS NULL
				   AND path NOT LIKE '%/'
				   AND EXISTS (SELECT 1 FROM files d
				               WHERE d.path >= files.path || '/' AND d.path < files.path || '0')`,
				likePrefix(newPath), newPath,
			).Scan(&bad); err != nil {
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
			if bad > 0 {
				return fmt.Errorf("%w: directory rename produced paths without trailing slash", ErrDatabase)
			}
		}

		moved, err = scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ?`, f.ID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// SoftDelete marks a file deleted without touching chunk refcounts;
// history is retained. Directories delete their descendants in the
// same transaction.
func (s *Store) SoftDelete(ctx context.Context, fileID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := scanFile(tx.QueryRowContext(ctx, selectFile+` WHERE id = ?`, fileID))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if pathutil.IsDir(f.Path) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET is_deleted = TRUE, updated_at = ? WHERE path LIKE ? ESCAPE '\'`,
				now, likePrefix(f.Path),
			); err != nil {
				return fmt.Errorf("%w: %w", ErrDatabase, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET is_deleted = TRUE, updated_at = ? WHERE id = ?`,
			now, fileID,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		return nil
	})
}

// Undelete clears the soft-delete flag.
func (s *Store) Undelete(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE files SET is_deleted = FALSE, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), fileID,
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

// ChangesSince enumerates file events after cursor in timestamp order
// and returns a new cursor at the maximum observed timestamp. Clients
// use it to resume after a reconnect or a lagged subscription.
func (s *Store) ChangesSince(ctx context.Context, cursor time.Time) ([]models.ChangeEvent, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, owner_id, is_deleted, created_at, updated_at
		 FROM files WHERE updated_at > ? ORDER BY updated_at, path`,
		cursor.UTC(),
	)
	if err != nil {
		return nil, cursor, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.ChangeEvent
	newCursor := cursor
	for rows.Next() {
		var (
			path      string
			owner     string
			isDeleted bool
			created   time.Time
			updated   time.Time
		)
		if err := rows.Scan(&path, &owner, &isDeleted, &created, &updated); err != nil {
			return nil, cursor, fmt.Errorf("%w: %w", ErrDatabase, err)
		}

		action := models.ActionUpdate
		switch {
		case isDeleted:
			action = models.ActionDelete
		case created.Equal(updated):
			action = models.ActionCreate
		}
		events = append(events, models.ChangeEvent{
			Path:      path,
			Action:    action,
			Owner:     owner,
			Timestamp: updated,
		})
		if updated.After(newCursor) {
			newCursor = updated
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return events, newCursor, nil
}
