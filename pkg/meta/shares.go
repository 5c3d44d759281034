package meta

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"entanglement/pkg/hasher"
	"entanglement/pkg/models"

	"github.com/google/uuid"
)

// shareTokenBytes sizes the random token; 32 bytes rendered as 64 hex
// chars.
const shareTokenBytes = 32

// ShareOptions bound a share link's access.
type ShareOptions struct {
	Permissions string
	Password    string
	ExpiresAt   *time.Time
	MaxUses     int64
}

// CreateShare issues an opaque token granting bounded access to a
// file. The password, if any, is stored hashed.
func (s *Store) CreateShare(ctx context.Context, fileID string, opts ShareOptions) (*models.ShareLink, error) {
	buf := make([]byte, shareTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	permissions := opts.Permissions
	if permissions == "" {
		permissions = models.PermissionView
	}

	link := &models.ShareLink{
		ID:          uuid.NewString(),
		FileID:      fileID,
		Token:       hex.EncodeToString(buf),
		Permissions: permissions,
		ExpiresAt:   opts.ExpiresAt,
		MaxUses:     opts.MaxUses,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if opts.Password != "" {
		link.PasswordHash = hasher.Sum([]byte(opts.Password))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxUses interface{}
	if link.MaxUses > 0 {
		maxUses = link.MaxUses
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO share_links (id, file_id, token, password_hash, permissions, expires_at, max_uses, used_count, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, TRUE, ?)`,
		link.ID, link.FileID, link.Token, nullable(link.PasswordHash), link.Permissions,
		link.ExpiresAt, maxUses, link.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return link, nil
}

func scanShare(row rowScanner) (*models.ShareLink, error) {
	var (
		link         models.ShareLink
		passwordHash sql.NullString
		expiresAt    sql.NullTime
		maxUses      sql.NullInt64
		lastAccess   sql.NullTime
	)
	err := row.Scan(&link.ID, &link.FileID, &link.Token, &passwordHash, &link.Permissions,
		&expiresAt, &maxUses, &link.UsedCount, &link.IsActive, &link.CreatedAt, &lastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	link.PasswordHash = passwordHash.String
	link.MaxUses = maxUses.Int64
	if expiresAt.Valid {
		link.ExpiresAt = &expiresAt.Time
	}
	if lastAccess.Valid {
		link.LastAccessedAt = &lastAccess.Time
	}
	return &link, nil
}

// ValidateShare checks a token against activity, expiry, usage bounds,
// and password, returning the link on success and ErrShareDenied on
// any failure. The reason for denial is never distinguished to the
// caller.
func (s *Store) ValidateShare(ctx context.Context, token, password string) (*models.ShareLink, error) {
	s.mu.RLock()
	link, err := scanShare(s.db.QueryRowContext(ctx,
		`SELECT id, file_id, token, password_hash, permissions, expires_at, max_uses, used_count, is_active, created_at, last_accessed_at
		 FROM share_links WHERE token = ?`, token))
	s.mu.RUnlock()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrShareDenied
	}
	if err != nil {
		return nil, err
	}

	if !link.IsActive {
		return nil, ErrShareDenied
	}
	if link.ExpiresAt != nil && time.Now().After(*link.ExpiresAt) {
		return nil, ErrShareDenied
	}
	if link.MaxUses > 0 && link.UsedCount >= link.MaxUses {
		return nil, ErrShareDenied
	}
	if link.PasswordHash != "" {
		given := hasher.Sum([]byte(password))
		if subtle.ConstantTimeCompare([]byte(given), []byte(link.PasswordHash)) != 1 {
			return nil, ErrShareDenied
		}
	}
	return link, nil
}

// ConsumeShareUse atomically counts a successful download against the
// token. The guarded single-statement increment never double-counts
// and never exceeds max_uses under concurrent callers.
func (s *Store) ConsumeShareUse(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE share_links SET used_count = used_count + 1, last_accessed_at = ?
		 WHERE token = ? AND is_active = TRUE
		   AND (max_uses IS NULL OR used_count < max_uses)`,
		time.Now().UTC(), token,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if n == 0 {
		return ErrShareDenied
	}
	return nil
}

// RevokeShare deactivates a token.
func (s *Store) RevokeShare(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE share_links SET is_active = FALSE WHERE token = ?`, token)
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

// SharesByFile lists the share links issued for a file.
func (s *Store) SharesByFile(ctx context.Context, fileID string) ([]models.ShareLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, token, password_hash, permissions, expires_at, max_uses, used_count, is_active, created_at, last_accessed_at
		 FROM share_links WHERE file_id = ? ORDER BY created_at DESC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var links []models.ShareLink
	for rows.Next() {
		link, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return links, nil
}
