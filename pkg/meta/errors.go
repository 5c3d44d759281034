package meta

import (
	"errors"
	"fmt"

	"entanglement/pkg/models"
)

var (
	// ErrNotFound is returned when the requested file, version, chunk,
	// or container does not exist (or the file is soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a path or token collides with
	// an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidManifest is returned when a manifest is empty, has
	// non-contiguous offsets, or references chunks the store lacks.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrQuotaExceeded is returned when a device write would exceed its
	// configured sync quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrShareDenied is returned when a share token fails validation:
	// inactive, expired, exhausted, or wrong password.
	ErrShareDenied = errors.New("share access denied")

	// ErrDatabase wraps failures of the underlying store. Messages
	// crossing the API boundary never include SQL fragments.
	ErrDatabase = errors.New("database error")
)

// ConflictError rejects a commit whose parent version does not match
// the file's current version. Current carries the server-side version
// so the caller can drive resolution.
type ConflictError struct {
	Kind       string
	ConflictID string
	Current    *models.Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict detected (%s)", e.Kind)
}
