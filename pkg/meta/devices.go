package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entanglement/pkg/models"
)

// DeviceState returns the sync state for one (user, device) pair.
func (s *Store) DeviceState(ctx context.Context, userID, deviceID string) (*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		state    models.DeviceState
		maxBytes sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, last_cursor, synced_bytes, max_sync_bytes
		 FROM device_sync_state WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	).Scan(&state.UserID, &state.DeviceID, &state.LastCursor, &state.SyncedBytes, &maxBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	state.MaxSyncBytes = maxBytes.Int64
	return &state, nil
}

// UpsertDeviceCursor advances a device's change cursor, creating the
// state row on first contact. The cursor never moves backwards.
func (s *Store) UpsertDeviceCursor(ctx context.Context, userID, deviceID string, cursor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sync_state (user_id, device_id, last_cursor, synced_bytes)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (user_id, device_id)
		 DO UPDATE SET last_cursor = MAX(last_cursor, excluded.last_cursor)`,
		userID, deviceID, cursor.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// SetDeviceQuota sets (or clears, with 0) the byte quota for a device.
func (s *Store) SetDeviceQuota(ctx context.Context, userID, deviceID string, maxBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var quota interface{}
	if maxBytes > 0 {
		quota = maxBytes
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sync_state (user_id, device_id, last_cursor, synced_bytes, max_sync_bytes)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT (user_id, device_id)
		 DO UPDATE SET max_sync_bytes = excluded.max_sync_bytes`,
		userID, deviceID, time.Unix(0, 0).UTC(), quota,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

// AddSyncedBytes counts uploaded bytes against a device's quota. The
// guarded increment rejects with ErrQuotaExceeded when the addition
// would cross max_sync_bytes; a device with no quota row or a NULL
// quota is unbounded.
func (s *Store) AddSyncedBytes(ctx context.Context, userID, deviceID string, n int64) error {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sync_state (user_id, device_id, last_cursor, synced_bytes)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (user_id, device_id) DO NOTHING`,
		userID, deviceID, time.Unix(0, 0).UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE device_sync_state SET synced_bytes = synced_bytes + ?
		 WHERE user_id = ? AND device_id = ?
		   AND (max_sync_bytes IS NULL OR synced_bytes + ? <= max_sync_bytes)`,
		n, userID, deviceID, n,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if affected == 0 {
		return ErrQuotaExceeded
	}
	return nil
}
