package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSyncState loads the sync state for a user. A user without a row
// is Healthy with a zero watermark.
func (s *Store) GetSyncState(ctx context.Context, userID string) (SyncState, error) {
	var st SyncState
	var watermark, updatedAt int64
	var lastErr sql.NullString

	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, status, watermark, last_error, updated_at
		FROM sync_states WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.Status, &watermark, &lastErr, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return SyncState{UserID: userID, Status: StatusHealthy}, nil
		}
		return SyncState{}, fmt.Errorf("failed to load sync state: %w", err)
	}

	if watermark > 0 {
		st.Watermark = time.Unix(watermark, 0).UTC()
	}
	st.LastError = lastErr.String
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return st, nil
}

// SetHealthy records a fully committed cycle. The watermark only ever
// moves forward; a stale writer cannot rewind it.
func (s *Store) SetHealthy(ctx context.Context, userID string, watermark time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_states (user_id, status, watermark, last_error, updated_at)
		VALUES (?, ?, ?, NULL, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			watermark = max(sync_states.watermark, excluded.watermark),
			last_error = NULL,
			updated_at = excluded.updated_at
	`, userID, StatusHealthy, watermark.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to mark healthy: %w", err)
	}
	return nil
}

// SetError records a failed cycle without touching the watermark.
func (s *Store) SetError(ctx context.Context, userID, message string) error {
	return s.setStatus(ctx, userID, StatusError, message)
}

// SetAuthRequired parks the user until an external re-login stores a
// fresh credential.
func (s *Store) SetAuthRequired(ctx context.Context, userID, message string) error {
	return s.setStatus(ctx, userID, StatusAuthRequired, message)
}

// ResetStatus returns the user to Healthy after re-authentication.
// The watermark is preserved so the next cycle resumes where the last
// committed one left off.
func (s *Store) ResetStatus(ctx context.Context, userID string) error {
	return s.setStatus(ctx, userID, StatusHealthy, "")
}

func (s *Store) setStatus(ctx context.Context, userID string, status SyncStatus, message string) error {
	var lastErr sql.NullString
	if message != "" {
		lastErr = sql.NullString{String: message, Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_states (user_id, status, watermark, last_error, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, userID, status, lastErr, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// ListSyncableUserIDs returns users eligible for the next tick: they
// have a credential and are not parked in AuthRequired.
func (s *Store) ListSyncableUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT c.user_id
		FROM credentials c
		LEFT JOIN sync_states st ON st.user_id = c.user_id
		WHERE st.status IS NULL OR st.status != ?
		ORDER BY c.user_id
	`, StatusAuthRequired)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
