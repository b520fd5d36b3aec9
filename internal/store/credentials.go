package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoCredential is returned when a user has no stored credential.
var ErrNoCredential = errors.New("no credential stored")

// SaveCredential upserts the single credential row for a user.
// An empty refresh token keeps the previously stored one; providers
// omit the refresh token on re-consent and it must survive rotation.
func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	var expiresAt sql.NullInt64
	if !c.Expiry.IsZero() {
		expiresAt = sql.NullInt64{Int64: c.Expiry.Unix(), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (user_id, access_token, refresh_token, token_type, scope, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE credentials.refresh_token END,
			token_type = excluded.token_type,
			scope = CASE WHEN excluded.scope != '' THEN excluded.scope ELSE credentials.scope END,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.UserID, c.AccessToken, c.RefreshToken, c.TokenType, c.Scope, expiresAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential loads the credential for a user.
func (s *Store) GetCredential(ctx context.Context, userID string) (Credential, error) {
	var c Credential
	var expiresAt sql.NullInt64
	var updatedAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, token_type, scope, expires_at, updated_at
		FROM credentials WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Scope, &expiresAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Credential{}, ErrNoCredential
		}
		return Credential{}, fmt.Errorf("failed to load credential: %w", err)
	}

	if expiresAt.Valid {
		c.Expiry = time.Unix(expiresAt.Int64, 0).UTC()
	}
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}
