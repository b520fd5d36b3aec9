package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertUser creates the user on first login (keyed by the external
// identity provider id) or refreshes the mutable profile fields.
// Email is identity and never changes after the first login.
func (s *Store) UpsertUser(ctx context.Context, googleID, email, name, picture string) (User, error) {
	u := User{
		ID:        uuid.NewString(),
		Email:     email,
		GoogleID:  googleID,
		Name:      name,
		Picture:   picture,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, google_id, name, picture, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(google_id) DO UPDATE SET
			name = excluded.name,
			picture = excluded.picture
	`, u.ID, u.Email, u.GoogleID, u.Name, u.Picture, u.CreatedAt.Unix())
	if err != nil {
		return User{}, fmt.Errorf("failed to upsert user: %w", err)
	}

	return s.GetUserByGoogleID(ctx, googleID)
}

// GetUser loads a user by internal id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, google_id, name, picture, created_at FROM users WHERE id = ?`, id)
}

// GetUserByGoogleID loads a user by external identity provider id.
func (s *Store) GetUserByGoogleID(ctx context.Context, googleID string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, google_id, name, picture, created_at FROM users WHERE google_id = ?`, googleID)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (User, error) {
	var u User
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.GoogleID, &u.Name, &u.Picture, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return User{}, fmt.Errorf("user not found")
		}
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return u, nil
}

// DeleteUser removes a user; credentials, sync state, associations and
// interests cascade. Shared events stay.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}
