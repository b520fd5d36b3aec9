package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ListInterests returns the interest catalog.
func (s *Store) ListInterests(ctx context.Context) ([]Interest, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, category, child FROM interests ORDER BY category, child`)
	if err != nil {
		return nil, fmt.Errorf("failed to list interests: %w", err)
	}
	defer rows.Close()

	var out []Interest
	for rows.Next() {
		var i Interest
		if err := rows.Scan(&i.ID, &i.Category, &i.Child); err != nil {
			return nil, fmt.Errorf("failed to scan interest: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SeedInterest inserts a catalog interest if it is not already present.
func (s *Store) SeedInterest(ctx context.Context, category, child string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO interests (id, category, child) VALUES (?, ?, ?)
	`, uuid.NewString(), category, child)
	if err != nil {
		return fmt.Errorf("failed to seed interest: %w", err)
	}
	return nil
}

// SetUserInterests replaces the user's interest subscriptions.
func (s *Store) SetUserInterests(ctx context.Context, userID string, interestIDs []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_interests WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear user interests: %w", err)
	}
	for _, id := range interestIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO user_interests (user_id, interest_id) VALUES (?, ?)
		`, userID, id); err != nil {
			return fmt.Errorf("failed to add user interest: %w", err)
		}
	}

	return tx.Commit()
}

// ListUserInterests returns the catalog interests a user subscribed to.
func (s *Store) ListUserInterests(ctx context.Context, userID string) ([]Interest, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT i.id, i.category, i.child
		FROM interests i
		JOIN user_interests ui ON ui.interest_id = i.id
		WHERE ui.user_id = ?
		ORDER BY i.category, i.child
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user interests: %w", err)
	}
	defer rows.Close()

	var out []Interest
	for rows.Next() {
		var i Interest
		if err := rows.Scan(&i.ID, &i.Category, &i.Child); err != nil {
			return nil, fmt.Errorf("failed to scan interest: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// CreateCustomInterest adds a free-form interest for a user. Creating
// the same name twice returns the existing row.
func (s *Store) CreateCustomInterest(ctx context.Context, userID, name string) (CustomInterest, error) {
	ci := CustomInterest{ID: uuid.NewString(), UserID: userID, Name: name}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO custom_interests (id, user_id, name) VALUES (?, ?, ?)
		ON CONFLICT(user_id, name) DO NOTHING
	`, ci.ID, ci.UserID, ci.Name)
	if err != nil {
		return CustomInterest{}, fmt.Errorf("failed to create custom interest: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return CustomInterest{}, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		err := s.DB.QueryRowContext(ctx, `
			SELECT id, user_id, name FROM custom_interests WHERE user_id = ? AND name = ?
		`, userID, name).Scan(&ci.ID, &ci.UserID, &ci.Name)
		if err != nil {
			return CustomInterest{}, fmt.Errorf("failed to load custom interest: %w", err)
		}
	}
	return ci, nil
}

// DeleteCustomInterest removes a user's custom interest.
func (s *Store) DeleteCustomInterest(ctx context.Context, userID, id string) error {
	if _, err := s.DB.ExecContext(ctx, `
		DELETE FROM custom_interests WHERE id = ? AND user_id = ?
	`, id, userID); err != nil {
		return fmt.Errorf("failed to delete custom interest: %w", err)
	}
	return nil
}

// ListCustomInterests returns a user's custom interests.
func (s *Store) ListCustomInterests(ctx context.Context, userID string) ([]CustomInterest, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, name FROM custom_interests WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom interests: %w", err)
	}
	defer rows.Close()

	var out []CustomInterest
	for rows.Next() {
		var ci CustomInterest
		if err := rows.Scan(&ci.ID, &ci.UserID, &ci.Name); err != nil {
			return nil, fmt.Errorf("failed to scan custom interest: %w", err)
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// InterestNames returns the flat list of interest terms used to filter
// extraction candidates: subscribed catalog children plus custom names.
func (s *Store) InterestNames(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT i.child FROM interests i
		JOIN user_interests ui ON ui.interest_id = i.id
		WHERE ui.user_id = ?
		UNION
		SELECT name FROM custom_interests WHERE user_id = ?
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interest names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan interest name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
