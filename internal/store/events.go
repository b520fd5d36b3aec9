package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeKeyPart canonicalizes a title or location for the natural
// key: lowercased, whitespace collapsed.
func NormalizeKeyPart(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// UpsertEvent inserts the event if no row matches its natural key
// (normalized title, start time, normalized location) and returns the
// canonical row. The insert-if-absent is a single statement, so
// concurrent cycles discovering the same event race safely; the loser
// reads back the winner's row. Content is first-write-wins: an
// existing event is returned untouched.
func (s *Store) UpsertEvent(ctx context.Context, e Event) (Event, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	titleNorm := NormalizeKeyPart(e.Title)
	locationNorm := NormalizeKeyPart(e.Location)
	start := e.StartTime.Unix()

	var endTime sql.NullInt64
	if e.EndTime != nil {
		endTime = sql.NullInt64{Int64: e.EndTime.Unix(), Valid: true}
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO events (id, title, title_norm, description, location, location_norm,
			platform, link, start_time, end_time, source, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(title_norm, start_time, location_norm) DO NOTHING
	`, e.ID, e.Title, titleNorm, nullable(e.Description), e.Location, locationNorm,
		nullable(e.Platform), nullable(e.Link), start, endTime,
		nullable(e.Source), nullable(e.SourceID), time.Now().Unix())
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to upsert event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to read upsert result: %w", err)
	}

	stored, err := s.getEventByKey(ctx, titleNorm, start, locationNorm)
	if err != nil {
		return Event{}, false, err
	}
	return stored, inserted > 0, nil
}

// LinkUserEvent associates the user with the event, with added=true on
// first discovery only. Re-discovery of an event the user dismissed is
// a no-op; the user's decision stands.
func (s *Store) LinkUserEvent(ctx context.Context, userID, eventID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_events (user_id, event_id, added, created_at)
		VALUES (?, ?, 1, ?)
	`, userID, eventID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to link user event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read link result: %w", err)
	}
	return n > 0, nil
}

// UserEventRemoteID returns the remote calendar entry id recorded for
// the association, empty if the entry has not been created yet.
func (s *Store) UserEventRemoteID(ctx context.Context, userID, eventID string) (string, error) {
	var remoteID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT remote_event_id FROM user_events WHERE user_id = ? AND event_id = ?
	`, userID, eventID).Scan(&remoteID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to load remote event id: %w", err)
	}
	return remoteID, nil
}

// SetUserEventRemoteID records the remote calendar entry created for
// the association, making calendar creation confirm-on-retry.
func (s *Store) SetUserEventRemoteID(ctx context.Context, userID, eventID, remoteID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE user_events SET remote_event_id = ? WHERE user_id = ? AND event_id = ?
	`, remoteID, userID, eventID)
	if err != nil {
		return fmt.Errorf("failed to record remote event id: %w", err)
	}
	return nil
}

// SetUserEventAdded flips the user's dismissal flag for an event.
func (s *Store) SetUserEventAdded(ctx context.Context, userID, eventID string, added bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE user_events SET added = ? WHERE user_id = ? AND event_id = ?
	`, boolToInt(added), userID, eventID)
	if err != nil {
		return fmt.Errorf("failed to update user event: %w", err)
	}
	return nil
}

// EventWithAdded is an event paired with the requesting user's flag.
type EventWithAdded struct {
	Event
	Added bool `json:"added"`
}

// ListUserEvents returns the user's events ordered by start time
// descending, paginated with limit and offset.
func (s *Store) ListUserEvents(ctx context.Context, userID string, limit, offset int) ([]EventWithAdded, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.id, e.title, e.description, e.location, e.platform, e.link,
			e.start_time, e.end_time, e.source, e.source_id, e.created_at, ue.added
		FROM events e
		JOIN user_events ue ON ue.event_id = e.id
		WHERE ue.user_id = ?
		ORDER BY e.start_time DESC, e.id
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventWithAdded
	for rows.Next() {
		ev, added, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, EventWithAdded{Event: ev, Added: added})
	}
	return out, rows.Err()
}

// CountEvents returns the total number of canonical events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// CountUserEvents returns the number of associations for a user.
func (s *Store) CountUserEvents(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_events WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count user events: %w", err)
	}
	return n, nil
}

func (s *Store) getEventByKey(ctx context.Context, titleNorm string, start int64, locationNorm string) (Event, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, title, description, location, platform, link,
			start_time, end_time, source, source_id, created_at, 0
		FROM events
		WHERE title_norm = ? AND start_time = ? AND location_norm = ?
	`, titleNorm, start, locationNorm)
	ev, _, err := scanEvent(row)
	return ev, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, bool, error) {
	var ev Event
	var description, platform, link, source, sourceID sql.NullString
	var startTime, createdAt int64
	var endTime sql.NullInt64
	var added int

	err := r.Scan(&ev.ID, &ev.Title, &description, &ev.Location, &platform, &link,
		&startTime, &endTime, &source, &sourceID, &createdAt, &added)
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Description = description.String
	ev.Platform = platform.String
	ev.Link = link.String
	ev.Source = source.String
	ev.SourceID = sourceID.String
	ev.StartTime = time.Unix(startTime, 0).UTC()
	if endTime.Valid {
		t := time.Unix(endTime.Int64, 0).UTC()
		ev.EndTime = &t
	}
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	return ev, added != 0, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
