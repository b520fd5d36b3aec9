package store

import "time"

// SyncStatus is the per-user sync health reported to the API.
type SyncStatus string

const (
	StatusHealthy      SyncStatus = "HEALTHY"
	StatusError        SyncStatus = "ERROR"
	StatusAuthRequired SyncStatus = "AUTH_REQUIRED"
)

// User is created on first external login; identity fields never change after.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	GoogleID  string    `json:"google_id"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential holds the provider tokens for one user. Token fields are
// stored encrypted; encryption happens above this layer.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// SyncState tracks the watermark and health of one user's sync pipeline.
type SyncState struct {
	UserID    string     `json:"user_id"`
	Status    SyncStatus `json:"status"`
	Watermark time.Time  `json:"watermark"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Event is a canonical calendar event, shared across users.
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Link        string     `json:"link,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Source      string     `json:"source,omitempty"`
	SourceID    string     `json:"source_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UserEvent associates a user with an event. Added is false once the
// user dismisses the event; sync never flips it back.
type UserEvent struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
	Added   bool   `json:"added"`
}

// Interest is a catalog entry users can subscribe to.
type Interest struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Child    string `json:"child"`
}

// CustomInterest is a free-form interest owned by one user.
type CustomInterest struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}
