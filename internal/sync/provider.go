package sync

import (
	"context"
	"time"

	"github.com/inboxpilot/mailcal/internal/store"
)

// MessageRef identifies one mailbox message inside a fetch window.
type MessageRef struct {
	ID       string
	Received time.Time
}

// Message is a fetched message ready for extraction.
type Message struct {
	Ref     MessageRef
	Subject string
	Sender  string
	Snippet string
	Body    string
}

// EventDraft is a candidate calendar event produced by extraction.
type EventDraft struct {
	Title           string
	Description     string
	Location        string
	Link            string
	Start           time.Time
	End             *time.Time
	SourceMessageID string
}

// MailboxProvider lists and fetches messages from the remote mailbox.
// ListMessages covers the half-open window (since, until]; each call
// is a fresh bounded fetch.
type MailboxProvider interface {
	ListMessages(ctx context.Context, since, until time.Time) ([]MessageRef, error)
	FetchMessage(ctx context.Context, ref MessageRef) (Message, error)
}

// CalendarClient materializes drafts in the user's remote calendar.
type CalendarClient interface {
	CreateEvent(ctx context.Context, draft EventDraft) (remoteID string, err error)
}

// Extractor turns message text into candidate events, filtered against
// the user's interests. Pure from the engine's point of view.
type Extractor interface {
	Extract(ctx context.Context, msg Message, interests []string) ([]EventDraft, error)
}

// TokenSource yields credentials valid for at least a short grace
// window, or tokens.ErrAuthRequired.
type TokenSource interface {
	Valid(ctx context.Context, userID string) (store.Credential, error)
}

// MailboxFactory binds a mailbox provider to one user's credential.
type MailboxFactory func(ctx context.Context, cred store.Credential) (MailboxProvider, error)

// CalendarFactory binds a calendar client to one user's credential.
type CalendarFactory func(ctx context.Context, cred store.Credential) (CalendarClient, error)

// Notifier publishes newly materialized events downstream.
type Notifier interface {
	EventDiscovered(ctx context.Context, userID string, ev store.Event) error
}
