package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/sync"
)

// Client implements sync.CalendarClient on the user's primary Google
// calendar.
type Client struct {
	svc             *calendar.Service
	reminderMinutes int
}

// New creates a calendar client bound to one user's credential.
// reminderMinutes > 0 attaches a popup reminder that long before the
// event; otherwise the calendar's defaults apply.
func New(ctx context.Context, cred store.Credential, reminderMinutes int) (*Client, error) {
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{calendar.CalendarEventsScope},
	}
	httpClient := config.Client(ctx, token)

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Client{svc: svc, reminderMinutes: reminderMinutes}, nil
}

// Factory returns a sync.CalendarFactory building Google clients.
func Factory(reminderMinutes int) sync.CalendarFactory {
	return func(ctx context.Context, cred store.Credential) (sync.CalendarClient, error) {
		return New(ctx, cred, reminderMinutes)
	}
}

// CreateEvent inserts the draft into the primary calendar and returns
// the remote event id. Rejections that retrying cannot fix are wrapped
// with sync.ErrPermanent.
func (c *Client) CreateEvent(ctx context.Context, draft sync.EventDraft) (string, error) {
	end := draft.Start
	if draft.End != nil {
		end = *draft.End
	}

	ev := &calendar.Event{
		Summary:     draft.Title,
		Description: draft.Description,
		Location:    draft.Location,
		Start:       &calendar.EventDateTime{DateTime: draft.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}

	if c.reminderMinutes > 0 {
		ev.Reminders = &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "popup", Minutes: int64(c.reminderMinutes)},
			},
			ForceSendFields: []string{"UseDefault"},
		}
	}

	created, err := c.svc.Events.Insert("primary", ev).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return created.Id, nil
}

// classify separates rejections the engine should not retry from
// transient provider trouble.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", sync.ErrPermanent, err)
		}
	}
	return fmt.Errorf("failed to create calendar event: %w", err)
}
