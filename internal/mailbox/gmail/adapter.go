package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/sync"
)

// Adapter implements sync.MailboxProvider for Gmail.
type Adapter struct {
	svc        *gmail.Service
	maxResults int64
}

// New creates a Gmail adapter bound to one user's credential.
func New(ctx context.Context, cred store.Credential, maxResults int64) (*Adapter, error) {
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	if maxResults <= 0 {
		maxResults = 100
	}
	return &Adapter{svc: svc, maxResults: maxResults}, nil
}

// Factory returns a sync.MailboxFactory building Gmail adapters.
func Factory(maxResults int64) sync.MailboxFactory {
	return func(ctx context.Context, cred store.Credential) (sync.MailboxProvider, error) {
		return New(ctx, cred, maxResults)
	}
}

// ListMessages lists message refs in the half-open window (since,
// until]. Gmail's search operators work at second granularity, which
// matches the watermark resolution.
func (a *Adapter) ListMessages(ctx context.Context, since, until time.Time) ([]sync.MessageRef, error) {
	q := fmt.Sprintf("before:%d", until.Unix()+1)
	if !since.IsZero() {
		q = fmt.Sprintf("after:%d %s", since.Unix(), q)
	}

	call := a.svc.Users.Messages.List("me").Q(q).IncludeSpamTrash(false).MaxResults(a.maxResults)

	var refs []sync.MessageRef
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			refs = append(refs, sync.MessageRef{ID: m.Id})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return refs, nil
}

// FetchMessage retrieves one message with headers and body text.
func (a *Adapter) FetchMessage(ctx context.Context, ref sync.MessageRef) (sync.Message, error) {
	m, err := a.svc.Users.Messages.Get("me", ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return sync.Message{}, fmt.Errorf("failed to get message %s: %w", ref.ID, err)
	}

	msg := sync.Message{
		Ref: sync.MessageRef{
			ID:       m.Id,
			Received: time.UnixMilli(m.InternalDate).UTC(),
		},
		Snippet: m.Snippet,
	}

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Subject":
				msg.Subject = h.Value
			case "From":
				msg.Sender = h.Value
			}
		}
		msg.Body = extractText(m.Payload)
	}

	return msg, nil
}

// extractText pulls the first text/plain body out of a message part
// tree, decoding Gmail's URL-safe base64.
func extractText(part *gmail.MessagePart) string {
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(decoded)
		}
		// Gmail omits padding on some parts.
		if decoded, err := base64.RawURLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, p := range part.Parts {
		if text := extractText(p); text != "" {
			return text
		}
	}
	return ""
}
