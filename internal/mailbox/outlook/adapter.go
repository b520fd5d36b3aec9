package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/sync"
)

// Adapter implements sync.MailboxProvider for Outlook via Microsoft
// Graph.
type Adapter struct {
	client     *msgraphsdk.GraphServiceClient
	userID     string
	maxResults int32
}

// New creates an Outlook adapter bound to one user's credential.
func New(cred store.Credential, graphUserID string, maxResults int32) (*Adapter, error) {
	tokenCred := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if maxResults <= 0 {
		maxResults = 100
	}
	return &Adapter{client: client, userID: graphUserID, maxResults: maxResults}, nil
}

// Factory returns a sync.MailboxFactory building Outlook adapters.
func Factory(graphUserID string, maxResults int32) sync.MailboxFactory {
	return func(ctx context.Context, cred store.Credential) (sync.MailboxProvider, error) {
		return New(cred, graphUserID, maxResults)
	}
}

// ListMessages lists refs for the window (since, until] using a
// receivedDateTime filter.
func (a *Adapter) ListMessages(ctx context.Context, since, until time.Time) ([]sync.MessageRef, error) {
	filter := fmt.Sprintf("receivedDateTime le %s", until.UTC().Format(time.RFC3339))
	if !since.IsZero() {
		filter = fmt.Sprintf("receivedDateTime gt %s and %s", since.UTC().Format(time.RFC3339), filter)
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &a.maxResults,
			Filter: &filter,
			Select: []string{"id", "receivedDateTime"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var refs []sync.MessageRef
	for _, m := range result.GetValue() {
		ref := sync.MessageRef{}
		if id := m.GetId(); id != nil {
			ref.ID = *id
		}
		if rcvd := m.GetReceivedDateTime(); rcvd != nil {
			ref.Received = rcvd.UTC()
		}
		if ref.ID != "" {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// FetchMessage retrieves one message with subject, sender and body.
func (a *Adapter) FetchMessage(ctx context.Context, ref sync.MessageRef) (sync.Message, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "subject", "from", "bodyPreview", "body", "receivedDateTime"},
		},
	}

	m, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(ref.ID).Get(ctx, requestConfig)
	if err != nil {
		return sync.Message{}, fmt.Errorf("failed to get message %s: %w", ref.ID, err)
	}

	msg := sync.Message{Ref: ref}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			if v := addr.GetAddress(); v != nil {
				msg.Sender = *v
			}
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			msg.Body = *content
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Ref.Received = rcvd.UTC()
	}

	return msg, nil
}

// staticTokenCredential adapts a stored access token to the Azure
// credential interface.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}
