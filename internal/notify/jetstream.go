package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/inboxpilot/mailcal/internal/store"
)

const streamName = "EVENTS_DISCOVERED"

// Publisher announces newly materialized events on NATS JetStream.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and sets up a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the EVENTS_DISCOVERED stream if it is missing.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"user.*.event.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventDiscovered publishes one notification per new canonical event
// per user. The message id is derived from the natural key, so
// JetStream's duplicate window absorbs republication from retried
// windows.
func (p *Publisher) EventDiscovered(ctx context.Context, userID string, ev store.Event) error {
	payload, err := json.Marshal(map[string]any{
		"event_id":   ev.ID,
		"user_id":    userID,
		"title":      ev.Title,
		"location":   ev.Location,
		"start_time": ev.StartTime.Unix(),
		"source":     ev.Source,
		"source_id":  ev.SourceID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	subject := fmt.Sprintf("user.%s.event.discovered", userID)
	msgID := fmt.Sprintf("event.discovered|%s|%s|%d|%s",
		userID, store.NormalizeKeyPart(ev.Title), ev.StartTime.Unix(), store.NormalizeKeyPart(ev.Location))

	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish event notification: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
