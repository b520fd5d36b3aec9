package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/mailcal/internal/sync"
)

var received = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func message(subject, body string) sync.Message {
	return sync.Message{
		Ref:     sync.MessageRef{ID: "m1", Received: received},
		Subject: subject,
		Body:    body,
	}
}

func TestExtractAnnouncement(t *testing.T) {
	msg := message("Robotics Workshop", `Hi all,

Join us for a hands-on session.
Venue: Main Auditorium
Date: 2026-03-14 10:00
Register here: https://example.edu/register/robotics
`)

	drafts, err := New().Extract(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)

	d := drafts[0]
	assert.Equal(t, "Robotics Workshop", d.Title)
	assert.Equal(t, "Main Auditorium", d.Location)
	assert.Equal(t, "https://example.edu/register/robotics", d.Link)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), d.Start)
	assert.Equal(t, "m1", d.SourceMessageID)
}

func TestReceivedTimeIsStartFallback(t *testing.T) {
	msg := message("Impromptu Meetup", "No date line in here.")

	drafts, err := New().Extract(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, received, drafts[0].Start)
}

func TestUnparseableDateFallsBackToReceived(t *testing.T) {
	msg := message("Seminar", "Date: sometime next week, probably")

	drafts, err := New().Extract(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, received, drafts[0].Start)
}

func TestNonEventKeywordsReject(t *testing.T) {
	for _, subject := range []string{
		"Congratulations on your results!",
		"Revised bus fare schedule",
		"Happy Birthday wishes",
	} {
		drafts, err := New().Extract(context.Background(), message(subject, ""), nil)
		require.NoError(t, err)
		assert.Empty(t, drafts, subject)
	}
}

func TestInterestFilter(t *testing.T) {
	k := New()
	interests := []string{"robotics", "chess"}

	drafts, err := k.Extract(context.Background(), message("Annual Music Night", "an evening of song"), interests)
	require.NoError(t, err)
	assert.Empty(t, drafts, "no interest matches")

	drafts, err = k.Extract(context.Background(), message("Robotics club demo day", ""), interests)
	require.NoError(t, err)
	assert.Len(t, drafts, 1, "interest match is case insensitive")

	// No subscriptions means no filtering.
	drafts, err = k.Extract(context.Background(), message("Annual Music Night", ""), nil)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}

func TestFooterIsIgnored(t *testing.T) {
	msg := message("Department Notice", `Details above.
This message was sent from the university mailing system.
Venue: Hidden Hall
`)

	drafts, err := New().Extract(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Empty(t, drafts[0].Location, "lines below the footer carry no event data")
}

func TestEmptySubjectGetsPlaceholderTitle(t *testing.T) {
	drafts, err := New().Extract(context.Background(), message("", "Venue: Lab 2"), nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "(no subject)", drafts[0].Title)
}

func TestNoUsableStartProducesNothing(t *testing.T) {
	msg := sync.Message{
		Ref:     sync.MessageRef{ID: "m2"},
		Subject: "Undated announcement",
	}
	drafts, err := New().Extract(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}
