package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/inboxpilot/mailcal/internal/sync"
)

// nonEventKeywords disqualify a message from producing events.
var nonEventKeywords = []string{"congratulations", "bus fare", "birthday"}

// footerMarker starts boilerplate that carries no event information.
const footerMarker = "this message was sent from"

var (
	linkPattern     = regexp.MustCompile(`https?://[^\s<>"]+`)
	locationPattern = regexp.MustCompile(`(?im)^\s*(?:venue|location|where)\s*[:\-]\s*(.+)$`)
	datePattern     = regexp.MustCompile(`(?im)^\s*(?:date|when|starts?)\s*[:\-]\s*(.+)$`)
)

// dateLayouts tried when parsing an announced start time.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"January 2, 2006 3:04 PM",
	"January 2, 2006",
	"02/01/2006 15:04",
	"02/01/2006",
}

// Keyword is a rule-based extraction stage. It satisfies the same
// contract a model-backed extractor would: message text in, zero or
// more drafts out, no side effects.
type Keyword struct{}

// New creates the rule-based extractor.
func New() *Keyword {
	return &Keyword{}
}

// Extract proposes at most one event per message: the subject as
// title, an announced date or the received time as start, and venue
// and link lines when present. Messages matching a non-event keyword,
// or matching none of the user's interests, produce nothing.
func (k *Keyword) Extract(ctx context.Context, msg sync.Message, interests []string) ([]sync.EventDraft, error) {
	text := msg.Subject + "\n" + msg.Snippet + "\n" + stripFooter(msg.Body)
	lower := strings.ToLower(text)

	for _, kw := range nonEventKeywords {
		if strings.Contains(lower, kw) {
			return nil, nil
		}
	}

	if len(interests) > 0 && !matchesAny(lower, interests) {
		return nil, nil
	}

	title := strings.TrimSpace(msg.Subject)
	if title == "" {
		title = "(no subject)"
	}

	draft := sync.EventDraft{
		Title:           title,
		Description:     msg.Snippet,
		Start:           msg.Ref.Received,
		SourceMessageID: msg.Ref.ID,
	}

	if m := locationPattern.FindStringSubmatch(text); m != nil {
		draft.Location = strings.TrimSpace(m[1])
	}
	if m := linkPattern.FindString(text); m != "" {
		draft.Link = m
	}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		if t, ok := parseDate(strings.TrimSpace(m[1])); ok {
			draft.Start = t
		}
	}

	if draft.Start.IsZero() {
		return nil, nil
	}

	return []sync.EventDraft{draft}, nil
}

func stripFooter(body string) string {
	if idx := strings.Index(strings.ToLower(body), footerMarker); idx >= 0 {
		return body[:idx]
	}
	return body
}

func matchesAny(lowerText string, interests []string) bool {
	for _, interest := range interests {
		if interest == "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(interest)) {
			return true
		}
	}
	return false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
