package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/tokens"
)

type fakeTokens struct {
	cred store.Credential
	err  error
}

func (f *fakeTokens) Valid(ctx context.Context, userID string) (store.Credential, error) {
	if f.err != nil {
		return store.Credential{}, f.err
	}
	return f.cred, nil
}

type fakeMailbox struct {
	mu        gosync.Mutex
	refs      []MessageRef
	msgs      map[string]Message
	listErr   error
	fetchErr  map[string]error
	listCalls int
	boundTo   []string
}

func (f *fakeMailbox) ListMessages(ctx context.Context, since, until time.Time) ([]MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []MessageRef
	for _, ref := range f.refs {
		if ref.Received.After(since) && !ref.Received.After(until) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (f *fakeMailbox) FetchMessage(ctx context.Context, ref MessageRef) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[ref.ID]; err != nil {
		return Message{}, err
	}
	return f.msgs[ref.ID], nil
}

func (f *fakeMailbox) addMessage(id, subject string, received time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, MessageRef{ID: id, Received: received})
	f.msgs[id] = Message{Ref: MessageRef{ID: id, Received: received}, Subject: subject}
}

type fakeCalendar struct {
	mu      gosync.Mutex
	err     error
	created []string
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, draft EventDraft) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, draft.Title)
	return fmt.Sprintf("remote-%d", len(f.created)), nil
}

func (f *fakeCalendar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type extractorFunc func(ctx context.Context, msg Message, interests []string) ([]EventDraft, error)

func (f extractorFunc) Extract(ctx context.Context, msg Message, interests []string) ([]EventDraft, error) {
	return f(ctx, msg, interests)
}

// draftPerMessage is the trivial extraction: one event per message.
var draftPerMessage = extractorFunc(func(ctx context.Context, msg Message, interests []string) ([]EventDraft, error) {
	return []EventDraft{{
		Title:           msg.Subject,
		Start:           msg.Ref.Received,
		SourceMessageID: msg.Ref.ID,
	}}, nil
})

type fakeNotifier struct {
	mu       gosync.Mutex
	err      error
	notified []string
}

func (f *fakeNotifier) EventDiscovered(ctx context.Context, userID string, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, ev.Title)
	return nil
}

type cycleFixture struct {
	db       *store.Store
	user     store.User
	tokens   *fakeTokens
	mailbox  *fakeMailbox
	calendar *fakeCalendar
	notifier *fakeNotifier
	engine   *Engine
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user, err := db.UpsertUser(context.Background(), "google-sync", "sync@example.com", "Sync User", "")
	require.NoError(t, err)
	require.NoError(t, db.SaveCredential(context.Background(), store.Credential{
		UserID:      user.ID,
		AccessToken: "access",
		Expiry:      time.Now().Add(time.Hour),
	}))

	f := &cycleFixture{
		db:       db,
		user:     user,
		tokens:   &fakeTokens{cred: store.Credential{UserID: user.ID, AccessToken: "access"}},
		mailbox:  &fakeMailbox{msgs: make(map[string]Message), fetchErr: make(map[string]error)},
		calendar: &fakeCalendar{},
		notifier: &fakeNotifier{},
	}
	f.engine = &Engine{
		Store:  db,
		Tokens: f.tokens,
		Mailbox: func(ctx context.Context, cred store.Credential) (MailboxProvider, error) {
			return f.mailbox, nil
		},
		Calendar: func(ctx context.Context, cred store.Credential) (CalendarClient, error) {
			return f.calendar, nil
		},
		Extractor:     draftPerMessage,
		Notifier:      f.notifier,
		Log:           testLogger(),
		Source:        "gmail",
		RetryAttempts: 1,
		CallTimeout:   5 * time.Second,
	}
	return f
}

func (f *cycleFixture) state(t *testing.T) store.SyncState {
	t.Helper()
	st, err := f.db.GetSyncState(context.Background(), f.user.ID)
	require.NoError(t, err)
	return st
}

func (f *cycleFixture) eventCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.db.CountEvents(context.Background())
	require.NoError(t, err)
	return n
}

var windowStart = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func TestRunCycleHappyPath(t *testing.T) {
	f := newCycleFixture(t)
	f.mailbox.addMessage("m1", "Robotics Workshop", windowStart.Add(10*time.Minute))
	f.mailbox.addMessage("m2", "Guest Lecture", windowStart.Add(20*time.Minute))

	now := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))

	st := f.state(t)
	assert.Equal(t, store.StatusHealthy, st.Status)
	assert.Equal(t, now, st.Watermark)
	assert.Equal(t, int64(2), f.eventCount(t))
	assert.Equal(t, 2, f.calendar.count())
	assert.ElementsMatch(t, []string{"Robotics Workshop", "Guest Lecture"}, f.notifier.notified)
}

func TestRetriedWindowIsIdempotent(t *testing.T) {
	f := newCycleFixture(t)
	f.mailbox.addMessage("m1", "Robotics Workshop", windowStart.Add(10*time.Minute))

	now := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))

	assert.Equal(t, int64(1), f.eventCount(t), "reprocessing a window must not duplicate events")
	assert.Equal(t, 1, f.calendar.count(), "calendar entry is created once, confirmed after")
	assert.Equal(t, store.StatusHealthy, f.state(t).Status)
	assert.Len(t, f.notifier.notified, 1, "only first discovery notifies")
}

func TestWatermarkAdvancesAcrossWindows(t *testing.T) {
	f := newCycleFixture(t)
	f.mailbox.addMessage("m1", "Early Event", windowStart.Add(10*time.Minute))

	t1 := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, t1))
	require.Equal(t, t1, f.state(t).Watermark)

	// A message arriving after t1 lands in the next window only.
	f.mailbox.addMessage("m2", "Later Event", t1.Add(10*time.Minute))

	t2 := t1.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, t2))

	assert.Equal(t, t2, f.state(t).Watermark)
	assert.Equal(t, int64(2), f.eventCount(t))
	assert.Equal(t, 2, f.mailbox.listCalls)
}

func TestListFailureLeavesWatermark(t *testing.T) {
	f := newCycleFixture(t)
	t1 := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, t1))

	f.mailbox.addMessage("m1", "Missed Event", t1.Add(10*time.Minute))
	f.mailbox.listErr = fmt.Errorf("%w: upstream unavailable", ErrPermanent)

	t2 := t1.Add(time.Hour)
	err := f.engine.RunCycle(context.Background(), f.user.ID, t2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleFatal)

	st := f.state(t)
	assert.Equal(t, store.StatusError, st.Status)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, t1, st.Watermark, "a failed cycle must not advance the watermark")

	// Recovery reprocesses the same window; nothing is lost.
	f.mailbox.listErr = nil
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, t2))

	st = f.state(t)
	assert.Equal(t, store.StatusHealthy, st.Status)
	assert.Equal(t, t2, st.Watermark)
	assert.Equal(t, int64(1), f.eventCount(t))
}

func TestAuthDeniedParksUser(t *testing.T) {
	f := newCycleFixture(t)
	f.tokens.err = fmt.Errorf("refresh denied: %w", tokens.ErrAuthRequired)

	err := f.engine.RunCycle(context.Background(), f.user.ID, windowStart.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, store.StatusAuthRequired, f.state(t).Status)

	// Parked users fall out of scheduling entirely.
	ids, err := f.db.ListSyncableUserIDs(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, ids, f.user.ID)

	// Only an external re-login unparks; then the cycle runs normally.
	f.tokens.err = nil
	require.NoError(t, f.db.ResetStatus(context.Background(), f.user.ID))
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, windowStart.Add(time.Hour)))
	assert.Equal(t, store.StatusHealthy, f.state(t).Status)
}

func TestTransientFetchFailureHoldsWatermark(t *testing.T) {
	f := newCycleFixture(t)
	f.mailbox.addMessage("m1", "Reachable Event", windowStart.Add(10*time.Minute))
	f.mailbox.addMessage("m2", "Glitched Event", windowStart.Add(20*time.Minute))
	f.mailbox.fetchErr["m2"] = &net.OpError{Op: "read", Err: fmt.Errorf("connection reset by peer")}

	now := windowStart.Add(time.Hour)
	err := f.engine.RunCycle(context.Background(), f.user.ID, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleFatal)

	st := f.state(t)
	assert.Equal(t, store.StatusError, st.Status)
	assert.True(t, st.Watermark.IsZero(), "a message lost to a network glitch must stay inside the window")

	// The glitch clears; the retried window recovers both messages.
	delete(f.mailbox.fetchErr, "m2")
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))

	st = f.state(t)
	assert.Equal(t, store.StatusHealthy, st.Status)
	assert.Equal(t, now, st.Watermark)
	assert.Equal(t, int64(2), f.eventCount(t))
}

func TestDuplicateDraftsInOneWindow(t *testing.T) {
	f := newCycleFixture(t)
	f.mailbox.addMessage("m1", "Tech Fest", windowStart.Add(10*time.Minute))
	f.mailbox.addMessage("m2", "Fwd: Tech Fest", windowStart.Add(20*time.Minute))

	// Both messages announce the same event.
	eventStart := windowStart.Add(48 * time.Hour)
	f.engine.Extractor = extractorFunc(func(ctx context.Context, msg Message, interests []string) ([]EventDraft, error) {
		return []EventDraft{{
			Title:           "Tech Fest",
			Location:        "Auditorium",
			Start:           eventStart,
			SourceMessageID: msg.Ref.ID,
		}}, nil
	})

	now := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))

	assert.Equal(t, int64(1), f.eventCount(t), "one canonical event for both announcements")
	n, err := f.db.CountUserEvents(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.calendar.count(), "one calendar entry despite two source messages")
	assert.Len(t, f.notifier.notified, 1)
	assert.Equal(t, store.StatusHealthy, f.state(t).Status)
}

func TestCalendarFailureKeepsWatermark(t *testing.T) {
	f := newCycleFixture(t)
	t1 := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, t1))

	f.mailbox.addMessage("m1", "Stubborn Event", t1.Add(10*time.Minute))
	f.calendar.err = fmt.Errorf("%w: calendar rejected event", ErrPermanent)

	t2 := t1.Add(time.Hour)
	require.Error(t, f.engine.RunCycle(context.Background(), f.user.ID, t2))

	st := f.state(t)
	assert.Equal(t, store.StatusError, st.Status)
	assert.Equal(t, t1, st.Watermark)
	assert.Equal(t, int64(1), f.eventCount(t), "the event row is durable even when the calendar call fails")

	// Retry succeeds: exactly one calendar entry, window committed.
	f.calendar.err = nil
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, t2))

	st = f.state(t)
	assert.Equal(t, store.StatusHealthy, st.Status)
	assert.Equal(t, t2, st.Watermark)
	assert.Equal(t, int64(1), f.eventCount(t))
	assert.Equal(t, 1, f.calendar.count())
}

func TestExtractionFailureThreshold(t *testing.T) {
	failing := extractorFunc(func(ctx context.Context, msg Message, interests []string) ([]EventDraft, error) {
		return nil, fmt.Errorf("malformed message")
	})

	t.Run("isolated failures are tolerated", func(t *testing.T) {
		f := newCycleFixture(t)
		for i := 0; i < 4; i++ {
			f.mailbox.addMessage(fmt.Sprintf("m%d", i), fmt.Sprintf("Event %d", i), windowStart.Add(time.Duration(i)*time.Minute))
		}
		f.mailbox.fetchErr["m0"] = fmt.Errorf("%w: gone", ErrPermanent)

		now := windowStart.Add(time.Hour)
		require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))
		assert.Equal(t, store.StatusHealthy, f.state(t).Status)
		assert.Equal(t, now, f.state(t).Watermark)
		assert.Equal(t, int64(3), f.eventCount(t))
	})

	t.Run("widespread failure aborts the window", func(t *testing.T) {
		f := newCycleFixture(t)
		f.engine.Extractor = failing
		for i := 0; i < 4; i++ {
			f.mailbox.addMessage(fmt.Sprintf("m%d", i), fmt.Sprintf("Event %d", i), windowStart.Add(time.Duration(i)*time.Minute))
		}

		require.Error(t, f.engine.RunCycle(context.Background(), f.user.ID, windowStart.Add(time.Hour)))
		st := f.state(t)
		assert.Equal(t, store.StatusError, st.Status)
		assert.True(t, st.Watermark.IsZero(), "watermark must not skip past lost messages")
	})

	t.Run("small windows never trip the ratio alone", func(t *testing.T) {
		f := newCycleFixture(t)
		f.engine.Extractor = failing
		f.mailbox.addMessage("m0", "Only Event", windowStart.Add(time.Minute))

		now := windowStart.Add(time.Hour)
		require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))
		assert.Equal(t, store.StatusHealthy, f.state(t).Status)
	})
}

func TestNotifierFailureIsBestEffort(t *testing.T) {
	f := newCycleFixture(t)
	f.notifier.err = fmt.Errorf("broker down")
	f.mailbox.addMessage("m1", "Quiet Event", windowStart.Add(time.Minute))

	now := windowStart.Add(time.Hour)
	require.NoError(t, f.engine.RunCycle(context.Background(), f.user.ID, now))
	assert.Equal(t, store.StatusHealthy, f.state(t).Status)
	assert.Equal(t, int64(1), f.eventCount(t))
}

func TestCancelledCycleWritesNoState(t *testing.T) {
	f := newCycleFixture(t)
	f.mailbox.addMessage("m1", "Interrupted Event", windowStart.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown arrives while the window is being processed.
	f.engine.Extractor = extractorFunc(func(ctx context.Context, msg Message, interests []string) ([]EventDraft, error) {
		cancel()
		return draftPerMessage(ctx, msg, interests)
	})

	err := f.engine.RunCycle(ctx, f.user.ID, windowStart.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)

	st := f.state(t)
	assert.Equal(t, store.StatusHealthy, st.Status)
	assert.True(t, st.Watermark.IsZero(), "a cancelled cycle leaves the window open for the next tick")
}
