package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxpilot/mailcal/internal/store"
)

const (
	defaultCallTimeout   = 30 * time.Second
	defaultRetryAttempts = 3

	// Individual extraction failures are tolerated, but a window where
	// most messages fail extraction means the stage itself is broken
	// and the watermark must not advance past the lost messages.
	extractFailureMinCount = 3
)

// Engine runs one sync cycle for one user: credential, window listing,
// extraction, materialization, state bookkeeping.
type Engine struct {
	Store     *store.Store
	Tokens    TokenSource
	Mailbox   MailboxFactory
	Calendar  CalendarFactory
	Extractor Extractor
	Notifier  Notifier // optional
	Log       *slog.Logger

	// Source names the ingestion provider on materialized events.
	Source string

	CallTimeout   time.Duration
	RetryAttempts int
}

func (e *Engine) callTimeout() time.Duration {
	if e.CallTimeout > 0 {
		return e.CallTimeout
	}
	return defaultCallTimeout
}

func (e *Engine) retryAttempts() int {
	if e.RetryAttempts > 0 {
		return e.RetryAttempts
	}
	return defaultRetryAttempts
}

// RunCycle syncs the window (watermark, now] for one user. now is
// captured by the caller once per cycle so a cycle is deterministic
// under test and never misses messages arriving mid-flight.
//
// The watermark advances to now only when every message in the window
// was accounted for; any unrecoverable failure leaves it untouched so
// the next tick retries the same window, relying on dedup.
func (e *Engine) RunCycle(ctx context.Context, userID string, now time.Time) error {
	log := e.Log.With("user_id", userID)

	cred, err := e.Tokens.Valid(ctx, userID)
	if err != nil {
		if IsAuthDenied(err) {
			log.Warn("sync paused, reauthentication required")
			if serr := e.Store.SetAuthRequired(ctx, userID, err.Error()); serr != nil {
				return serr
			}
			return err
		}
		return e.fail(ctx, log, userID, fmt.Errorf("credential unavailable: %w", err))
	}

	state, err := e.Store.GetSyncState(ctx, userID)
	if err != nil {
		return e.fail(ctx, log, userID, err)
	}

	mailbox, err := e.Mailbox(ctx, cred)
	if err != nil {
		return e.fail(ctx, log, userID, fmt.Errorf("mailbox client: %w", err))
	}
	calendar, err := e.Calendar(ctx, cred)
	if err != nil {
		return e.fail(ctx, log, userID, fmt.Errorf("calendar client: %w", err))
	}

	since, until := state.Watermark, now
	log = log.With("window_from", since, "window_to", until)

	var refs []MessageRef
	err = withRetry(ctx, e.retryAttempts(), e.callTimeout(), func(ctx context.Context) error {
		var lerr error
		refs, lerr = mailbox.ListMessages(ctx, since, until)
		return lerr
	})
	if err != nil {
		return e.fail(ctx, log, userID, fmt.Errorf("%w: message listing failed: %v", ErrCycleFatal, err))
	}

	interests, err := e.Store.InterestNames(ctx, userID)
	if err != nil {
		return e.fail(ctx, log, userID, err)
	}

	var (
		extractFailures int
		eventFailures   int
		firstEventFail  string
		newEvents       int
	)

	for _, ref := range refs {
		if ctx.Err() != nil {
			// Cancelled mid-flight: leave state untouched, the next
			// tick reprocesses this window.
			return ctx.Err()
		}

		var msg Message
		err := withRetry(ctx, e.retryAttempts(), e.callTimeout(), func(ctx context.Context) error {
			var ferr error
			msg, ferr = mailbox.FetchMessage(ctx, ref)
			return ferr
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsTransient(err) {
				// Exhausted retries on a transient failure: the message
				// is still out there, so the watermark must not pass it.
				return e.fail(ctx, log, userID,
					fmt.Errorf("%w: failed to fetch message %s: %v", ErrCycleFatal, ref.ID, err))
			}
			extractFailures++
			log.Warn("message permanently unfetchable, skipping", "message_id", ref.ID, "error", err)
			continue
		}

		extractCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
		drafts, err := e.Extractor.Extract(extractCtx, msg, interests)
		cancel()
		if err != nil {
			extractFailures++
			log.Warn("extraction failed, skipping message", "message_id", ref.ID, "error", err)
			continue
		}

		for _, draft := range drafts {
			isNew, err := e.materialize(ctx, calendar, userID, draft)
			if err != nil {
				eventFailures++
				if firstEventFail == "" {
					firstEventFail = fmt.Sprintf("%q (message %s): %v", draft.Title, draft.SourceMessageID, err)
				}
				log.Warn("failed to materialize event", "title", draft.Title, "message_id", draft.SourceMessageID, "error", err)
				continue
			}
			if isNew {
				newEvents++
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if eventFailures > 0 {
		return e.fail(ctx, log, userID,
			fmt.Errorf("calendar creation failed for %d event(s), first: %s", eventFailures, firstEventFail))
	}
	if extractFailures >= extractFailureMinCount && extractFailures > len(refs)/2 {
		return e.fail(ctx, log, userID,
			fmt.Errorf("extraction failed for %d of %d messages", extractFailures, len(refs)))
	}

	if err := e.Store.SetHealthy(ctx, userID, until); err != nil {
		return err
	}
	log.Info("cycle complete", "messages", len(refs), "new_events", newEvents, "extract_failures", extractFailures)
	return nil
}

// materialize upserts the draft into the event repository, links it to
// the user, and creates (or confirms) the remote calendar entry.
func (e *Engine) materialize(ctx context.Context, calendar CalendarClient, userID string, draft EventDraft) (bool, error) {
	ev := store.Event{
		Title:       draft.Title,
		Description: draft.Description,
		Location:    draft.Location,
		Platform:    e.Source,
		Link:        draft.Link,
		StartTime:   draft.Start,
		EndTime:     draft.End,
		Source:      e.Source,
		SourceID:    draft.SourceMessageID,
	}

	stored, isNew, err := e.Store.UpsertEvent(ctx, ev)
	if err != nil {
		return false, err
	}

	if _, err := e.Store.LinkUserEvent(ctx, userID, stored.ID); err != nil {
		return false, err
	}

	remoteID, err := e.Store.UserEventRemoteID(ctx, userID, stored.ID)
	if err != nil {
		return false, err
	}
	if remoteID == "" {
		err = withRetry(ctx, e.retryAttempts(), e.callTimeout(), func(ctx context.Context) error {
			var cerr error
			remoteID, cerr = calendar.CreateEvent(ctx, draft)
			return cerr
		})
		if err != nil {
			return false, fmt.Errorf("remote calendar create: %w", err)
		}
		if err := e.Store.SetUserEventRemoteID(ctx, userID, stored.ID, remoteID); err != nil {
			return false, err
		}
	}

	if isNew && e.Notifier != nil {
		if err := e.Notifier.EventDiscovered(ctx, userID, stored); err != nil {
			// Notification is best effort; the event is already durable.
			e.Log.Warn("failed to publish event notification", "event_id", stored.ID, "error", err)
		}
	}

	return isNew, nil
}

// fail records a failed cycle. The watermark is deliberately left
// where the last committed cycle put it.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, userID string, cause error) error {
	log.Error("cycle failed", "error", cause)
	if serr := e.Store.SetError(ctx, userID, cause.Error()); serr != nil {
		return serr
	}
	return cause
}
