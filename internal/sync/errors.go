package sync

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/inboxpilot/mailcal/internal/tokens"
)

// ErrPermanent marks a remote failure that retrying cannot fix, e.g. a
// calendar rejecting a malformed event. Adapters wrap with it.
var ErrPermanent = errors.New("permanent remote failure")

// ErrCycleFatal marks a failure that aborts the whole cycle, such as
// the listing call failing after retries.
var ErrCycleFatal = errors.New("cycle aborted")

// IsAuthDenied reports a permanent credential denial.
func IsAuthDenied(err error) bool {
	return errors.Is(err, tokens.ErrAuthRequired)
}

// IsTransient reports whether a remote failure is worth a bounded
// retry: network trouble, rate limiting, or a 5xx from the provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || IsAuthDenied(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}

	var nerr net.Error
	return errors.As(err, &nerr)
}

// withRetry runs fn up to attempts times with a per-call timeout,
// backing off between transient failures. Non-transient errors return
// immediately.
func withRetry(ctx context.Context, attempts int, callTimeout time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = fn(callCtx)
		cancel()

		if err == nil || !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 500 * time.Millisecond):
		}
	}
	return err
}
