package tokens

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/inboxpilot/mailcal/internal/crypto"
	"github.com/inboxpilot/mailcal/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) (*store.Store, store.User) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	u, err := db.UpsertUser(context.Background(), "google-tok", "tok@example.com", "Tok", "")
	require.NoError(t, err)
	return db, u
}

// tokenEndpoint fakes the provider's token URL. response is the JSON
// body; status 0 means 200.
type tokenEndpoint struct {
	hits     atomic.Int64
	status   int
	response map[string]any
}

func (e *tokenEndpoint) start(t *testing.T) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if e.status != 0 {
			w.WriteHeader(e.status)
		}
		json.NewEncoder(w).Encode(e.response)
	}))
	t.Cleanup(srv.Close)

	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL},
	}
}

func TestValidReturnsUnexpiredCredential(t *testing.T) {
	db, u := newTestDB(t)
	endpoint := &tokenEndpoint{}
	s := New(db, nil, endpoint.start(t), testLogger())

	require.NoError(t, s.Save(context.Background(), u.ID, &oauth2.Token{
		AccessToken:  "fresh-access",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(2 * time.Hour),
	}, "scope"))

	cred, err := s.Valid(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", cred.AccessToken)
	assert.Zero(t, endpoint.hits.Load(), "no refresh for a token well inside its lifetime")
}

func TestValidRefreshesNearExpiry(t *testing.T) {
	db, u := newTestDB(t)
	endpoint := &tokenEndpoint{response: map[string]any{
		"access_token": "rotated-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}}
	s := New(db, nil, endpoint.start(t), testLogger())

	// Expires inside the grace window: must be refreshed before use.
	require.NoError(t, s.Save(context.Background(), u.ID, &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(10 * time.Second),
	}, ""))

	cred, err := s.Valid(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", cred.AccessToken)
	assert.Equal(t, int64(1), endpoint.hits.Load())

	// The rotation is persisted; the next call needs no refresh. The
	// provider omitted the refresh token, so the stored one survives.
	cred, err = s.Valid(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.Equal(t, int64(1), endpoint.hits.Load())
}

func TestInvalidGrantIsAuthRequired(t *testing.T) {
	db, u := newTestDB(t)
	endpoint := &tokenEndpoint{
		status:   http.StatusBadRequest,
		response: map[string]any{"error": "invalid_grant"},
	}
	s := New(db, nil, endpoint.start(t), testLogger())

	require.NoError(t, s.Save(context.Background(), u.ID, &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "revoked-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}, ""))

	_, err := s.Valid(context.Background(), u.ID)
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestMissingCredentialIsAuthRequired(t *testing.T) {
	db, _ := newTestDB(t)
	s := New(db, nil, (&tokenEndpoint{}).start(t), testLogger())

	_, err := s.Valid(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestExpiredWithoutRefreshTokenIsAuthRequired(t *testing.T) {
	db, u := newTestDB(t)
	endpoint := &tokenEndpoint{}
	s := New(db, nil, endpoint.start(t), testLogger())

	require.NoError(t, s.Save(context.Background(), u.ID, &oauth2.Token{
		AccessToken: "stale-access",
		Expiry:      time.Now().Add(-time.Minute),
	}, ""))

	_, err := s.Valid(context.Background(), u.ID)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Zero(t, endpoint.hits.Load(), "nothing to refresh with")
}

func TestTokensEncryptedAtRest(t *testing.T) {
	db, u := newTestDB(t)

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cipher, err := crypto.NewTokenCipher(key)
	require.NoError(t, err)

	s := New(db, cipher, (&tokenEndpoint{}).start(t), testLogger())

	require.NoError(t, s.Save(context.Background(), u.ID, &oauth2.Token{
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
		Expiry:       time.Now().Add(2 * time.Hour),
	}, ""))

	raw, err := db.GetCredential(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "secret-access", raw.AccessToken)
	assert.NotEqual(t, "secret-refresh", raw.RefreshToken)

	cred, err := s.Valid(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-access", cred.AccessToken)
	assert.Equal(t, "secret-refresh", cred.RefreshToken)
}
