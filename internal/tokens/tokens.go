package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/inboxpilot/mailcal/internal/crypto"
	"github.com/inboxpilot/mailcal/internal/store"
)

// ErrAuthRequired means the provider permanently rejected the stored
// credential. The caller must not retry; only an external re-login
// clears it.
var ErrAuthRequired = errors.New("reauthentication required")

// graceWindow is the minimum remaining validity Valid guarantees.
const graceWindow = 60 * time.Second

// Store hands out provider credentials that are good for at least the
// grace window, refreshing them transparently when needed.
type Store struct {
	db     *store.Store
	cipher *crypto.TokenCipher
	conf   *oauth2.Config
	log    *slog.Logger

	// Now is injected for tests; defaults to time.Now.
	Now func() time.Time
}

// New creates a token store. cipher may be nil, in which case tokens
// are stored in the clear (tests only).
func New(db *store.Store, cipher *crypto.TokenCipher, conf *oauth2.Config, log *slog.Logger) *Store {
	return &Store{db: db, cipher: cipher, conf: conf, log: log, Now: time.Now}
}

// Valid returns a credential usable for at least the grace window. If
// the access token is expired or about to expire it is refreshed with
// the refresh token first. A permanent denial from the provider (or a
// missing refresh token) yields ErrAuthRequired.
func (s *Store) Valid(ctx context.Context, userID string) (store.Credential, error) {
	cred, err := s.db.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNoCredential) {
			return store.Credential{}, fmt.Errorf("user %s: %w", userID, ErrAuthRequired)
		}
		return store.Credential{}, err
	}

	if cred.AccessToken, err = s.decrypt(cred.AccessToken); err != nil {
		return store.Credential{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = s.decrypt(cred.RefreshToken); err != nil {
		return store.Credential{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	if !cred.Expiry.IsZero() && cred.Expiry.After(s.Now().Add(graceWindow)) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		return store.Credential{}, fmt.Errorf("user %s has no refresh token: %w", userID, ErrAuthRequired)
	}

	return s.refresh(ctx, cred)
}

// refresh exchanges the refresh token for a fresh access token and
// persists the rotated credential.
func (s *Store) refresh(ctx context.Context, cred store.Credential) (store.Credential, error) {
	src := s.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		if denied(err) {
			s.log.Warn("credential refresh permanently denied", "user_id", cred.UserID)
			return store.Credential{}, fmt.Errorf("refresh denied for user %s: %w", cred.UserID, ErrAuthRequired)
		}
		return store.Credential{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	cred.AccessToken = fresh.AccessToken
	cred.Expiry = fresh.Expiry.UTC()
	if fresh.TokenType != "" {
		cred.TokenType = fresh.TokenType
	}
	if fresh.RefreshToken != "" {
		cred.RefreshToken = fresh.RefreshToken
	}

	if err := s.save(ctx, cred); err != nil {
		return store.Credential{}, err
	}

	s.log.Debug("refreshed access token", "user_id", cred.UserID, "expires_at", cred.Expiry)
	return cred, nil
}

// Save stores tokens obtained from an OAuth exchange, replacing any
// prior credential. This is the re-auth event that unparks a user in
// AuthRequired.
func (s *Store) Save(ctx context.Context, userID string, tok *oauth2.Token, scope string) error {
	cred := store.Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		Expiry:       tok.Expiry.UTC(),
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	return s.save(ctx, cred)
}

func (s *Store) save(ctx context.Context, cred store.Credential) error {
	var err error
	if cred.AccessToken, err = s.encrypt(cred.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if cred.RefreshToken, err = s.encrypt(cred.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return s.db.SaveCredential(ctx, cred)
}

func (s *Store) encrypt(v string) (string, error) {
	if s.cipher == nil {
		return v, nil
	}
	return s.cipher.Encrypt(v)
}

func (s *Store) decrypt(v string) (string, error) {
	if s.cipher == nil {
		return v, nil
	}
	return s.cipher.Decrypt(v)
}

// denied reports whether a token endpoint error is a permanent denial
// (revoked or invalid refresh token) rather than a transient failure.
func denied(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}
