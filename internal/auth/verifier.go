package auth

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ContextUserKey is where the middleware stores the authenticated
// user id on the gin context.
const ContextUserKey = "user_id"

// Verifier validates inbound JWTs against a cached JWKS. Keys refresh
// in the background so request handling never blocks on a fetch.
type Verifier struct {
	jwksURL    string
	cache      *jwk.Cache
	keySet     jwk.Set
	keySetMu   gosync.RWMutex
	refreshTTL time.Duration
}

// NewVerifier fetches the JWKS once to warm the cache and keeps it
// fresh from then on.
func NewVerifier(jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMu.Lock()
			v.keySet = keySet
			v.keySetMu.Unlock()
		}
		// Errors wait for the next tick; the cached set stays valid.
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.keySetMu.RLock()
	defer v.keySetMu.RUnlock()
	return v.keySet
}

// UserID validates the request's bearer token and returns its subject.
func (v *Verifier) UserID(r *http.Request) (string, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return userID, nil
}

// Middleware rejects unauthenticated requests and stashes the user id
// for handlers.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.UserID(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserKey, userID)
		c.Next()
	}
}
