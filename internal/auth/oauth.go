package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/tokens"
)

const userinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// OAuthHandler drives the external login flow that seeds users and
// credentials. Completing it is the re-auth event that unparks a user
// whose sync is in AuthRequired.
type OAuthHandler struct {
	conf   *oauth2.Config
	db     *store.Store
	tokens *tokens.Store
	log    *slog.Logger
}

// NewOAuthHandler wires the login flow.
func NewOAuthHandler(conf *oauth2.Config, db *store.Store, tok *tokens.Store, log *slog.Logger) *OAuthHandler {
	return &OAuthHandler{conf: conf, db: db, tokens: tok, log: log}
}

// Login redirects to the provider's consent screen. Offline access and
// forced consent make sure a refresh token comes back.
func (h *OAuthHandler) Login(c *gin.Context) {
	url := h.conf.AuthCodeURL("state-token",
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
	c.Redirect(http.StatusTemporaryRedirect, url)
}

// Callback exchanges the authorization code, upserts the user and
// stores the credential, and resets a parked sync state to Healthy.
func (h *OAuthHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	token, err := h.conf.Exchange(c.Request.Context(), code)
	if err != nil {
		h.log.Error("oauth code exchange failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to exchange token"})
		return
	}

	info, err := h.fetchUserinfo(c, token)
	if err != nil {
		h.log.Error("failed to fetch userinfo", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve user info"})
		return
	}
	if info.ID == "" || info.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider profile missing required fields"})
		return
	}

	user, err := h.db.UpsertUser(c.Request.Context(), info.ID, info.Email, info.Name, info.Picture)
	if err != nil {
		h.log.Error("failed to upsert user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store user"})
		return
	}

	scope := ""
	if s, ok := token.Extra("scope").(string); ok {
		scope = s
	}
	if err := h.tokens.Save(c.Request.Context(), user.ID, token, scope); err != nil {
		h.log.Error("failed to store credential", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credential"})
		return
	}

	// A fresh credential clears AuthRequired; the next tick picks the
	// user up again with the watermark intact.
	if err := h.db.ResetStatus(c.Request.Context(), user.ID); err != nil {
		h.log.Error("failed to reset sync status", "user_id", user.ID, "error", err)
	}

	h.log.Info("user authenticated", "user_id", user.ID)
	c.JSON(http.StatusOK, gin.H{
		"message": "authentication successful",
		"user":    user,
	})
}

type userinfo struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (h *OAuthHandler) fetchUserinfo(c *gin.Context, token *oauth2.Token) (userinfo, error) {
	client := h.conf.Client(c.Request.Context(), token)
	resp, err := client.Get(userinfoURL)
	if err != nil {
		return userinfo{}, err
	}
	defer resp.Body.Close()

	var info userinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return userinfo{}, err
	}
	return info, nil
}
