package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/inboxpilot/mailcal/internal/auth"
	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/sync"
)

const maxPageSize = 200

// Server exposes the produced interface: events, sync state, profile
// and interests.
type Server struct {
	db   *store.Store
	orch *sync.Orchestrator
	log  *slog.Logger
}

// NewRouter builds the gin engine. authMiddleware guards everything
// except health and the OAuth flow; it is injected so tests can stub
// identity.
func NewRouter(db *store.Store, orch *sync.Orchestrator, oauthHandler *auth.OAuthHandler, authMiddleware gin.HandlerFunc, log *slog.Logger) *gin.Engine {
	s := &Server{db: db, orch: orch, log: log}

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if oauthHandler != nil {
		r.GET("/auth/google/login", oauthHandler.Login)
		r.GET("/auth/google/callback", oauthHandler.Callback)
	}

	authorized := r.Group("/")
	authorized.Use(authMiddleware)

	authorized.GET("/events", s.listEvents)
	authorized.GET("/sync/status", s.syncStatus)
	authorized.POST("/sync/run", s.runSync)
	authorized.GET("/users/me/profile", s.profile)
	authorized.GET("/interests", s.listInterests)
	authorized.GET("/users/me/interests", s.listUserInterests)
	authorized.PUT("/users/me/interests", s.setUserInterests)
	authorized.GET("/users/me/custom-interests", s.listCustomInterests)
	authorized.POST("/users/me/custom-interests", s.createCustomInterest)
	authorized.DELETE("/users/me/custom-interests/:id", s.deleteCustomInterest)

	return r
}

func userID(c *gin.Context) string {
	return c.GetString(auth.ContextUserKey)
}

func (s *Server) listEvents(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)
	if limit < 1 || limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}
	if offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be non-negative"})
		return
	}

	events, err := s.db.ListUserEvents(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		s.log.Error("failed to list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []store.EventWithAdded{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) syncStatus(c *gin.Context) {
	state, err := s.db.GetSyncState(c.Request.Context(), userID(c))
	if err != nil {
		s.log.Error("failed to load sync state", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync state"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) runSync(c *gin.Context) {
	// The request context dies with the 202 response; the cycle it
	// schedules must not.
	s.orch.TriggerSync(context.WithoutCancel(c.Request.Context()), userID(c))
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) profile(c *gin.Context) {
	uid := userID(c)

	user, err := s.db.GetUser(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	interests, err := s.db.ListUserInterests(c.Request.Context(), uid)
	if err != nil {
		s.log.Error("failed to list user interests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}
	custom, err := s.db.ListCustomInterests(c.Request.Context(), uid)
	if err != nil {
		s.log.Error("failed to list custom interests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":               user.ID,
		"email":            user.Email,
		"name":             user.Name,
		"picture":          user.Picture,
		"interests":        interests,
		"custom_interests": custom,
	})
}

func (s *Server) listInterests(c *gin.Context) {
	interests, err := s.db.ListInterests(c.Request.Context())
	if err != nil {
		s.log.Error("failed to list interests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list interests"})
		return
	}
	if interests == nil {
		interests = []store.Interest{}
	}
	c.JSON(http.StatusOK, interests)
}

func (s *Server) listUserInterests(c *gin.Context) {
	interests, err := s.db.ListUserInterests(c.Request.Context(), userID(c))
	if err != nil {
		s.log.Error("failed to list user interests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list user interests"})
		return
	}
	if interests == nil {
		interests = []store.Interest{}
	}
	c.JSON(http.StatusOK, interests)
}

func (s *Server) setUserInterests(c *gin.Context) {
	var req struct {
		InterestIDs []string `json:"interest_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.db.SetUserInterests(c.Request.Context(), userID(c), req.InterestIDs); err != nil {
		s.log.Error("failed to set user interests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set interests"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listCustomInterests(c *gin.Context) {
	custom, err := s.db.ListCustomInterests(c.Request.Context(), userID(c))
	if err != nil {
		s.log.Error("failed to list custom interests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list custom interests"})
		return
	}
	if custom == nil {
		custom = []store.CustomInterest{}
	}
	c.JSON(http.StatusOK, custom)
}

func (s *Server) createCustomInterest(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ci, err := s.db.CreateCustomInterest(c.Request.Context(), userID(c), req.Name)
	if err != nil {
		s.log.Error("failed to create custom interest", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create custom interest"})
		return
	}
	c.JSON(http.StatusCreated, ci)
}

func (s *Server) deleteCustomInterest(c *gin.Context) {
	if err := s.db.DeleteCustomInterest(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		s.log.Error("failed to delete custom interest", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete custom interest"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
