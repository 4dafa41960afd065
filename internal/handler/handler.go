// Package handler exposes the identity operations over HTTP. Handlers take
// and return plain data; no session or global state crosses the service
// boundary except the login cookie itself.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"member-identity/internal/credentials"
	"member-identity/internal/identity"
	"member-identity/internal/linker"
	"member-identity/internal/memberid"
	"member-identity/internal/merger"
	"member-identity/internal/middleware"
	"member-identity/internal/provider"
	"member-identity/internal/resolver"
	"member-identity/internal/session"
)

type Handler struct {
	providers    *provider.Registry
	linker       *linker.Linker
	resolver     *resolver.Resolver
	ids          *memberid.Generator
	merges       *merger.Worker
	sessionStore session.Store
	sessionTTL   time.Duration
}

func New(
	registry *provider.Registry,
	lk *linker.Linker,
	res *resolver.Resolver,
	ids *memberid.Generator,
	merges *merger.Worker,
	sessionStore session.Store,
	sessionTTL time.Duration,
) *Handler {
	return &Handler{
		providers:    registry,
		linker:       lk,
		resolver:     res,
		ids:          ids,
		merges:       merges,
		sessionStore: sessionStore,
		sessionTTL:   sessionTTL,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/oauth/login/:provider", h.oauthLogin)
	r.GET("/oauth/callback/:provider", h.oauthCallback)

	id := r.Group("/identity")
	id.POST("/member-id", h.generateMemberID)
	id.POST("/probe", h.probe)
	id.POST("/register", h.register)
	id.POST("/login", h.login)
	id.POST("/logout", h.logout)
	id.POST("/link/complete", h.completeLink)

	admin := r.Group("/admin")
	admin.Use(middleware.RequireAuth(h.sessionStore))
	admin.POST("/merge", h.enqueueMerge)
	admin.GET("/merge/:id", h.mergeStatus)
	admin.DELETE("/merge/:id", h.cancelMerge)
}

// fail maps the error taxonomy onto HTTP statuses. Conflicts never expose
// which field of another member's record collided beyond what the caller
// needs to decide their next action.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, credentials.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, identity.ErrEphemeralExpired):
		c.JSON(http.StatusGone, gin.H{"error": "linking token expired, restart linking"})
	case errors.Is(err, identity.ErrUniquenessConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "identifier already in use"})
	case errors.Is(err, identity.ErrConflictingIdentity):
		c.JSON(http.StatusConflict, gin.H{"error": "claims identify different accounts, contact support"})
	case errors.Is(err, identity.ErrPolicyViolation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, identity.ErrGenerationExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not allocate a member id"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// createSession persists a login session and sets the cookie.
func (h *Handler) createSession(c *gin.Context, accountID string) error {
	sessionID, err := session.GenerateID()
	if err != nil {
		return err
	}

	now := time.Now()
	expiresAt := now.Add(h.sessionTTL)

	if err := h.sessionStore.Create(c.Request.Context(), session.Session{
		SessionID: sessionID,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return err
	}

	session.SetCookie(c.Writer, sessionID, expiresAt, session.CookieOptions{
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// dropSession deletes any live session and clears the cookie, so no
// half-authenticated state survives phase 1 of linking.
func (h *Handler) dropSession(c *gin.Context) {
	if cookie, err := c.Request.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		_ = h.sessionStore.Delete(c.Request.Context(), cookie.Value)
	}
	session.ClearCookie(c.Writer, session.CookieOptions{
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
