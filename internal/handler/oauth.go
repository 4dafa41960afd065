package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"member-identity/internal/linker"
	"member-identity/internal/logger"
)

func (h *Handler) oauthLogin(c *gin.Context) {
	providerName := c.Param("provider")

	p, err := h.providers.Get(providerName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown credential provider"})
		return
	}

	state, err := issueState(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	codeChallenge, err := issuePKCE(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	authURL := p.AuthCodeURL(state, codeChallenge)
	c.Redirect(http.StatusFound, authURL)
}

// oauthCallback finishes the provider challenge. A subject already linked
// to an account logs straight in. Otherwise, when the caller asked to bind
// to a phone account (link=1), the verified assertion is parked in an
// ephemeral hold and the linking token returned; with no link request the
// assertion resolves or creates an account directly.
func (h *Handler) oauthCallback(c *gin.Context) {
	providerName := c.Param("provider")

	p, err := h.providers.Get(providerName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown credential provider"})
		return
	}

	if !checkState(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid state"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		logger.Warn("oidc callback returned error", map[string]any{
			"provider": providerName,
			"error":    errParam,
			"desc":     c.Query("error_description"),
		})
		c.Redirect(http.StatusFound, "/identity/login")
		return
	}

	code := c.Query("code")
	if code == "" {
		logger.Error("oidc callback missing code and error", nil)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	codeVerifier := pkceVerifier(c)
	if codeVerifier == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing pkce verifier"})
		return
	}

	assertion, err := p.ExchangeCode(c.Request.Context(), code, codeVerifier)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	if c.Query("link") != "" {
		// Phase 1 of linking: park the assertion, invalidate any session
		// the provider flow created, return the token for phase 2.
		hold, err := h.linker.BeginLink(c.Request.Context(), *assertion)
		if err != nil {
			fail(c, err)
			return
		}
		h.dropSession(c)
		c.JSON(http.StatusOK, gin.H{
			"linkingToken": hold.Token,
			"expiresAt":    hold.ExpiresAt,
		})
		return
	}

	result, err := h.linker.ResolveOrCreate(c.Request.Context(), *assertion)
	if err != nil {
		fail(c, err)
		return
	}

	if err := h.createSession(c, result.Account.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist session"})
		return
	}

	status := http.StatusOK
	if result.Outcome == linker.OutcomeCreated {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"outcome":  result.Outcome,
		"memberId": result.Account.MemberID,
	})
}
