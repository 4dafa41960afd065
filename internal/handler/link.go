package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"member-identity/internal/credentials"
	"member-identity/internal/identity"
	"member-identity/internal/linker"
	"member-identity/internal/logger"
)

type completeLinkRequest struct {
	Token    string `json:"token"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (h *Handler) completeLink(c *gin.Context) {
	var req completeLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.linker.CompleteLink(c.Request.Context(), req.Token, req.Phone, req.Password)
	if err != nil {
		if result != nil && result.Outcome == linker.OutcomeRejected {
			c.JSON(http.StatusConflict, gin.H{
				"outcome": result.Outcome,
				"error":   "claims identify different accounts, contact support",
			})
			return
		}
		fail(c, err)
		return
	}

	if result.Outcome == linker.OutcomeNeedsRegistration {
		c.JSON(http.StatusOK, gin.H{"outcome": result.Outcome})
		return
	}

	if err := h.createSession(c, result.Account.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist session"})
		return
	}

	logger.Info("link bound", map[string]any{
		"account_id": result.Account.ID,
		"ip":         c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{
		"outcome":  result.Outcome,
		"memberId": result.Account.MemberID,
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.linker.Register(c.Request.Context(), req.Email, req.Phone, req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	if err := h.createSession(c, result.Account.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist session"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"outcome":  result.Outcome,
		"memberId": result.Account.MemberID,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	acct, err := h.resolver.ResolveByEmail(c.Request.Context(), req.Email)
	if err != nil {
		// hide whether the account exists
		if errors.Is(err, identity.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		fail(c, err)
		return
	}

	if err := credentials.VerifyPassword(acct.PasswordHash, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if err := h.createSession(c, acct.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist session"})
		return
	}

	logger.Info("login", map[string]any{
		"account_id": acct.ID,
		"ip":         c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "logged_in", "memberId": acct.MemberID})
}

func (h *Handler) logout(c *gin.Context) {
	h.dropSession(c)
	c.Status(http.StatusNoContent)
}
