package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"member-identity/internal/identity"
	"member-identity/internal/resolver"
)

type memberIDRequest struct {
	Seed       string `json:"seed"`
	Sequential bool   `json:"sequential,omitempty"`
}

func (h *Handler) generateMemberID(c *gin.Context) {
	var req memberIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var (
		memberID string
		err      error
	)
	if req.Sequential {
		memberID, err = h.ids.GenerateSequential(c.Request.Context())
	} else {
		memberID, err = h.ids.Generate(c.Request.Context(), req.Seed)
	}
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"memberId": memberID})
}

// accountSummary is the projection returned to callers; internal fields
// never leave the service.
type accountSummary struct {
	ID       string `json:"id"`
	MemberID string `json:"memberId"`
	Status   string `json:"status"`
}

func summarize(a *identity.Account) accountSummary {
	return accountSummary{ID: a.ID, MemberID: a.MemberID, Status: string(a.Status)}
}

func (h *Handler) probe(c *gin.Context) {
	var claims identity.Claims
	if err := c.ShouldBindJSON(&claims); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	match, err := h.resolver.Probe(c.Request.Context(), claims)
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"result": match.Kind}
	switch match.Kind {
	case resolver.UniqueMatch:
		resp["account"] = summarize(match.Account)
	case resolver.Conflict:
		resp["accounts"] = []accountSummary{
			summarize(match.ConflictA),
			summarize(match.ConflictB),
		}
	}
	c.JSON(http.StatusOK, resp)
}
