package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"member-identity/internal/merger"
)

type mergeRequest struct {
	SurvivorID  string `json:"survivorId"`
	DuplicateID string `json:"duplicateId"`
}

// enqueueMerge validates preconditions and queues the consolidation as a
// background job; callers poll rather than blocking on a potentially large
// reference rewrite.
func (h *Handler) enqueueMerge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	job, err := h.merges.Enqueue(c.Request.Context(), req.SurvivorID, req.DuplicateID)
	if err != nil {
		fail(c, err)
		return
	}

	if job.AlreadyMerged {
		c.JSON(http.StatusOK, jobView(job))
		return
	}
	c.JSON(http.StatusAccepted, jobView(job))
}

func (h *Handler) mergeStatus(c *gin.Context) {
	job, err := h.merges.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

func (h *Handler) cancelMerge(c *gin.Context) {
	if err := h.merges.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func jobView(j *merger.Job) gin.H {
	return gin.H{
		"jobId":         j.ID,
		"survivorId":    j.SurvivorID,
		"duplicateId":   j.DuplicateID,
		"state":         j.State,
		"alreadyMerged": j.AlreadyMerged,
		"rewritten":     j.Rewritten,
		"attempts":      j.Attempts,
	}
}
