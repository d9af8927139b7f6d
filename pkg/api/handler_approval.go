package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listApprovalsHandler handles GET /api/v1/sessions/:sid/approvals.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	approvals, err := s.approvals.ListPending(c.Request.Context(), tenantID(c), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

// approveHandler handles POST /api/v1/sessions/:sid/approvals/:aid/approve.
func (s *Server) approveHandler(c *gin.Context) {
	var req ApproveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
			return
		}
	}

	approval, err := s.approvals.Decide(c.Request.Context(), tenantID(c), c.Param("sid"), c.Param("aid"), true, req.ApplyToFuture)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// rejectHandler handles POST /api/v1/sessions/:sid/approvals/:aid/reject.
func (s *Server) rejectHandler(c *gin.Context) {
	approval, err := s.approvals.Decide(c.Request.Context(), tenantID(c), c.Param("sid"), c.Param("aid"), false, false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}
