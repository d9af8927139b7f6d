package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// submitMessageHandler handles POST /api/v1/sessions/:sid/messages.
func (s *Server) submitMessageHandler(c *gin.Context) {
	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}

	run, reused, err := s.runs.SubmitMessage(c.Request.Context(), tenantID(c), c.Param("sid"), req.Message, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{Run: run, Reused: reused})
}

// getRunHandler handles GET /api/v1/sessions/:sid/runs/:rid.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.Get(c.Request.Context(), tenantID(c), c.Param("sid"), c.Param("rid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// interruptRunHandler handles POST /api/v1/sessions/:sid/runs/:rid/interrupt.
// Idempotent: a terminal run comes back unchanged.
func (s *Server) interruptRunHandler(c *gin.Context) {
	run, err := s.runs.Interrupt(c.Request.Context(), tenantID(c), c.Param("sid"), c.Param("rid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
