package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
			return
		}
	}

	session, err := s.sessions.Create(c.Request.Context(), tenantID(c), req.WorkspaceName, req.AutoApprove)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// getSessionHandler handles GET /api/v1/sessions/:sid.
func (s *Server) getSessionHandler(c *gin.Context) {
	session, err := s.sessions.Get(c.Request.Context(), tenantID(c), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// autoApproveHandler handles POST /api/v1/sessions/:sid/auto-approve.
func (s *Server) autoApproveHandler(c *gin.Context) {
	var req AutoApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}

	session, err := s.sessions.SetAutoApprove(c.Request.Context(), tenantID(c), c.Param("sid"), req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AutoApproveResponse{Enabled: session.Settings.AutoApprove})
}

// uploadResumeHandler handles POST /api/v1/sessions/:sid/resume (multipart).
func (s *Server) uploadResumeHandler(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: "multipart field 'file' is required"})
		return
	}

	f, err := header.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	// One byte past the limit is enough for the service to reject oversized
	// uploads without buffering the full body.
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUploadBytes+1))
	if err != nil {
		respondError(c, err)
		return
	}

	meta, err := s.sessions.UploadResume(c.Request.Context(), tenantID(c), c.Param("sid"),
		header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, UploadResponse{Path: meta.Path, SizeBytes: meta.SizeBytes})
}

// jobDescriptionHandler handles POST /api/v1/sessions/:sid/jd.
func (s *Server) jobDescriptionHandler(c *gin.Context) {
	var req JobDescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}

	session, err := s.sessions.ProvideJobDescription(c.Request.Context(), tenantID(c), c.Param("sid"), req.Text, req.URL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// exportHandler handles POST /api/v1/sessions/:sid/export.
func (s *Server) exportHandler(c *gin.Context) {
	meta, err := s.sessions.Export(c.Request.Context(), tenantID(c), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExportResponse{Path: meta.Path, SizeBytes: meta.SizeBytes})
}

// usageHandler handles GET /api/v1/sessions/:sid/usage.
func (s *Server) usageHandler(c *gin.Context) {
	summary, err := s.sessions.Usage(c.Request.Context(), tenantID(c), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
