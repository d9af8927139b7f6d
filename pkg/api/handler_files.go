package api

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// filesHandler handles GET /api/v1/sessions/:sid/files/*path. An empty
// relative path returns the merged listing, anything else the file content.
func (s *Server) filesHandler(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" {
		s.listFiles(c)
		return
	}
	s.readFile(c, rel)
}

func (s *Server) listFiles(c *gin.Context) {
	files, err := s.sessions.ListFiles(c.Request.Context(), tenantID(c), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, FileListResponse{Files: files})
}

func (s *Server) readFile(c *gin.Context, rel string) {
	data, err := s.sessions.ReadFile(c.Request.Context(), tenantID(c), c.Param("sid"), rel)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, contentTypeFor(rel, data), data)
}

func contentTypeFor(rel string, data []byte) string {
	switch path.Ext(rel) {
	case ".md", ".markdown":
		return "text/markdown; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	}
	return http.DetectContentType(data)
}
