// Package api exposes the HTTP surface under /api/v1: sessions, runs,
// approvals, files, event streaming, and operational endpoints.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/tailr-ai/tailr/pkg/cleanup"
	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/services"
	"github.com/tailr-ai/tailr/pkg/store"
)

// Server wires the service layer to HTTP handlers.
type Server struct {
	cfg       *config.Config
	store     store.Store
	notifier  *events.Notifier
	sessions  *services.SessionService
	runs      *services.RunService
	approvals *services.ApprovalService
	metrics   *services.MetricsService
	cleanup   *cleanup.Service
}

// NewServer creates the API server.
func NewServer(
	cfg *config.Config,
	st store.Store,
	notifier *events.Notifier,
	sessions *services.SessionService,
	runs *services.RunService,
	approvals *services.ApprovalService,
	metrics *services.MetricsService,
	cleanupSvc *cleanup.Service,
) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		notifier:  notifier,
		sessions:  sessions,
		runs:      runs,
		approvals: approvals,
		metrics:   metrics,
		cleanup:   cleanupSvc,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(securityHeaders())

	r.GET("/healthz", s.healthHandler)

	v1 := r.Group("/api/v1")
	v1.Use(tenantMiddleware(s.cfg.AuthMode))

	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:sid", s.getSessionHandler)
	v1.POST("/sessions/:sid/auto-approve", s.autoApproveHandler)
	v1.POST("/sessions/:sid/resume", s.uploadResumeHandler)
	v1.POST("/sessions/:sid/jd", s.jobDescriptionHandler)
	v1.POST("/sessions/:sid/export", s.exportHandler)
	v1.GET("/sessions/:sid/usage", s.usageHandler)

	v1.POST("/sessions/:sid/messages", s.submitMessageHandler)
	v1.GET("/sessions/:sid/runs/:rid", s.getRunHandler)
	v1.POST("/sessions/:sid/runs/:rid/interrupt", s.interruptRunHandler)
	v1.GET("/sessions/:sid/runs/:rid/stream", s.streamRunHandler)

	v1.GET("/sessions/:sid/approvals", s.listApprovalsHandler)
	v1.POST("/sessions/:sid/approvals/:aid/approve", s.approveHandler)
	v1.POST("/sessions/:sid/approvals/:aid/reject", s.rejectHandler)

	// The catch-all also serves the listing: GET .../files redirects to
	// .../files/ which matches with an empty relative path.
	v1.GET("/sessions/:sid/files/*path", s.filesHandler)

	v1.GET("/metrics", s.metricsHandler)
	v1.GET("/alerts", s.alertsHandler)
	v1.GET("/settings/provider-policy", s.providerPolicyHandler)
	v1.POST("/settings/cleanup", s.triggerCleanupHandler)

	return r
}
