package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Store:  s.cfg.StoreBackend,
			Error:  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Store: s.cfg.StoreBackend})
}

// metricsHandler handles GET /api/v1/metrics.
func (s *Server) metricsHandler(c *gin.Context) {
	snap, err := s.metrics.Metrics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// alertsHandler handles GET /api/v1/alerts.
func (s *Server) alertsHandler(c *gin.Context) {
	alerts, err := s.metrics.Alerts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// providerPolicyHandler handles GET /api/v1/settings/provider-policy.
func (s *Server) providerPolicyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ProviderPolicyResponse{
		ExecutorMode: string(s.cfg.ExecutorMode),
		Retry: RetryPolicy{
			MaxAttempts:      s.cfg.ProviderRetry.MaxAttempts,
			BaseDelaySeconds: int(s.cfg.ProviderRetry.BaseDelay.Seconds()),
			MaxDelaySeconds:  int(s.cfg.ProviderRetry.MaxDelay.Seconds()),
		},
		FallbackChain: s.cfg.FallbackChain,
	})
}

// triggerCleanupHandler handles POST /api/v1/settings/cleanup.
func (s *Server) triggerCleanupHandler(c *gin.Context) {
	report, err := s.cleanup.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
