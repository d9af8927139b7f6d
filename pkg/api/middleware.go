package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tailr-ai/tailr/pkg/config"
)

const tenantContextKey = "tenant_id"

// tenantMiddleware resolves the caller's tenant. In token mode the
// X-Tenant-ID header is required; in local mode a missing header falls back
// to the default tenant.
func tenantMiddleware(authMode string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader("X-Tenant-ID")
		if tenant == "" {
			if authMode == "token" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
					Code:    "UNAUTHORIZED",
					Message: "X-Tenant-ID header is required",
				})
				return
			}
			tenant = config.DefaultTenant
		}
		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

// tenantID returns the tenant resolved by tenantMiddleware.
func tenantID(c *gin.Context) string {
	return c.GetString(tenantContextKey)
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}
