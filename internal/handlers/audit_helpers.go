package handlers

import (
	"github.com/gin-gonic/gin"

	"chat-relay/internal/observability"
	"chat-relay/internal/telemetry"
)

const requestIDKey = "request_id"

// requestID returns the id stored for this request, minting one from the
// X-Request-Id header or a fresh uuid on first use.
func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := observability.RequestIDFromRequest(c.Request)
	c.Set(requestIDKey, id)
	return id
}

// callerID returns the participant set by middleware.AuthMiddleware, or nil
// on unauthenticated routes.
func callerID(c *gin.Context) *int64 {
	userID := c.GetInt("userID")
	if userID <= 0 {
		return nil
	}
	id := int64(userID)
	return &id
}

func emitAudit(c *gin.Context, audit *telemetry.AuditEmitter, level, text string) {
	if audit == nil {
		return
	}
	audit.Emit(c.Request.Context(), level, text, requestID(c), callerID(c))
}
