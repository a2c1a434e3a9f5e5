package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"notification-relay/internal/telemetry"
	"notification-relay/internal/ws"
)

// StatsProvider exposes room registry statistics.
type StatsProvider interface {
	Stats() ws.Stats
	Clients() []ws.ClientStats
}

// PresenceCounter reports how many live connections a user holds across
// relay instances.
type PresenceCounter interface {
	Connections(ctx context.Context, userID string) (int64, error)
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, stats StatsProvider, presence PresenceCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.AuditRecord{
			Level:     "INFO",
			Text:      "audit test",
			RequestID: requestIDFromContext(c),
			UserID:    userIDFromContext(c),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, stats.Stats())
	})

	router.GET("/debug/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, stats.Clients())
	})

	router.GET("/debug/presence/:user_id", func(c *gin.Context) {
		userID := c.Param("user_id")
		n, err := presence.Connections(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "presence lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "connections": n})
	})
}
