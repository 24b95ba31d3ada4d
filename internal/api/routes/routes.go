package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"

	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

// SetupRoutes configures all API routes. The websocket endpoint is the
// primary surface; REST exposes read-only lookups and health.
func SetupRoutes(r *gin.Engine, ws *handlers.WebSocketHandler, rides *handlers.RideHandler, nrApp *monitoring.NewRelicApp) {
	if nrApp != nil && nrApp.IsEnabled() {
		r.Use(nrgin.Middleware(nrApp.Application))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	v1 := r.Group("/v1")
	{
		v1.GET("/ws", ws.HandleConnection)
		v1.GET("/rides/:id", rides.GetRide)
	}
}
