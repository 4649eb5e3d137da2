package debug

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the inspector routes under the given group.
func SetupRoutes(group *gin.RouterGroup, handler *Handler, srv *Server) {
	group.GET("/messages", handler.ListMessages)
	group.GET("/agents", handler.ListAgents)
	group.GET("/channels", handler.ListChannels)
	group.GET("/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": srv.recentEvents()})
	})
}
