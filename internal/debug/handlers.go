package debug

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/troupelabs/troupe/internal/common/errors"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/router"
)

// Handler contains the HTTP handlers for the debug inspector.
type Handler struct {
	rt     *router.Router
	logger *logger.Logger
}

// NewHandler creates a new inspector handler.
func NewHandler(rt *router.Router, log *logger.Logger) *Handler {
	return &Handler{rt: rt, logger: log}
}

// ListMessages returns the message log, optionally filtered by source,
// destination, or channel, and truncated to the last `limit` entries.
// GET /api/v1/messages
func (h *Handler) ListMessages(c *gin.Context) {
	source := c.Query("source")
	destination := c.Query("destination")
	channel := c.Query("channel")

	msgs := h.rt.Log().Filter(source, destination, channel)

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			appErr := errors.BadRequest("limit must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if limit < len(msgs) {
			msgs = msgs[len(msgs)-limit:]
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    h.rt.Log().Len(),
	})
}

// ListAgents returns every known agent with its status and queue depth.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.rt.Agents()})
}

// ListChannels returns the registered channels and their members.
// GET /api/v1/channels
func (h *Handler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.rt.Channels()})
}

// HealthCheck reports liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
