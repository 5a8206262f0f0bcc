package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetWS upgrades the connection and streams notification events as JSON.
func (h *Handler) GetWS(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification stream is disabled"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	ctx := c.Request.Context()
	h.hub.Register(ctx, conn)

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(ctx, conn)
}
