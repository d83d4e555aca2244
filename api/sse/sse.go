package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/animsession/cache"
	"go.uber.org/zap"
)

const keepaliveInterval = 30 * time.Second

// Handler streams committed session outcomes to admin clients.
type Handler struct {
	pubsub cache.PubSub
	c      cache.Cache
	logger *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, logger: logger}
}

// ServeStream handles GET /api/admin/stream?userId=<id>.
// The most recent outcomes are replayed first, oldest to newest, then live
// outcomes follow as they are broadcast.
func (h *Handler) ServeStream(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "userId is required"})
		return
	}

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, cache.OutcomeChannel(userID))
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "subscribe failed"})
		return
	}
	defer unsub()

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"userId\":%q}\n\n", userID)
	recent, err := h.c.LRange(c.Request.Context(), cache.RecentKey(userID), 0, -1)
	if err != nil {
		h.logger.Warn("sse replay failed", zap.String("user_id", userID), zap.Error(err))
	}
	for i := len(recent) - 1; i >= 0; i-- {
		fmt.Fprintf(c.Writer, "event: outcome\ndata: %s\n\n", recent[i])
	}
	c.Writer.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: outcome\ndata: %s\n\n", msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
