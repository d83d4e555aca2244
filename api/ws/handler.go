package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/animsession/config"
	"github.com/kasuganosora/animsession/game/session"
	mw "github.com/kasuganosora/animsession/middleware"
	"go.uber.org/zap"
)

const (
	readLimit  = 64 * 1024
	pongWait   = 60 * time.Second
	detachWait = 5 * time.Second
)

// Handler is the Gin handler for GET /ws. It expects mw.Auth to have run.
type Handler struct {
	sm       *session.Manager
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(sm *session.Manager, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	h := &Handler{sm: sm, logger: logger}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS upgrades the request and attaches the socket to the caller's session.
func (h *Handler) ServeWS(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	userID := mw.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	conn := session.NewWSConn(ws, h.logger)
	meta := session.NewConnectionData(c.Request.UserAgent())
	actor, err := h.sm.Attach(c.Request.Context(), userID, conn, meta)
	if err != nil {
		h.logger.Error("attach failed", zap.String("user_id", userID), zap.Error(err))
		conn.Close()
		return
	}
	h.logger.Info("client connected",
		zap.String("user_id", userID),
		zap.String("client_id", meta.ClientID),
		zap.String("trace_id", mw.GetTraceID(c)))

	h.readPump(c.Request.Context(), ws, conn, actor)
}

// readPump forwards every text frame to the actor until the socket closes.
func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *session.WSConn, actor *session.Actor) {
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), detachWait)
		defer cancel()
		conn.Close()
		if err := actor.Detach(dctx, conn); err != nil && !errors.Is(err, session.ErrStopped) {
			h.logger.Warn("detach failed", zap.String("owner_id", actor.OwnerID()), zap.Error(err))
		}
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.String("owner_id", actor.OwnerID()),
					zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := actor.Receive(ctx, conn, raw); err != nil {
			h.logger.Info("session no longer accepting messages",
				zap.String("owner_id", actor.OwnerID()), zap.Error(err))
			return
		}
	}
}
