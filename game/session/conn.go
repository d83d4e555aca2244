package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

var (
	ErrConnClosed     = errors.New("session: connection closed")
	ErrSendBufferFull = errors.New("session: send buffer full")
)

// Conn is one client transport attached to a session.
// Send must not block; slow peers lose packets instead of stalling the actor.
type Conn interface {
	ID() string
	Send(data []byte) error
	IsOpen() bool
	Close()
}

// WSConn is a Conn over a gorilla WebSocket. Writes go through a buffered
// channel drained by writePump; reads are left to the caller.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

// NewWSConn wraps ws and starts its write goroutine.
func NewWSConn(ws *websocket.Conn, logger *zap.Logger) *WSConn {
	c := &WSConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendChanBuf),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	return c
}

func (c *WSConn) ID() string { return c.id }

// writePump drains the send channel and writes to the WebSocket connection.
// It also sends periodic pings so dead peers are noticed.
func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws write error", zap.String("conn_id", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case data := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
					if c.ws.WriteMessage(websocket.TextMessage, data) != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeDeadline))
					return
				}
			}
		}
	}
}

// Send enqueues data without blocking.
func (c *WSConn) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close signals the writePump to shut down. It is safe to call from the read
// pump, the write pump and the session actor at the same time.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WSConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
