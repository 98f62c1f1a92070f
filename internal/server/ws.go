package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 256
)

var (
	errConnClosed = errors.New("server: connection closed")
	errSlowClient = errors.New("server: send queue full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is one browser websocket. Outbound events are queued and written by
// a single writer goroutine.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, limiter *rate.Limiter) *wsConn {
	return &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, sendQueueSize),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg as a JSON text frame. It fails when the connection is
// closed or the client is not keeping up.
func (c *wsConn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: encode event: %w", err)
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSlowClient
	}
}

// close asks the writer to send a close frame and release the socket.
func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump drains the send queue and keeps the connection alive with pings.
// It owns the socket and closes it on exit.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWS upgrades the request, attaches the connection and feeds its
// messages to the router until the client goes away.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, s.newLimiter())
	go conn.writePump()
	defer conn.close()

	if err := s.registry.Attach(conn); err != nil {
		s.log.Warn().Err(err).Str("conn", conn.id).Msg("attach failed")
		return
	}
	defer s.registry.Detach(conn)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := c.Request.Context()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Warn().Err(err).Str("conn", conn.id).Msg("websocket read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleMessage(ctx, conn, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *wsConn, data []byte) {
	if conn.limiter != nil && !conn.limiter.Allow() {
		if err := conn.Send(relay.ErrorEvent{Type: relay.TypeError, Message: "rate limit exceeded"}); err != nil {
			s.log.Warn().Err(err).Str("conn", conn.id).Msg("reply not delivered")
		}
		return
	}
	s.router.Handle(ctx, conn, data)
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.commandsPerSecond <= 0 {
		return nil
	}
	burst := s.burst
	if burst <= 0 {
		burst = int(s.commandsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(s.commandsPerSecond), burst)
}
