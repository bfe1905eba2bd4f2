package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer   = 256
	readLimit    = 1 << 20 // 1MB
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one websocket connection. It satisfies presence.Conn.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	addr string

	mu     sync.Mutex
	closed bool
	userID string
}

// Send queues frame without blocking. It reports false when the buffer is
// full or the client is closed.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which then closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUser(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.userID
	c.userID = userID
	return prev
}

func (c *Client) reply(event string, payload any) {
	frame, err := events.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode reply")
		return
	}
	c.Send(frame)
}

// Serve upgrades the request and runs the connection until it closes.
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := &Client{gw: g, conn: conn, send: make(chan []byte, sendBuffer), addr: ctx.ClientIP()}
		metrics.WsConnections.Inc()
		defer metrics.WsConnections.Dec()

		go c.writePump()
		c.readPump(ctx.Request.Context())
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gw.disconnect(c)
		c.Close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user", c.User()).Msg("websocket closed")
			}
			return
		}
		c.gw.dispatch(ctx, c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
