package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 8192
	sendBuffer = 256
)

// client is one live WebSocket connection: a read pump feeding the
// dispatcher and a write pump draining the outbound queue. It implements
// registry.Sender.
type client struct {
	connID string
	joined bool

	conn *websocket.Conn
	gw   *Gateway
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(connID string, conn *websocket.Conn, gw *Gateway) *client {
	conn.SetReadLimit(readLimit)
	return &client{
		connID: connID,
		conn:   conn,
		gw:     gw,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues one frame for the write pump. It never blocks: a closed or
// backlogged connection reports false and the frame is dropped.
func (c *client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close makes Send refuse further frames and stops the write pump. Safe to
// call more than once.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.gw.logger.Warn("websocket read error",
					zap.String("conn_id", c.connID),
					zap.Error(err))
			}
			return
		}
		c.gw.dispatch(c, frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
