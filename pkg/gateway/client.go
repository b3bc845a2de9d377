package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is a middleman between the websocket connection and the dispatcher.
type Client struct {
	gw *Gateway

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	mu     sync.Mutex
	closed bool

	// Connection id, unique per session.
	ID string

	// Authenticated user, empty for anonymous sessions.
	User string
}

// enqueue hands a frame to the write pump without blocking. A client whose
// buffer is full is too slow to keep up and gets closed.
func (c *Client) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.ErrDisconnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closed = true
		close(c.send)
		return fmt.Errorf("%w: send buffer full for %s", apperr.ErrTransportFailure, c.ID)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps events from the websocket connection to the dispatcher.
// Events are dispatched one at a time, in the order they were read.
func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		c.conn.Close()
		c.gw.pumps.Done()
	}()
	c.conn.SetReadLimit(c.gw.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Info("Connection closed unexpectedly", "conn", c.ID, "error", err)
			}
			break
		}

		var ev model.Inbound
		if err := json.Unmarshal(message, &ev); err != nil {
			c.replyError(fmt.Errorf("%w: malformed event: %w", apperr.ErrValidation, err), "")
			continue
		}
		if ev.Type == model.EventConnect || ev.Type == model.EventDisconnect {
			c.replyError(fmt.Errorf("%w: %q is raised by the server", apperr.ErrValidation, ev.Type), ev.Room)
			continue
		}
		// rejections are answered by the dispatcher itself
		_ = c.gw.dispatcher.Dispatch(c.gw.ctx, c.ID, ev)
	}
}

func (c *Client) replyError(err error, room string) {
	frame, merr := json.Marshal(model.Outbound{
		Type: model.EventError,
		Data: model.ErrorPayload{Code: apperr.Code(err), Message: err.Error(), Room: room},
	})
	if merr != nil {
		return
	}
	_ = c.enqueue(frame)
}

// writePump pumps frames to the websocket connection, one websocket message
// per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The gateway closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
