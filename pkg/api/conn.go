package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamfoundry/jamcore/pkg/dispatch"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// sendBuffer is the per-connection outbound queue depth. A client that cannot
// drain this many frames is disconnected rather than allowed to block fan-out.
const sendBuffer = 256

// writeWait bounds a single websocket write
const writeWait = 10 * time.Second

// wsMessage is the wire envelope: every frame in either direction carries an
// event name and an opaque payload
type wsMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn adapts one websocket to the namespace.Conn handle the dispatcher and
// namespaces fan events out to
type wsConn struct {
	id string
	ip string
	ws *websocket.Conn

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	dispatcher *dispatch.Dispatcher
	heartbeat  time.Duration
	logger     logger.Logger
}

// ID is the connection identity
func (c *wsConn) ID() string { return c.id }

// RemoteIP is the peer address, for admission accounting
func (c *wsConn) RemoteIP() string { return c.ip }

// Send queues one event for delivery. A full buffer disconnects the client;
// the caller is never blocked.
func (c *wsConn) Send(event string, payload interface{}) error {
	data, err := encodeMessage(event, payload)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return nil
	default:
		c.logger.Warn("Connection send buffer full, disconnecting",
			logger.String("connection_id", c.id),
			logger.String("event", event),
		)
		c.Close("send_buffer_full")
		return nil
	}
}

// Close tears the connection down with a reason visible to the client. Safe
// to call from any goroutine, repeatedly.
func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		if data, err := encodeMessage("disconnected", map[string]interface{}{
			"reason": reason,
		}); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
		close(c.closed)
	})
}

// readPump reads frames off the socket and dispatches them in order. One
// goroutine per connection, so a connection's events are processed serially.
func (c *wsConn) readPump() {
	defer func() {
		c.dispatcher.HandleDisconnect(c.id)
		c.Close("connection_lost")
	}()

	readWait := c.heartbeat * 2
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Websocket read failed",
					logger.String("connection_id", c.id),
					logger.Err(err),
				)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			c.Send("error", map[string]interface{}{
				"error": map[string]interface{}{
					"code":    "VALIDATION_ERROR",
					"message": "malformed message envelope",
				},
			})
			continue
		}

		var payload map[string]interface{}
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.Send("error", map[string]interface{}{
					"error": map[string]interface{}{
						"code":    "VALIDATION_ERROR",
						"message": "payload must be an object",
					},
				})
				continue
			}
		}

		c.dispatcher.Dispatch(c, msg.Event, payload)
	}
}

// writePump owns all socket writes: queued events, heartbeat pings, and the
// final close frame
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
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

		case <-c.closed:
			// Flush whatever is already queued, then close
			for {
				select {
				case data := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.TextMessage, data)
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func encodeMessage(event string, payload interface{}) ([]byte, error) {
	msg := wsMessage{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}
	return json.Marshal(msg)
}
