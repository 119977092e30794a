package registry

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"fleet-mcp/backend/internal/events"
)

// openSocket dials the client's push socket and starts forwarding inbound
// messages as socketMessage events.
func (r *Registry) openSocket(c *client) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(c.cfg.SocketURL, header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	prev := c.socket
	c.socket = conn
	c.mu.Unlock()

	// A reconnect replaces any previous socket. Closing it ends its reader,
	// so exactly one push socket exists per client.
	if prev != nil {
		prev.Close()
	}

	go r.readSocket(c, conn)
	return nil
}

func (r *Registry) readSocket(c *client, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("push socket closed for %s: %v", c.cfg.ID, err)
			c.mu.Lock()
			if c.socket == conn {
				c.socket = nil
			}
			c.mu.Unlock()
			return
		}

		var message interface{} = string(raw)
		var decoded interface{}
		if json.Unmarshal(raw, &decoded) == nil {
			message = decoded
		}
		r.sink.Publish(events.New(events.TypeSocketMessage, c.cfg.ID, "info", map[string]interface{}{
			"message": message,
		}))
	}
}
