package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection kinds.
const (
	kindClient  = "client"
	kindGateway = "gateway"
	kindAdmin   = "admin"
)

const (
	// writeWait bounds a single frame or control write.
	writeWait = 10 * time.Second
	// pongWait is the read deadline; a peer that neither talks nor
	// answers pings within it is dead.
	pongWait = 60 * time.Second
	// pingPeriod is how often the writer pings an idle peer.
	pingPeriod = 30 * time.Second
	// authWait bounds the handshake: the first frame must be an auth
	// frame and must arrive within this window.
	authWait = 10 * time.Second
	// outboxSize is the per-connection send buffer. A consumer that
	// falls this far behind is dropped rather than allowed to stall
	// fan-out.
	outboxSize = 256
)

// Conn wraps one websocket with a single-writer outbox. All writes go
// through the outbox and writePump; reads happen on the handler
// goroutine via readLoop.
type Conn struct {
	ws     *websocket.Conn
	outbox chan []byte
	done   chan struct{}
	once   sync.Once

	kind      string
	userID    string
	gatewayID string
	remote    string

	// joined rooms, guarded by the hub lock.
	rooms map[string]struct{}

	logger *slog.Logger
}

func newConn(ws *websocket.Conn, kind string, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
		kind:   kind,
		remote: ws.RemoteAddr().String(),
		rooms:  make(map[string]struct{}),
		logger: logger,
	}
}

// send enqueues a pre-serialized frame. False means the connection is
// closing or the outbox is full; the hub treats both as a dead or slow
// consumer.
func (c *Conn) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

// sendJSON marshals and enqueues a frame.
func (c *Conn) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("frame marshal failed", "kind", c.kind, "error", err)
		return false
	}
	return c.send(data)
}

// writePump owns every write on the socket: queued frames and pings.
// It exits when the outbox stalls on a dead peer or the conn closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop pulls frames until the socket dies or the handler reports a
// protocol violation, which closes the connection with code 1008.
func (c *Conn) readLoop(limit int64, handle func(data []byte) error) {
	c.ws.SetReadLimit(limit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown()
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := handle(data); err != nil {
			c.logger.Warn("protocol violation", "kind", c.kind, "user", c.userID, "error", err)
			c.closeWith(websocket.ClosePolicyViolation, "malformed frame")
			return
		}
	}
}

// readAuthFrame reads the mandatory first frame under the handshake
// deadline.
func (c *Conn) readAuthFrame(limit int64) ([]byte, error) {
	c.ws.SetReadLimit(limit)
	c.ws.SetReadDeadline(time.Now().Add(authWait))
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// writeDirect writes a frame synchronously, bypassing the outbox. Only
// valid before writePump starts (the handshake phase).
func (c *Conn) writeDirect(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close control frame with the given code, then tears
// the connection down.
func (c *Conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.done)
		c.ws.Close()
	})
}

// shutdown tears the connection down without a close frame (the peer is
// already gone).
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Close closes the connection normally.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}
