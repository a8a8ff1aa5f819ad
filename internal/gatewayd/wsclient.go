package gatewayd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentim/agentim/pkg/protocol"
)

// Connection tuning.
const (
	dialTimeout      = 15 * time.Second
	authReplyTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second

	// serverFrameLimit bounds inbound frames. Room context pushes are
	// the largest the broker sends and stay well under this.
	serverFrameLimit = 1 << 20
)

// ErrNotConnected is returned by Send while the broker link is down.
var ErrNotConnected = errors.New("not connected to server")

// AuthError is a refused handshake. Fatal reasons (invalid or revoked
// token) stop the reconnect loop; capacity refusals are retried.
type AuthError struct {
	Reason  string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication refused (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("authentication refused (%s)", e.Reason)
}

// Fatal reports whether retrying with the same token can ever succeed.
func (e *AuthError) Fatal() bool {
	return e.Reason == protocol.RefuseTokenInvalid || e.Reason == protocol.RefuseTokenRevoked
}

// ClientConfig wires a broker connection.
type ClientConfig struct {
	ServerURL string
	Token     string
	GatewayID string

	// OnFrame handles one raw frame. Frames are dispatched in read
	// order on the connection goroutine, so per-agent delivery stays
	// FIFO; handlers must not block on network round trips.
	OnFrame func(frameType string, data []byte)
	// OnConnect fires after every successful handshake, including
	// reconnects.
	OnConnect func(userID string)
	// OnDisconnect fires when an established connection drops.
	OnDisconnect func(err error)

	Logger *slog.Logger
}

// Client maintains the gateway's WebSocket to the broker, redialing
// with backoff until the context ends or the token is rejected
// outright.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// GatewayWSURL converts the broker's base URL into the gateway socket
// endpoint.
func GatewayWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/gateway"
	return u.String(), nil
}

// Send writes one frame. Concurrent senders are serialized; a down
// link returns ErrNotConnected rather than queueing.
func (c *Client) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Run dials, authenticates, and pumps frames until ctx ends. Transient
// failures reconnect with capped exponential backoff; a fatal auth
// refusal is returned so the caller can tell the user to log in again.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := GatewayWSURL(c.cfg.ServerURL)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		authed, err := c.runOnce(ctx, wsURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Fatal() {
			return authErr
		}
		if authed {
			attempt = 0
		}
		delay := min(time.Duration(1<<uint(min(attempt, 5)))*time.Second, maxReconnectWait)
		delay += rand.N(delay / 2)
		c.logger.Warn("server connection lost, reconnecting", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce runs a single connection to its end. The bool reports
// whether the handshake succeeded, which resets the backoff.
func (c *Client) runOnce(ctx context.Context, wsURL string) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(serverFrameLimit)

	userID, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.logger.Info("connected to server", "url", wsURL, "user", userID)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(userID)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && c.cfg.OnDisconnect != nil {
				c.cfg.OnDisconnect(err)
			}
			return true, err
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			c.logger.Warn("malformed server frame dropped", "error", err)
			continue
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(typ, data)
		}
	}
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, authReplyTimeout)
	defer cancel()

	frame, err := protocol.Encode(protocol.AuthFrame{
		Type:      protocol.GatewayAuth,
		Token:     c.cfg.Token,
		GatewayID: c.cfg.GatewayID,
	})
	if err != nil {
		return "", err
	}
	if err := conn.Write(hctx, websocket.MessageText, frame); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}
	_, data, err := conn.Read(hctx)
	if err != nil {
		return "", fmt.Errorf("read auth result: %w", err)
	}
	var res protocol.AuthResult
	if err := protocol.Decode(data, &res); err != nil {
		return "", err
	}
	if !res.OK {
		return "", &AuthError{Reason: res.Reason, Message: res.Error}
	}
	return res.UserID, nil
}
