package gatewayd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentim/agentim/pkg/protocol"
)

func TestGatewayWSURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws/gateway"},
		{in: "https://chat.example.com", want: "wss://chat.example.com/ws/gateway"},
		{in: "https://chat.example.com/", want: "wss://chat.example.com/ws/gateway"},
		{in: "https://chat.example.com/base/", want: "wss://chat.example.com/base/ws/gateway"},
		{in: "ws://10.0.0.5:9000", want: "ws://10.0.0.5:9000/ws/gateway"},
		{in: "wss://chat.example.com", want: "wss://chat.example.com/ws/gateway"},
		{in: "ftp://chat.example.com", wantErr: true},
	}
	for _, tc := range cases {
		got, err := GatewayWSURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("GatewayWSURL(%q) accepted", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("GatewayWSURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("GatewayWSURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAuthErrorFatal(t *testing.T) {
	cases := map[string]bool{
		protocol.RefuseTokenInvalid:       true,
		protocol.RefuseTokenRevoked:       true,
		protocol.RefuseServerFull:         false,
		protocol.RefuseTooManyGateways:    false,
		protocol.RefuseTooManyConnections: false,
	}
	for reason, want := range cases {
		err := &AuthError{Reason: reason}
		if err.Fatal() != want {
			t.Fatalf("Fatal(%q) = %v, want %v", reason, err.Fatal(), want)
		}
	}
}

// fakeBroker is the server half of the gateway socket: it answers the
// auth handshake and records everything the client sends afterwards.
type fakeBroker struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	auths []protocol.AuthFrame
	recvd []string

	result func(attempt int) protocol.AuthResult
	// greet is written right after a successful handshake.
	greet any
	// dropFirst closes the first authed connection immediately.
	dropFirst bool
}

func newFakeBroker(result func(attempt int) protocol.AuthResult) *fakeBroker {
	return &fakeBroker{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		result:   result,
	}
}

func (b *fakeBroker) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws/gateway" {
		http.NotFound(w, r)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var auth protocol.AuthFrame
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	b.mu.Lock()
	b.auths = append(b.auths, auth)
	attempt := len(b.auths)
	b.mu.Unlock()

	res := b.result(attempt)
	res.Type = protocol.ServerGatewayAuthResult
	if err := ws.WriteJSON(res); err != nil || !res.OK {
		return
	}
	if b.greet != nil {
		if err := ws.WriteJSON(b.greet); err != nil {
			return
		}
	}
	if b.dropFirst && attempt == 1 {
		return
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.recvd = append(b.recvd, string(data))
		b.mu.Unlock()
	}
}

func (b *fakeBroker) authCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.auths)
}

func (b *fakeBroker) lastAuth() protocol.AuthFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auths[len(b.auths)-1]
}

func (b *fakeBroker) sawFrame(typ string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, raw := range b.recvd {
		if strings.Contains(raw, typ) {
			return true
		}
	}
	return false
}

type clientEvents struct {
	connects    chan string
	disconnects chan error
	frames      chan string
}

func startTestClient(t *testing.T, serverURL string) (*Client, *clientEvents, chan error) {
	t.Helper()
	ev := &clientEvents{
		connects:    make(chan string, 4),
		disconnects: make(chan error, 4),
		frames:      make(chan string, 16),
	}
	c := NewClient(ClientConfig{
		ServerURL: serverURL,
		Token:     "tok-1",
		GatewayID: "gw-1",
		OnFrame: func(frameType string, data []byte) {
			ev.frames <- frameType
		},
		OnConnect:    func(userID string) { ev.connects <- userID },
		OnDisconnect: func(err error) { ev.disconnects <- err },
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errs := make(chan error, 1)
	go func() { errs <- c.Run(ctx) }()
	return c, ev, errs
}

func TestClientConnectAndDispatch(t *testing.T) {
	broker := newFakeBroker(func(int) protocol.AuthResult {
		return protocol.AuthResult{OK: true, UserID: "u1"}
	})
	broker.greet = protocol.StopAgent{Type: protocol.ServerStopAgent, AgentID: "a1"}
	srv := httptest.NewServer(http.HandlerFunc(broker.handler))
	t.Cleanup(srv.Close)

	c, ev, _ := startTestClient(t, srv.URL)

	select {
	case userID := <-ev.connects:
		if userID != "u1" {
			t.Fatalf("connected as %q", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client never connected")
	}

	auth := broker.lastAuth()
	if auth.Type != protocol.GatewayAuth || auth.Token != "tok-1" || auth.GatewayID != "gw-1" {
		t.Fatalf("auth frame = %+v", auth)
	}

	select {
	case typ := <-ev.frames:
		if typ != protocol.ServerStopAgent {
			t.Fatalf("dispatched frame type = %q", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("greeting frame never dispatched")
	}

	if err := c.Send(protocol.AgentStatus{
		Type: protocol.GatewayAgentStatus, AgentID: "a1", Status: protocol.AgentOnline,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitUntil(t, "frame to reach the server", func() bool {
		return broker.sawFrame(protocol.GatewayAgentStatus)
	})
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := NewClient(ClientConfig{ServerURL: "http://localhost:1", Token: "tok"})
	if err := c.Send(protocol.AgentStatus{Type: protocol.GatewayAgentStatus}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientFatalAuthStopsRun(t *testing.T) {
	broker := newFakeBroker(func(int) protocol.AuthResult {
		return protocol.AuthResult{OK: false, Reason: protocol.RefuseTokenRevoked, Error: "token revoked"}
	})
	srv := httptest.NewServer(http.HandlerFunc(broker.handler))
	t.Cleanup(srv.Close)

	_, _, errs := startTestClient(t, srv.URL)

	select {
	case err := <-errs:
		var authErr *AuthError
		if !errors.As(err, &authErr) || !authErr.Fatal() {
			t.Fatalf("run returned %v, want fatal auth error", err)
		}
		if authErr.Reason != protocol.RefuseTokenRevoked {
			t.Fatalf("reason = %q", authErr.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run kept retrying a revoked token")
	}
	if n := broker.authCount(); n != 1 {
		t.Fatalf("client retried %d times after a fatal refusal", n)
	}
}

func TestClientRetriesTransientRefusal(t *testing.T) {
	broker := newFakeBroker(func(attempt int) protocol.AuthResult {
		if attempt == 1 {
			return protocol.AuthResult{OK: false, Reason: protocol.RefuseServerFull}
		}
		return protocol.AuthResult{OK: true, UserID: "u1"}
	})
	srv := httptest.NewServer(http.HandlerFunc(broker.handler))
	t.Cleanup(srv.Close)

	_, ev, _ := startTestClient(t, srv.URL)

	select {
	case <-ev.connects:
	case <-time.After(5 * time.Second):
		t.Fatalf("client never connected after a capacity refusal")
	}
	if n := broker.authCount(); n < 2 {
		t.Fatalf("auth attempts = %d, want at least 2", n)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	broker := newFakeBroker(func(int) protocol.AuthResult {
		return protocol.AuthResult{OK: true, UserID: "u1"}
	})
	broker.dropFirst = true
	srv := httptest.NewServer(http.HandlerFunc(broker.handler))
	t.Cleanup(srv.Close)

	_, ev, _ := startTestClient(t, srv.URL)

	for i := 0; i < 2; i++ {
		select {
		case <-ev.connects:
		case <-time.After(5 * time.Second):
			t.Fatalf("connect %d never happened", i+1)
		}
	}
	select {
	case <-ev.disconnects:
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect hook never fired")
	}
	if n := broker.authCount(); n != 2 {
		t.Fatalf("auth attempts = %d, want 2", n)
	}
}
