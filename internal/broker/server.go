// Package broker is the server half of the system: it terminates the
// client, gateway, and admin WebSocket surfaces, keeps the connection
// registry, persists messages, and feeds the routing engine.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/config"
	"github.com/agentim/agentim/internal/routing"
	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/ssrf"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

// APIRegistrar lets the HTTP API mount its routes on the broker mux
// without a package cycle.
type APIRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server terminates the WebSocket surfaces and hosts the HTTP mux.
type Server struct {
	cfg      *config.Config
	stores   *store.Stores
	settings *settings.Service
	issuer   *auth.Issuer
	revoker  *auth.Revoker
	hub      *Hub
	engine   *routing.Engine
	pending  *Correlator
	logger   *slog.Logger

	api      APIRegistrar
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, st *store.Stores, svc *settings.Service, issuer *auth.Issuer, revoker *auth.Revoker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		stores:   st,
		settings: svc,
		issuer:   issuer,
		revoker:  revoker,
		hub:      NewHub(logger),
		pending:  NewCorrelator(),
		logger:   logger,
	}
	router := routing.NewRouterClient(ssrf.New())
	s.engine = routing.NewEngine(st.Rooms, st.Agents, svc, router, s.hub, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the connection registry to the HTTP API.
func (s *Server) Hub() *Hub { return s.hub }

// Pending exposes the request correlator to the HTTP API.
func (s *Server) Pending() *Correlator { return s.pending }

// Engine exposes the routing engine, mainly for maintenance purges.
func (s *Server) Engine() *routing.Engine { return s.engine }

// SetAPI mounts the REST surface. Must be called before BuildMux.
func (s *Server) SetAPI(api APIRegistrar) { s.api = api }

// checkOrigin enforces the cors origin setting. "*" allows every
// origin; an empty Origin header (CLI and daemon peers) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.corsOrigin(r.Context())
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == allowed {
		return true
	}
	s.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (s *Server) corsOrigin(ctx context.Context) string {
	v, err := s.settings.Get(ctx, settings.KeyCORSOrigin)
	if err != nil {
		return "*"
	}
	return v
}

// BuildMux creates and caches the HTTP mux with every route registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", s.handleClientWS)
	mux.HandleFunc("/ws/gateway", s.handleGatewayWS)
	mux.HandleFunc("/ws/admin", s.handleAdminWS)
	mux.HandleFunc("/health", s.handleHealth)
	if s.api != nil {
		s.api.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Start serves until ctx is canceled, then drains with a 5s grace.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("broker starting", "addr", addr)

	go s.janitor(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("broker server: %w", err)
	}
	return nil
}

// janitor sweeps expired correlation entries.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.pending.Sweep(now); n > 0 {
				s.logger.Debug("dropped stale pending requests", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"ok":true}`)
}

// persistConversation stamps a freshly allocated chain id back onto
// the originating row. Replies reference the chain by this id, so the
// stored chain must start at its first message.
func (s *Server) persistConversation(ctx context.Context, msg *store.Message, dec *routing.Decision) {
	if dec == nil || dec.ConversationID == "" || len(dec.Dispatched) == 0 || msg.ConversationID == dec.ConversationID {
		return
	}
	msg.ConversationID = dec.ConversationID
	if err := s.stores.Messages.SetConversation(ctx, msg.ID, dec.ConversationID); err != nil {
		s.logger.Warn("conversation write-back failed", "message", msg.ID, "error", err)
	}
}

// authConn verifies a bearer token from an auth frame and checks the
// revocation watermark. Returns the claims or a refusal reason.
func (s *Server) authConn(ctx context.Context, token string) (*auth.Claims, string) {
	claims, err := s.issuer.Verify(token, auth.TokenAccess)
	if err != nil {
		return nil, protocol.RefuseTokenInvalid
	}
	if err := s.revoker.CheckClaims(ctx, claims); err != nil {
		return nil, protocol.RefuseTokenRevoked
	}
	return claims, ""
}

// StartTestServer serves the broker on 127.0.0.1:0 and returns its
// address. Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func(), err error) {
	mux := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()
	start = func() {
		go s.janitor(ctx)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start, nil
}
