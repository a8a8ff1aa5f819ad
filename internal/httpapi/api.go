// Package httpapi is the broker's REST surface: accounts and tokens,
// room and member management, message history, agent control, admin
// settings, and file uploads. Every response uses the
// {ok:true,data} / {ok:false,error} envelope.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/broker"
	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/ssrf"
	"github.com/agentim/agentim/internal/store"
)

// API bundles the REST handlers and their collaborators. It mounts on
// the broker's mux via RegisterRoutes.
type API struct {
	stores   *store.Stores
	settings *settings.Service
	issuer   *auth.Issuer
	revoker  *auth.Revoker
	broker   *broker.Server
	guard    *ssrf.Guard
	uploads  string
	logger   *slog.Logger
}

// New wires the REST surface. uploadsDir is created on first write.
func New(st *store.Stores, svc *settings.Service, issuer *auth.Issuer, revoker *auth.Revoker, b *broker.Server, uploadsDir string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		stores:   st,
		settings: svc,
		issuer:   issuer,
		revoker:  revoker,
		broker:   b,
		guard:    ssrf.New(),
		uploads:  uploadsDir,
		logger:   logger,
	}
}

// RegisterRoutes mounts every REST route on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("OPTIONS /api/", a.public(a.handlePreflight))

	mux.HandleFunc("POST /api/auth/register", a.public(a.handleRegister))
	mux.HandleFunc("POST /api/auth/login", a.public(a.handleLogin))
	mux.HandleFunc("POST /api/auth/refresh", a.public(a.handleRefresh))
	mux.HandleFunc("POST /api/auth/logout", a.requireAuth(a.handleLogout))

	mux.HandleFunc("GET /api/me", a.requireAuth(a.handleMe))
	mux.HandleFunc("GET /api/users", a.requireAuth(a.handleListUsers))

	mux.HandleFunc("POST /api/rooms", a.requireAuth(a.handleCreateRoom))
	mux.HandleFunc("GET /api/rooms", a.requireAuth(a.handleListRooms))
	mux.HandleFunc("GET /api/rooms/{id}", a.requireAuth(a.handleGetRoom))
	mux.HandleFunc("PATCH /api/rooms/{id}", a.requireAuth(a.handleUpdateRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", a.requireAuth(a.handleDeleteRoom))
	mux.HandleFunc("POST /api/rooms/{id}/members", a.requireAuth(a.handleAddMember))
	mux.HandleFunc("PATCH /api/rooms/{id}/members/{memberID}", a.requireAuth(a.handleUpdateMember))
	mux.HandleFunc("DELETE /api/rooms/{id}/members/{memberID}", a.requireAuth(a.handleRemoveMember))
	mux.HandleFunc("GET /api/rooms/{id}/messages", a.requireAuth(a.handleListMessages))

	mux.HandleFunc("GET /api/agents", a.requireAuth(a.handleListAgents))
	mux.HandleFunc("POST /api/agents/spawn", a.requireAuth(a.handleSpawnAgent))
	mux.HandleFunc("PATCH /api/agents/{id}", a.requireAuth(a.handleRenameAgent))
	mux.HandleFunc("DELETE /api/agents/{id}", a.requireAuth(a.handleDeleteAgent))
	mux.HandleFunc("POST /api/agents/{id}/stop", a.requireAuth(a.handleStopAgent))
	mux.HandleFunc("GET /api/agents/{id}/workspace", a.requireAuth(a.handleWorkspace))

	mux.HandleFunc("GET /api/settings", a.requireAdmin(a.handleListSettings))
	mux.HandleFunc("PUT /api/settings/{key}", a.requireAdmin(a.handleSetSetting))

	mux.HandleFunc("POST /api/uploads", a.requireAuth(a.handleUpload))
	mux.HandleFunc("GET /api/uploads/{id}", a.requireAuth(a.handleDownload))
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: false, Error: msg})
}

// public applies CORS headers; no token required.
func (a *API) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.setCORS(w, r)
		next(w, r)
	}
}

// requireAuth verifies the bearer token, checks revocation, and injects
// the user id into the request context.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return a.public(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.bearerClaims(r)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(store.WithUserID(r.Context(), claims.UserID)))
	})
}

// requireAdmin is requireAuth plus an IsAdmin check on the account.
func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.currentUser(r)
		if err != nil || !u.IsAdmin {
			writeErr(w, http.StatusForbidden, "admin only")
			return
		}
		next(w, r)
	})
}

func (a *API) bearerClaims(r *http.Request) (*auth.Claims, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, auth.ErrTokenMalformed
	}
	claims, err := a.issuer.Verify(token, auth.TokenAccess)
	if err != nil {
		return nil, err
	}
	if err := a.revoker.CheckClaims(r.Context(), claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// currentUser loads the authenticated account row. Plain ownership
// checks read the id straight from context instead.
func (a *API) currentUser(r *http.Request) (*store.User, error) {
	return a.stores.Users.GetByID(r.Context(), store.UserIDFromContext(r.Context()))
}

func (a *API) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := "*"
	if v, err := a.settings.Get(r.Context(), settings.KeyCORSOrigin); err == nil && v != "" {
		origin = v
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
}

func (a *API) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// clientIP resolves the peer address for audit logs, honoring
// X-Forwarded-For only when the trust_proxy setting is on.
func (a *API) clientIP(r *http.Request) string {
	if a.settings.GetBool(r.Context(), settings.KeyTrustProxy) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(ip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
