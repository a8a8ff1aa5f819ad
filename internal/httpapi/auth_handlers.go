package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{2,31}$`)

const minPasswordLen = 8

type tokenPair struct {
	User         *store.User `json:"user,omitempty"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

// handleRegister creates an account. The first account on a fresh
// database becomes the admin.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !usernameRE.MatchString(req.Username) {
		writeErr(w, http.StatusBadRequest, "username must be 3-32 characters: letters, digits, '_', '.', '-'")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeErr(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "hashing failed")
		return
	}
	count, err := a.stores.Users.Count(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	u := &store.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		IsAdmin:      count == 0,
	}
	if err := a.stores.Users.Create(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			writeErr(w, http.StatusConflict, "username already taken")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.logger.Info("user registered", "user", u.Username, "admin", u.IsAdmin, "ip", a.clientIP(r))
	pair, err := a.issueTokens(r, u)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusCreated, pair)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	u, err := a.stores.Users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		// Same reply as a bad password so usernames cannot be probed.
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		a.logger.Warn("login rejected", "user", req.Username, "ip", a.clientIP(r))
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := a.issueTokens(r, u)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("user logged in", "user", u.Username, "ip", a.clientIP(r))
	writeOK(w, http.StatusOK, pair)
}

// handleRefresh rotates a refresh token: the presented token must
// verify and match a stored hash; it is deleted and a fresh pair is
// issued.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	claims, err := a.issuer.Verify(req.RefreshToken, auth.TokenRefresh)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err := a.revoker.CheckClaims(r.Context(), claims); err != nil {
		writeErr(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	row, err := a.stores.Tokens.GetByHash(r.Context(), hashToken(req.RefreshToken))
	if err != nil || row.UserID != claims.UserID {
		// A signed token missing from the table was already rotated.
		writeErr(w, http.StatusUnauthorized, "refresh token not recognized")
		return
	}
	if err := a.stores.Tokens.Delete(r.Context(), row.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	u, err := a.stores.Users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "account gone")
		return
	}
	pair, err := a.issueTokens(r, u)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	pair.User = nil
	writeOK(w, http.StatusOK, pair)
}

// handleLogout revokes every outstanding token of the account and
// drops its stored refresh tokens.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := store.UserIDFromContext(r.Context())
	ttl := a.settings.GetExpiry(r.Context(), settings.KeyRefreshExpiry)
	if err := a.revoker.Revoke(r.Context(), userID, ttl); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.stores.Tokens.DeleteForUser(r.Context(), userID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("user logged out", "userId", userID, "ip", a.clientIP(r))
	writeOK(w, http.StatusOK, nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := a.currentUser(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "account gone")
		return
	}
	writeOK(w, http.StatusOK, u)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.stores.Users.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, users)
}

// issueTokens mints an access/refresh pair under one session id and
// stores the refresh token's hash for rotation.
func (a *API) issueTokens(r *http.Request, u *store.User) (*tokenPair, error) {
	ctx := r.Context()
	sessionID := uuid.NewString()

	access, _, err := a.issuer.Issue(u.ID, sessionID, auth.TokenAccess,
		a.settings.GetExpiry(ctx, settings.KeyAccessExpiry))
	if err != nil {
		return nil, err
	}
	refreshTTL := a.settings.GetExpiry(ctx, settings.KeyRefreshExpiry)
	refresh, _, err := a.issuer.Issue(u.ID, sessionID, auth.TokenRefresh, refreshTTL)
	if err != nil {
		return nil, err
	}

	row := &store.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		TokenHash: hashToken(refresh),
		ExpiresAt: time.Now().Add(refreshTTL).UTC(),
	}
	if err := a.stores.Tokens.Save(ctx, row); err != nil {
		return nil, err
	}
	return &tokenPair{User: u, AccessToken: access, RefreshToken: refresh}, nil
}

// hashToken is the storage form of a refresh token; the raw value
// never touches the database.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
