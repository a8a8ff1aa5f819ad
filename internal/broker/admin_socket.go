package broker

import (
	"net/http"

	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/pkg/protocol"
)

// handleAdminWS serves registry snapshots to admin users. Admin
// connections are not tracked in the hub: they subscribe to nothing and
// count against no cap.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("admin upgrade failed", "error", err)
		return
	}
	c := newConn(ws, kindAdmin, s.logger)
	ctx := r.Context()
	frameLimit := int64(s.settings.GetInt(ctx, settings.KeyMaxClientFrameBytes))

	data, err := c.readAuthFrame(frameLimit)
	if err != nil {
		c.shutdown()
		return
	}
	var af protocol.AuthFrame
	if err := protocol.Decode(data, &af); err != nil || af.Type != protocol.ClientAuth {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: false, Reason: protocol.RefuseTokenInvalid, Error: "expected client:auth"})
		c.closeWith(protocol.CloseAuthFailure, "auth required")
		return
	}
	claims, refuse := s.authConn(ctx, af.Token)
	if refuse != "" {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: false, Reason: refuse})
		c.closeWith(protocol.CloseAuthFailure, refuse)
		return
	}
	user, err := s.stores.Users.GetByID(ctx, claims.UserID)
	if err != nil || !user.IsAdmin {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: false, Error: "admin only"})
		c.closeWith(protocol.CloseAuthFailure, "admin only")
		return
	}
	c.userID = claims.UserID
	defer c.shutdown()

	if err := c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: true, UserID: claims.UserID}); err != nil {
		return
	}
	s.logger.Info("admin connected", "user", claims.UserID, "remote", c.remote)

	go c.writePump()
	c.readLoop(frameLimit, func(data []byte) error {
		typ, err := protocol.PeekType(data)
		if err != nil {
			return err
		}
		switch typ {
		case protocol.AdminStats:
			c.sendJSON(s.hub.Stats())
		default:
			s.logger.Warn("unknown admin frame ignored", "type", typ, "user", c.userID)
		}
		return nil
	})
}
