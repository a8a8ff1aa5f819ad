package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentim/agentim/internal/routing"
	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

// clientSession carries the per-connection state the frame handlers
// need: identity plus the send_message limiter. Limiter parameters are
// sampled at connect; reconnecting picks up changed settings.
type clientSession struct {
	conn     *Conn
	userID   string
	username string
	limiter  *rate.Limiter
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("client upgrade failed", "error", err)
		return
	}
	c := newConn(ws, kindClient, s.logger)
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
	if err != nil {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: false, Reason: protocol.RefuseTokenInvalid, Error: "unknown user"})
		c.closeWith(protocol.CloseAuthFailure, "unknown user")
		return
	}

	maxPerUser := s.settings.GetInt(ctx, settings.KeyMaxWSPerUser)
	maxTotal := s.settings.GetInt(ctx, settings.KeyMaxWSTotal)
	if refuse := s.hub.RegisterClient(claims.UserID, c, maxPerUser, maxTotal); refuse != "" {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: false, Reason: refuse})
		c.closeWith(protocol.CloseMalformedFrame, refuse)
		return
	}
	defer func() {
		s.hub.UnregisterClient(c)
		c.shutdown()
		s.logger.Info("client disconnected", "user", claims.UserID, "remote", c.remote)
	}()

	if err := c.writeDirect(protocol.AuthResult{Type: protocol.ServerAuthResult, OK: true, UserID: claims.UserID}); err != nil {
		return
	}
	s.logger.Info("client connected", "user", claims.UserID, "remote", c.remote)

	sess := &clientSession{
		conn:     c,
		userID:   claims.UserID,
		username: user.Username,
		limiter:  s.clientLimiter(ctx),
	}

	go c.writePump()
	c.readLoop(frameLimit, func(data []byte) error {
		return s.dispatchClientFrame(sess, data)
	})
}

// clientLimiter builds the send_message limiter from current settings.
// Values are validated to be positive, but a direct DB edit can bypass
// that, so non-positive falls back to unlimited rather than panicking.
func (s *Server) clientLimiter(ctx context.Context) *rate.Limiter {
	window := s.settings.GetDuration(ctx, settings.KeyClientRateWindowMs)
	maxMsgs := s.settings.GetInt(ctx, settings.KeyClientRateMax)
	if window <= 0 || maxMsgs <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(maxMsgs)), maxMsgs)
}

// dispatchClientFrame handles one inbound client frame. A returned
// error means a malformed frame and closes the socket with 1008;
// recoverable problems answer with server:error instead.
func (s *Server) dispatchClientFrame(sess *clientSession, data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch typ {
	case protocol.ClientJoinRoom:
		var f protocol.JoinRoom
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleJoinRoom(ctx, sess, f)
	case protocol.ClientLeaveRoom:
		var f protocol.LeaveRoom
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.hub.LeaveRoom(f.RoomID, sess.conn)
		return nil
	case protocol.ClientSendMessage:
		var f protocol.SendMessage
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleSendMessage(ctx, sess, f)
	case protocol.ClientTyping:
		var f protocol.Typing
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		if s.hub.InRoom(f.RoomID, sess.conn) {
			f.Type = protocol.ServerTyping
			f.SenderID = sess.userID
			f.SenderName = sess.username
			s.hub.SendToClients(f.RoomID, f)
		}
		return nil
	case protocol.ClientReadReceipt:
		var f protocol.ReadReceipt
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		f.Type = protocol.ServerReadReceipt
		f.UserID = sess.userID
		s.hub.Broadcast(sess.userID, f)
		return nil
	case protocol.ClientAgentCommand:
		var f protocol.AgentCommand
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleAgentCommand(sess, f)
	case protocol.ClientQueryAgentInfo:
		var f protocol.QueryAgentInfo
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.forwardToOwnAgent(sess, f.AgentID, f.RequestID, protocol.QueryAgentInfo{
			Type: protocol.ServerQueryAgentInfo, RequestID: f.RequestID, AgentID: f.AgentID,
		})
	case protocol.ClientPermissionResponse:
		var f protocol.PermissionResponse
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handlePermissionResponse(sess, f)
	default:
		s.logger.Warn("unknown client frame ignored", "type", typ, "user", sess.userID)
		return nil
	}
}

func (s *Server) handleJoinRoom(ctx context.Context, sess *clientSession, f protocol.JoinRoom) error {
	if f.RoomID == "" {
		return fmt.Errorf("join_room without roomId")
	}
	ok, err := s.stores.Rooms.IsMember(ctx, f.RoomID, sess.userID)
	if err != nil {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "internal", Message: "membership lookup failed"})
		return nil
	}
	if !ok {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "forbidden", Message: "not a room member"})
		return nil
	}
	s.hub.JoinRoom(f.RoomID, sess.conn)
	return nil
}

func (s *Server) handleSendMessage(ctx context.Context, sess *clientSession, f protocol.SendMessage) error {
	if f.RoomID == "" || (f.Content == "" && len(f.Attachments) == 0) {
		return fmt.Errorf("send_message missing room or content")
	}
	if !sess.limiter.Allow() {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "rate_limited", Message: "sending too fast, slow down"})
		return nil
	}
	room, err := s.stores.Rooms.Get(ctx, f.RoomID)
	if err != nil {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "not_found", Message: "room not found"})
		return nil
	}
	member, err := s.stores.Rooms.IsMember(ctx, room.ID, sess.userID)
	if err != nil || !member {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "forbidden", Message: "not a room member"})
		return nil
	}

	msg := &store.Message{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		SenderID:    sess.userID,
		SenderType:  store.MemberUser,
		SenderName:  sess.username,
		Content:     f.Content,
		Attachments: f.Attachments,
		Mentions:    routing.ParseMentions(f.Content),
		ReplyTo:     f.ReplyTo,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.stores.Messages.Insert(ctx, msg); err != nil {
		s.logger.Error("message insert failed", "room", room.ID, "error", err)
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "internal", Message: "message not saved"})
		return nil
	}

	s.fanOutMessage(msg)

	// Routing runs after durability: a routing failure can only lose a
	// dispatch, never the message.
	dec, err := s.engine.Route(ctx, room, msg)
	if err != nil {
		s.logger.Warn("routing failed", "room", room.ID, "message", msg.ID, "error", err)
	}
	s.persistConversation(ctx, msg, dec)
	return nil
}

// fanOutMessage pushes a persisted message to the room's live clients.
func (s *Server) fanOutMessage(m *store.Message) {
	s.hub.SendToClients(m.RoomID, protocol.ServerMessageFrame{
		Type: protocol.ServerMessage,
		Message: protocol.MessageView{
			ID:             m.ID,
			RoomID:         m.RoomID,
			SenderID:       m.SenderID,
			SenderType:     m.SenderType,
			SenderName:     m.SenderName,
			Content:        m.Content,
			Attachments:    m.Attachments,
			Mentions:       m.Mentions,
			ReplyTo:        m.ReplyTo,
			ConversationID: m.ConversationID,
			Depth:          m.Depth,
			CreatedAt:      m.CreatedAt.UnixMilli(),
		},
	})
}

func (s *Server) handleAgentCommand(sess *clientSession, f protocol.AgentCommand) error {
	if f.AgentID == "" || f.RequestID == "" {
		return fmt.Errorf("agent_command missing agentId or requestId")
	}
	return s.forwardToOwnAgent(sess, f.AgentID, f.RequestID, protocol.AgentCommand{
		Type: protocol.ServerAgentCommand, RequestID: f.RequestID,
		AgentID: f.AgentID, Command: f.Command, Args: f.Args,
	})
}

// forwardToOwnAgent relays a request frame to the gateway serving the
// agent, enforcing that the caller owns it, and registers the pending
// request so the reply finds its way back.
func (s *Server) forwardToOwnAgent(sess *clientSession, agentID, requestID string, frame any) error {
	owner, online := s.hub.AgentGatewayUser(agentID)
	if !online {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "agent_offline", Message: "agent is not connected"})
		return nil
	}
	if owner != sess.userID {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "forbidden", Message: "not your agent"})
		return nil
	}
	s.pending.Expect(requestID, sess.userID)
	if !s.hub.SendToAgentGateway(agentID, frame) {
		s.pending.Cancel(requestID)
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "agent_offline", Message: "agent is not connected"})
	}
	return nil
}

func (s *Server) handlePermissionResponse(sess *clientSession, f protocol.PermissionResponse) error {
	if f.RequestID == "" || f.AgentID == "" {
		return fmt.Errorf("permission_response missing requestId or agentId")
	}
	if f.Behavior != protocol.BehaviorAllow && f.Behavior != protocol.BehaviorDeny {
		return fmt.Errorf("permission_response with behavior %q", f.Behavior)
	}
	owner, online := s.hub.AgentGatewayUser(f.AgentID)
	if !online {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "agent_offline", Message: "agent is not connected"})
		return nil
	}
	if owner != sess.userID {
		sess.conn.sendJSON(protocol.ErrorFrame{Type: protocol.ServerError, Code: "forbidden", Message: "not your agent"})
		return nil
	}
	f.Type = protocol.ServerPermissionResponse
	s.hub.SendToAgentGateway(f.AgentID, f)
	// Echo to the user's other clients so every device dismisses the
	// prompt.
	s.hub.BroadcastClients(sess.userID, f)
	return nil
}
