package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/routing"
	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

func (s *Server) handleGatewayWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway upgrade failed", "error", err)
		return
	}
	c := newConn(ws, kindGateway, s.logger)
	ctx := r.Context()
	frameLimit := int64(s.settings.GetInt(ctx, settings.KeyMaxGatewayFrameBytes))

	data, err := c.readAuthFrame(frameLimit)
	if err != nil {
		c.shutdown()
		return
	}
	var af protocol.AuthFrame
	if err := protocol.Decode(data, &af); err != nil || af.Type != protocol.GatewayAuth || af.GatewayID == "" {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerGatewayAuthResult, OK: false, Reason: protocol.RefuseTokenInvalid, Error: "expected gateway:auth with gatewayId"})
		c.closeWith(protocol.CloseAuthFailure, "auth required")
		return
	}
	claims, refuse := s.authConn(ctx, af.Token)
	if refuse != "" {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerGatewayAuthResult, OK: false, Reason: refuse})
		c.closeWith(protocol.CloseAuthFailure, refuse)
		return
	}

	maxGateways := s.settings.GetInt(ctx, settings.KeyMaxGatewaysPerUser)
	if refuse := s.hub.RegisterGateway(claims.UserID, c, maxGateways); refuse != "" {
		c.writeDirect(protocol.AuthResult{Type: protocol.ServerGatewayAuthResult, OK: false, Reason: refuse})
		c.closeWith(protocol.CloseMalformedFrame, refuse)
		return
	}
	c.gatewayID = af.GatewayID
	defer func() {
		s.gatewayGone(c)
		c.shutdown()
		s.logger.Info("gateway disconnected", "user", claims.UserID, "gateway", c.gatewayID, "remote", c.remote)
	}()

	if err := c.writeDirect(protocol.AuthResult{Type: protocol.ServerGatewayAuthResult, OK: true, UserID: claims.UserID}); err != nil {
		return
	}
	s.logger.Info("gateway connected", "user", claims.UserID, "gateway", c.gatewayID, "remote", c.remote)

	go c.writePump()
	c.readLoop(frameLimit, func(data []byte) error {
		return s.dispatchGatewayFrame(c, data)
	})
}

// gatewayGone unregisters a gateway connection and marks every agent it
// served offline, durably and on the owner's clients.
func (s *Server) gatewayGone(c *Conn) {
	offline := s.hub.UnregisterGateway(c)
	if len(offline) == 0 {
		return
	}
	ctx := context.Background()
	now := time.Now().UTC()
	for _, agentID := range offline {
		if err := s.stores.Agents.UpdateStatus(ctx, agentID, protocol.AgentOffline, now); err != nil {
			s.logger.Warn("offline status persist failed", "agent", agentID, "error", err)
		}
		s.hub.Broadcast(c.userID, protocol.AgentStatus{
			Type: protocol.ServerAgentStatus, AgentID: agentID, Status: protocol.AgentOffline,
		})
	}
}

func (s *Server) dispatchGatewayFrame(c *Conn, data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch typ {
	case protocol.GatewayRegisterAgent:
		var f protocol.RegisterAgent
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleRegisterAgent(ctx, c, f)
	case protocol.GatewayUnregisterAgent:
		var f protocol.UnregisterAgent
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleUnregisterAgent(ctx, c, f)
	case protocol.GatewayAgentStatus:
		var f protocol.AgentStatus
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleAgentStatus(ctx, c, f)
	case protocol.GatewayMessageChunk:
		var f protocol.MessageChunk
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		if !s.ownsAgent(c, f.AgentID) {
			return nil
		}
		f.Type = protocol.ServerMessageChunk
		s.hub.SendToClients(f.RoomID, f)
		return nil
	case protocol.GatewayMessageComplete:
		var f protocol.MessageComplete
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleMessageComplete(ctx, c, f)
	case protocol.GatewayPermissionRequest:
		var f protocol.PermissionRequest
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		if f.RequestID == "" {
			return fmt.Errorf("permission_request without requestId")
		}
		f.Type = protocol.ServerPermissionRequest
		if n := s.hub.BroadcastClients(c.userID, f); n == 0 {
			s.logger.Warn("permission request with no client online", "user", c.userID, "agent", f.AgentID)
		}
		return nil
	case protocol.GatewayPermissionResponse:
		// Gateway-originated resolutions (timeout auto-deny) are echoed
		// so every device dismisses the prompt.
		var f protocol.PermissionResponse
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		f.Type = protocol.ServerPermissionResponse
		s.hub.BroadcastClients(c.userID, f)
		return nil
	case protocol.GatewaySpawnResult:
		var f protocol.SpawnResult
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.resolvePending(f.RequestID, f)
		return nil
	case protocol.GatewayWorkspaceResponse:
		var f protocol.WorkspaceResponse
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.resolvePending(f.RequestID, f)
		return nil
	case protocol.GatewayAgentCommandResult:
		var f protocol.AgentCommandResult
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		f.Type = protocol.ServerAgentCommandResult
		s.resolvePending(f.RequestID, f)
		return nil
	case protocol.GatewayAgentInfo:
		var f protocol.AgentInfo
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		f.Type = protocol.ServerAgentInfo
		s.resolvePending(f.RequestID, f)
		return nil
	default:
		s.logger.Warn("unknown gateway frame ignored", "type", typ, "gateway", c.gatewayID)
		return nil
	}
}

// ownsAgent reports whether the agent is currently bound to a gateway
// of the connection's user. Frames for agents a gateway does not own
// are dropped, not fatal: a reconnect race can leave one in flight.
func (s *Server) ownsAgent(c *Conn, agentID string) bool {
	owner, online := s.hub.AgentGatewayUser(agentID)
	if !online || owner != c.userID {
		s.logger.Warn("frame for foreign agent dropped", "agent", agentID, "gateway", c.gatewayID)
		return false
	}
	return true
}

// resolvePending routes a correlated gateway reply to its origin: a
// blocked HTTP waiter, or the user's client sockets.
func (s *Server) resolvePending(requestID string, v any) {
	userID, ok := s.pending.Resolve(requestID, v)
	if !ok {
		s.logger.Warn("reply for unknown request dropped", "request", requestID)
		return
	}
	if userID != "" {
		s.hub.BroadcastClients(userID, v)
	}
}

func (s *Server) handleRegisterAgent(ctx context.Context, c *Conn, f protocol.RegisterAgent) error {
	if f.Name == "" || f.AgentType == "" {
		return fmt.Errorf("register_agent missing name or agentType")
	}
	agentID := f.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	now := time.Now().UTC()
	a := &store.Agent{
		ID:           agentID,
		UserID:       c.userID,
		GatewayID:    c.gatewayID,
		Name:         f.Name,
		Type:         f.AgentType,
		WorkingDir:   f.WorkingDir,
		Capabilities: f.Capabilities,
		Status:       protocol.AgentOnline,
		LastOnlineAt: now,
		CreatedAt:    now,
	}
	if err := s.stores.Agents.Upsert(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			c.sendJSON(protocol.RegisterAgentResult{
				Type: protocol.ServerRegisterAgentResult, Name: f.Name, OK: false, Error: "agent name already in use",
			})
			return nil
		}
		s.logger.Error("agent upsert failed", "agent", agentID, "error", err)
		c.sendJSON(protocol.RegisterAgentResult{
			Type: protocol.ServerRegisterAgentResult, Name: f.Name, OK: false, Error: "registration failed",
		})
		return nil
	}
	s.hub.BindAgent(agentID, c)
	c.sendJSON(protocol.RegisterAgentResult{
		Type: protocol.ServerRegisterAgentResult, Name: f.Name, AgentID: agentID, OK: true,
	})
	s.hub.Broadcast(c.userID, protocol.AgentStatus{
		Type: protocol.ServerAgentStatus, AgentID: agentID, Status: protocol.AgentOnline,
	})
	s.logger.Info("agent registered", "agent", agentID, "name", f.Name, "type", f.AgentType, "gateway", c.gatewayID)
	s.PushRoomContextsForAgent(ctx, agentID)
	return nil
}

func (s *Server) handleUnregisterAgent(ctx context.Context, c *Conn, f protocol.UnregisterAgent) error {
	if !s.ownsAgent(c, f.AgentID) {
		return nil
	}
	s.hub.UnbindAgent(f.AgentID, c)
	if err := s.stores.Agents.UpdateStatus(ctx, f.AgentID, protocol.AgentOffline, time.Now().UTC()); err != nil {
		s.logger.Warn("offline status persist failed", "agent", f.AgentID, "error", err)
	}
	s.hub.Broadcast(c.userID, protocol.AgentStatus{
		Type: protocol.ServerAgentStatus, AgentID: f.AgentID, Status: protocol.AgentOffline,
	})
	s.logger.Info("agent unregistered", "agent", f.AgentID, "gateway", c.gatewayID)
	return nil
}

func (s *Server) handleAgentStatus(ctx context.Context, c *Conn, f protocol.AgentStatus) error {
	if !s.ownsAgent(c, f.AgentID) {
		return nil
	}
	f.Type = protocol.ServerAgentStatus
	s.hub.SetAgentStatus(f)
	if err := s.stores.Agents.UpdateStatus(ctx, f.AgentID, f.Status, time.Now().UTC()); err != nil {
		s.logger.Warn("status persist failed", "agent", f.AgentID, "error", err)
	}
	s.hub.Broadcast(c.userID, f)
	return nil
}

// handleMessageComplete persists a finished agent turn and re-enters
// routing so the completion itself can be relayed to mentioned agents.
// The persisted row's depth is the turn's inbound depth plus one.
func (s *Server) handleMessageComplete(ctx context.Context, c *Conn, f protocol.MessageComplete) error {
	if f.RoomID == "" || f.AgentID == "" {
		return fmt.Errorf("message_complete missing roomId or agentId")
	}
	if !s.ownsAgent(c, f.AgentID) {
		return nil
	}
	content := f.FullContent
	if content == "" && f.Error != "" {
		content = "Error: " + f.Error
	}
	senderName := f.AgentID
	if a, err := s.stores.Agents.Get(ctx, f.AgentID); err == nil {
		senderName = a.Name
	}
	var chunks json.RawMessage
	if len(f.Chunks) > 0 {
		chunks, _ = json.Marshal(f.Chunks)
	}
	msgID := f.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	msg := &store.Message{
		ID:             msgID,
		RoomID:         f.RoomID,
		SenderID:       f.AgentID,
		SenderType:     store.MemberAgent,
		SenderName:     senderName,
		Content:        content,
		Mentions:       routing.ParseMentions(content),
		ConversationID: f.ConversationID,
		Depth:          f.Depth + 1,
		Chunks:         chunks,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.stores.Messages.Insert(ctx, msg); err != nil {
		s.logger.Error("agent message insert failed", "room", f.RoomID, "agent", f.AgentID, "error", err)
		return nil
	}

	f.Type = protocol.ServerMessageComplete
	f.MessageID = msgID
	s.hub.SendToClients(f.RoomID, f)

	room, err := s.stores.Rooms.Get(ctx, f.RoomID)
	if err != nil {
		s.logger.Warn("room lookup failed after completion", "room", f.RoomID, "error", err)
		return nil
	}
	dec, err := s.engine.Route(ctx, room, msg)
	if err != nil {
		s.logger.Warn("routing failed", "room", f.RoomID, "message", msg.ID, "error", err)
	}
	s.persistConversation(ctx, msg, dec)
	return nil
}
