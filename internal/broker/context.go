package broker

import (
	"context"
	"unicode/utf8"

	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

// contextContentCap bounds each message carried in a context push. A
// full context (50 messages) must stay well under the gateway read
// limit; agents get the tail of long messages from the transcript, not
// the whole body.
const contextContentCap = 4096

// buildRoomContext assembles the snapshot an agent needs to participate
// in a room: the member roster with live agent status and the recent
// message tail.
func (s *Server) buildRoomContext(ctx context.Context, room *store.Room, agentID string) (*protocol.RoomContext, error) {
	members, err := s.stores.Rooms.ListMembers(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	roster := make([]protocol.RoomContextMember, 0, len(members))
	for _, m := range members {
		cm := protocol.RoomContextMember{ID: m.MemberID, Type: m.MemberType, Name: m.Name}
		if m.MemberType == store.MemberAgent {
			cm.Status = protocol.AgentOffline
			if st, ok := s.hub.AgentStatusSnapshot(m.MemberID); ok {
				cm.Status = st.Status
			}
			if a, err := s.stores.Agents.Get(ctx, m.MemberID); err == nil {
				cm.AgentType = a.Type
			}
		}
		roster = append(roster, cm)
	}

	limit := s.settings.GetInt(ctx, settings.KeyRoomContextMessages)
	if limit > store.RecentMessagesHardMax {
		limit = store.RecentMessagesHardMax
	}
	recent, err := s.stores.Messages.ListRecent(ctx, room.ID, limit)
	if err != nil {
		return nil, err
	}
	tail := make([]protocol.RoomContextMessage, 0, len(recent))
	for _, m := range recent {
		content := truncateContent(m.Content, contextContentCap)
		tail = append(tail, protocol.RoomContextMessage{
			ID:         m.ID,
			SenderName: m.SenderName,
			SenderType: m.SenderType,
			Content:    content,
			CreatedAt:  m.CreatedAt.UnixMilli(),
		})
	}

	return &protocol.RoomContext{
		Type:           protocol.ServerRoomContext,
		AgentID:        agentID,
		RoomID:         room.ID,
		RoomName:       room.Name,
		SystemPrompt:   room.SystemPrompt,
		Members:        roster,
		RecentMessages: tail,
	}, nil
}

// truncateContent cuts s at max bytes without splitting a rune.
func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}

// PushRoomContextForRoom refreshes the context of every online agent in
// a room. Called after membership changes and room edits.
func (s *Server) PushRoomContextForRoom(ctx context.Context, roomID string) {
	room, err := s.stores.Rooms.Get(ctx, roomID)
	if err != nil {
		s.logger.Warn("context push skipped, room lookup failed", "room", roomID, "error", err)
		return
	}
	members, err := s.stores.Rooms.ListMembers(ctx, roomID)
	if err != nil {
		s.logger.Warn("context push skipped, member lookup failed", "room", roomID, "error", err)
		return
	}
	for _, m := range members {
		if m.MemberType != store.MemberAgent {
			continue
		}
		if _, online := s.hub.AgentGatewayUser(m.MemberID); !online {
			continue
		}
		rc, err := s.buildRoomContext(ctx, room, m.MemberID)
		if err != nil {
			s.logger.Warn("context build failed", "room", roomID, "agent", m.MemberID, "error", err)
			continue
		}
		s.hub.SendToAgentGateway(m.MemberID, rc)
	}
}

// PushRoomContextsForAgent sends one context per room the agent belongs
// to. Called when an agent registers so a reconnect replays everything
// it missed.
func (s *Server) PushRoomContextsForAgent(ctx context.Context, agentID string) {
	roomIDs, err := s.stores.Rooms.RoomsWithAgent(ctx, agentID)
	if err != nil {
		s.logger.Warn("context push skipped, room list failed", "agent", agentID, "error", err)
		return
	}
	for _, roomID := range roomIDs {
		room, err := s.stores.Rooms.Get(ctx, roomID)
		if err != nil {
			continue
		}
		rc, err := s.buildRoomContext(ctx, room, agentID)
		if err != nil {
			s.logger.Warn("context build failed", "room", roomID, "agent", agentID, "error", err)
			continue
		}
		s.hub.SendToAgentGateway(agentID, rc)
	}
}
