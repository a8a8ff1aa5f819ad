package gatewayd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/mcpbridge"
	"github.com/agentim/agentim/internal/permission"
	"github.com/agentim/agentim/pkg/protocol"
)

// The manager backs the bridge's MCP tools.
var _ mcpbridge.Exchange = (*Manager)(nil)

// SendAsAgent posts a mention-addressed message to the agent's room.
// During a turn the message joins the turn's conversation; outside one
// it opens a fresh conversation.
func (m *Manager) SendAsAgent(ctx context.Context, agentID, target, content string) error {
	run := m.agent(agentID)
	if run == nil {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	_, err := m.postAsAgent(run, target, content, "")
	return err
}

// AwaitReply posts like SendAsAgent under a fresh conversation id and
// blocks until the target's completion in that conversation arrives.
// Replies resolve locally, so the target must live on this gateway;
// a remote target's answer still lands in the room but surfaces here
// as a timeout.
func (m *Manager) AwaitReply(ctx context.Context, agentID, target, content string, timeout time.Duration) (string, error) {
	run := m.agent(agentID)
	if run == nil {
		return "", fmt.Errorf("unknown agent %s", agentID)
	}

	m.mu.Lock()
	if m.replyCounts[agentID] >= mcpbridge.MaxPendingReplies {
		m.mu.Unlock()
		return "", fmt.Errorf("too many pending replies (max %d)", mcpbridge.MaxPendingReplies)
	}
	m.replyCounts[agentID]++
	conversationID := uuid.NewString()
	ch := make(chan string, 1)
	m.replies[conversationID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.replies, conversationID)
		if m.replyCounts[agentID]--; m.replyCounts[agentID] <= 0 {
			delete(m.replyCounts, agentID)
		}
		m.mu.Unlock()
	}()

	if _, err := m.postAsAgent(run, target, content, conversationID); err != nil {
		return "", err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("no reply from %s within %s", strings.TrimPrefix(target, "@"), timeout)
	}
}

// RecentMessages serves the newest room messages from the agent's
// context snapshot.
func (m *Manager) RecentMessages(ctx context.Context, agentID string, limit int) ([]protocol.RoomContextMessage, error) {
	snap := m.snapshot(agentID)
	if snap == nil {
		return nil, errors.New("no room context yet; the agent has not joined a room")
	}
	msgs := snap.RecentMessages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Members lists the agent's room roster from the context snapshot.
func (m *Manager) Members(ctx context.Context, agentID string) ([]protocol.RoomContextMember, error) {
	snap := m.snapshot(agentID)
	if snap == nil {
		return nil, errors.New("no room context yet; the agent has not joined a room")
	}
	return snap.Members, nil
}

// Approve routes a tool call through the permission broker. Bypass
// agents skip the prompt.
func (m *Manager) Approve(ctx context.Context, agentID, toolName string, input json.RawMessage) permission.Decision {
	run := m.agent(agentID)
	if run == nil {
		return permission.Decision{Behavior: permission.BehaviorDeny, Message: "unknown agent"}
	}
	if run.mode == adapter.ModeBypass {
		return permission.Decision{Behavior: permission.BehaviorAllow}
	}
	roomID := ""
	if snap := m.snapshot(agentID); snap != nil {
		roomID = snap.RoomID
	}
	return m.perms.Request(ctx, permission.Prompt{
		AgentID:   agentID,
		AgentName: run.name,
		RoomID:    roomID,
		ToolName:  toolName,
		ToolInput: input,
		Timeout:   m.permTimeout,
	})
}

// postAsAgent validates the target against the room roster and sends
// the message as a completed agent turn, which the broker persists and
// routes like any other. An empty conversationID inherits the active
// turn's conversation or opens a new one.
func (m *Manager) postAsAgent(run *agentRun, target, content, conversationID string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.New("content is empty")
	}
	snap := m.snapshot(run.id)
	if snap == nil {
		return "", errors.New("no room context yet; the agent has not joined a room")
	}
	member, ok := findMember(snap.Members, target)
	if !ok {
		return "", fmt.Errorf("%s is not a member of this room", strings.TrimPrefix(target, "@"))
	}
	if strings.EqualFold(member.Name, run.name) {
		return "", errors.New("cannot send a message to yourself")
	}
	if conversationID != "" && member.Type != protocol.SenderAgent {
		return "", fmt.Errorf("%s is not an agent; only agents reply within a conversation", member.Name)
	}

	depth := 0
	convID := conversationID
	run.mu.Lock()
	if t := run.turn; t != nil && !t.done {
		depth = t.depth
		if convID == "" {
			convID = t.conversationID
		}
	}
	run.mu.Unlock()
	if convID == "" {
		convID = uuid.NewString()
	}

	messageID := uuid.NewString()
	full := "@" + member.Name + " " + content
	if err := m.trySend(protocol.MessageComplete{
		Type:           protocol.GatewayMessageComplete,
		AgentID:        run.id,
		RoomID:         snap.RoomID,
		MessageID:      messageID,
		ConversationID: convID,
		Depth:          depth,
		FullContent:    full,
	}); err != nil {
		return "", err
	}
	m.noteRoomMessage(snap.RoomID, protocol.RoomContextMessage{
		ID:         messageID,
		SenderName: run.name,
		SenderType: protocol.SenderAgent,
		Content:    full,
		CreatedAt:  time.Now().UnixMilli(),
	})
	m.logger.Info("agent message posted",
		"agent", run.id, "target", member.Name, "conversation", convID, "depth", depth)
	return convID, nil
}

func findMember(members []protocol.RoomContextMember, target string) (protocol.RoomContextMember, bool) {
	name := strings.TrimPrefix(strings.TrimSpace(target), "@")
	for _, mb := range members {
		if strings.EqualFold(mb.Name, name) {
			return mb, true
		}
	}
	return protocol.RoomContextMember{}, false
}
