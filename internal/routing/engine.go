package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

// Sender delivers dispatch envelopes to agent gateways. Delivery is
// fail-soft: a false return means no gateway currently serves the
// agent. The message row is already durable, so the agent catches up
// from room history when it reconnects.
type Sender interface {
	SendToAgent(agentID string, env *protocol.SendToAgent) bool
}

// MemberSource lists a room's members. store.RoomStore satisfies it.
type MemberSource interface {
	ListMembers(ctx context.Context, roomID string) ([]*store.RoomMember, error)
}

// AgentSource reads agent registry rows. store.AgentStore satisfies it.
type AgentSource interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
}

// AgentSelector picks broadcast targets. *RouterClient satisfies it.
type AgentSelector interface {
	SelectAgents(ctx context.Context, cfg RouterConfig, roomID, senderName, content string, agents []Candidate) ([]string, error)
}

// Skip reasons recorded on suppressed dispatches.
const (
	SkipSelf        = "self_mention"
	SkipVisited     = "already_in_conversation"
	SkipDepth       = "max_chain_depth"
	SkipRateLimited = "agent_rate_limited"
	SkipOffline     = "gateway_unavailable"
)

// Skip records one suppressed dispatch and why.
type Skip struct {
	AgentID string
	Reason  string
}

// Decision is the outcome of routing one persisted message.
type Decision struct {
	Mode           string
	ConversationID string
	Mentions       []string
	Dispatched     []string
	Skipped        []Skip
}

// Engine decides which agents receive a persisted message. Messages
// are durable before routing runs; the engine only ever suppresses
// dispatch, never persistence.
type Engine struct {
	rooms    MemberSource
	agents   AgentSource
	settings *settings.Service
	router   AgentSelector
	chains   *ChainTracker
	limiter  *WindowLimiter
	sender   Sender
	logger   *slog.Logger
}

func NewEngine(rooms MemberSource, agents AgentSource, svc *settings.Service, router AgentSelector, sender Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rooms:    rooms,
		agents:   agents,
		settings: svc,
		router:   router,
		chains:   NewChainTracker(),
		limiter:  NewWindowLimiter(),
		sender:   sender,
		logger:   logger,
	}
}

// Chains exposes the tracker for maintenance purges.
func (e *Engine) Chains() *ChainTracker { return e.chains }

// Route classifies a persisted message as direct, broadcast, or none
// and dispatches accordingly. Mentions are re-parsed from content; a
// client-supplied mention list is never trusted. The none mode is a
// hard guarantee: no envelope leaves the engine.
func (e *Engine) Route(ctx context.Context, room *store.Room, msg *store.Message) (*Decision, error) {
	members, err := e.rooms.ListMembers(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("list members of room %s: %w", room.ID, err)
	}

	membersByName := make(map[string]*store.RoomMember, len(members))
	var agentMembers []*store.RoomMember
	for _, m := range members {
		membersByName[strings.ToLower(m.Name)] = m
		if m.MemberType == store.MemberAgent {
			agentMembers = append(agentMembers, m)
		}
	}

	// Only names that resolve to actual members count as mentions;
	// everything else is plain text.
	var mentions []string
	var targets []*store.RoomMember
	dec := &Decision{Mode: protocol.RouteNone}
	for _, name := range ParseMentions(msg.Content) {
		m, ok := membersByName[strings.ToLower(name)]
		if !ok {
			continue
		}
		mentions = append(mentions, m.Name)
		if m.MemberType != store.MemberAgent {
			continue
		}
		if msg.SenderType == store.MemberAgent && m.MemberID == msg.SenderID {
			dec.Skipped = append(dec.Skipped, Skip{AgentID: m.MemberID, Reason: SkipSelf})
			continue
		}
		targets = append(targets, m)
	}
	dec.Mentions = mentions

	switch {
	case len(mentions) > 0:
		dec.Mode = protocol.RouteDirect
	case room.BroadcastMode && msg.SenderType == store.MemberUser:
		cfg := e.routerConfig(ctx, room)
		if e.router == nil || cfg.BaseURL == "" {
			return dec, nil
		}
		names, err := e.router.SelectAgents(ctx, cfg, room.ID, msg.SenderName, msg.Content, e.candidates(ctx, agentMembers))
		if err != nil {
			e.logger.Warn("ai router selection failed, message persisted without dispatch",
				"room", room.ID, "message", msg.ID, "error", err)
			return dec, nil
		}
		dec.Mode = protocol.RouteBroadcast
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			m, ok := membersByName[strings.ToLower(name)]
			if !ok || m.MemberType != store.MemberAgent {
				continue
			}
			if _, dup := seen[m.MemberID]; dup {
				continue
			}
			seen[m.MemberID] = struct{}{}
			targets = append(targets, m)
		}
	default:
		return dec, nil
	}

	if len(targets) == 0 {
		return dec, nil
	}

	convID := msg.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	dec.ConversationID = convID
	if msg.SenderType == store.MemberAgent {
		e.chains.Mark(convID, msg.SenderID)
	}

	maxDepth := e.settings.GetInt(ctx, settings.KeyMaxChainDepth)
	rateMax := e.settings.GetInt(ctx, settings.KeyAgentRateMax)
	rateWindow := e.settings.GetDuration(ctx, settings.KeyAgentRateWindowMs)

	for _, m := range targets {
		if e.chains.Visited(convID, m.MemberID) {
			dec.Skipped = append(dec.Skipped, Skip{AgentID: m.MemberID, Reason: SkipVisited})
			continue
		}
		if msg.Depth >= maxDepth {
			dec.Skipped = append(dec.Skipped, Skip{AgentID: m.MemberID, Reason: SkipDepth})
			e.logger.Warn("agent chain depth limit reached",
				"conversation", convID, "depth", msg.Depth, "agent", m.MemberID)
			continue
		}
		if msg.SenderType == store.MemberAgent && !e.limiter.Allow(msg.SenderID, rateMax, rateWindow) {
			dec.Skipped = append(dec.Skipped, Skip{AgentID: m.MemberID, Reason: SkipRateLimited})
			continue
		}

		env := &protocol.SendToAgent{
			Type:           protocol.ServerSendToAgent,
			AgentID:        m.MemberID,
			RoomID:         room.ID,
			MessageID:      msg.ID,
			SenderType:     msg.SenderType,
			SenderName:     msg.SenderName,
			Content:        msg.Content,
			Mentions:       mentions,
			RoutingMode:    dec.Mode,
			ConversationID: convID,
			Depth:          msg.Depth,
			IsMentioned:    dec.Mode == protocol.RouteDirect,
		}
		if !e.sender.SendToAgent(m.MemberID, env) {
			dec.Skipped = append(dec.Skipped, Skip{AgentID: m.MemberID, Reason: SkipOffline})
			continue
		}
		e.chains.Mark(convID, m.MemberID)
		dec.Dispatched = append(dec.Dispatched, m.MemberID)
	}

	e.logger.Debug("message routed",
		"room", room.ID, "message", msg.ID, "mode", dec.Mode,
		"dispatched", len(dec.Dispatched), "skipped", len(dec.Skipped))
	return dec, nil
}

// routerConfig resolves the effective AI Router endpoint: the room
// override wins, otherwise the admin setting.
func (e *Engine) routerConfig(ctx context.Context, room *store.Room) RouterConfig {
	base := room.RouterURL
	if base == "" {
		base, _ = e.settings.Get(ctx, settings.KeyRouterBaseURL)
	}
	apiKey, _ := e.settings.Get(ctx, settings.KeyRouterAPIKey)
	model, _ := e.settings.Get(ctx, settings.KeyRouterModel)
	return RouterConfig{
		BaseURL: base,
		APIKey:  apiKey,
		Model:   model,
		Timeout: e.settings.GetDuration(ctx, settings.KeyRouterTimeoutMs),
	}
}

// candidates builds the selection list offered to the AI Router.
// Registry lookups are best effort; a bare name still routes.
func (e *Engine) candidates(ctx context.Context, members []*store.RoomMember) []Candidate {
	out := make([]Candidate, 0, len(members))
	for _, m := range members {
		c := Candidate{Name: m.Name}
		if a, err := e.agents.Get(ctx, m.MemberID); err == nil {
			c.Type = a.Type
			c.Capabilities = a.Capabilities
		}
		out = append(out, c)
	}
	return out
}

// PurgeChains drops idle conversation state. Maintenance calls this
// periodically.
func (e *Engine) PurgeChains(now time.Time) int {
	return e.chains.Purge(now)
}
