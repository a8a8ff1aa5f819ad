package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

type memSettingStore struct {
	mu   sync.Mutex
	rows map[string]*store.Setting
}

func (m *memSettingStore) Get(_ context.Context, key string) (*store.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[key]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memSettingStore) Set(_ context.Context, s *store.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.Key] = &cp
	return nil
}

func (m *memSettingStore) All(_ context.Context) ([]*store.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Setting, 0, len(m.rows))
	for _, s := range m.rows {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

type fakeDirectory struct {
	members []*store.RoomMember
	agents  map[string]*store.Agent
}

func (d *fakeDirectory) ListMembers(context.Context, string) ([]*store.RoomMember, error) {
	return d.members, nil
}

func (d *fakeDirectory) Get(_ context.Context, id string) (*store.Agent, error) {
	if a, ok := d.agents[id]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

type fakeSelector struct {
	names      []string
	err        error
	calls      int
	lastAgents []Candidate
}

func (s *fakeSelector) SelectAgents(_ context.Context, _ RouterConfig, _, _, _ string, agents []Candidate) ([]string, error) {
	s.calls++
	s.lastAgents = agents
	return s.names, s.err
}

type fakeSender struct {
	offline map[string]bool
	sent    []*protocol.SendToAgent
}

func (s *fakeSender) SendToAgent(id string, env *protocol.SendToAgent) bool {
	if s.offline[id] {
		return false
	}
	s.sent = append(s.sent, env)
	return true
}

func agentMember(id, name string) *store.RoomMember {
	return &store.RoomMember{RoomID: "room-1", MemberID: id, MemberType: store.MemberAgent, Name: name}
}

func userMember(id, name string) *store.RoomMember {
	return &store.RoomMember{RoomID: "room-1", MemberID: id, MemberType: store.MemberUser, Name: name}
}

func userMessage(id, content string) *store.Message {
	return &store.Message{
		ID: id, RoomID: "room-1",
		SenderID: "u1", SenderType: store.MemberUser, SenderName: "ann",
		Content: content,
	}
}

func newTestEngine(t *testing.T, dir *fakeDirectory, sel AgentSelector, send Sender) *Engine {
	t.Helper()
	t.Setenv("ROUTER_LLM_BASE_URL", "")
	svc := settings.New(&memSettingStore{rows: make(map[string]*store.Setting)}, nil, settings.Options{})
	t.Cleanup(svc.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(dir, dir, svc, sel, send, logger)
}

func TestRouteDirectToMentionedAgentsOnly(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		userMember("u1", "ann"),
		agentMember("a1", "backend"),
		agentMember("a2", "frontend"),
	}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)

	dec, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, userMessage("m1", "hey @backend can you check the logs"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Mode != protocol.RouteDirect {
		t.Fatalf("Mode = %q, want %q", dec.Mode, protocol.RouteDirect)
	}
	if len(send.sent) != 1 || send.sent[0].AgentID != "a1" {
		t.Fatalf("dispatched %v, want exactly agent a1", send.sent)
	}

	env := send.sent[0]
	if env.Type != protocol.ServerSendToAgent {
		t.Errorf("envelope type = %q, want %q", env.Type, protocol.ServerSendToAgent)
	}
	if !env.IsMentioned {
		t.Error("direct dispatch should set isMentioned")
	}
	if env.MessageID != "m1" || env.RoomID != "room-1" {
		t.Errorf("envelope ids = (%s, %s), want (m1, room-1)", env.MessageID, env.RoomID)
	}
	if env.ConversationID == "" {
		t.Error("first dispatch should allocate a conversation id")
	}
	if env.Depth != 0 {
		t.Errorf("user message dispatch depth = %d, want 0", env.Depth)
	}
}

func TestRouteMentionsAreCaseInsensitive(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{agentMember("a1", "Backend")}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)

	dec, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, userMessage("m1", "@BACKEND go"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(send.sent) != 1 {
		t.Fatalf("dispatched %d envelopes, want 1", len(send.sent))
	}
	// The canonical member name, not the typed casing, travels in the envelope.
	if got := dec.Mentions; len(got) != 1 || got[0] != "Backend" {
		t.Errorf("Mentions = %v, want [Backend]", got)
	}
}

func TestRouteNonePersistsWithoutDispatch(t *testing.T) {
	tests := []struct {
		name      string
		broadcast bool
		content   string
	}{
		{"plain room no mentions", false, "nothing to see"},
		{"broadcast room without router", true, "anyone around?"},
		{"mention of non-member", false, "ping @ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &fakeDirectory{members: []*store.RoomMember{agentMember("a1", "backend")}}
			send := &fakeSender{}
			eng := newTestEngine(t, dir, nil, send)

			room := &store.Room{ID: "room-1", BroadcastMode: tt.broadcast}
			dec, err := eng.Route(context.Background(), room, userMessage("m1", tt.content))
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if dec.Mode != protocol.RouteNone {
				t.Errorf("Mode = %q, want %q", dec.Mode, protocol.RouteNone)
			}
			if len(send.sent) != 0 {
				t.Errorf("none mode dispatched %d envelopes, want 0", len(send.sent))
			}
		})
	}
}

func TestRouteMentionOfHumanSuppressesBroadcast(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		userMember("u2", "bob"),
		agentMember("a1", "backend"),
	}}
	sel := &fakeSelector{names: []string{"backend"}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, sel, send)

	room := &store.Room{ID: "room-1", BroadcastMode: true, RouterURL: "https://router.example.com/pick"}
	dec, err := eng.Route(context.Background(), room, userMessage("m1", "@bob what do you think?"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Mode != protocol.RouteDirect {
		t.Errorf("Mode = %q, want %q", dec.Mode, protocol.RouteDirect)
	}
	if sel.calls != 0 {
		t.Error("addressing a human should not consult the ai router")
	}
	if len(send.sent) != 0 {
		t.Errorf("dispatched %d envelopes, want 0", len(send.sent))
	}
}

func TestRouteBroadcastSelectsRankedSubset(t *testing.T) {
	dir := &fakeDirectory{
		members: []*store.RoomMember{
			agentMember("a1", "backend"),
			agentMember("a2", "frontend"),
			agentMember("a3", "docs"),
		},
		agents: map[string]*store.Agent{
			"a1": {ID: "a1", Type: "claude", Capabilities: []string{"go", "sql"}},
		},
	}
	// "ghost" is not a member and must be dropped silently.
	sel := &fakeSelector{names: []string{"frontend", "ghost", "docs", "frontend"}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, sel, send)

	room := &store.Room{ID: "room-1", BroadcastMode: true, RouterURL: "https://router.example.com/pick"}
	dec, err := eng.Route(context.Background(), room, userMessage("m1", "who owns the css build?"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Mode != protocol.RouteBroadcast {
		t.Fatalf("Mode = %q, want %q", dec.Mode, protocol.RouteBroadcast)
	}
	if len(send.sent) != 2 {
		t.Fatalf("dispatched %d envelopes, want 2", len(send.sent))
	}
	if send.sent[0].AgentID != "a2" || send.sent[1].AgentID != "a3" {
		t.Errorf("dispatched to %s and %s, want a2 and a3", send.sent[0].AgentID, send.sent[1].AgentID)
	}
	for _, env := range send.sent {
		if env.IsMentioned {
			t.Error("broadcast dispatch must not claim a mention")
		}
		if env.RoutingMode != protocol.RouteBroadcast {
			t.Errorf("RoutingMode = %q, want broadcast", env.RoutingMode)
		}
	}
	// All three agents were offered as candidates, with registry
	// details where known.
	if len(sel.lastAgents) != 3 {
		t.Fatalf("offered %d candidates, want 3", len(sel.lastAgents))
	}
	if sel.lastAgents[0].Type != "claude" || len(sel.lastAgents[0].Capabilities) != 2 {
		t.Errorf("candidate a1 missing registry detail: %+v", sel.lastAgents[0])
	}
}

func TestRouteBroadcastRouterFailureDegradesToNone(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{agentMember("a1", "backend")}}
	sel := &fakeSelector{err: errors.New("boom")}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, sel, send)

	room := &store.Room{ID: "room-1", BroadcastMode: true, RouterURL: "https://router.example.com/pick"}
	dec, err := eng.Route(context.Background(), room, userMessage("m1", "hello"))
	if err != nil {
		t.Fatalf("Route should absorb router errors, got %v", err)
	}
	if dec.Mode != protocol.RouteNone {
		t.Errorf("Mode = %q, want %q", dec.Mode, protocol.RouteNone)
	}
	if len(send.sent) != 0 {
		t.Errorf("dispatched %d envelopes after router failure, want 0", len(send.sent))
	}
}

func TestRouteAgentRelayExcludesSelfAndInherits(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		agentMember("a1", "backend"),
		agentMember("a2", "frontend"),
	}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)

	msg := &store.Message{
		ID: "m2", RoomID: "room-1",
		SenderID: "a1", SenderType: store.MemberAgent, SenderName: "backend",
		Content:        "done, @frontend your turn (cc @backend)",
		ConversationID: "conv-7",
		Depth:          1,
	}
	dec, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, msg)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(send.sent) != 1 || send.sent[0].AgentID != "a2" {
		t.Fatalf("dispatched %v, want only a2", send.sent)
	}
	env := send.sent[0]
	if env.ConversationID != "conv-7" {
		t.Errorf("ConversationID = %q, want inherited conv-7", env.ConversationID)
	}
	if env.Depth != 1 {
		t.Errorf("Depth = %d, want 1", env.Depth)
	}
	var sawSelf bool
	for _, s := range dec.Skipped {
		if s.AgentID == "a1" && s.Reason == SkipSelf {
			sawSelf = true
		}
	}
	if !sawSelf {
		t.Error("self mention should be recorded as skipped")
	}
}

func TestRouteCycleIsSuppressed(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		agentMember("a1", "alpha"),
		agentMember("a2", "beta"),
	}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)
	ctx := context.Background()
	room := &store.Room{ID: "room-1"}

	// User kicks off the conversation with alpha.
	dec1, err := eng.Route(ctx, room, userMessage("m1", "@alpha begin"))
	if err != nil {
		t.Fatalf("Route m1: %v", err)
	}
	conv := dec1.ConversationID
	if conv == "" || len(send.sent) != 1 {
		t.Fatalf("first hop: conv=%q sent=%d", conv, len(send.sent))
	}

	// Alpha replies mentioning beta.
	_, err = eng.Route(ctx, room, &store.Message{
		ID: "m2", RoomID: "room-1", SenderID: "a1", SenderType: store.MemberAgent,
		SenderName: "alpha", Content: "@beta handle this", ConversationID: conv, Depth: 1,
	})
	if err != nil {
		t.Fatalf("Route m2: %v", err)
	}
	if len(send.sent) != 2 || send.sent[1].AgentID != "a2" {
		t.Fatalf("second hop did not reach beta: %v", send.sent)
	}

	// Beta tries to bounce back to alpha; alpha already participated.
	dec3, err := eng.Route(ctx, room, &store.Message{
		ID: "m3", RoomID: "room-1", SenderID: "a2", SenderType: store.MemberAgent,
		SenderName: "beta", Content: "@alpha back to you", ConversationID: conv, Depth: 2,
	})
	if err != nil {
		t.Fatalf("Route m3: %v", err)
	}
	if len(send.sent) != 2 {
		t.Fatalf("cycle dispatched an extra envelope: %v", send.sent)
	}
	if len(dec3.Skipped) != 1 || dec3.Skipped[0].Reason != SkipVisited {
		t.Errorf("Skipped = %+v, want one visited skip", dec3.Skipped)
	}
}

func TestRouteDepthLimitSuppresses(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		agentMember("a1", "alpha"),
		agentMember("a2", "beta"),
	}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)

	dec, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, &store.Message{
		ID: "m9", RoomID: "room-1", SenderID: "a1", SenderType: store.MemberAgent,
		SenderName: "alpha", Content: "@beta keep going", ConversationID: "conv-deep", Depth: 5,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(send.sent) != 0 {
		t.Fatalf("dispatched %d envelopes at depth limit, want 0", len(send.sent))
	}
	if len(dec.Skipped) != 1 || dec.Skipped[0].Reason != SkipDepth {
		t.Errorf("Skipped = %+v, want one depth skip", dec.Skipped)
	}
}

func TestRouteAgentRateLimitPersistsWithoutDispatch(t *testing.T) {
	var members []*store.RoomMember
	members = append(members, agentMember("src", "src"))
	content := ""
	for i := 0; i < 7; i++ {
		name := fmt.Sprintf("worker%d", i)
		members = append(members, agentMember("t-"+name, name))
		content += " @" + name
	}
	dir := &fakeDirectory{members: members}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)

	// Default agent budget is 5 routes per window; 7 targets in one
	// relay exhausts it.
	dec, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, &store.Message{
		ID: "m1", RoomID: "room-1", SenderID: "src", SenderType: store.MemberAgent,
		SenderName: "src", Content: content, ConversationID: "conv-1", Depth: 1,
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(send.sent) != 5 {
		t.Fatalf("dispatched %d envelopes, want 5", len(send.sent))
	}
	limited := 0
	for _, s := range dec.Skipped {
		if s.Reason == SkipRateLimited {
			limited++
		}
	}
	if limited != 2 {
		t.Errorf("rate limited %d dispatches, want 2", limited)
	}
}

func TestRouteOfflineGatewayIsFailSoft(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		agentMember("a1", "alpha"),
		agentMember("a2", "beta"),
	}}
	send := &fakeSender{offline: map[string]bool{"a1": true}}
	eng := newTestEngine(t, dir, nil, send)

	dec, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, userMessage("m1", "@alpha and @beta"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(send.sent) != 1 || send.sent[0].AgentID != "a2" {
		t.Fatalf("dispatched %v, want only a2", send.sent)
	}
	if len(dec.Skipped) != 1 || dec.Skipped[0].Reason != SkipOffline {
		t.Errorf("Skipped = %+v, want one offline skip", dec.Skipped)
	}
	// The offline agent did not participate and may be reached later
	// in the same conversation.
	if eng.Chains().Visited(dec.ConversationID, "a1") {
		t.Error("undelivered dispatch must not mark the agent visited")
	}
}

func TestRouteClientMentionListIsIgnored(t *testing.T) {
	dir := &fakeDirectory{members: []*store.RoomMember{
		agentMember("a1", "alpha"),
		agentMember("a2", "beta"),
	}}
	send := &fakeSender{}
	eng := newTestEngine(t, dir, nil, send)

	// The stored row carries a client-claimed mention of beta, but the
	// content only names alpha. Content wins.
	msg := userMessage("m1", "@alpha only you")
	msg.Mentions = []string{"beta"}
	_, err := eng.Route(context.Background(), &store.Room{ID: "room-1"}, msg)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(send.sent) != 1 || send.sent[0].AgentID != "a1" {
		t.Fatalf("dispatched %v, want only a1", send.sent)
	}
}
