package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/agentim/agentim/pkg/protocol"
)

func testConn(kind string) *Conn {
	return &Conn{
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
		kind:   kind,
		rooms:  make(map[string]struct{}),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drainOne(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case data := <-c.outbox:
		return data
	default:
		t.Fatal("expected a queued frame, outbox empty")
		return nil
	}
}

func TestRegisterClientCaps(t *testing.T) {
	h := testHub()

	a := testConn(kindClient)
	if refuse := h.RegisterClient("u1", a, 2, 3); refuse != "" {
		t.Fatalf("first conn refused: %q", refuse)
	}
	b := testConn(kindClient)
	if refuse := h.RegisterClient("u1", b, 2, 3); refuse != "" {
		t.Fatalf("second conn refused: %q", refuse)
	}
	c := testConn(kindClient)
	if refuse := h.RegisterClient("u1", c, 2, 3); refuse != protocol.RefuseTooManyConnections {
		t.Fatalf("per-user cap: got %q, want %q", refuse, protocol.RefuseTooManyConnections)
	}
	d := testConn(kindClient)
	if refuse := h.RegisterClient("u2", d, 2, 3); refuse != "" {
		t.Fatalf("other user refused: %q", refuse)
	}
	e := testConn(kindClient)
	if refuse := h.RegisterClient("u3", e, 2, 3); refuse != protocol.RefuseServerFull {
		t.Fatalf("total cap: got %q, want %q", refuse, protocol.RefuseServerFull)
	}

	h.UnregisterClient(a)
	if refuse := h.RegisterClient("u3", e, 2, 3); refuse != "" {
		t.Fatalf("after unregister still refused: %q", refuse)
	}
}

func TestRegisterGatewayCap(t *testing.T) {
	h := testHub()
	a := testConn(kindGateway)
	if refuse := h.RegisterGateway("u1", a, 1); refuse != "" {
		t.Fatalf("first gateway refused: %q", refuse)
	}
	b := testConn(kindGateway)
	if refuse := h.RegisterGateway("u1", b, 1); refuse != protocol.RefuseTooManyGateways {
		t.Fatalf("got %q, want %q", refuse, protocol.RefuseTooManyGateways)
	}
}

func TestUnregisterGatewayReportsOfflineAgents(t *testing.T) {
	h := testHub()
	gw := testConn(kindGateway)
	h.RegisterGateway("u1", gw, 5)
	h.BindAgent("a1", gw)
	h.BindAgent("a2", gw)

	other := testConn(kindGateway)
	h.RegisterGateway("u1", other, 5)
	h.BindAgent("a3", other)

	offline := h.UnregisterGateway(gw)
	if len(offline) != 2 {
		t.Fatalf("offline agents: got %v, want 2 ids", offline)
	}
	got := map[string]bool{}
	for _, id := range offline {
		got[id] = true
	}
	if !got["a1"] || !got["a2"] || got["a3"] {
		t.Fatalf("wrong offline set: %v", offline)
	}
	if _, ok := h.AgentStatusSnapshot("a1"); ok {
		t.Fatal("status survived unbind")
	}
	if _, ok := h.AgentStatusSnapshot("a3"); !ok {
		t.Fatal("other gateway's agent lost its status")
	}
}

func TestSendToClientsOnlyReachesJoined(t *testing.T) {
	h := testHub()
	in := testConn(kindClient)
	out := testConn(kindClient)
	h.RegisterClient("u1", in, 10, 10)
	h.RegisterClient("u2", out, 10, 10)
	h.JoinRoom("r1", in)

	n := h.SendToClients("r1", protocol.ErrorFrame{Type: protocol.ServerError, Message: "x"})
	if n != 1 {
		t.Fatalf("sent to %d conns, want 1", n)
	}
	data := drainOne(t, in)
	var f protocol.ErrorFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal fan-out frame: %v", err)
	}
	if f.Type != protocol.ServerError {
		t.Fatalf("got type %q, want %q", f.Type, protocol.ServerError)
	}
	select {
	case <-out.outbox:
		t.Fatal("non-member received room frame")
	default:
	}

	h.LeaveRoom("r1", in)
	if n := h.SendToClients("r1", f); n != 0 {
		t.Fatalf("sent to %d conns after leave, want 0", n)
	}
}

func TestBroadcastSplit(t *testing.T) {
	h := testHub()
	client := testConn(kindClient)
	gw := testConn(kindGateway)
	h.RegisterClient("u1", client, 10, 10)
	h.RegisterGateway("u1", gw, 10)

	if n := h.Broadcast("u1", protocol.StatsRequest{Type: protocol.AdminStats}); n != 2 {
		t.Fatalf("Broadcast reached %d, want 2", n)
	}
	drainOne(t, client)
	drainOne(t, gw)

	if n := h.BroadcastClients("u1", protocol.StatsRequest{Type: protocol.AdminStats}); n != 1 {
		t.Fatalf("BroadcastClients reached %d, want 1", n)
	}
	drainOne(t, client)
	select {
	case <-gw.outbox:
		t.Fatal("gateway received client-only broadcast")
	default:
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	h := testHub()
	c := testConn(kindClient)
	h.RegisterClient("u1", c, 10, 10)
	h.JoinRoom("r1", c)

	payload := protocol.ErrorFrame{Type: protocol.ServerError, Message: "x"}
	for i := 0; i < outboxSize; i++ {
		if n := h.SendToClients("r1", payload); n != 1 {
			t.Fatalf("frame %d dropped before outbox was full", i)
		}
	}
	if n := h.SendToClients("r1", payload); n != 0 {
		t.Fatal("saturated consumer still counted as reached")
	}
}

func TestSetAgentStatusRequiresBinding(t *testing.T) {
	h := testHub()
	h.SetAgentStatus(protocol.AgentStatus{AgentID: "ghost", Status: protocol.AgentBusy})
	if _, ok := h.AgentStatusSnapshot("ghost"); ok {
		t.Fatal("status cached for unbound agent")
	}

	gw := testConn(kindGateway)
	h.RegisterGateway("u1", gw, 5)
	h.BindAgent("a1", gw)
	h.SetAgentStatus(protocol.AgentStatus{Type: protocol.ServerAgentStatus, AgentID: "a1", Status: protocol.AgentBusy, QueueDepth: 3})
	st, ok := h.AgentStatusSnapshot("a1")
	if !ok || st.Status != protocol.AgentBusy || st.QueueDepth != 3 {
		t.Fatalf("got %+v, want busy with queue depth 3", st)
	}
}

func TestAgentRebind(t *testing.T) {
	h := testHub()
	old := testConn(kindGateway)
	h.RegisterGateway("u1", old, 5)
	h.BindAgent("a1", old)

	fresh := testConn(kindGateway)
	h.RegisterGateway("u1", fresh, 5)
	h.BindAgent("a1", fresh)

	// The stale connection must not be able to unbind the agent.
	h.UnbindAgent("a1", old)
	if owner, ok := h.AgentGatewayUser("a1"); !ok || owner != "u1" {
		t.Fatalf("rebind lost: owner=%q ok=%v", owner, ok)
	}
	if !h.SendToAgent("a1", &protocol.SendToAgent{Type: protocol.ServerSendToAgent, AgentID: "a1"}) {
		t.Fatal("send to rebound agent failed")
	}
	drainOne(t, fresh)
	select {
	case <-old.outbox:
		t.Fatal("stale gateway received the dispatch")
	default:
	}
}

func TestStats(t *testing.T) {
	h := testHub()
	c1 := testConn(kindClient)
	c2 := testConn(kindClient)
	gw := testConn(kindGateway)
	h.RegisterClient("u1", c1, 10, 10)
	h.RegisterClient("u2", c2, 10, 10)
	h.RegisterGateway("u1", gw, 5)
	h.BindAgent("a1", gw)
	h.JoinRoom("r1", c1)
	h.JoinRoom("r1", c2)
	h.SetAgentStatus(protocol.AgentStatus{AgentID: "a1", Status: protocol.AgentBusy, QueueDepth: 2})

	st := h.Stats()
	if st.Type != protocol.ServerStats {
		t.Fatalf("type = %q, want %q", st.Type, protocol.ServerStats)
	}
	if st.ClientConns != 2 || st.GatewayConns != 1 || st.AgentsOnline != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", st.ClientConns, st.GatewayConns, st.AgentsOnline)
	}
	if st.RoomSubscribers["r1"] != 2 {
		t.Fatalf("room subscribers = %d, want 2", st.RoomSubscribers["r1"])
	}
	if st.QueueDepths["a1"] != 2 {
		t.Fatalf("queue depth = %d, want 2", st.QueueDepths["a1"])
	}
}
