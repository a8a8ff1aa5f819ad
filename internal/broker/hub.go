package broker

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/agentim/agentim/pkg/protocol"
)

// Hub is the in-memory connection registry: which sockets belong to
// which user, which gateway serves which agent, and which clients are
// watching which room. All four indices mutate under one lock; sends
// happen outside it on snapshots.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]map[*Conn]struct{} // userID -> client conns
	gateways     map[string]map[*Conn]struct{} // userID -> gateway conns
	agents       map[string]*Conn              // agentID -> gateway conn
	rooms        map[string]map[*Conn]struct{} // roomID -> joined client conns
	agentStatus  map[string]protocol.AgentStatus
	totalClients int

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:     make(map[string]map[*Conn]struct{}),
		gateways:    make(map[string]map[*Conn]struct{}),
		agents:      make(map[string]*Conn),
		rooms:       make(map[string]map[*Conn]struct{}),
		agentStatus: make(map[string]protocol.AgentStatus),
		logger:      logger,
	}
}

// RegisterClient adds a client connection under the user, enforcing the
// per-user and process-wide caps. A non-empty return is the refusal
// reason.
func (h *Hub) RegisterClient(userID string, c *Conn, maxPerUser, maxTotal int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxTotal > 0 && h.totalClients >= maxTotal {
		return protocol.RefuseServerFull
	}
	if maxPerUser > 0 && len(h.clients[userID]) >= maxPerUser {
		return protocol.RefuseTooManyConnections
	}
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
	h.totalClients++
	c.userID = userID
	return ""
}

// UnregisterClient removes a client connection and its room joins.
func (h *Hub) UnregisterClient(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	h.totalClients--
	for roomID := range c.rooms {
		h.dropFromRoomLocked(roomID, c)
	}
}

// RegisterGateway adds a gateway connection, enforcing the per-user
// gateway cap.
func (h *Hub) RegisterGateway(userID string, c *Conn, maxPerUser int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxPerUser > 0 && len(h.gateways[userID]) >= maxPerUser {
		return protocol.RefuseTooManyGateways
	}
	set, ok := h.gateways[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.gateways[userID] = set
	}
	set[c] = struct{}{}
	c.userID = userID
	return ""
}

// UnregisterGateway removes a gateway connection and unbinds every
// agent it served. The returned ids are now offline.
func (h *Hub) UnregisterGateway(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.gateways[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.gateways, c.userID)
	}
	var offline []string
	for agentID, conn := range h.agents {
		if conn == c {
			delete(h.agents, agentID)
			delete(h.agentStatus, agentID)
			offline = append(offline, agentID)
		}
	}
	return offline
}

// BindAgent points an agent id at the gateway connection serving it.
// Rebinding to a new connection (gateway reconnect) is the normal path.
func (h *Hub) BindAgent(agentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents[agentID] = c
	h.agentStatus[agentID] = protocol.AgentStatus{
		Type: protocol.ServerAgentStatus, AgentID: agentID, Status: protocol.AgentOnline,
	}
}

// UnbindAgent drops the binding if c still owns it.
func (h *Hub) UnbindAgent(agentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agents[agentID] == c {
		delete(h.agents, agentID)
		delete(h.agentStatus, agentID)
	}
}

// SetAgentStatus caches the latest gateway-reported status.
func (h *Hub) SetAgentStatus(st protocol.AgentStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, online := h.agents[st.AgentID]; online {
		h.agentStatus[st.AgentID] = st
	}
}

// AgentStatusSnapshot returns the cached status for one agent.
func (h *Hub) AgentStatusSnapshot(agentID string) (protocol.AgentStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.agentStatus[agentID]
	return st, ok
}

// JoinRoom subscribes a client connection to a room's live events.
func (h *Hub) JoinRoom(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
}

// LeaveRoom unsubscribes a client connection from a room.
func (h *Hub) LeaveRoom(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFromRoomLocked(roomID, c)
	delete(c.rooms, roomID)
}

func (h *Hub) dropFromRoomLocked(roomID string, c *Conn) {
	set := h.rooms[roomID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, roomID)
	}
}

// InRoom reports whether the connection has joined the room.
func (h *Hub) InRoom(roomID string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// SendToClients fans a frame out to every client joined to the room.
// The payload is serialized once and shared. Returns the number of
// sockets reached.
func (h *Hub) SendToClients(roomID string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("room fan-out marshal failed", "room", roomID, "error", err)
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.send(data) {
			sent++
		}
	}
	return sent
}

// SendToAgent delivers a dispatch envelope to the agent's gateway.
// Fail-soft: false when no gateway serves the agent or its socket is
// saturated; the caller has already persisted the message.
func (h *Hub) SendToAgent(agentID string, env *protocol.SendToAgent) bool {
	return h.SendToAgentGateway(agentID, env)
}

// SendToAgentGateway sends any frame to the gateway serving an agent.
func (h *Hub) SendToAgentGateway(agentID string, payload any) bool {
	h.mu.RLock()
	c, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.sendJSON(payload)
}

// SendToGatewayOf sends a frame to one of the user's gateway
// connections. A non-empty gatewayID pins the target; otherwise any
// connected gateway of the user is picked.
func (h *Hub) SendToGatewayOf(userID, gatewayID string, payload any) bool {
	h.mu.RLock()
	var target *Conn
	for c := range h.gateways[userID] {
		if gatewayID == "" || c.gatewayID == gatewayID {
			target = c
			break
		}
	}
	h.mu.RUnlock()
	if target == nil {
		return false
	}
	return target.sendJSON(payload)
}

// AgentGatewayUser returns the user owning the gateway that serves the
// agent, if any.
func (h *Hub) AgentGatewayUser(agentID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.agents[agentID]
	if !ok {
		return "", false
	}
	return c.userID, true
}

// Broadcast sends a frame to every socket a user owns, clients and
// gateways alike. Used for cross-device sync.
func (h *Hub) Broadcast(userID string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("user broadcast marshal failed", "user", userID, "error", err)
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.clients[userID])+len(h.gateways[userID]))
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	for c := range h.gateways[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.send(data) {
			sent++
		}
	}
	return sent
}

// BroadcastClients is Broadcast restricted to the user's client
// sockets.
func (h *Hub) BroadcastClients(userID string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("client broadcast marshal failed", "user", userID, "error", err)
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.send(data) {
			sent++
		}
	}
	return sent
}

// Stats snapshots the registry for the admin surface.
func (h *Hub) Stats() protocol.StatsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	gw := 0
	for _, set := range h.gateways {
		gw += len(set)
	}
	subs := make(map[string]int, len(h.rooms))
	for roomID, set := range h.rooms {
		subs[roomID] = len(set)
	}
	depths := make(map[string]int, len(h.agentStatus))
	for agentID, st := range h.agentStatus {
		depths[agentID] = st.QueueDepth
	}
	return protocol.StatsSnapshot{
		Type:            protocol.ServerStats,
		ClientConns:     h.totalClients,
		GatewayConns:    gw,
		AgentsOnline:    len(h.agents),
		RoomSubscribers: subs,
		QueueDepths:     depths,
	}
}
