package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

const (
	maxAgentNameLen = 64

	// spawnTimeout covers adapter startup on the gateway; workspace
	// reads are near-instant by comparison.
	spawnTimeout     = 30 * time.Second
	workspaceTimeout = 10 * time.Second
)

// agentView is a stored agent enriched with live connection state.
type agentView struct {
	*store.Agent
	Connected  bool `json:"connected"`
	QueueDepth int  `json:"queueDepth"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.stores.Agents.ListByUser(r.Context(), store.UserIDFromContext(r.Context()))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	hub := a.broker.Hub()
	views := make([]agentView, 0, len(agents))
	for _, ag := range agents {
		v := agentView{Agent: ag}
		if st, ok := hub.AgentStatusSnapshot(ag.ID); ok {
			v.Connected = true
			v.QueueDepth = st.QueueDepth
			ag.Status = st.Status
		} else if _, online := hub.AgentGatewayUser(ag.ID); online {
			v.Connected = true
		}
		views = append(views, v)
	}
	writeOK(w, http.StatusOK, views)
}

// handleRenameAgent renames an agent and propagates the new name to
// every room membership, since mention routing matches on it.
func (a *API) handleRenameAgent(w http.ResponseWriter, r *http.Request) {
	ag, ok := a.ownAgent(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxAgentNameLen {
		writeErr(w, http.StatusBadRequest, "agent name must be 1-64 characters")
		return
	}

	if err := a.stores.Agents.Rename(r.Context(), ag.ID, req.Name); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			writeErr(w, http.StatusConflict, "agent name already in use")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.stores.Rooms.RenameMember(r.Context(), ag.ID, req.Name); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	ag.Name = req.Name

	rooms, err := a.stores.Rooms.RoomsWithAgent(r.Context(), ag.ID)
	if err == nil {
		for _, roomID := range rooms {
			a.notifyRoom(r.Context(), roomID, "updated", true)
		}
	}
	writeOK(w, http.StatusOK, ag)
}

// handleDeleteAgent removes the agent everywhere: its gateway is told
// to dispose the adapter, room memberships are dropped, and finally the
// row is deleted.
func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	ag, ok := a.ownAgent(w, r)
	if !ok {
		return
	}
	hub := a.broker.Hub()
	hub.SendToAgentGateway(ag.ID, protocol.RemoveAgent{
		Type: protocol.ServerRemoveAgent, AgentID: ag.ID,
	})

	rooms, err := a.stores.Rooms.RoomsWithAgent(r.Context(), ag.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, roomID := range rooms {
		if err := a.stores.Rooms.RemoveMember(r.Context(), roomID, ag.ID); err != nil && !errors.Is(err, store.ErrNotMember) {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.notifyRoom(r.Context(), roomID, "member_removed", true)
	}
	if err := a.stores.Agents.Delete(r.Context(), ag.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("agent deleted", "agent", ag.ID, "name", ag.Name)
	writeOK(w, http.StatusOK, nil)
}

// handleStopAgent interrupts the agent's current turn. Fire and forget:
// the gateway reports the outcome through its normal status frames.
func (a *API) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	ag, ok := a.ownAgent(w, r)
	if !ok {
		return
	}
	sent := a.broker.Hub().SendToAgentGateway(ag.ID, protocol.StopAgent{
		Type: protocol.ServerStopAgent, AgentID: ag.ID,
	})
	if !sent {
		writeErr(w, http.StatusConflict, "agent is offline")
		return
	}
	writeOK(w, http.StatusAccepted, nil)
}

// handleSpawnAgent asks one of the user's connected gateways to start a
// new adapter and blocks until the gateway reports the outcome.
func (a *API) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	userID := store.UserIDFromContext(r.Context())
	var req struct {
		AgentType  string `json:"agentType"`
		Name       string `json:"name"`
		WorkingDir string `json:"workingDir"`
		GatewayID  string `json:"gatewayId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.AgentType == "" || req.Name == "" {
		writeErr(w, http.StatusBadRequest, "agentType and name are required")
		return
	}
	if len(req.Name) > maxAgentNameLen {
		writeErr(w, http.StatusBadRequest, "agent name must be 1-64 characters")
		return
	}
	if _, err := a.stores.Agents.GetByName(r.Context(), userID, req.Name); err == nil {
		writeErr(w, http.StatusConflict, "agent name already in use")
		return
	}

	requestID := uuid.NewString()
	pending := a.broker.Pending()
	ch := pending.Await(requestID)
	sent := a.broker.Hub().SendToGatewayOf(userID, req.GatewayID, protocol.SpawnAgent{
		Type:       protocol.ServerSpawnAgent,
		RequestID:  requestID,
		AgentType:  req.AgentType,
		Name:       req.Name,
		WorkingDir: req.WorkingDir,
	})
	if !sent {
		pending.Cancel(requestID)
		writeErr(w, http.StatusConflict, "no gateway connected")
		return
	}

	select {
	case v := <-ch:
		res, ok := v.(protocol.SpawnResult)
		if !ok {
			writeErr(w, http.StatusBadGateway, "unexpected gateway reply")
			return
		}
		if !res.OK {
			writeErr(w, http.StatusBadGateway, res.Error)
			return
		}
		writeOK(w, http.StatusCreated, map[string]string{"agentId": res.AgentID})
	case <-time.After(spawnTimeout):
		pending.Cancel(requestID)
		writeErr(w, http.StatusGatewayTimeout, "gateway did not respond")
	case <-r.Context().Done():
		pending.Cancel(requestID)
	}
}

// handleWorkspace proxies a workspace probe, directory listing, or
// bounded file read to the agent's gateway.
func (a *API) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	ag, ok := a.ownAgent(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	op := q.Get("op")
	switch op {
	case protocol.WorkspaceOpStatus, protocol.WorkspaceOpList, protocol.WorkspaceOpRead:
	default:
		writeErr(w, http.StatusBadRequest, "op must be status, list, or read")
		return
	}
	if op == protocol.WorkspaceOpRead && q.Get("path") == "" {
		writeErr(w, http.StatusBadRequest, "read requires a path")
		return
	}
	var maxBytes int64
	if v := q.Get("maxBytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeErr(w, http.StatusBadRequest, "maxBytes must be a positive integer")
			return
		}
		maxBytes = n
	}

	requestID := uuid.NewString()
	pending := a.broker.Pending()
	ch := pending.Await(requestID)
	sent := a.broker.Hub().SendToAgentGateway(ag.ID, protocol.RequestWorkspace{
		Type:      protocol.ServerRequestWorkspace,
		RequestID: requestID,
		AgentID:   ag.ID,
		Op:        op,
		Path:      q.Get("path"),
		MaxBytes:  maxBytes,
	})
	if !sent {
		pending.Cancel(requestID)
		writeErr(w, http.StatusConflict, "agent is offline")
		return
	}

	select {
	case v := <-ch:
		res, ok := v.(protocol.WorkspaceResponse)
		if !ok {
			writeErr(w, http.StatusBadGateway, "unexpected gateway reply")
			return
		}
		if !res.OK {
			writeErr(w, http.StatusBadGateway, res.Error)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{
			"op":        op,
			"status":    res.Status,
			"entries":   res.Entries,
			"content":   res.Content,
			"truncated": res.Truncated,
		})
	case <-time.After(workspaceTimeout):
		pending.Cancel(requestID)
		writeErr(w, http.StatusGatewayTimeout, "gateway did not respond")
	case <-r.Context().Done():
		pending.Cancel(requestID)
	}
}

// ownAgent loads the {id} agent and enforces ownership. Writes the
// error response itself.
func (a *API) ownAgent(w http.ResponseWriter, r *http.Request) (*store.Agent, bool) {
	ag, err := a.stores.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "agent not found")
		} else {
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	if ag.UserID != store.UserIDFromContext(r.Context()) {
		writeErr(w, http.StatusForbidden, "agent belongs to another user")
		return nil, false
	}
	return ag, true
}
