package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/pkg/protocol"
)

const maxRoomNameLen = 100

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	userID := store.UserIDFromContext(r.Context())
	var req struct {
		Name          string `json:"name"`
		BroadcastMode bool   `json:"broadcastMode"`
		SystemPrompt  string `json:"systemPrompt"`
		RouterURL     string `json:"routerUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxRoomNameLen {
		writeErr(w, http.StatusBadRequest, "room name must be 1-100 characters")
		return
	}
	if len(req.SystemPrompt) > store.MaxSystemPromptLen {
		writeErr(w, http.StatusBadRequest, "system prompt exceeds 10000 characters")
		return
	}
	if req.RouterURL != "" {
		if err := a.guard.Check(r.Context(), req.RouterURL); err != nil {
			writeErr(w, http.StatusBadRequest, "router url refused: "+err.Error())
			return
		}
	}

	u, err := a.currentUser(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "account gone")
		return
	}
	room := &store.Room{
		ID:            uuid.NewString(),
		Name:          req.Name,
		BroadcastMode: req.BroadcastMode,
		SystemPrompt:  req.SystemPrompt,
		RouterURL:     req.RouterURL,
		CreatedBy:     userID,
	}
	if err := a.stores.Rooms.Create(r.Context(), room); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	owner := &store.RoomMember{
		RoomID:     room.ID,
		MemberID:   userID,
		MemberType: store.MemberUser,
		Name:       u.Username,
		Role:       store.RoleOwner,
		Notify:     true,
	}
	if err := a.stores.Rooms.AddMember(r.Context(), owner); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusCreated, room)
}

func (a *API) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.stores.Rooms.ListForMember(r.Context(), store.UserIDFromContext(r.Context()))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, rooms)
}

func (a *API) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, members, ok := a.memberRoom(w, r)
	if !ok {
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"room": room, "members": members})
}

func (a *API) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	room, members, ok := a.memberRoom(w, r)
	if !ok {
		return
	}
	if !a.canManage(r, members) {
		writeErr(w, http.StatusForbidden, "room owner or admin required")
		return
	}

	var req struct {
		Name          *string `json:"name"`
		BroadcastMode *bool   `json:"broadcastMode"`
		SystemPrompt  *string `json:"systemPrompt"`
		RouterURL     *string `json:"routerUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > maxRoomNameLen {
			writeErr(w, http.StatusBadRequest, "room name must be 1-100 characters")
			return
		}
		room.Name = name
	}
	if req.BroadcastMode != nil {
		room.BroadcastMode = *req.BroadcastMode
	}
	if req.SystemPrompt != nil {
		if len(*req.SystemPrompt) > store.MaxSystemPromptLen {
			writeErr(w, http.StatusBadRequest, "system prompt exceeds 10000 characters")
			return
		}
		room.SystemPrompt = *req.SystemPrompt
	}
	if req.RouterURL != nil {
		if *req.RouterURL != "" {
			if err := a.guard.Check(r.Context(), *req.RouterURL); err != nil {
				writeErr(w, http.StatusBadRequest, "router url refused: "+err.Error())
				return
			}
		}
		room.RouterURL = *req.RouterURL
	}

	if err := a.stores.Rooms.Update(r.Context(), room); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.notifyRoom(r.Context(), room.ID, "updated", true)
	writeOK(w, http.StatusOK, room)
}

func (a *API) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	room, members, ok := a.memberRoom(w, r)
	if !ok {
		return
	}
	if !a.canManage(r, members) {
		writeErr(w, http.StatusForbidden, "room owner or admin required")
		return
	}
	// Tell watchers before the member rows disappear.
	a.notifyRoom(r.Context(), room.ID, "deleted", false)
	if err := a.stores.Rooms.Delete(r.Context(), room.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, nil)
}

// handleAddMember adds a user or agent to a room. Any member may bring
// an agent they own; adding users or other members' agents takes the
// owner or admin role.
func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	userID := store.UserIDFromContext(r.Context())
	room, members, ok := a.memberRoom(w, r)
	if !ok {
		return
	}

	var req struct {
		MemberID   string `json:"memberId"`
		MemberType string `json:"memberType"`
		Role       string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Role == "" {
		req.Role = store.RoleMember
	}
	if req.Role != store.RoleMember && req.Role != store.RoleAdmin {
		writeErr(w, http.StatusBadRequest, "role must be member or admin")
		return
	}

	m := &store.RoomMember{
		RoomID:     room.ID,
		MemberID:   req.MemberID,
		MemberType: req.MemberType,
		Role:       req.Role,
		Notify:     true,
	}
	switch req.MemberType {
	case store.MemberUser:
		if !a.canManage(r, members) {
			writeErr(w, http.StatusForbidden, "room owner or admin required")
			return
		}
		u, err := a.stores.Users.GetByID(r.Context(), req.MemberID)
		if err != nil {
			writeErr(w, http.StatusNotFound, "user not found")
			return
		}
		m.Name = u.Username
	case store.MemberAgent:
		ag, err := a.stores.Agents.Get(r.Context(), req.MemberID)
		if err != nil {
			writeErr(w, http.StatusNotFound, "agent not found")
			return
		}
		if ag.UserID != userID && !a.canManage(r, members) {
			writeErr(w, http.StatusForbidden, "agent belongs to another user")
			return
		}
		m.Name = ag.Name
	default:
		writeErr(w, http.StatusBadRequest, "memberType must be user or agent")
		return
	}

	if err := a.stores.Rooms.AddMember(r.Context(), m); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.notifyRoom(r.Context(), room.ID, "member_added", m.MemberType == store.MemberAgent)
	if m.MemberType == store.MemberUser {
		// The added user is not joined to the room socket yet.
		a.broker.Hub().BroadcastClients(m.MemberID, protocol.RoomUpdated{
			Type: protocol.ServerRoomUpdated, RoomID: room.ID, Action: "member_added",
		})
	}
	writeOK(w, http.StatusCreated, m)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	userID := store.UserIDFromContext(r.Context())
	room, members, ok := a.memberRoom(w, r)
	if !ok {
		return
	}
	memberID := r.PathValue("memberID")

	var target *store.RoomMember
	for _, m := range members {
		if m.MemberID == memberID {
			target = m
			break
		}
	}
	if target == nil {
		writeErr(w, http.StatusNotFound, "not a room member")
		return
	}
	if target.Role == store.RoleOwner {
		writeErr(w, http.StatusBadRequest, "the owner cannot leave; delete the room instead")
		return
	}

	allowed := a.canManage(r, members) || memberID == userID
	if !allowed && target.MemberType == store.MemberAgent {
		if ag, err := a.stores.Agents.Get(r.Context(), memberID); err == nil && ag.UserID == userID {
			allowed = true
		}
	}
	if !allowed {
		writeErr(w, http.StatusForbidden, "room owner or admin required")
		return
	}

	if err := a.stores.Rooms.RemoveMember(r.Context(), room.ID, memberID); err != nil {
		if errors.Is(err, store.ErrNotMember) {
			writeErr(w, http.StatusNotFound, "not a room member")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.notifyRoom(r.Context(), room.ID, "member_removed", true)
	writeOK(w, http.StatusOK, nil)
}

// handleUpdateMember covers two distinct edits: members changing their
// own notify/pinned/archived flags, and the room owner changing roles.
func (a *API) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	userID := store.UserIDFromContext(r.Context())
	_, members, ok := a.memberRoom(w, r)
	if !ok {
		return
	}
	memberID := r.PathValue("memberID")

	var target *store.RoomMember
	for _, m := range members {
		if m.MemberID == memberID {
			target = m
			break
		}
	}
	if target == nil {
		writeErr(w, http.StatusNotFound, "not a room member")
		return
	}

	var req struct {
		Notify   *bool   `json:"notify"`
		Pinned   *bool   `json:"pinned"`
		Archived *bool   `json:"archived"`
		Role     *string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Notify != nil || req.Pinned != nil || req.Archived != nil {
		if memberID != userID {
			writeErr(w, http.StatusForbidden, "preferences are per member")
			return
		}
		if req.Notify != nil {
			target.Notify = *req.Notify
		}
		if req.Pinned != nil {
			target.Pinned = *req.Pinned
		}
		if req.Archived != nil {
			target.Archived = *req.Archived
		}
	}
	if req.Role != nil {
		if !a.isRoomOwner(r, members) {
			writeErr(w, http.StatusForbidden, "only the owner assigns roles")
			return
		}
		if target.Role == store.RoleOwner {
			writeErr(w, http.StatusBadRequest, "the owner role cannot be reassigned")
			return
		}
		if *req.Role != store.RoleMember && *req.Role != store.RoleAdmin {
			writeErr(w, http.StatusBadRequest, "role must be member or admin")
			return
		}
		target.Role = *req.Role
	}

	if err := a.stores.Rooms.UpdateMember(r.Context(), target); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, target)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	room, _, ok := a.memberRoom(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var msgs []*store.Message
	var err error
	if before := r.URL.Query().Get("before"); before != "" {
		msgs, err = a.stores.Messages.ListBefore(r.Context(), room.ID, before, limit)
	} else {
		msgs, err = a.stores.Messages.ListRecent(r.Context(), room.ID, limit)
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeOK(w, http.StatusOK, msgs)
}

// memberRoom loads the {id} room and its member list and enforces that
// the caller belongs to it. Writes the error response itself.
func (a *API) memberRoom(w http.ResponseWriter, r *http.Request) (*store.Room, []*store.RoomMember, bool) {
	userID := store.UserIDFromContext(r.Context())
	room, err := a.stores.Rooms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "room not found")
		} else {
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return nil, nil, false
	}
	members, err := a.stores.Rooms.ListMembers(r.Context(), room.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}
	for _, m := range members {
		if m.MemberID == userID {
			return room, members, true
		}
	}
	if u, err := a.currentUser(r); err == nil && u.IsAdmin {
		return room, members, true
	}
	writeErr(w, http.StatusForbidden, "not a room member")
	return nil, nil, false
}

// canManage reports whether the caller holds the owner or admin role in
// the room, or is a server admin.
func (a *API) canManage(r *http.Request, members []*store.RoomMember) bool {
	userID := store.UserIDFromContext(r.Context())
	for _, m := range members {
		if m.MemberID == userID {
			if m.Role == store.RoleOwner || m.Role == store.RoleAdmin {
				return true
			}
			break
		}
	}
	u, err := a.currentUser(r)
	return err == nil && u.IsAdmin
}

func (a *API) isRoomOwner(r *http.Request, members []*store.RoomMember) bool {
	userID := store.UserIDFromContext(r.Context())
	for _, m := range members {
		if m.MemberID == userID {
			return m.Role == store.RoleOwner
		}
	}
	u, err := a.currentUser(r)
	return err == nil && u.IsAdmin
}

// notifyRoom fans a room_updated frame to joined clients and, when the
// change affects what agents see, refreshes their contexts.
func (a *API) notifyRoom(ctx context.Context, roomID, action string, refreshAgents bool) {
	a.broker.Hub().SendToClients(roomID, protocol.RoomUpdated{
		Type:   protocol.ServerRoomUpdated,
		RoomID: roomID,
		Action: action,
	})
	if refreshAgents {
		// Push on a detached context; the HTTP request may finish first.
		go a.broker.PushRoomContextForRoom(context.WithoutCancel(ctx), roomID)
	}
}
