package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/agentim/agentim/internal/store"
)

func TestRoomCreateValidation(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"empty name", map[string]any{"name": "  "}, http.StatusBadRequest},
		{"name too long", map[string]any{"name": strings.Repeat("x", 101)}, http.StatusBadRequest},
		{"prompt too long", map[string]any{"name": "dev", "systemPrompt": strings.Repeat("p", 10001)}, http.StatusBadRequest},
		{"router url link-local", map[string]any{"name": "dev", "routerUrl": "http://169.254.169.254/route"}, http.StatusBadRequest},
		{"ok", map[string]any{"name": "dev"}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/api/rooms", alice.AccessToken, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRoomLifecycle(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice") // server admin
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	room := f.createRoom(t, bob.AccessToken, "dev")
	if room.CreatedBy != bob.User.ID {
		t.Fatalf("createdBy = %q, want %q", room.CreatedBy, bob.User.ID)
	}

	// The creator became the owner member.
	var detail struct {
		Room    *store.Room         `json:"room"`
		Members []*store.RoomMember `json:"members"`
	}
	rec := f.do(t, "GET", "/api/rooms/"+room.ID, bob.AccessToken, nil)
	decodeOK(t, rec, &detail)
	if len(detail.Members) != 1 || detail.Members[0].Role != store.RoleOwner {
		t.Fatalf("members = %+v, want single owner", detail.Members)
	}

	// Outsiders are refused; server admins are not.
	if rec := f.do(t, "GET", "/api/rooms/"+room.ID, carol.AccessToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider get: status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/rooms/"+room.ID, alice.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("server admin get: status = %d, want 200", rec.Code)
	}

	rec = f.do(t, "POST", "/api/rooms/"+room.ID+"/members", bob.AccessToken, map[string]any{
		"memberId": carol.User.ID, "memberType": "user",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add member: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/rooms/"+room.ID, carol.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("member get: status = %d, want 200", rec.Code)
	}

	// Plain members cannot edit the room.
	rec = f.do(t, "PATCH", "/api/rooms/"+room.ID, carol.AccessToken, map[string]any{"name": "hijack"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member patch: status = %d, want 403", rec.Code)
	}
	rec = f.do(t, "PATCH", "/api/rooms/"+room.ID, bob.AccessToken, map[string]any{
		"name": "dev-renamed", "systemPrompt": "be terse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("owner patch: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var updated store.Room
	decodeOK(t, rec, &updated)
	if updated.Name != "dev-renamed" || updated.SystemPrompt != "be terse" {
		t.Fatalf("patched room = %+v", updated)
	}

	// Self-removal is always allowed; removing the owner never is.
	rec = f.do(t, "DELETE", "/api/rooms/"+room.ID+"/members/"+carol.User.ID, carol.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("self leave: status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "DELETE", "/api/rooms/"+room.ID+"/members/"+bob.User.ID, bob.AccessToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("remove owner: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, "DELETE", "/api/rooms/"+room.ID, bob.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete room: status = %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/rooms/"+room.ID, bob.AccessToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted room: status = %d, want 404", rec.Code)
	}
}

func TestMemberRules(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root") // absorb the admin slot
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")
	dave := f.register(t, "dave")

	bobAgent := f.seedAgent(t, bob.User.ID, "bob-claude")
	carolAgent := f.seedAgent(t, carol.User.ID, "carol-codex")

	room := f.createRoom(t, bob.AccessToken, "dev")
	rec := f.do(t, "POST", "/api/rooms/"+room.ID+"/members", bob.AccessToken, map[string]any{
		"memberId": carol.User.ID, "memberType": "user",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add carol: status = %d", rec.Code)
	}

	// Any member may bring an agent they own.
	rec = f.do(t, "POST", "/api/rooms/"+room.ID+"/members", carol.AccessToken, map[string]any{
		"memberId": carolAgent.ID, "memberType": "agent",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("carol adds own agent: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var m store.RoomMember
	decodeOK(t, rec, &m)
	if m.Name != "carol-codex" || m.MemberType != store.MemberAgent {
		t.Fatalf("agent member = %+v", m)
	}

	// But not someone else's agent, and not users.
	rec = f.do(t, "POST", "/api/rooms/"+room.ID+"/members", carol.AccessToken, map[string]any{
		"memberId": bobAgent.ID, "memberType": "agent",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("carol adds bob's agent: status = %d, want 403", rec.Code)
	}
	rec = f.do(t, "POST", "/api/rooms/"+room.ID+"/members", carol.AccessToken, map[string]any{
		"memberId": dave.User.ID, "memberType": "user",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("carol adds dave: status = %d, want 403", rec.Code)
	}

	// The owner can promote carol, after which she can manage members.
	rec = f.do(t, "PATCH", "/api/rooms/"+room.ID+"/members/"+carol.User.ID, bob.AccessToken, map[string]any{
		"role": store.RoleAdmin,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("promote carol: status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "POST", "/api/rooms/"+room.ID+"/members", carol.AccessToken, map[string]any{
		"memberId": dave.User.ID, "memberType": "user",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("room admin adds dave: status = %d", rec.Code)
	}

	// Role assignment stays with the owner, and the owner role is fixed.
	rec = f.do(t, "PATCH", "/api/rooms/"+room.ID+"/members/"+dave.User.ID, carol.AccessToken, map[string]any{
		"role": store.RoleAdmin,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("room admin assigns role: status = %d, want 403", rec.Code)
	}
	rec = f.do(t, "PATCH", "/api/rooms/"+room.ID+"/members/"+bob.User.ID, bob.AccessToken, map[string]any{
		"role": store.RoleMember,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("demote owner: status = %d, want 400", rec.Code)
	}

	// Unknown member ids are rejected outright.
	rec = f.do(t, "POST", "/api/rooms/"+room.ID+"/members", bob.AccessToken, map[string]any{
		"memberId": "ghost", "memberType": "agent",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("add unknown agent: status = %d, want 404", rec.Code)
	}
}

func TestMemberPreferences(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	room := f.createRoom(t, bob.AccessToken, "dev")
	f.do(t, "POST", "/api/rooms/"+room.ID+"/members", bob.AccessToken, map[string]any{
		"memberId": carol.User.ID, "memberType": "user",
	})

	rec := f.do(t, "PATCH", "/api/rooms/"+room.ID+"/members/"+carol.User.ID, carol.AccessToken, map[string]any{
		"pinned": true, "notify": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("own prefs: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var m store.RoomMember
	decodeOK(t, rec, &m)
	if !m.Pinned || m.Notify {
		t.Fatalf("prefs not applied: %+v", m)
	}

	// Nobody edits another member's preferences.
	rec = f.do(t, "PATCH", "/api/rooms/"+room.ID+"/members/"+carol.User.ID, bob.AccessToken, map[string]any{
		"pinned": true,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign prefs: status = %d, want 403", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	room := f.createRoom(t, bob.AccessToken, "dev")
	base := time.Now().Add(-time.Hour).UTC()
	for i := 1; i <= 5; i++ {
		msg := &store.Message{
			ID:         fmt.Sprintf("m%d", i),
			RoomID:     room.ID,
			SenderID:   bob.User.ID,
			SenderType: store.MemberUser,
			SenderName: "bob",
			Content:    fmt.Sprintf("message %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := f.stores.Messages.Insert(context.Background(), msg); err != nil {
			t.Fatalf("insert m%d: %v", i, err)
		}
	}

	var msgs []*store.Message
	rec := f.do(t, "GET", "/api/rooms/"+room.ID+"/messages?limit=2", bob.AccessToken, nil)
	decodeOK(t, rec, &msgs)
	if len(msgs) != 2 || msgs[0].ID != "m4" || msgs[1].ID != "m5" {
		t.Fatalf("recent page = %v, want [m4 m5]", messageIDs(msgs))
	}

	rec = f.do(t, "GET", "/api/rooms/"+room.ID+"/messages?limit=2&before=m4", bob.AccessToken, nil)
	decodeOK(t, rec, &msgs)
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Fatalf("before page = %v, want [m2 m3]", messageIDs(msgs))
	}

	rec = f.do(t, "GET", "/api/rooms/"+room.ID+"/messages?before=m2", bob.AccessToken, nil)
	decodeOK(t, rec, &msgs)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("final page = %v, want [m1]", messageIDs(msgs))
	}

	if rec := f.do(t, "GET", "/api/rooms/"+room.ID+"/messages", carol.AccessToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-member history: status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/rooms/"+room.ID+"/messages?limit=zero", bob.AccessToken, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want 400", rec.Code)
	}
}

func messageIDs(msgs []*store.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
