package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/agentim/agentim/internal/store"
)

func TestListAgents(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	f.seedAgent(t, bob.User.ID, "builder")
	f.seedAgent(t, bob.User.ID, "reviewer")
	f.seedAgent(t, carol.User.ID, "scout")

	var views []agentView
	rec := f.do(t, "GET", "/api/agents", bob.AccessToken, nil)
	decodeOK(t, rec, &views)
	if len(views) != 2 {
		t.Fatalf("bob sees %d agents, want 2", len(views))
	}
	for _, v := range views {
		if v.Connected {
			t.Errorf("agent %s reported connected with no gateway", v.Name)
		}
	}
}

func TestRenameAgentPropagates(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	ag := f.seedAgent(t, bob.User.ID, "helper")
	f.seedAgent(t, bob.User.ID, "other")

	room := f.createRoom(t, bob.AccessToken, "dev")
	rec := f.do(t, "POST", "/api/rooms/"+room.ID+"/members", bob.AccessToken, map[string]any{
		"memberId": ag.ID, "memberType": "agent",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add agent member: status = %d", rec.Code)
	}

	rec = f.do(t, "PATCH", "/api/agents/"+ag.ID, bob.AccessToken, map[string]any{"name": "helper-v2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: status = %d, body %s", rec.Code, rec.Body.String())
	}

	got, err := f.stores.Agents.Get(context.Background(), ag.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "helper-v2" {
		t.Errorf("stored name = %q, want helper-v2", got.Name)
	}

	// Mention routing matches the member row name, so it must follow.
	members, err := f.stores.Rooms.ListMembers(context.Background(), room.ID)
	if err != nil {
		t.Fatal(err)
	}
	var memberName string
	for _, m := range members {
		if m.MemberID == ag.ID {
			memberName = m.Name
		}
	}
	if memberName != "helper-v2" {
		t.Errorf("member row name = %q, want helper-v2", memberName)
	}

	tests := []struct {
		name  string
		token string
		body  map[string]any
		want  int
	}{
		{"duplicate", bob.AccessToken, map[string]any{"name": "other"}, http.StatusConflict},
		{"empty", bob.AccessToken, map[string]any{"name": "  "}, http.StatusBadRequest},
		{"too long", bob.AccessToken, map[string]any{"name": strings.Repeat("n", 65)}, http.StatusBadRequest},
		{"foreign", carol.AccessToken, map[string]any{"name": "stolen"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "PATCH", "/api/agents/"+ag.ID, tt.token, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestDeleteAgentClearsMemberships(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root")
	bob := f.register(t, "bob")

	ag := f.seedAgent(t, bob.User.ID, "helper")
	room := f.createRoom(t, bob.AccessToken, "dev")
	f.do(t, "POST", "/api/rooms/"+room.ID+"/members", bob.AccessToken, map[string]any{
		"memberId": ag.ID, "memberType": "agent",
	})

	rec := f.do(t, "DELETE", "/api/agents/"+ag.ID, bob.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d, body %s", rec.Code, rec.Body.String())
	}

	if _, err := f.stores.Agents.Get(context.Background(), ag.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("agent after delete: err = %v, want ErrNotFound", err)
	}
	members, err := f.stores.Rooms.ListMembers(context.Background(), room.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if m.MemberID == ag.ID {
			t.Error("agent member row survived the delete")
		}
	}
}

func TestStopAgentOffline(t *testing.T) {
	f := newTestAPI(t)
	bob := f.register(t, "bob")
	ag := f.seedAgent(t, bob.User.ID, "helper")

	rec := f.do(t, "POST", "/api/agents/"+ag.ID+"/stop", bob.AccessToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if msg := decodeErr(t, rec); msg != "agent is offline" {
		t.Errorf("error = %q", msg)
	}
}

func TestSpawnAgentValidation(t *testing.T) {
	f := newTestAPI(t)
	bob := f.register(t, "bob")
	f.seedAgent(t, bob.User.ID, "dev-bot")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing type", map[string]any{"name": "fresh"}, http.StatusBadRequest},
		{"missing name", map[string]any{"agentType": "claude-code"}, http.StatusBadRequest},
		{"name too long", map[string]any{"agentType": "claude-code", "name": strings.Repeat("a", 65)}, http.StatusBadRequest},
		{"duplicate name", map[string]any{"agentType": "claude-code", "name": "dev-bot"}, http.StatusConflict},
		{"no gateway", map[string]any{"agentType": "claude-code", "name": "fresh"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/api/agents/spawn", bob.AccessToken, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := f.do(t, "POST", "/api/agents/spawn", bob.AccessToken, map[string]any{
		"agentType": "claude-code", "name": "fresh",
	})
	if msg := decodeErr(t, rec); msg != "no gateway connected" {
		t.Errorf("offline spawn error = %q", msg)
	}
}

func TestWorkspaceValidation(t *testing.T) {
	f := newTestAPI(t)
	f.register(t, "root")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")
	ag := f.seedAgent(t, bob.User.ID, "helper")

	tests := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{"bad op", bob.AccessToken, "/api/agents/" + ag.ID + "/workspace?op=format", http.StatusBadRequest},
		{"read without path", bob.AccessToken, "/api/agents/" + ag.ID + "/workspace?op=read", http.StatusBadRequest},
		{"bad maxBytes", bob.AccessToken, "/api/agents/" + ag.ID + "/workspace?op=read&path=go.mod&maxBytes=-1", http.StatusBadRequest},
		{"offline", bob.AccessToken, "/api/agents/" + ag.ID + "/workspace?op=status", http.StatusConflict},
		{"foreign", carol.AccessToken, "/api/agents/" + ag.ID + "/workspace?op=status", http.StatusForbidden},
		{"unknown agent", bob.AccessToken, "/api/agents/nope/workspace?op=status", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "GET", tt.path, tt.token, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}
