package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPeekType(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"client auth", `{"type":"client:auth","token":"abc"}`, ClientAuth, false},
		{"dispatch", `{"type":"server:send_to_agent","agentId":"a1"}`, ServerSendToAgent, false},
		{"missing type", `{"token":"abc"}`, "", true},
		{"empty type", `{"type":""}`, "", true},
		{"not json", `type=client:auth`, "", true},
		{"array frame", `[1,2,3]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PeekType([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("PeekType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got type %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatchEnvelopeWireShape(t *testing.T) {
	frame := SendToAgent{
		Type:           ServerSendToAgent,
		AgentID:        "agent-1",
		RoomID:         "room-1",
		MessageID:      "msg-1",
		SenderType:     SenderUser,
		SenderName:     "alice",
		Content:        "@bot hello",
		Mentions:       []string{"bot"},
		RoutingMode:    RouteDirect,
		ConversationID: "conv-1",
		Depth:          0,
		IsMentioned:    true,
	}
	data, err := Encode(frame)
	if err != nil {
		t.Fatal(err)
	}
	// Field names are a wire contract with non-Go peers; pin the
	// camelCase keys.
	for _, key := range []string{
		`"agentId"`, `"roomId"`, `"messageId"`, `"senderType"`,
		`"senderName"`, `"routingMode"`, `"conversationId"`,
		`"depth"`, `"isMentioned"`,
	} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded dispatch missing %s: %s", key, data)
		}
	}

	var back SendToAgent
	if err := Decode(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.RoutingMode != RouteDirect || !back.IsMentioned || back.Depth != 0 {
		t.Errorf("roundtrip mismatch: %+v", back)
	}
}

func TestChunkKindKey(t *testing.T) {
	c := ToolUseChunk("running ls", "Bash", "tool-9")
	data, _ := json.Marshal(c)
	if !strings.Contains(string(data), `"type":"tool_use"`) {
		t.Errorf("chunk kind must serialize under the type key: %s", data)
	}
	if !strings.Contains(string(data), `"toolName":"Bash"`) {
		t.Errorf("tool metadata missing: %s", data)
	}
}
