// Package protocol defines the WebSocket frame taxonomy shared by the
// broker, the gateway daemon, and web clients. Every frame is a single
// JSON object with a mandatory "type" field; the remaining fields are
// the frame's payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → broker frame types.
const (
	ClientAuth               = "client:auth"
	ClientJoinRoom           = "client:join_room"
	ClientLeaveRoom          = "client:leave_room"
	ClientSendMessage        = "client:send_message"
	ClientTyping             = "client:typing"
	ClientReadReceipt        = "client:read_receipt"
	ClientAgentCommand       = "client:agent_command"
	ClientQueryAgentInfo     = "client:query_agent_info"
	ClientPermissionResponse = "client:permission_response"
)

// Gateway → broker frame types.
const (
	GatewayAuth               = "gateway:auth"
	GatewayRegisterAgent      = "gateway:register_agent"
	GatewayUnregisterAgent    = "gateway:unregister_agent"
	GatewayAgentStatus        = "gateway:agent_status"
	GatewayMessageChunk       = "gateway:message_chunk"
	GatewayMessageComplete    = "gateway:message_complete"
	GatewayPermissionRequest  = "gateway:permission_request"
	GatewayPermissionResponse = "gateway:permission_response"
	GatewaySpawnResult        = "gateway:spawn_result"
	GatewayWorkspaceResponse  = "gateway:workspace_response"
	GatewayAgentCommandResult = "gateway:agent_command_result"
	GatewayAgentInfo          = "gateway:agent_info"
)

// Broker → client frame types.
const (
	ServerAuthResult         = "server:auth_result"
	ServerMessage            = "server:message"
	ServerMessageChunk       = "server:message_chunk"
	ServerMessageComplete    = "server:message_complete"
	ServerRoomContext        = "server:room_context"
	ServerAgentStatus        = "server:agent_status"
	ServerAgentCommandResult = "server:agent_command_result"
	ServerAgentInfo          = "server:agent_info"
	ServerPermissionRequest  = "server:permission_request"
	ServerPermissionResponse = "server:permission_response"
	ServerReadReceipt        = "server:read_receipt"
	ServerTyping             = "server:typing"
	ServerRoomUpdated        = "server:room_updated"
	ServerError              = "server:error"
)

// Broker → gateway frame types. ServerRoomContext and
// ServerPermissionResponse are shared with the client surface.
const (
	ServerGatewayAuthResult   = "server:gateway_auth_result"
	ServerRegisterAgentResult = "server:register_agent_result"
	ServerSendToAgent         = "server:send_to_agent"
	ServerStopAgent           = "server:stop_agent"
	ServerRemoveAgent         = "server:remove_agent"
	ServerAgentCommand        = "server:agent_command"
	ServerQueryAgentInfo      = "server:query_agent_info"
	ServerSpawnAgent          = "server:spawn_agent"
	ServerRequestWorkspace    = "server:request_workspace"
)

// Admin socket frame types. The admin surface shares the auth module
// with the other two endpoints; it only serves registry snapshots.
const (
	AdminStats       = "admin:stats"
	ServerStats      = "server:stats"
	ServerSystemNote = "server:system_note"
)

// WebSocket close codes. 1008 is the standard policy-violation code;
// 4401 is the private-range code used for auth failures so clients can
// distinguish "re-login" from "bad frame".
const (
	CloseMalformedFrame = 1008
	CloseAuthFailure    = 4401
)

// Connection refusal reasons carried in AuthResult when a cap is hit.
const (
	RefuseTooManyConnections = "too_many_connections"
	RefuseServerFull         = "server_full"
	RefuseTooManyGateways    = "too_many_gateways"
	RefuseTokenInvalid       = "token_invalid"
	RefuseTokenRevoked       = "token_revoked"
)

// Routing modes stamped on dispatch envelopes.
const (
	RouteDirect    = "direct"
	RouteBroadcast = "broadcast"
	RouteNone      = "none"
)

// Sender types.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Agent status values reported by gateways and fanned out to clients.
const (
	AgentOnline  = "online"
	AgentBusy    = "busy"
	AgentError   = "error"
	AgentOffline = "offline"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// head is the minimal probe used to pick a frame's type before the
// full payload is decoded.
type head struct {
	Type string `json:"type"`
}

// PeekType returns the frame type of a raw frame without decoding the
// payload. An empty type is an error: the field is mandatory.
func PeekType(data []byte) (string, error) {
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("frame missing type field")
	}
	return h.Type, nil
}

// Encode marshals a payload struct. The struct's Type field must
// already be set; helpers in payloads.go construct frames with the
// right constant.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a raw frame into the given payload struct.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
