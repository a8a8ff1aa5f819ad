package protocol

import "encoding/json"

// AuthFrame is the first frame on both the client and gateway sockets.
// GatewayID is mandatory on the gateway socket and ignored on the
// client socket.
type AuthFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	GatewayID string `json:"gatewayId,omitempty"`
}

// AuthResult acknowledges (or refuses) an auth attempt. Reason is one
// of the Refuse* constants when OK is false.
type AuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type JoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// SendMessage is a client utterance. Mentions is advisory only: the
// broker re-parses mentions from Content and ignores this list for
// routing decisions.
type SendMessage struct {
	Type        string   `json:"type"`
	RoomID      string   `json:"roomId"`
	Content     string   `json:"content"`
	Mentions    []string `json:"mentions,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ReplyTo     string   `json:"replyTo,omitempty"`
}

type Typing struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

type ReadReceipt struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId"`
}

// AgentCommand executes a slash command on an agent. RequestID
// correlates the eventual AgentCommandResult.
type AgentCommand struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	AgentID   string   `json:"agentId"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

type AgentCommandResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
}

type QueryAgentInfo struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId"`
}

// AgentInfo is the gateway's answer to QueryAgentInfo.
type AgentInfo struct {
	Type          string         `json:"type"`
	RequestID     string         `json:"requestId"`
	AgentID       string         `json:"agentId"`
	Model         string         `json:"model,omitempty"`
	ThinkingMode  string         `json:"thinkingMode,omitempty"`
	EffortLevel   string         `json:"effortLevel,omitempty"`
	MCPServers    []string       `json:"mcpServers,omitempty"`
	SlashCommands []SlashCommand `json:"slashCommands,omitempty"`
	Cost          *CostSummary   `json:"cost,omitempty"`
	Status        string         `json:"status,omitempty"`
	QueueDepth    int            `json:"queueDepth"`
}

// RegisterAgent binds (gatewayId, agentId) in the broker. AgentID is
// stable across reconnects: a gateway re-registers with the id it was
// previously assigned so room memberships survive.
type RegisterAgent struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agentId,omitempty"`
	Name         string   `json:"name"`
	AgentType    string   `json:"agentType"`
	WorkingDir   string   `json:"workingDir,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterAgentResult carries the broker-assigned agent id back so the
// gateway can persist it.
type RegisterAgentResult struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type UnregisterAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// AgentStatus is pushed by the gateway on every status or queue-depth
// transition so the broker can throttle senders.
type AgentStatus struct {
	Type       string `json:"type"`
	AgentID    string `json:"agentId"`
	Status     string `json:"status"`
	QueueDepth int    `json:"queueDepth"`
}

// SendToAgent is the routing engine's dispatch envelope. Delivery is
// at-least-once; consumers treat MessageID as idempotent.
type SendToAgent struct {
	Type           string   `json:"type"`
	AgentID        string   `json:"agentId"`
	RoomID         string   `json:"roomId"`
	MessageID      string   `json:"messageId"`
	SenderType     string   `json:"senderType"`
	SenderName     string   `json:"senderName"`
	Content        string   `json:"content"`
	Mentions       []string `json:"mentions,omitempty"`
	RoutingMode    string   `json:"routingMode"`
	ConversationID string   `json:"conversationId"`
	Depth          int      `json:"depth"`
	IsMentioned    bool     `json:"isMentioned"`
}

// MessageChunk relays one streaming chunk from an agent turn to the
// room's clients.
type MessageChunk struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Chunk     Chunk  `json:"chunk"`
}

// MessageComplete terminates an agent turn. FullContent is the
// concatenation of the turn's text chunks, or an "Error: ..." string
// when the turn failed. The broker persists it and re-enters routing.
type MessageComplete struct {
	Type           string  `json:"type"`
	AgentID        string  `json:"agentId"`
	RoomID         string  `json:"roomId"`
	MessageID      string  `json:"messageId"`
	ConversationID string  `json:"conversationId,omitempty"`
	Depth          int     `json:"depth,omitempty"`
	FullContent    string  `json:"fullContent"`
	Chunks         []Chunk `json:"chunks,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// PermissionRequest asks the owning user to approve a tool call.
type PermissionRequest struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId"`
	AgentID     string          `json:"agentId"`
	AgentName   string          `json:"agentName,omitempty"`
	RoomID      string          `json:"roomId,omitempty"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs"`
	ExpiresAtMs int64           `json:"expiresAtMs"`
}

// PermissionResponse resolves a pending request. Behavior is
// BehaviorAllow or BehaviorDeny.
type PermissionResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId,omitempty"`
	Behavior  string `json:"behavior"`
}

// RoomContextMember is one room member in a context snapshot.
type RoomContextMember struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	AgentType string `json:"agentType,omitempty"`
	Status    string `json:"status,omitempty"`
}

// RoomContextMessage is one recent message in a context snapshot.
type RoomContextMessage struct {
	ID         string `json:"id"`
	SenderName string `json:"senderName"`
	SenderType string `json:"senderType"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}

// RoomUpdated tells clients a room's metadata or membership changed;
// they refetch over REST. Action is one of updated, deleted,
// member_added, member_removed.
type RoomUpdated struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Action string `json:"action"`
}

// RoomContext is the snapshot pushed to an agent's gateway on join,
// member change, room edit, and reconnect.
type RoomContext struct {
	Type           string               `json:"type"`
	AgentID        string               `json:"agentId"`
	RoomID         string               `json:"roomId"`
	RoomName       string               `json:"roomName"`
	SystemPrompt   string               `json:"systemPrompt,omitempty"`
	Members        []RoomContextMember  `json:"members"`
	RecentMessages []RoomContextMessage `json:"recentMessages,omitempty"`
}

type StopAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type RemoveAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// SpawnAgent asks a gateway to create a new adapter instance.
type SpawnAgent struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	AgentType  string `json:"agentType"`
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir,omitempty"`
}

type SpawnResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	AgentID   string `json:"agentId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Workspace operations the broker can proxy to a gateway.
const (
	WorkspaceOpStatus = "status"
	WorkspaceOpList   = "list"
	WorkspaceOpRead   = "read"
)

type RequestWorkspace struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId"`
	Op        string `json:"op"`
	Path      string `json:"path,omitempty"`
	MaxBytes  int64  `json:"maxBytes,omitempty"`
}

// DirEntry is one entry in a workspace directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type WorkspaceResponse struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId"`
	AgentID   string           `json:"agentId"`
	OK        bool             `json:"ok"`
	Status    *WorkspaceStatus `json:"status,omitempty"`
	Entries   []DirEntry       `json:"entries,omitempty"`
	Content   string           `json:"content,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// MessageView is the persisted-message shape fanned out to clients in
// ServerMessage frames.
type MessageView struct {
	ID             string   `json:"id"`
	RoomID         string   `json:"roomId"`
	SenderID       string   `json:"senderId"`
	SenderType     string   `json:"senderType"`
	SenderName     string   `json:"senderName"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
	Mentions       []string `json:"mentions,omitempty"`
	ReplyTo        string   `json:"replyTo,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Depth          int      `json:"depth,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
}

// ServerMessageFrame wraps a persisted message for fan-out.
type ServerMessageFrame struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

// ErrorFrame reports a per-frame failure without closing the socket.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StatsRequest and StatsSnapshot serve the admin socket.
type StatsRequest struct {
	Type string `json:"type"`
}

type StatsSnapshot struct {
	Type            string         `json:"type"`
	ClientConns     int            `json:"clientConns"`
	GatewayConns    int            `json:"gatewayConns"`
	AgentsOnline    int            `json:"agentsOnline"`
	RoomSubscribers map[string]int `json:"roomSubscribers,omitempty"`
	QueueDepths     map[string]int `json:"queueDepths,omitempty"`
}

// SystemNote is a broker-originated notice rendered inline in a room
// (permission reminders, auto-deny notices, rate-limit notes).
type SystemNote struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}
