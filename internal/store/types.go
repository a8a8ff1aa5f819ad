package store

import (
	"encoding/json"
	"time"
)

// User is an account that owns gateways, agents, and rooms.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Room is a conversation channel with a member list and optional
// system prompt (capped at 10k characters).
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	BroadcastMode bool      `json:"broadcastMode"`
	SystemPrompt  string    `json:"systemPrompt,omitempty"`
	RouterURL     string    `json:"routerUrl,omitempty"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// MaxSystemPromptLen bounds Room.SystemPrompt.
const MaxSystemPromptLen = 10000

// Member types and roles.
const (
	MemberUser  = "user"
	MemberAgent = "agent"

	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// RoomMember is one member of a room, user or agent.
type RoomMember struct {
	RoomID     string    `json:"roomId"`
	MemberID   string    `json:"memberId"`
	MemberType string    `json:"memberType"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Notify     bool      `json:"notify"`
	Pinned     bool      `json:"pinned"`
	Archived   bool      `json:"archived"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Message is an immutable chat record. Depth is 0 for user-originated
// messages and +1 per agent relay; Chunks is the replay log of an
// agent turn's streaming output.
type Message struct {
	ID             string          `json:"id"`
	RoomID         string          `json:"roomId"`
	SenderID       string          `json:"senderId"`
	SenderType     string          `json:"senderType"`
	SenderName     string          `json:"senderName"`
	Content        string          `json:"content"`
	Attachments    []string        `json:"attachments,omitempty"`
	Mentions       []string        `json:"mentions,omitempty"`
	ReplyTo        string          `json:"replyTo,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Depth          int             `json:"depth"`
	Chunks         json.RawMessage `json:"chunks,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Agent is a registered AI participant. It is owned by its gateway:
// when the gateway disconnects the agent goes offline but is not
// deleted. Name is unique within the owning user's scope.
type Agent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	GatewayID    string    `json:"gatewayId"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	WorkingDir   string    `json:"workingDir,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       string    `json:"status"`
	LastOnlineAt time.Time `json:"lastOnlineAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Setting is one persisted configuration row. Sensitive values are
// stored encrypted; Value here is always the stored (possibly
// ciphertext) form.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Sensitive bool      `json:"sensitive"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Revocation marks every token of a user issued before RevokedAtMs as
// invalid. Rows expire with the refresh-token horizon.
type Revocation struct {
	UserID      string    `json:"userId"`
	RevokedAtMs int64     `json:"revokedAtMs"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RefreshToken is stored hashed; the raw token never touches the DB.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Upload is file-upload metadata; bytes live on disk under the data
// directory, referenced from messages by id.
type Upload struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Path        string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}
