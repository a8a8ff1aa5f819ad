package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("name already in use")
	ErrNotMember     = errors.New("not a room member")
)

// RecentMessagesHardMax caps any recent-message query regardless of
// what the caller asks for.
const RecentMessagesHardMax = 50

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Count(ctx context.Context) (int, error)
}

// RoomStore persists rooms and their member sets.
type RoomStore interface {
	Create(ctx context.Context, r *Room) error
	Get(ctx context.Context, id string) (*Room, error)
	Update(ctx context.Context, r *Room) error
	Delete(ctx context.Context, id string) error
	ListForMember(ctx context.Context, memberID string) ([]*Room, error)

	AddMember(ctx context.Context, m *RoomMember) error
	RemoveMember(ctx context.Context, roomID, memberID string) error
	UpdateMember(ctx context.Context, m *RoomMember) error
	// RenameMember updates the display name in every room at once;
	// mention routing matches on it.
	RenameMember(ctx context.Context, memberID, name string) error
	ListMembers(ctx context.Context, roomID string) ([]*RoomMember, error)
	IsMember(ctx context.Context, roomID, memberID string) (bool, error)
	RoomsWithAgent(ctx context.Context, agentID string) ([]string, error)
}

// MessageStore persists the immutable message log.
type MessageStore interface {
	Insert(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// SetConversation stamps a chain id onto an existing row. Routing
	// allocates the id after the originating row is already durable.
	SetConversation(ctx context.Context, id, conversationID string) error
	// ListRecent returns up to limit messages in chronological order;
	// limit is clamped to RecentMessagesHardMax.
	ListRecent(ctx context.Context, roomID string, limit int) ([]*Message, error)
	// ListBefore pages backwards from the given message id.
	ListBefore(ctx context.Context, roomID, beforeID string, limit int) ([]*Message, error)
}

// AgentStore persists the agent registry.
type AgentStore interface {
	Upsert(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByName(ctx context.Context, userID, name string) (*Agent, error)
	ListByUser(ctx context.Context, userID string) ([]*Agent, error)
	ListByGateway(ctx context.Context, gatewayID string) ([]*Agent, error)
	UpdateStatus(ctx context.Context, id, status string, at time.Time) error
	Rename(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
	// DeleteOfflineBefore removes agents last seen before the cutoff;
	// returns the number removed.
	DeleteOfflineBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SettingStore persists admin-writable settings.
type SettingStore interface {
	Get(ctx context.Context, key string) (*Setting, error)
	Set(ctx context.Context, s *Setting) error
	All(ctx context.Context) ([]*Setting, error)
}

// RevocationStore is the durable layer of token revocation.
type RevocationStore interface {
	Upsert(ctx context.Context, r *Revocation) error
	Get(ctx context.Context, userID string) (*Revocation, error)
	// Active returns non-expired revocations, used to warm the in-memory
	// map on startup.
	Active(ctx context.Context, now time.Time) ([]*Revocation, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// TokenStore persists refresh tokens (hashed).
type TokenStore interface {
	Save(ctx context.Context, t *RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*RefreshToken, error)
	Delete(ctx context.Context, id string) error
	DeleteForUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// UploadStore persists upload metadata.
type UploadStore interface {
	Insert(ctx context.Context, u *Upload) error
	Get(ctx context.Context, id string) (*Upload, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Stores is the top-level container for all storage backends. Both the
// Postgres (managed) and SQLite (standalone) factories fill every
// field.
type Stores struct {
	Users       UserStore
	Rooms       RoomStore
	Messages    MessageStore
	Agents      AgentStore
	Settings    SettingStore
	Revocations RevocationStore
	Tokens      TokenStore
	Uploads     UploadStore
}

// Config carries backend selection for store factories.
type Config struct {
	PostgresDSN string
	SQLitePath  string
}

type ctxKey int

const userIDKey ctxKey = 1

// WithUserID injects the authenticated user id into a request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
