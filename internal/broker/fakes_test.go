package broker

import (
	"context"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/store"
)

// In-memory store fakes. Only the methods the broker touches have real
// behavior; the rest keep the interfaces satisfied.

type fakeUserStore struct {
	mu   sync.Mutex
	byID map[string]*store.User
}

func newFakeUserStore(users ...*store.User) *fakeUserStore {
	f := &fakeUserStore{byID: make(map[string]*store.User)}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUserStore) Create(_ context.Context, u *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetByID(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserStore) GetByUsername(_ context.Context, username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) List(_ context.Context) ([]*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.User, 0, len(f.byID))
	for _, u := range f.byID {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUserStore) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID), nil
}

type fakeRoomStore struct {
	mu      sync.Mutex
	rooms   map[string]*store.Room
	members map[string][]*store.RoomMember
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{
		rooms:   make(map[string]*store.Room),
		members: make(map[string][]*store.RoomMember),
	}
}

func (f *fakeRoomStore) Create(_ context.Context, r *store.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[r.ID] = r
	return nil
}

func (f *fakeRoomStore) Get(_ context.Context, id string) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRoomStore) Update(_ context.Context, r *store.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[r.ID] = r
	return nil
}

func (f *fakeRoomStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
	delete(f.members, id)
	return nil
}

func (f *fakeRoomStore) ListForMember(_ context.Context, memberID string) ([]*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Room
	for roomID, ms := range f.members {
		for _, m := range ms {
			if m.MemberID == memberID {
				out = append(out, f.rooms[roomID])
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRoomStore) AddMember(_ context.Context, m *store.RoomMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.RoomID] = append(f.members[m.RoomID], m)
	return nil
}

func (f *fakeRoomStore) RemoveMember(_ context.Context, roomID, memberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ms := f.members[roomID]
	for i, m := range ms {
		if m.MemberID == memberID {
			f.members[roomID] = append(ms[:i], ms[i+1:]...)
			return nil
		}
	}
	return store.ErrNotMember
}

func (f *fakeRoomStore) UpdateMember(_ context.Context, m *store.RoomMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.members[m.RoomID] {
		if cur.MemberID == m.MemberID {
			f.members[m.RoomID][i] = m
			return nil
		}
	}
	return store.ErrNotMember
}

func (f *fakeRoomStore) RenameMember(_ context.Context, memberID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, members := range f.members {
		for _, m := range members {
			if m.MemberID == memberID {
				m.Name = name
			}
		}
	}
	return nil
}

func (f *fakeRoomStore) ListMembers(_ context.Context, roomID string) ([]*store.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.RoomMember(nil), f.members[roomID]...), nil
}

func (f *fakeRoomStore) IsMember(_ context.Context, roomID, memberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members[roomID] {
		if m.MemberID == memberID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRoomStore) RoomsWithAgent(_ context.Context, agentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for roomID, ms := range f.members {
		for _, m := range ms {
			if m.MemberID == agentID && m.MemberType == store.MemberAgent {
				out = append(out, roomID)
				break
			}
		}
	}
	return out, nil
}

type fakeMessageStore struct {
	mu   sync.Mutex
	rows []*store.Message
}

func (f *fakeMessageStore) Insert(_ context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, m)
	return nil
}

func (f *fakeMessageStore) SetConversation(_ context.Context, id, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			m.ConversationID = conversationID
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeMessageStore) Get(_ context.Context, id string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeMessageStore) ListRecent(_ context.Context, roomID string, limit int) ([]*store.Message, error) {
	if limit <= 0 || limit > store.RecentMessagesHardMax {
		limit = store.RecentMessagesHardMax
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Message
	for _, m := range f.rows {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMessageStore) ListBefore(_ context.Context, roomID, beforeID string, limit int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Message
	for _, m := range f.rows {
		if m.ID == beforeID {
			break
		}
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// byRoom returns the stored messages for a room, for assertions.
func (f *fakeMessageStore) byRoom(roomID string) []*store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Message
	for _, m := range f.rows {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out
}

type fakeAgentStore struct {
	mu   sync.Mutex
	byID map[string]*store.Agent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{byID: make(map[string]*store.Agent)}
}

func (f *fakeAgentStore) Upsert(_ context.Context, a *store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cur := range f.byID {
		if cur.UserID == a.UserID && cur.Name == a.Name && cur.ID != a.ID {
			return store.ErrDuplicateName
		}
	}
	f.byID[a.ID] = a
	return nil
}

func (f *fakeAgentStore) Get(_ context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgentStore) GetByName(_ context.Context, userID, name string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.UserID == userID && a.Name == name {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAgentStore) ListByUser(_ context.Context, userID string) ([]*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Agent
	for _, a := range f.byID {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAgentStore) ListByGateway(_ context.Context, gatewayID string) ([]*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Agent
	for _, a := range f.byID {
		if a.GatewayID == gatewayID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAgentStore) UpdateStatus(_ context.Context, id, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.LastOnlineAt = at
	return nil
}

func (f *fakeAgentStore) Rename(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Name = name
	return nil
}

func (f *fakeAgentStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeAgentStore) DeleteOfflineBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, a := range f.byID {
		if a.Status == "offline" && a.LastOnlineAt.Before(cutoff) {
			delete(f.byID, id)
			n++
		}
	}
	return n, nil
}

// status returns an agent's persisted status, for assertions.
func (f *fakeAgentStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byID[id]; ok {
		return a.Status
	}
	return ""
}

type memSettingStore struct {
	mu   sync.Mutex
	rows map[string]*store.Setting
}

func newMemSettingStore() *memSettingStore {
	return &memSettingStore{rows: make(map[string]*store.Setting)}
}

func (f *memSettingStore) Get(_ context.Context, key string) (*store.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *memSettingStore) Set(_ context.Context, s *store.Setting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.Key] = s
	return nil
}

func (f *memSettingStore) All(_ context.Context) ([]*store.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Setting, 0, len(f.rows))
	for _, s := range f.rows {
		out = append(out, s)
	}
	return out, nil
}
