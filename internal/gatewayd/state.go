package gatewayd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/config"
)

// File names inside the gateway state directory.
const (
	stateFile    = "config.json"
	sessionsFile = "sessions.json"
	adaptersFile = "adapters.json"
)

// AgentIdentity pins the broker-assigned id of a named agent so a
// restarted gateway re-registers with the same id and the agent keeps
// its room memberships.
type AgentIdentity struct {
	AgentID    string `json:"agentId"`
	AgentType  string `json:"agentType"`
	WorkingDir string `json:"workingDir,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// State is everything the gateway persists across restarts: login
// credentials, the stable gateway id, the per-type environments
// captured during setup, and the agents added on this machine, keyed
// by name.
type State struct {
	ServerURL    string                       `json:"serverUrl,omitempty"`
	Token        string                       `json:"token,omitempty"`
	RefreshToken string                       `json:"refreshToken,omitempty"`
	GatewayID    string                       `json:"gatewayId,omitempty"`
	UserID       string                       `json:"userId,omitempty"`
	SavedEnv     map[string]map[string]string `json:"savedEnv,omitempty"`
	Agents       map[string]AgentIdentity     `json:"agents,omitempty"`
}

// EnsureGatewayID mints the stable gateway id on first use.
func (st *State) EnsureGatewayID() string {
	if st.GatewayID == "" {
		st.GatewayID = uuid.NewString()
	}
	return st.GatewayID
}

// DefaultDir returns ~/.agentim.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agentim"), nil
}

// Store reads and writes the gateway state directory. Every write goes
// through a temp file and a rename so a crash never leaves a
// half-written config behind.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// LoadState returns the persisted state, or a zero value when nothing
// has been written yet.
func (s *Store) LoadState() (State, error) {
	var st State
	if err := s.readJSON(stateFile, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Store) SaveState(st State) error {
	return s.writeJSON(stateFile, st)
}

// LoadSessions returns the agent id to backend session id map used to
// resume conversations after a restart.
func (s *Store) LoadSessions() (map[string]string, error) {
	sessions := map[string]string{}
	if err := s.readJSON(sessionsFile, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) SaveSessions(sessions map[string]string) error {
	return s.writeJSON(sessionsFile, sessions)
}

// LoadAdapterDefs reads the custom adapter definitions. A missing file
// means no custom adapters.
func (s *Store) LoadAdapterDefs() (map[string]config.AdapterDef, error) {
	return config.LoadAdapters(filepath.Join(s.dir, adaptersFile))
}

func (s *Store) readJSON(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// writeJSON replaces name atomically. CreateTemp's 0600 mode carries
// through the rename; the state holds the login token.
func (s *Store) writeJSON(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	cleanup = false
	return nil
}
