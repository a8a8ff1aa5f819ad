// Package gatewayd runs the local half of the platform: it owns the
// adapter processes, keeps the broker connection alive, and answers
// the broker's agent-control frames. One gateway process serves all
// agents added on the machine.
package gatewayd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/mcpbridge"
	"github.com/agentim/agentim/internal/permission"
	"github.com/agentim/agentim/internal/workspace"
	"github.com/agentim/agentim/pkg/protocol"
)

// Turn and frame bounds. The broker reads gateway frames at 256 KiB by
// default, so everything relayed upstream is cut to fit with headroom.
const (
	maxQueueDepth       = 50
	maxFullContent      = 160 * 1024
	relayChunkCap       = 32 * 1024
	completionChunkCap  = 2 * 1024
	maxCompletionChunks = 32
	recentKeep          = 50
	probeTimeout        = 15 * time.Second
	disposeTimeout      = 10 * time.Second
	contextIdleTTL      = time.Hour
	contextSweepEvery   = 5 * time.Minute
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Sender is the broker-bound frame writer. *Client implements it; the
// manager drops frames while no sender is installed.
type Sender interface {
	Send(v any) error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Registry *adapter.Registry
	Store    *Store
	State    State
	Version  string

	// PermissionTimeout bounds tool-approval prompts; zero means the
	// permission broker default.
	PermissionTimeout time.Duration
	// TurnTimeout and MaxBuffer pass through to adapters.
	TurnTimeout time.Duration
	MaxBuffer   int64

	Logger *slog.Logger
}

// turnState tracks one in-flight adapter turn.
type turnState struct {
	roomID         string
	messageID      string
	conversationID string
	depth          int
	cancel         context.CancelFunc
	chunks         []protocol.Chunk
	done           bool
	failed         bool
}

// agentRun is one managed agent: its adapter plus the FIFO queue of
// pending dispatches.
type agentRun struct {
	id         string
	name       string
	agentType  string
	workingDir string
	mode       string
	adapter    adapter.Adapter

	mu      sync.Mutex
	queue   []protocol.SendToAgent
	running bool
	status  string
	turn    *turnState
}

// roomSnapshot is the latest context push for one agent, with local
// traffic appended so MCP tools see messages between pushes.
type roomSnapshot struct {
	ctx     protocol.RoomContext
	updated time.Time
}

// Manager owns every agent on this gateway. It consumes broker frames,
// runs adapter turns, brokers tool-approval prompts, and backs the MCP
// bridge tools.
type Manager struct {
	registry *adapter.Registry
	store    *Store
	version  string
	logger   *slog.Logger

	permTimeout time.Duration
	turnTimeout time.Duration
	maxBuffer   int64

	bridge *mcpbridge.Bridge
	perms  *permission.Broker

	mu            sync.Mutex
	sender        Sender
	closed        bool
	done          chan struct{}
	agents        map[string]*agentRun                // by id
	byName        map[string]*agentRun                // by lower(name)
	contexts      map[string]map[string]*roomSnapshot // agent id -> room id
	pendingSpawns map[string]string                   // lower(name) -> spawn request id
	replies       map[string]chan string              // conversation id -> waiter
	replyCounts   map[string]int                      // agent id -> outstanding AwaitReply calls
	state         State
	sessions      map[string]string // agent id -> backend session id
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil || cfg.Store == nil {
		return nil, errors.New("manager needs a registry and a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions, err := cfg.Store.LoadSessions()
	if err != nil {
		logger.Warn("session load failed, starting clean", "error", err)
		sessions = map[string]string{}
	}
	m := &Manager{
		registry:      cfg.Registry,
		store:         cfg.Store,
		version:       cfg.Version,
		logger:        logger,
		permTimeout:   cfg.PermissionTimeout,
		turnTimeout:   cfg.TurnTimeout,
		maxBuffer:     cfg.MaxBuffer,
		done:          make(chan struct{}),
		agents:        map[string]*agentRun{},
		byName:        map[string]*agentRun{},
		contexts:      map[string]map[string]*roomSnapshot{},
		pendingSpawns: map[string]string{},
		replies:       map[string]chan string{},
		replyCounts:   map[string]int{},
		state:         cfg.State,
		sessions:      sessions,
	}
	m.perms = permission.NewBroker(permission.Config{
		Forward: func(req protocol.PermissionRequest) {
			req.Type = protocol.GatewayPermissionRequest
			m.send(req)
		},
		Notice: m.postNotice,
		Resolved: func(requestID, agentID, behavior string) {
			m.send(protocol.PermissionResponse{
				Type:      protocol.GatewayPermissionResponse,
				RequestID: requestID,
				AgentID:   agentID,
				Behavior:  behavior,
			})
		},
		Timeout: cfg.PermissionTimeout,
		Logger:  logger,
	})
	m.bridge = mcpbridge.New(mcpbridge.Config{Exchange: m, Version: cfg.Version, Logger: logger})
	go m.sweepContexts()
	return m, nil
}

// Start brings up the MCP bridge listener. It must run before agents
// are added so Mount can hand out URLs.
func (m *Manager) Start() error {
	return m.bridge.Start()
}

// SetSender installs the broker link.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

// SetCredentials replaces the persisted token pair after a refresh so
// later state writes do not roll it back.
func (m *Manager) SetCredentials(token, refreshToken string) {
	m.mu.Lock()
	m.state.Token = token
	m.state.RefreshToken = refreshToken
	st := m.state
	m.mu.Unlock()
	if err := m.store.SaveState(st); err != nil {
		m.logger.Warn("state persist failed", "error", err)
	}
}

// PendingPermissions reports in-flight approval prompts.
func (m *Manager) PendingPermissions() int {
	return m.perms.PendingCount()
}

// AddAgent creates an adapter and registers it with the broker. The
// returned id is stable: identities persisted from earlier runs are
// reused so room memberships survive restarts.
func (m *Manager) AddAgent(name, agentType, workingDir, mode, model string) (string, error) {
	if !agentNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid agent name %q: letters, digits, hyphen, underscore, max 64", name)
	}
	if !m.registry.Known(agentType) {
		return "", fmt.Errorf("unknown adapter type %q", agentType)
	}
	if workingDir != "" {
		abs, err := filepath.Abs(workingDir)
		if err != nil {
			return "", fmt.Errorf("resolve working dir: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("working dir %s is not a directory", abs)
		}
		workingDir = abs
	}
	if mode == "" {
		mode = adapter.ModeInteractive
	}

	key := strings.ToLower(name)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("gateway is shutting down")
	}
	if _, exists := m.byName[key]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("agent %q already exists", name)
	}
	id := ""
	if ident, ok := m.state.Agents[name]; ok && ident.AgentType == agentType {
		id = ident.AgentID
	}
	if id == "" {
		id = uuid.NewString()
	}
	sessionID := m.sessions[id]
	env := m.state.SavedEnv[agentType]
	m.mu.Unlock()

	a, err := m.registry.New(agentType, adapter.Options{
		AgentID:      id,
		WorkingDir:   workingDir,
		Mode:         mode,
		Model:        model,
		SessionID:    sessionID,
		OnSessionID:  func(sid string) { m.saveSession(id, sid) },
		MCPServerURL: m.bridge.Mount(id),
		Env:          env,
		Timeout:      m.turnTimeout,
		MaxBuffer:    m.maxBuffer,
		Logger:       m.logger.With("agent", name),
	})
	if err != nil {
		m.bridge.Unmount(id)
		return "", err
	}

	run := &agentRun{
		id:         id,
		name:       name,
		agentType:  agentType,
		workingDir: workingDir,
		mode:       mode,
		adapter:    a,
		status:     protocol.AgentOnline,
	}
	m.mu.Lock()
	if _, exists := m.byName[key]; exists {
		m.mu.Unlock()
		a.Dispose()
		m.bridge.Unmount(id)
		return "", fmt.Errorf("agent %q already exists", name)
	}
	m.agents[id] = run
	m.byName[key] = run
	m.mu.Unlock()

	m.logger.Info("agent added", "agent", id, "name", name, "type", agentType, "dir", workingDir, "mode", mode)
	m.sendRegister(run)
	return id, nil
}

// RestoreAgents recreates the agents recorded in the saved state.
// Failures are logged per agent; one broken adapter must not keep the
// gateway from starting.
func (m *Manager) RestoreAgents() {
	m.mu.Lock()
	idents := maps.Clone(m.state.Agents)
	m.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(idents)) {
		ident := idents[name]
		if _, err := m.AddAgent(name, ident.AgentType, ident.WorkingDir, ident.Mode, ""); err != nil {
			m.logger.Warn("agent restore failed", "name", name, "type", ident.AgentType, "error", err)
		}
	}
}

// AgentSummary is a point-in-time view of one managed agent.
type AgentSummary struct {
	ID         string
	Name       string
	Type       string
	WorkingDir string
	Mode       string
	Status     string
	QueueDepth int
}

func (m *Manager) Agents() []AgentSummary {
	m.mu.Lock()
	runs := make([]*agentRun, 0, len(m.agents))
	for _, run := range m.agents {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	out := make([]AgentSummary, 0, len(runs))
	for _, run := range runs {
		run.mu.Lock()
		out = append(out, AgentSummary{
			ID:         run.id,
			Name:       run.name,
			Type:       run.agentType,
			WorkingDir: run.workingDir,
			Mode:       run.mode,
			Status:     run.status,
			QueueDepth: len(run.queue),
		})
		run.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b AgentSummary) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// HandleConnect re-registers every agent after a (re)connect. Busy
// agents re-push their status since the broker reset them to online
// on registration.
func (m *Manager) HandleConnect(userID string) {
	m.mu.Lock()
	runs := make([]*agentRun, 0, len(m.agents))
	for _, run := range m.agents {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	m.logger.Info("registering agents", "count", len(runs), "user", userID)
	for _, run := range runs {
		m.sendRegister(run)
		run.mu.Lock()
		status, depth := run.status, len(run.queue)
		run.mu.Unlock()
		if status == protocol.AgentBusy || status == protocol.AgentError {
			m.send(protocol.AgentStatus{
				Type: protocol.GatewayAgentStatus, AgentID: run.id, Status: status, QueueDepth: depth,
			})
		}
	}
}

// HandleDisconnect denies every pending approval prompt: with the
// broker gone no user can answer, and the CLIs would otherwise hang
// until their own timeout.
func (m *Manager) HandleDisconnect(err error) {
	if n := m.perms.DenyAll("Gateway disconnected from server"); n > 0 {
		m.logger.Warn("denied pending permissions on disconnect", "count", n, "error", err)
	}
}

func (m *Manager) sendRegister(run *agentRun) {
	m.send(protocol.RegisterAgent{
		Type:       protocol.GatewayRegisterAgent,
		AgentID:    run.id,
		Name:       run.name,
		AgentType:  run.agentType,
		WorkingDir: run.workingDir,
	})
}

// HandleFrame dispatches one broker frame. It runs on the connection
// read goroutine: slow work (workspace git calls, slash commands) is
// pushed onto its own goroutine so message dispatch stays ordered.
func (m *Manager) HandleFrame(frameType string, data []byte) {
	switch frameType {
	case protocol.ServerRegisterAgentResult:
		var f protocol.RegisterAgentResult
		if m.decode(data, &f, frameType) {
			m.handleRegisterResult(f)
		}
	case protocol.ServerSendToAgent:
		var f protocol.SendToAgent
		if m.decode(data, &f, frameType) {
			m.deliver(f)
		}
	case protocol.ServerStopAgent:
		var f protocol.StopAgent
		if m.decode(data, &f, frameType) {
			m.stopAgent(f.AgentID)
		}
	case protocol.ServerRemoveAgent:
		var f protocol.RemoveAgent
		if m.decode(data, &f, frameType) {
			m.removeAgent(f.AgentID, true)
		}
	case protocol.ServerAgentCommand:
		var f protocol.AgentCommand
		if m.decode(data, &f, frameType) {
			go m.handleAgentCommand(f)
		}
	case protocol.ServerQueryAgentInfo:
		var f protocol.QueryAgentInfo
		if m.decode(data, &f, frameType) {
			m.handleQueryInfo(f)
		}
	case protocol.ServerSpawnAgent:
		var f protocol.SpawnAgent
		if m.decode(data, &f, frameType) {
			m.handleSpawn(f)
		}
	case protocol.ServerRequestWorkspace:
		var f protocol.RequestWorkspace
		if m.decode(data, &f, frameType) {
			go m.handleWorkspace(f)
		}
	case protocol.ServerRoomContext:
		var f protocol.RoomContext
		if m.decode(data, &f, frameType) {
			m.handleRoomContext(f)
		}
	case protocol.ServerPermissionResponse:
		var f protocol.PermissionResponse
		if m.decode(data, &f, frameType) {
			m.perms.Resolve(f.RequestID, f.Behavior == protocol.BehaviorAllow)
		}
	default:
		m.logger.Debug("unhandled server frame", "type", frameType)
	}
}

func (m *Manager) decode(data []byte, v any, typ string) bool {
	if err := protocol.Decode(data, v); err != nil {
		m.logger.Warn("malformed server frame", "type", typ, "error", err)
		return false
	}
	return true
}

func (m *Manager) handleRegisterResult(f protocol.RegisterAgentResult) {
	key := strings.ToLower(f.Name)
	m.mu.Lock()
	requestID, spawning := m.pendingSpawns[key]
	delete(m.pendingSpawns, key)
	run := m.byName[key]
	m.mu.Unlock()

	if run == nil {
		m.logger.Warn("register result for unknown agent", "name", f.Name)
		return
	}
	if !f.OK {
		m.logger.Error("agent registration refused", "name", f.Name, "error", f.Error)
		m.removeAgent(run.id, false)
		if spawning {
			m.send(protocol.SpawnResult{
				Type: protocol.GatewaySpawnResult, RequestID: requestID, OK: false, Error: f.Error,
			})
		}
		return
	}
	if f.AgentID != "" && f.AgentID != run.id {
		m.logger.Warn("server assigned a different agent id", "sent", run.id, "assigned", f.AgentID)
	}
	m.persistIdentity(run)
	m.logger.Info("agent registered", "agent", run.id, "name", run.name)
	if spawning {
		m.send(protocol.SpawnResult{
			Type: protocol.GatewaySpawnResult, RequestID: requestID, OK: true, AgentID: run.id,
		})
	}
}

// deliver queues or starts one routed message. A full queue answers
// immediately with an error completion so the sender is not left
// waiting on a turn that will never run.
func (m *Manager) deliver(env protocol.SendToAgent) {
	run := m.agent(env.AgentID)
	if run == nil {
		m.logger.Warn("dispatch for unknown agent", "agent", env.AgentID)
		return
	}
	m.noteRoomMessage(env.RoomID, protocol.RoomContextMessage{
		ID:         env.MessageID,
		SenderName: env.SenderName,
		SenderType: env.SenderType,
		Content:    env.Content,
		CreatedAt:  time.Now().UnixMilli(),
	})

	run.mu.Lock()
	if run.running {
		if len(run.queue) >= maxQueueDepth {
			run.mu.Unlock()
			m.logger.Warn("queue full, message refused", "agent", env.AgentID, "message", env.MessageID)
			m.send(protocol.MessageComplete{
				Type:           protocol.GatewayMessageComplete,
				AgentID:        env.AgentID,
				RoomID:         env.RoomID,
				ConversationID: env.ConversationID,
				Depth:          env.Depth,
				Error:          "Message queue is full",
				Chunks:         []protocol.Chunk{protocol.ErrorChunk("Message queue is full")},
			})
			return
		}
		run.queue = append(run.queue, env)
		depth := len(run.queue)
		run.mu.Unlock()
		m.pushStatus(run, protocol.AgentBusy, depth)
		return
	}
	run.running = true
	run.mu.Unlock()
	m.pushStatus(run, protocol.AgentBusy, 0)
	go m.runTurn(run, env)
}

// runTurn executes one adapter turn and then pulls the next queued
// message. Dequeueing happens after SendMessage returns because the
// adapter's turn slot frees only on return, not when the completion
// callback fires.
func (m *Manager) runTurn(run *agentRun, env protocol.SendToAgent) {
	ctx, cancel := context.WithCancel(context.Background())
	turn := &turnState{
		roomID:         env.RoomID,
		messageID:      uuid.NewString(),
		conversationID: env.ConversationID,
		depth:          env.Depth,
		cancel:         cancel,
	}
	run.mu.Lock()
	run.turn = turn
	run.mu.Unlock()

	m.logger.Info("turn start",
		"agent", run.id,
		"room", env.RoomID,
		"message", env.MessageID,
		"conversation", env.ConversationID,
		"depth", env.Depth,
	)

	err := run.adapter.SendMessage(ctx, m.buildPrompt(run, env), adapter.Callbacks{
		OnChunk:    func(c protocol.Chunk) { m.relayChunk(run, turn, c) },
		OnComplete: func(full string) { m.finishTurn(run, turn, full, "") },
		OnError:    func(msg string) { m.finishTurn(run, turn, "", msg) },
	})
	if err != nil {
		// Refused turns (busy, disposed) never touch the callbacks.
		m.finishTurn(run, turn, "", err.Error())
	}
	cancel()
	m.dequeueNext(run, turn)
}

// buildPrompt assembles the adapter input: the room's system prompt,
// a transcript of recent messages, and the attributed utterance.
func (m *Manager) buildPrompt(run *agentRun, env protocol.SendToAgent) string {
	snap := m.snapshotRoom(run.id, env.RoomID)

	var b strings.Builder
	if snap != nil {
		if snap.SystemPrompt != "" {
			b.WriteString(snap.SystemPrompt)
			b.WriteString("\n\n")
		}
		recent := snap.RecentMessages
		if len(recent) > 0 {
			wrote := false
			for _, rm := range recent {
				if rm.ID != "" && rm.ID == env.MessageID {
					continue
				}
				if !wrote {
					b.WriteString("Recent messages in this room:\n")
					wrote = true
				}
				b.WriteString(rm.SenderName)
				b.WriteString(": ")
				b.WriteString(rm.Content)
				b.WriteString("\n")
			}
			if wrote {
				b.WriteString("\n")
			}
		}
	}
	if env.SenderType == protocol.SenderAgent {
		fmt.Fprintf(&b, "Agent %s says: %s", env.SenderName, env.Content)
	} else {
		fmt.Fprintf(&b, "%s says: %s", env.SenderName, env.Content)
	}
	return b.String()
}

// relayChunk streams one chunk to the room and records structural
// chunks for the completion. Oversized text is split, everything else
// truncated, so no relayed frame breaches the broker's read limit.
func (m *Manager) relayChunk(run *agentRun, turn *turnState, c protocol.Chunk) {
	switch c.Kind {
	case protocol.ChunkToolUse, protocol.ChunkToolResult, protocol.ChunkWorkspaceStatus:
		kept := c
		kept.Content = truncate(c.Content, completionChunkCap)
		run.mu.Lock()
		if !turn.done && len(turn.chunks) < maxCompletionChunks {
			turn.chunks = append(turn.chunks, kept)
		}
		run.mu.Unlock()
	}
	for _, part := range splitChunk(c, relayChunkCap) {
		m.send(protocol.MessageChunk{
			Type:      protocol.GatewayMessageChunk,
			AgentID:   run.id,
			RoomID:    turn.roomID,
			MessageID: turn.messageID,
			Chunk:     part,
		})
	}
}

// finishTurn sends the completion exactly once, appends the workspace
// epilogue, and resolves any MCP reply waiter on this conversation.
func (m *Manager) finishTurn(run *agentRun, turn *turnState, full, errMsg string) {
	run.mu.Lock()
	if turn.done {
		run.mu.Unlock()
		return
	}
	turn.done = true
	turn.failed = errMsg != ""
	chunks := turn.chunks
	run.turn = nil
	run.mu.Unlock()

	if errMsg == "" && run.workingDir != "" {
		if c, ok := m.workspaceChunk(run); ok {
			m.send(protocol.MessageChunk{
				Type:      protocol.GatewayMessageChunk,
				AgentID:   run.id,
				RoomID:    turn.roomID,
				MessageID: turn.messageID,
				Chunk:     c,
			})
			if len(chunks) < maxCompletionChunks {
				chunks = append(chunks, c)
			}
		}
	}

	content := truncate(full, maxFullContent)
	m.send(protocol.MessageComplete{
		Type:           protocol.GatewayMessageComplete,
		AgentID:        run.id,
		RoomID:         turn.roomID,
		MessageID:      turn.messageID,
		ConversationID: turn.conversationID,
		Depth:          turn.depth,
		FullContent:    content,
		Chunks:         chunks,
		Error:          errMsg,
	})

	final := content
	if errMsg != "" {
		final = "Error: " + errMsg
	}
	m.noteRoomMessage(turn.roomID, protocol.RoomContextMessage{
		ID:         turn.messageID,
		SenderName: run.name,
		SenderType: protocol.SenderAgent,
		Content:    final,
		CreatedAt:  time.Now().UnixMilli(),
	})
	m.resolveReply(turn.conversationID, final)
	m.logger.Info("turn finished", "agent", run.id, "message", turn.messageID, "failed", errMsg != "")
}

// workspaceChunk probes the agent's working directory after a turn.
func (m *Manager) workspaceChunk(run *agentRun) (protocol.Chunk, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	status, err := workspace.Probe(ctx, run.workingDir)
	if err != nil {
		m.logger.Warn("workspace probe failed", "agent", run.id, "dir", run.workingDir, "error", err)
		return protocol.Chunk{}, false
	}
	if status == nil {
		return protocol.Chunk{}, false
	}
	data, err := json.Marshal(status)
	if err != nil {
		return protocol.Chunk{}, false
	}
	return protocol.Chunk{
		Kind:    protocol.ChunkWorkspaceStatus,
		Content: string(data),
		Meta:    map[string]string{protocol.MetaWorkingDir: run.workingDir},
	}, true
}

func (m *Manager) dequeueNext(run *agentRun, turn *turnState) {
	run.mu.Lock()
	if len(run.queue) > 0 {
		next := run.queue[0]
		run.queue = run.queue[1:]
		depth := len(run.queue)
		run.mu.Unlock()
		m.pushStatus(run, protocol.AgentBusy, depth)
		go m.runTurn(run, next)
		return
	}
	run.running = false
	failed := turn.failed
	run.mu.Unlock()

	status := protocol.AgentOnline
	if failed {
		status = protocol.AgentError
	}
	m.pushStatus(run, status, 0)
}

func (m *Manager) stopAgent(agentID string) {
	run := m.agent(agentID)
	if run == nil {
		return
	}
	run.mu.Lock()
	dropped := len(run.queue)
	run.queue = nil
	running := run.running
	run.mu.Unlock()

	m.logger.Info("stopping agent", "agent", agentID, "queued", dropped, "running", running)
	run.adapter.Stop()
	// A running turn ends through its own completion; only an idle
	// agent needs its queue-depth reset announced.
	if !running && dropped > 0 {
		m.pushStatus(run, protocol.AgentOnline, 0)
	}
}

// removeAgent tears one agent down. unregister is false when the
// broker initiated the removal and has already dropped the binding.
func (m *Manager) removeAgent(agentID string, unregister bool) {
	m.mu.Lock()
	run := m.agents[agentID]
	if run == nil {
		m.mu.Unlock()
		return
	}
	delete(m.agents, agentID)
	delete(m.byName, strings.ToLower(run.name))
	delete(m.contexts, agentID)
	delete(m.state.Agents, run.name)
	delete(m.sessions, agentID)
	st := m.state
	sessions := maps.Clone(m.sessions)
	m.mu.Unlock()

	run.mu.Lock()
	if run.turn != nil {
		run.turn.cancel()
	}
	run.queue = nil
	run.mu.Unlock()

	run.adapter.Dispose()
	m.bridge.Unmount(agentID)
	if unregister {
		m.send(protocol.UnregisterAgent{Type: protocol.GatewayUnregisterAgent, AgentID: agentID})
	}
	if err := m.store.SaveState(st); err != nil {
		m.logger.Warn("state persist failed", "error", err)
	}
	if err := m.store.SaveSessions(sessions); err != nil {
		m.logger.Warn("session persist failed", "error", err)
	}
	m.logger.Info("agent removed", "agent", agentID, "name", run.name)
}

// RemoveAgent removes a locally-added agent by name.
func (m *Manager) RemoveAgent(name string) error {
	m.mu.Lock()
	run := m.byName[strings.ToLower(name)]
	m.mu.Unlock()
	if run == nil {
		return fmt.Errorf("no agent named %q", name)
	}
	m.removeAgent(run.id, true)
	return nil
}

func (m *Manager) handleAgentCommand(f protocol.AgentCommand) {
	res := protocol.AgentCommandResult{
		Type:      protocol.GatewayAgentCommandResult,
		RequestID: f.RequestID,
		AgentID:   f.AgentID,
	}
	run := m.agent(f.AgentID)
	if run == nil {
		res.Message = "unknown agent"
		m.send(res)
		return
	}
	out := run.adapter.HandleSlashCommand(f.Command, f.Args)
	res.OK = out.Success
	res.Message = out.Message
	m.send(res)
}

func (m *Manager) handleQueryInfo(f protocol.QueryAgentInfo) {
	run := m.agent(f.AgentID)
	if run == nil {
		m.send(protocol.AgentInfo{
			Type: protocol.GatewayAgentInfo, RequestID: f.RequestID, AgentID: f.AgentID,
			Status: protocol.AgentOffline,
		})
		return
	}
	run.mu.Lock()
	status, depth := run.status, len(run.queue)
	run.mu.Unlock()
	cost := run.adapter.CostSummary()
	m.send(protocol.AgentInfo{
		Type:          protocol.GatewayAgentInfo,
		RequestID:     f.RequestID,
		AgentID:       run.id,
		Model:         run.adapter.Model(),
		ThinkingMode:  run.adapter.ThinkingMode(),
		EffortLevel:   run.adapter.EffortLevel(),
		MCPServers:    run.adapter.MCPServers(),
		SlashCommands: run.adapter.SlashCommands(),
		Cost:          &cost,
		Status:        status,
		QueueDepth:    depth,
	})
}

// handleSpawn creates an agent on the broker's behalf. The spawn
// result is deferred until the registration round trip settles so the
// caller gets the real outcome, not just "adapter constructed".
func (m *Manager) handleSpawn(f protocol.SpawnAgent) {
	key := strings.ToLower(f.Name)
	m.mu.Lock()
	m.pendingSpawns[key] = f.RequestID
	m.mu.Unlock()

	if _, err := m.AddAgent(f.Name, f.AgentType, f.WorkingDir, adapter.ModeInteractive, ""); err != nil {
		m.mu.Lock()
		delete(m.pendingSpawns, key)
		m.mu.Unlock()
		m.send(protocol.SpawnResult{
			Type: protocol.GatewaySpawnResult, RequestID: f.RequestID, OK: false, Error: err.Error(),
		})
	}
}

func (m *Manager) handleWorkspace(f protocol.RequestWorkspace) {
	resp := protocol.WorkspaceResponse{
		Type:      protocol.GatewayWorkspaceResponse,
		RequestID: f.RequestID,
		AgentID:   f.AgentID,
	}
	run := m.agent(f.AgentID)
	switch {
	case run == nil:
		resp.Error = "unknown agent"
	case run.workingDir == "":
		resp.Error = "agent has no working directory"
	default:
		switch f.Op {
		case protocol.WorkspaceOpStatus:
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			status, err := workspace.Probe(ctx, run.workingDir)
			cancel()
			switch {
			case err != nil:
				resp.Error = err.Error()
			case status == nil:
				resp.Error = "not a git repository"
			default:
				resp.OK = true
				resp.Status = status
			}
		case protocol.WorkspaceOpList:
			entries, err := workspace.ListDir(run.workingDir, f.Path)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.OK = true
				resp.Entries = entries
			}
		case protocol.WorkspaceOpRead:
			content, truncated, err := workspace.ReadFile(run.workingDir, f.Path, f.MaxBytes)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.OK = true
				resp.Content = content
				resp.Truncated = truncated
			}
		default:
			resp.Error = fmt.Sprintf("unknown workspace op %q", f.Op)
		}
	}
	m.send(resp)
}

func (m *Manager) handleRoomContext(f protocol.RoomContext) {
	m.mu.Lock()
	rooms := m.contexts[f.AgentID]
	if rooms == nil {
		rooms = map[string]*roomSnapshot{}
		m.contexts[f.AgentID] = rooms
	}
	rooms[f.RoomID] = &roomSnapshot{ctx: f, updated: time.Now()}
	m.mu.Unlock()
	m.logger.Debug("room context updated",
		"agent", f.AgentID, "room", f.RoomID, "members", len(f.Members), "recent", len(f.RecentMessages))
}

// noteRoomMessage appends locally observed traffic to every snapshot
// of the room, keeping MCP message reads current between context
// pushes from the broker. Traffic counts as a touch for eviction.
func (m *Manager) noteRoomMessage(roomID string, msg protocol.RoomContextMessage) {
	if roomID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rooms := range m.contexts {
		snap, ok := rooms[roomID]
		if !ok {
			continue
		}
		snap.updated = time.Now()
		if msg.ID != "" && containsMessage(snap.ctx.RecentMessages, msg.ID) {
			continue
		}
		snap.ctx.RecentMessages = append(snap.ctx.RecentMessages, msg)
		if n := len(snap.ctx.RecentMessages); n > recentKeep {
			snap.ctx.RecentMessages = snap.ctx.RecentMessages[n-recentKeep:]
		}
	}
}

func containsMessage(msgs []protocol.RoomContextMessage, id string) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return true
		}
	}
	return false
}

// snapshot returns a copy of the agent's most recently touched room
// context, or nil before the first push. MCP tools act on this room
// when the agent is between turns.
func (m *Manager) snapshot(agentID string) *protocol.RoomContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *roomSnapshot
	for _, snap := range m.contexts[agentID] {
		if latest == nil || snap.updated.After(latest.updated) {
			latest = snap
		}
	}
	return copySnapshot(latest)
}

// snapshotRoom returns a copy of the agent's context for one room.
func (m *Manager) snapshotRoom(agentID, roomID string) *protocol.RoomContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySnapshot(m.contexts[agentID][roomID])
}

func copySnapshot(snap *roomSnapshot) *protocol.RoomContext {
	if snap == nil {
		return nil
	}
	cp := snap.ctx
	cp.Members = slices.Clone(snap.ctx.Members)
	cp.RecentMessages = slices.Clone(snap.ctx.RecentMessages)
	return &cp
}

func (m *Manager) sweepContexts() {
	ticker := time.NewTicker(contextSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.evictIdleContexts(now)
		}
	}
}

// evictIdleContexts drops room snapshots untouched for contextIdleTTL.
// The broker re-pushes context on the next dispatch, so eviction only
// costs a stale transcript, never correctness.
func (m *Manager) evictIdleContexts(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for agentID, rooms := range m.contexts {
		for roomID, snap := range rooms {
			if now.Sub(snap.updated) >= contextIdleTTL {
				delete(rooms, roomID)
				evicted++
			}
		}
		if len(rooms) == 0 {
			delete(m.contexts, agentID)
		}
	}
	if evicted > 0 {
		m.logger.Debug("idle room contexts evicted", "count", evicted)
	}
	return evicted
}

// postNotice drops a system line into the agent's streaming output so
// the room sees permission reminders inline.
func (m *Manager) postNotice(agentID, roomID, text string) {
	run := m.agent(agentID)
	if run == nil {
		return
	}
	run.mu.Lock()
	turn := run.turn
	var messageID, turnRoom string
	if turn != nil && !turn.done {
		messageID = turn.messageID
		turnRoom = turn.roomID
	}
	run.mu.Unlock()
	if messageID == "" {
		return
	}
	m.send(protocol.MessageChunk{
		Type:      protocol.GatewayMessageChunk,
		AgentID:   agentID,
		RoomID:    turnRoom,
		MessageID: messageID,
		Chunk:     protocol.TextChunk("\n" + text + "\n"),
	})
}

// DisposeAll shuts the gateway down: pending prompts are denied,
// adapters disposed in parallel, and the bridge closed. Dispose calls
// get disposeTimeout before the gateway stops waiting.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	runs := make([]*agentRun, 0, len(m.agents))
	for _, run := range m.agents {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	m.perms.DenyAll("Gateway is shutting down")
	m.perms.Close()

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run *agentRun) {
			defer wg.Done()
			run.mu.Lock()
			if run.turn != nil {
				run.turn.cancel()
			}
			run.mu.Unlock()
			run.adapter.Dispose()
		}(run)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(disposeTimeout):
		m.logger.Warn("adapter dispose timed out")
	}
	if err := m.bridge.Close(); err != nil {
		m.logger.Warn("bridge close failed", "error", err)
	}
	m.logger.Info("gateway stopped", "agents", len(runs))
}

func (m *Manager) agent(agentID string) *agentRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[agentID]
}

func (m *Manager) pushStatus(run *agentRun, status string, depth int) {
	run.mu.Lock()
	run.status = status
	run.mu.Unlock()
	m.send(protocol.AgentStatus{
		Type:       protocol.GatewayAgentStatus,
		AgentID:    run.id,
		Status:     status,
		QueueDepth: depth,
	})
}

// send logs and drops on failure; callers that need the error use
// trySend.
func (m *Manager) send(v any) {
	if err := m.trySend(v); err != nil {
		m.logger.Warn("frame dropped", "error", err)
	}
}

func (m *Manager) trySend(v any) error {
	m.mu.Lock()
	sender := m.sender
	m.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	return sender.Send(v)
}

func (m *Manager) persistIdentity(run *agentRun) {
	m.mu.Lock()
	if m.state.Agents == nil {
		m.state.Agents = map[string]AgentIdentity{}
	}
	m.state.Agents[run.name] = AgentIdentity{
		AgentID:    run.id,
		AgentType:  run.agentType,
		WorkingDir: run.workingDir,
		Mode:       run.mode,
	}
	st := m.state
	m.mu.Unlock()
	if err := m.store.SaveState(st); err != nil {
		m.logger.Warn("state persist failed", "error", err)
	}
}

func (m *Manager) saveSession(agentID, sessionID string) {
	m.mu.Lock()
	if sessionID == "" {
		delete(m.sessions, agentID)
	} else {
		if m.sessions[agentID] == sessionID {
			m.mu.Unlock()
			return
		}
		m.sessions[agentID] = sessionID
	}
	sessions := maps.Clone(m.sessions)
	m.mu.Unlock()
	if err := m.store.SaveSessions(sessions); err != nil {
		m.logger.Warn("session persist failed", "agent", agentID, "error", err)
	}
}

func (m *Manager) resolveReply(conversationID, content string) {
	if conversationID == "" {
		return
	}
	m.mu.Lock()
	ch, ok := m.replies[conversationID]
	if ok {
		delete(m.replies, conversationID)
	}
	m.mu.Unlock()
	if ok {
		ch <- content
	}
}

// truncate cuts s at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}

// splitChunk breaks oversized text chunks into relayable parts. Chunk
// kinds that make no sense in pieces are truncated instead.
func splitChunk(c protocol.Chunk, max int) []protocol.Chunk {
	if len(c.Content) <= max {
		return []protocol.Chunk{c}
	}
	if c.Kind != protocol.ChunkText && c.Kind != protocol.ChunkThinking {
		c.Content = truncate(c.Content, max)
		return []protocol.Chunk{c}
	}
	var out []protocol.Chunk
	rest := c.Content
	for len(rest) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		part := c
		part.Content = rest[:cut]
		out = append(out, part)
		rest = rest[cut:]
	}
	part := c
	part.Content = rest
	return append(out, part)
}
