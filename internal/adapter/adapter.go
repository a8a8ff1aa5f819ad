// Package adapter runs coding-agent backends for the gateway: the
// claude CLI's stream-json mode, codex, gemini, and arbitrary
// user-defined commands from adapters.json. An adapter owns at most
// one in-flight turn and reports its output as an ordered chunk
// stream with exactly one terminal callback.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/config"
	"github.com/agentim/agentim/pkg/protocol"
)

// Built-in adapter types. Any other name resolves through the custom
// definitions loaded from adapters.json.
const (
	TypeClaude  = "claude-code"
	TypeCodex   = "codex"
	TypeGemini  = "gemini"
	TypeGeneric = "generic"
)

// Permission modes. Interactive agents route tool approvals through
// the gateway; bypass agents skip the prompt entirely.
const (
	ModeInteractive = "interactive"
	ModeBypass      = "bypass"
)

// Callbacks receive one turn's output. OnChunk may fire many times in
// stream order; exactly one of OnComplete or OnError ends the turn.
// OnError's message also arrives as a trailing error chunk so clients
// render the failure inline.
type Callbacks struct {
	OnChunk    func(protocol.Chunk)
	OnComplete func(fullContent string)
	OnError    func(msg string)
}

// CommandResult is the outcome of a slash command.
type CommandResult struct {
	Success bool
	Message string
}

// Adapter is one runnable coding-agent backend.
type Adapter interface {
	// SendMessage runs one turn to completion, reporting through cb.
	// It returns ErrBusy without touching cb when a turn is already
	// in flight; every other outcome arrives via the callbacks.
	SendMessage(ctx context.Context, content string, cb Callbacks) error
	// Stop interrupts the current turn. For process-backed adapters
	// this is SIGTERM, escalating to SIGKILL after a grace period.
	Stop()
	// Dispose stops the adapter and refuses further turns. Idempotent.
	Dispose()

	SlashCommands() []protocol.SlashCommand
	HandleSlashCommand(cmd string, args []string) CommandResult
	MCPServers() []string
	Model() string
	ThinkingMode() string
	EffortLevel() string
	CostSummary() protocol.CostSummary
}

// Options configures a new adapter instance.
type Options struct {
	AgentID    string
	WorkingDir string
	Mode       string // ModeInteractive (default) or ModeBypass
	Model      string

	// SessionID seeds backend conversation resume where supported.
	// OnSessionID reports every change so the gateway can persist it;
	// an empty id means the stored session is no longer resumable.
	SessionID   string
	OnSessionID func(sessionID string)

	// MCPServerURL is this agent's gateway bridge endpoint. It is
	// exported to the child as AGENTIM_MCP_URL and, for backends with
	// MCP support, wired in as the "agentim" server.
	MCPServerURL string

	// Env carries the per-type variables saved during setup. They are
	// applied after the sensitive-variable strip.
	Env map[string]string

	Timeout   time.Duration // wall clock per turn; 0 means DefaultTimeout
	MaxBuffer int64         // stdout cap per turn; 0 means DefaultMaxBuffer

	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Registry resolves adapter type names to constructors.
type Registry struct {
	customs map[string]config.AdapterDef
}

// NewRegistry builds a registry over the custom definitions from
// adapters.json; customs may be nil.
func NewRegistry(customs map[string]config.AdapterDef) *Registry {
	if customs == nil {
		customs = map[string]config.AdapterDef{}
	}
	return &Registry{customs: customs}
}

// Builtins lists the adapter types that need no definition.
func Builtins() []string {
	return []string{TypeClaude, TypeCodex, TypeGemini}
}

// Types lists every spawnable adapter type: built-ins first, then
// custom names sorted.
func (r *Registry) Types() []string {
	types := Builtins()
	customs := make([]string, 0, len(r.customs))
	for name := range r.customs {
		customs = append(customs, name)
	}
	sort.Strings(customs)
	return append(types, customs...)
}

// Known reports whether typ resolves to a built-in or custom adapter.
func (r *Registry) Known(typ string) bool {
	switch typ {
	case TypeClaude, TypeCodex, TypeGemini:
		return true
	}
	_, ok := r.customs[typ]
	return ok
}

// Custom returns the definition behind a custom type name.
func (r *Registry) Custom(typ string) (config.AdapterDef, bool) {
	def, ok := r.customs[typ]
	return def, ok
}

// New builds an adapter of the named type.
func (r *Registry) New(typ string, opts Options) (Adapter, error) {
	if opts.Mode == "" {
		opts.Mode = ModeInteractive
	}
	switch typ {
	case TypeClaude:
		return newClaude(opts), nil
	case TypeCodex:
		return newCodex(opts), nil
	case TypeGemini:
		return newGemini(opts), nil
	}
	def, ok := r.customs[typ]
	if !ok {
		if typ == TypeGeneric {
			return nil, fmt.Errorf("adapter type %q needs an entry in adapters.json", typ)
		}
		return nil, fmt.Errorf("unknown adapter type %q", typ)
	}
	return newProcess(typ, def, opts), nil
}

// terminal enforces the turn contract: chunks stop once a terminal
// callback fired, text chunks accumulate into the fullContent handed
// to OnComplete, and the terminal fires at most once.
type terminal struct {
	cb   Callbacks
	mu   sync.Mutex
	done bool
	text strings.Builder
}

func (t *terminal) chunk(c protocol.Chunk) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if c.Kind == protocol.ChunkText {
		t.text.WriteString(c.Content)
	}
	t.mu.Unlock()
	if t.cb.OnChunk != nil {
		t.cb.OnChunk(c)
	}
}

// empty reports whether any text has been emitted this turn.
func (t *terminal) empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.Len() == 0
}

func (t *terminal) complete() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	full := t.text.String()
	t.mu.Unlock()
	if t.cb.OnComplete != nil {
		t.cb.OnComplete(full)
	}
}

func (t *terminal) fail(msg string) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	if t.cb.OnChunk != nil {
		t.cb.OnChunk(protocol.ErrorChunk(msg))
	}
	if t.cb.OnError != nil {
		t.cb.OnError(msg)
	}
}
