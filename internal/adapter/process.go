package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentim/agentim/internal/config"
	"github.com/agentim/agentim/pkg/protocol"
)

const (
	// DefaultTimeout bounds one turn end to end.
	DefaultTimeout = 10 * time.Minute
	// DefaultMaxBuffer caps total child stdout per turn.
	DefaultMaxBuffer = 10 << 20
	// stopGrace is the SIGTERM-to-SIGKILL escalation window.
	stopGrace = 5 * time.Second
)

// ErrBusy refuses a second turn while one is in flight. The text is a
// protocol contract surfaced to clients verbatim.
var ErrBusy = errors.New("Agent is already processing a message")

// ErrDisposed refuses turns after Dispose.
var ErrDisposed = errors.New("adapter has been disposed")

// Env var names ending in these mark credentials that never reach a
// child unless explicitly passed through.
var sensitiveEnvSuffixes = []string{"_TOKEN", "_SECRET", "_KEY", "_PASSWORD"}

// Vendor credential variables each built-in backend legitimately
// needs; they survive the sensitive strip.
var builtinPassEnv = map[string][]string{
	TypeClaude: {"ANTHROPIC_API_KEY"},
	TypeCodex:  {"OPENAI_API_KEY"},
	TypeGemini: {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// Install hints for missing built-in backends.
var installHints = map[string]string{
	"claude": "npm install -g @anthropic-ai/claude-code",
	"codex":  "npm install -g @openai/codex",
	"gemini": "npm install -g @google/gemini-cli",
}

// proc is the shared child-process engine behind every adapter: spawn,
// line-scan stdout, bound total output, map exit conditions, and keep
// the one-turn-at-a-time and dispose guarantees.
type proc struct {
	logger    *slog.Logger
	timeout   time.Duration
	maxBuffer int64

	mu       sync.Mutex
	running  bool
	disposed bool
	cancel   context.CancelFunc
}

func newProc(opts Options) proc {
	return proc{
		logger:    opts.logger(),
		timeout:   opts.Timeout,
		maxBuffer: opts.MaxBuffer,
	}
}

// begin claims the single turn slot.
func (p *proc) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	if p.running {
		return ErrBusy
	}
	p.running = true
	return nil
}

func (p *proc) end() {
	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.mu.Unlock()
}

// Stop interrupts the current turn, if any.
func (p *proc) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Dispose stops the adapter and rejects all further turns.
func (p *proc) Dispose() {
	p.mu.Lock()
	p.disposed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runSpec describes one child invocation.
type runSpec struct {
	command string
	args    []string
	dir     string
	env     []string
	stdin   string
	onLine  func(line []byte)
}

// run executes one child to completion, pumping stdout lines through
// spec.onLine. A non-nil return carries the user-facing failure
// message; nil means a clean exit.
func (p *proc) run(ctx context.Context, spec runSpec) error {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBuffer := p.maxBuffer
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.command, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace
	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}
	stderr := &tailBuffer{max: 4 * 1024}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("Failed to start process: %v", err)
	}
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return errors.New("Stopped")
		}
		return errors.New(startMessage(spec.command, err))
	}
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	var total int64
	overflow := false
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), int(maxBuffer))
	for sc.Scan() {
		line := sc.Bytes()
		total += int64(len(line)) + 1
		if total > maxBuffer {
			overflow = true
			break
		}
		if spec.onLine != nil {
			spec.onLine(line)
		}
	}
	if errors.Is(sc.Err(), bufio.ErrTooLong) {
		overflow = true
	}
	if overflow {
		// Kill the child, then drain so its stdout writes unblock and
		// Wait can collect it.
		cancel()
		for sc.Scan() {
		}
	}
	waitErr := cmd.Wait()

	switch {
	case overflow:
		return errors.New("Response too large")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.New("Process timed out")
	case ctx.Err() != nil:
		return errors.New("Stopped")
	case waitErr != nil:
		p.logger.Warn("adapter.process_failed",
			"command", spec.command,
			"error", waitErr,
			"stderr", stderr.String(),
		)
		return errors.New(exitMessage(waitErr))
	}
	return nil
}

func startMessage(command string, err error) string {
	if errors.Is(err, exec.ErrNotFound) {
		if hint, ok := installHints[command]; ok {
			return fmt.Sprintf("%s is not installed. Install it with: %s", command, hint)
		}
		return fmt.Sprintf("%s is not installed or not in PATH", command)
	}
	return "Failed to start process: " + err.Error()
}

func exitMessage(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return fmt.Sprintf("Process exited with code %d", code)
		}
		return "Process killed by signal"
	}
	return "Process failed: " + err.Error()
}

// childEnv builds the child environment: the parent env minus
// credential-shaped variables, plus per-adapter pass-through names,
// saved setup env, and the bridge endpoint.
func childEnv(passEnv []string, extra map[string]string, mcpURL string) []string {
	pass := make(map[string]bool, len(passEnv))
	for _, name := range passEnv {
		pass[name] = true
	}
	parent := os.Environ()
	env := make([]string, 0, len(parent)+len(extra)+1)
	for _, kv := range parent {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if sensitiveEnvName(name) && !pass[name] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	if mcpURL != "" {
		env = append(env, "AGENTIM_MCP_URL="+mcpURL)
	}
	return env
}

func sensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written, for failure logs.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// processAdapter runs a user-defined CLI from an adapters.json entry.
type processAdapter struct {
	proc
	name string
	def  config.AdapterDef
	opts Options
}

func newProcess(name string, def config.AdapterDef, opts Options) *processAdapter {
	return &processAdapter{proc: newProc(opts), name: name, def: def, opts: opts}
}

func (a *processAdapter) SendMessage(ctx context.Context, content string, cb Callbacks) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.end()

	args := append([]string(nil), a.def.Args...)
	stdin := ""
	if a.def.PromptDelivery() == "stdin" {
		stdin = content
	} else {
		args = append(args, content)
	}

	extra := make(map[string]string, len(a.def.Env)+len(a.opts.Env))
	for k, v := range a.def.Env {
		extra[k] = v
	}
	for k, v := range a.opts.Env {
		extra[k] = v
	}

	term := &terminal{cb: cb}
	err := a.run(ctx, runSpec{
		command: a.def.Command,
		args:    args,
		dir:     a.opts.WorkingDir,
		env:     childEnv(a.def.PassEnv, extra, a.opts.MCPServerURL),
		stdin:   stdin,
		onLine:  func(line []byte) { mapGenericLine(line, term) },
	})
	if err != nil {
		term.fail(err.Error())
		return nil
	}
	term.complete()
	return nil
}

func (a *processAdapter) SlashCommands() []protocol.SlashCommand { return nil }

func (a *processAdapter) HandleSlashCommand(cmd string, _ []string) CommandResult {
	return CommandResult{Message: fmt.Sprintf("unknown command /%s", strings.TrimPrefix(cmd, "/"))}
}

func (a *processAdapter) MCPServers() []string {
	if a.opts.MCPServerURL != "" {
		return []string{"agentim"}
	}
	return nil
}

func (a *processAdapter) Model() string                     { return a.opts.Model }
func (a *processAdapter) ThinkingMode() string              { return "" }
func (a *processAdapter) EffortLevel() string               { return "" }
func (a *processAdapter) CostSummary() protocol.CostSummary { return protocol.CostSummary{} }

// genericEvent is the stdout line contract for custom adapters: a JSON
// object per line with a type tag, or plain text taken verbatim.
type genericEvent struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Text     string `json:"text"`
	ToolName string `json:"toolName"`
	ToolID   string `json:"toolId"`
}

func (e genericEvent) body() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Text
}

func mapGenericLine(line []byte, term *terminal) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' {
		var ev genericEvent
		if err := json.Unmarshal(trimmed, &ev); err == nil && ev.Type != "" {
			mapGenericEvent(ev, term)
			return
		}
	}
	term.chunk(protocol.TextChunk(string(line) + "\n"))
}

func mapGenericEvent(ev genericEvent, term *terminal) {
	switch ev.Type {
	case "text", "message":
		term.chunk(protocol.TextChunk(ev.body()))
	case "thinking":
		term.chunk(protocol.Chunk{Kind: protocol.ChunkThinking, Content: ev.body()})
	case "tool_use":
		term.chunk(protocol.ToolUseChunk(ev.body(), ev.ToolName, ev.ToolID))
	case "tool_result":
		c := protocol.Chunk{Kind: protocol.ChunkToolResult, Content: ev.body()}
		if ev.ToolID != "" {
			c.Meta = map[string]string{protocol.MetaToolID: ev.ToolID}
		}
		term.chunk(c)
	case "error":
		term.chunk(protocol.ErrorChunk(ev.body()))
	}
	// Unknown event types are dropped; custom CLIs may interleave
	// their own bookkeeping records.
}
