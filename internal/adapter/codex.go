package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentim/agentim/pkg/protocol"
)

const codexCommand = "codex"

// codexAdapter drives the codex CLI via `codex exec --json`. Events
// arrive as JSONL records wrapping a typed msg payload; deltas stream
// text and reasoning, exec_command events become tool chunks, and
// token_count carries session-cumulative usage.
//
// Codex answers its own approval prompts in-band (sandbox policy), so
// interactive mode maps to workspace-write sandboxing rather than the
// MCP permission round trip.
type codexAdapter struct {
	proc
	opts Options

	stateMu   sync.Mutex
	model     string
	effort    string
	sessionID string
	cost      protocol.CostSummary
}

func newCodex(opts Options) *codexAdapter {
	return &codexAdapter{
		proc:      newProc(opts),
		opts:      opts,
		model:     opts.Model,
		sessionID: opts.SessionID,
	}
}

func (a *codexAdapter) SendMessage(ctx context.Context, content string, cb Callbacks) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.end()

	term := &terminal{cb: cb}
	turn := &codexTurn{adapter: a, term: term}
	err := a.run(ctx, runSpec{
		command: codexCommand,
		args:    a.turnArgs(content),
		dir:     a.opts.WorkingDir,
		env:     childEnv(builtinPassEnv[TypeCodex], a.opts.Env, a.opts.MCPServerURL),
		onLine:  turn.line,
	})
	a.afterTurn(turn)
	if err != nil {
		term.fail(err.Error())
		return nil
	}
	if turn.lastMessage != "" && term.empty() {
		term.chunk(protocol.TextChunk(turn.lastMessage))
	}
	term.complete()
	return nil
}

func (a *codexAdapter) turnArgs(content string) []string {
	a.stateMu.Lock()
	model, effort, sessionID := a.model, a.effort, a.sessionID
	a.stateMu.Unlock()

	args := []string{"exec"}
	if sessionID != "" {
		args = append(args, "resume", sessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if model != "" {
		args = append(args, "--model", model)
	}
	if effort != "" {
		args = append(args, "-c", "model_reasoning_effort="+effort)
	}
	if a.opts.Mode == ModeBypass {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	} else {
		args = append(args, "--sandbox", "workspace-write")
	}
	return append(args, content)
}

func (a *codexAdapter) afterTurn(t *codexTurn) {
	a.stateMu.Lock()
	prev := a.sessionID
	if t.sessionID != "" {
		a.sessionID = t.sessionID
	}
	if t.model != "" {
		a.model = t.model
	}
	if t.usage != nil {
		// token_count totals are cumulative for the session, so the
		// last record replaces rather than adds.
		a.cost.InputTokens = t.usage.InputTokens
		a.cost.OutputTokens = t.usage.OutputTokens
		a.cost.CacheReadTokens = t.usage.CachedInputTokens
	}
	next := a.sessionID
	a.stateMu.Unlock()
	if next != prev && a.opts.OnSessionID != nil {
		a.opts.OnSessionID(next)
	}
}

func (a *codexAdapter) SlashCommands() []protocol.SlashCommand {
	return []protocol.SlashCommand{
		{Name: "clear", Description: "Start a fresh conversation context"},
		{Name: "model", Description: "Show or set the model", Usage: "/model [name]"},
		{Name: "effort", Description: "Show or set reasoning effort", Usage: "/effort [minimal|low|medium|high]"},
		{Name: "cost", Description: "Show cumulative token usage"},
	}
}

func (a *codexAdapter) HandleSlashCommand(cmd string, args []string) CommandResult {
	switch strings.TrimPrefix(cmd, "/") {
	case "clear":
		a.stateMu.Lock()
		a.sessionID = ""
		a.stateMu.Unlock()
		if a.opts.OnSessionID != nil {
			a.opts.OnSessionID("")
		}
		return CommandResult{Success: true, Message: "Conversation context cleared"}
	case "model":
		if len(args) == 0 {
			model := a.Model()
			if model == "" {
				model = "default"
			}
			return CommandResult{Success: true, Message: "Model: " + model}
		}
		a.stateMu.Lock()
		a.model = args[0]
		a.stateMu.Unlock()
		return CommandResult{Success: true, Message: "Model set to " + args[0]}
	case "effort":
		if len(args) == 0 {
			effort := a.EffortLevel()
			if effort == "" {
				effort = "default"
			}
			return CommandResult{Success: true, Message: "Effort: " + effort}
		}
		level := strings.ToLower(args[0])
		switch level {
		case "minimal", "low", "medium", "high":
		default:
			return CommandResult{Message: "effort must be one of minimal, low, medium, high"}
		}
		a.stateMu.Lock()
		a.effort = level
		a.stateMu.Unlock()
		return CommandResult{Success: true, Message: "Effort set to " + level}
	case "cost":
		return CommandResult{Success: true, Message: formatCost(a.CostSummary())}
	}
	return CommandResult{Message: fmt.Sprintf("unknown command /%s", strings.TrimPrefix(cmd, "/"))}
}

func (a *codexAdapter) MCPServers() []string { return nil }

func (a *codexAdapter) Model() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.model
}

func (a *codexAdapter) ThinkingMode() string { return "" }

func (a *codexAdapter) EffortLevel() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.effort
}

func (a *codexAdapter) CostSummary() protocol.CostSummary {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.cost
}

// codexTurn is one turn's parser state.
type codexTurn struct {
	adapter     *codexAdapter
	term        *terminal
	sessionID   string
	model       string
	lastMessage string
	usage       *codexUsage
	sawDelta    bool
	sawThinking bool
}

func (t *codexTurn) line(line []byte) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Msg == nil {
		return
	}
	m := ev.Msg
	switch m.Type {
	case "session_configured":
		t.sessionID = m.SessionID
		t.model = m.Model
	case "agent_message_delta":
		t.sawDelta = true
		t.term.chunk(protocol.TextChunk(m.Delta))
	case "agent_message":
		if !t.sawDelta {
			t.term.chunk(protocol.TextChunk(m.Message))
		}
	case "agent_reasoning_delta":
		t.sawThinking = true
		t.term.chunk(protocol.Chunk{Kind: protocol.ChunkThinking, Content: m.Delta})
	case "agent_reasoning":
		if !t.sawThinking {
			t.term.chunk(protocol.Chunk{Kind: protocol.ChunkThinking, Content: m.Text})
		}
	case "exec_command_begin":
		t.term.chunk(protocol.ToolUseChunk(strings.Join(m.Command, " "), "shell", m.CallID))
	case "exec_command_end":
		t.term.chunk(protocol.Chunk{
			Kind:    protocol.ChunkToolResult,
			Content: execResultText(m),
			Meta:    map[string]string{protocol.MetaToolID: m.CallID},
		})
	case "mcp_tool_call_begin":
		t.term.chunk(protocol.ToolUseChunk("", m.toolName(), m.CallID))
	case "token_count":
		if m.Info != nil && m.Info.TotalTokenUsage != nil {
			t.usage = m.Info.TotalTokenUsage
		}
	case "task_complete":
		t.lastMessage = m.LastAgentMessage
	case "error":
		t.term.fail(m.Message)
	}
}

func execResultText(m *codexMsg) string {
	out := m.FormattedOutput
	if out == "" {
		out = m.Stdout
		if m.Stderr != "" {
			if out != "" {
				out += "\n"
			}
			out += m.Stderr
		}
	}
	if m.ExitCode != nil && *m.ExitCode != 0 {
		return fmt.Sprintf("exit %d\n%s", *m.ExitCode, out)
	}
	return out
}

// Wire shapes of codex exec --json records.
type codexEvent struct {
	ID  string    `json:"id"`
	Msg *codexMsg `json:"msg"`
}

type codexMsg struct {
	Type             string          `json:"type"`
	SessionID        string          `json:"session_id"`
	Model            string          `json:"model"`
	Message          string          `json:"message"`
	Delta            string          `json:"delta"`
	Text             string          `json:"text"`
	LastAgentMessage string          `json:"last_agent_message"`
	CallID           string          `json:"call_id"`
	Command          []string        `json:"command"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	FormattedOutput  string          `json:"formatted_output"`
	ExitCode         *int            `json:"exit_code"`
	Invocation       *codexToolCall  `json:"invocation"`
	Info             *codexTokenInfo `json:"info"`
}

func (m *codexMsg) toolName() string {
	if m.Invocation == nil {
		return "mcp_tool"
	}
	return m.Invocation.Server + "." + m.Invocation.Tool
}

type codexToolCall struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

type codexTokenInfo struct {
	TotalTokenUsage *codexUsage `json:"total_token_usage"`
}

type codexUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}
