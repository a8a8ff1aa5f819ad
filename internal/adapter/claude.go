package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentim/agentim/pkg/protocol"
)

const claudeCommand = "claude"

// claudeAdapter drives the claude CLI in print mode with stream-json
// output. Text and thinking arrive as partial-message deltas, tool
// activity as assistant/user content blocks, and the trailing result
// record carries usage plus the session id used for --resume.
//
// In interactive mode the CLI's permission prompts are answered over
// MCP: the gateway bridge is registered as the "agentim" server and
// named via --permission-prompt-tool, so every tool call round-trips
// through the user before it runs.
type claudeAdapter struct {
	proc
	opts Options

	stateMu   sync.Mutex
	model     string
	sessionID string
	mcpNames  []string
	commands  []protocol.SlashCommand
	cost      protocol.CostSummary
}

func newClaude(opts Options) *claudeAdapter {
	return &claudeAdapter{
		proc:      newProc(opts),
		opts:      opts,
		model:     opts.Model,
		sessionID: opts.SessionID,
	}
}

func (a *claudeAdapter) SendMessage(ctx context.Context, content string, cb Callbacks) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.end()

	term := &terminal{cb: cb}
	turn := &claudeTurn{adapter: a, term: term}
	err := a.run(ctx, runSpec{
		command: claudeCommand,
		args:    a.turnArgs(content),
		dir:     a.opts.WorkingDir,
		env:     childEnv(builtinPassEnv[TypeClaude], a.opts.Env, a.opts.MCPServerURL),
		onLine:  turn.line,
	})
	a.afterTurn(turn)
	if err != nil {
		term.fail(err.Error())
		return nil
	}
	term.complete()
	return nil
}

func (a *claudeAdapter) turnArgs(content string) []string {
	args := []string{
		"-p", content,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	a.stateMu.Lock()
	model, sessionID := a.model, a.sessionID
	a.stateMu.Unlock()
	if model != "" {
		args = append(args, "--model", model)
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if a.opts.Mode == ModeBypass {
		args = append(args, "--dangerously-skip-permissions")
	} else if a.opts.MCPServerURL != "" {
		cfg := fmt.Sprintf(`{"mcpServers":{"agentim":{"type":"http","url":%q}}}`, a.opts.MCPServerURL)
		args = append(args, "--mcp-config", cfg, "--permission-prompt-tool", "mcp__agentim__approve")
	}
	return args
}

// afterTurn folds one turn's parser state back into the adapter.
// Interactive turns that used tools leave a transcript --resume cannot
// reproduce (the permission round trip is not replayable), so the
// stored session is dropped and the next turn starts fresh.
func (a *claudeAdapter) afterTurn(t *claudeTurn) {
	a.stateMu.Lock()
	prev := a.sessionID
	if t.sawTool && a.opts.Mode == ModeInteractive {
		a.sessionID = ""
	} else if t.sessionID != "" {
		a.sessionID = t.sessionID
	}
	next := a.sessionID
	a.stateMu.Unlock()
	if next != prev && a.opts.OnSessionID != nil {
		a.opts.OnSessionID(next)
	}
}

func (a *claudeAdapter) captureInit(ev claudeEvent) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if ev.Model != "" {
		a.model = ev.Model
	}
	if len(ev.MCPServers) > 0 {
		names := make([]string, 0, len(ev.MCPServers))
		for _, s := range ev.MCPServers {
			names = append(names, s.Name)
		}
		a.mcpNames = names
	}
	if len(ev.SlashCommands) > 0 {
		cmds := make([]protocol.SlashCommand, 0, len(ev.SlashCommands))
		for _, name := range ev.SlashCommands {
			cmds = append(cmds, protocol.SlashCommand{Name: strings.TrimPrefix(name, "/"), Source: TypeClaude})
		}
		a.commands = cmds
	}
}

func (a *claudeAdapter) addUsage(usd float64, u *claudeUsage) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.cost.USD += usd
	if u != nil {
		a.cost.InputTokens += u.InputTokens
		a.cost.OutputTokens += u.OutputTokens
		a.cost.CacheReadTokens += u.CacheReadTokens
	}
}

func (a *claudeAdapter) SlashCommands() []protocol.SlashCommand {
	base := []protocol.SlashCommand{
		{Name: "clear", Description: "Start a fresh conversation context"},
		{Name: "model", Description: "Show or set the model", Usage: "/model [name]"},
		{Name: "cost", Description: "Show cumulative token usage and cost"},
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return append(base, a.commands...)
}

func (a *claudeAdapter) HandleSlashCommand(cmd string, args []string) CommandResult {
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
	case "cost":
		return CommandResult{Success: true, Message: formatCost(a.CostSummary())}
	}
	return CommandResult{Message: fmt.Sprintf("unknown command /%s", strings.TrimPrefix(cmd, "/"))}
}

func (a *claudeAdapter) MCPServers() []string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if len(a.mcpNames) > 0 {
		return append([]string(nil), a.mcpNames...)
	}
	if a.opts.MCPServerURL != "" {
		return []string{"agentim"}
	}
	return nil
}

func (a *claudeAdapter) Model() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.model
}

func (a *claudeAdapter) ThinkingMode() string { return "" }
func (a *claudeAdapter) EffortLevel() string  { return "" }

func (a *claudeAdapter) CostSummary() protocol.CostSummary {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.cost
}

func formatCost(c protocol.CostSummary) string {
	return fmt.Sprintf("$%.4f (%d in / %d out / %d cache-read tokens)",
		c.USD, c.InputTokens, c.OutputTokens, c.CacheReadTokens)
}

// claudeTurn is one turn's parser state.
type claudeTurn struct {
	adapter   *claudeAdapter
	term      *terminal
	sessionID string
	sawDelta  bool
	sawTool   bool
}

func (t *claudeTurn) line(line []byte) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		// stream-json keeps stdout pure JSONL; anything else is CLI
		// noise and carries no chunks.
		return
	}
	if ev.SessionID != "" {
		t.sessionID = ev.SessionID
	}
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			t.adapter.captureInit(ev)
		}
	case "stream_event":
		t.streamEvent(ev.Event)
	case "assistant":
		t.assistant(ev.Message)
	case "user":
		t.toolResults(ev.Message)
	case "result":
		t.result(ev)
	}
}

func (t *claudeTurn) streamEvent(ev *claudeStreamEvent) {
	if ev == nil {
		return
	}
	if ev.Type != "content_block_delta" || ev.Delta == nil {
		return
	}
	switch ev.Delta.Type {
	case "text_delta":
		t.sawDelta = true
		t.term.chunk(protocol.TextChunk(ev.Delta.Text))
	case "thinking_delta":
		t.sawDelta = true
		t.term.chunk(protocol.Chunk{Kind: protocol.ChunkThinking, Content: ev.Delta.Thinking})
	}
}

// assistant handles consolidated message events. Text and thinking
// already streamed as deltas are not re-emitted. Tool use only appears
// here: the partial-message stream starts tool blocks with empty
// input, so the consolidated block is the one worth showing.
func (t *claudeTurn) assistant(msg *claudeMessage) {
	if msg == nil {
		return
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			if !t.sawDelta {
				t.term.chunk(protocol.TextChunk(b.Text))
			}
		case "thinking":
			if !t.sawDelta {
				t.term.chunk(protocol.Chunk{Kind: protocol.ChunkThinking, Content: b.Thinking})
			}
		case "tool_use":
			t.sawTool = true
			t.term.chunk(protocol.ToolUseChunk(string(b.Input), b.Name, b.ID))
		}
	}
}

func (t *claudeTurn) toolResults(msg *claudeMessage) {
	if msg == nil {
		return
	}
	for _, b := range msg.Content {
		if b.Type != "tool_result" {
			continue
		}
		c := protocol.Chunk{Kind: protocol.ChunkToolResult, Content: toolResultText(b.Content)}
		if b.ToolUseID != "" {
			c.Meta = map[string]string{protocol.MetaToolID: b.ToolUseID}
		}
		t.term.chunk(c)
	}
}

// result records usage and the resumable session. The result text
// duplicates the streamed content and is only emitted when the stream
// produced nothing, which older CLI builds do in non-delta mode.
func (t *claudeTurn) result(ev claudeEvent) {
	t.adapter.addUsage(ev.TotalCostUSD, ev.Usage)
	if ev.IsError {
		msg := ev.Result
		if msg == "" {
			msg = "Agent run failed: " + ev.Subtype
		}
		t.term.fail(msg)
		return
	}
	if ev.Result != "" && t.term.empty() {
		t.term.chunk(protocol.TextChunk(ev.Result))
	}
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// Wire shapes of the CLI's stream-json records.
type claudeEvent struct {
	Type          string             `json:"type"`
	Subtype       string             `json:"subtype"`
	SessionID     string             `json:"session_id"`
	Model         string             `json:"model"`
	Result        string             `json:"result"`
	IsError       bool               `json:"is_error"`
	TotalCostUSD  float64            `json:"total_cost_usd"`
	Usage         *claudeUsage       `json:"usage"`
	Message       *claudeMessage     `json:"message"`
	Event         *claudeStreamEvent `json:"event"`
	MCPServers    []claudeMCPServer  `json:"mcp_servers"`
	SlashCommands []string           `json:"slash_commands"`
}

type claudeUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_input_tokens"`
}

type claudeMCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type claudeMessage struct {
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type claudeStreamEvent struct {
	Type  string       `json:"type"`
	Delta *claudeDelta `json:"delta"`
}

type claudeDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}
