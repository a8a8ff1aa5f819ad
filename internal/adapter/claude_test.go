package adapter

import (
	"slices"
	"strings"
	"testing"

	"github.com/agentim/agentim/pkg/protocol"
)

// runClaudeTurn feeds stream-json lines through a turn parser and
// folds its state back into the adapter, as SendMessage does after a
// clean exit. The caller decides whether to complete the terminal.
func runClaudeTurn(a *claudeAdapter, c *collector, lines ...string) (*claudeTurn, *terminal) {
	term := &terminal{cb: c.callbacks()}
	turn := &claudeTurn{adapter: a, term: term}
	for _, l := range lines {
		turn.line([]byte(l))
	}
	a.afterTurn(turn)
	return turn, term
}

func hasFlagValue(args []string, flag, value string) bool {
	for i, a := range args {
		if a == flag && i+1 < len(args) && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestClaudeTurnStreamsDeltas(t *testing.T) {
	var sessions []string
	a := newClaude(Options{OnSessionID: func(s string) { sessions = append(sessions, s) }})

	var c collector
	_, term := runClaudeTurn(a, &c,
		`{"type":"system","subtype":"init","session_id":"s1","model":"claude-test-1","mcp_servers":[{"name":"agentim","status":"connected"}],"slash_commands":["/compact","/review"]}`,
		`{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"let me look"}}}`,
		`{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`,
		`{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"Hello","session_id":"s1","total_cost_usd":0.0125,"usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":50}}`,
	)
	term.complete()

	if got := c.text(); got != "Hello" {
		t.Fatalf("text = %q, want deltas only, no assistant or result echo", got)
	}
	wantKinds := []string{protocol.ChunkThinking, protocol.ChunkText, protocol.ChunkText}
	if got := c.kinds(); !slices.Equal(got, wantKinds) {
		t.Fatalf("kinds = %v, want %v", got, wantKinds)
	}
	if got := c.completions(); len(got) != 1 || got[0] != "Hello" {
		t.Fatalf("completions = %v", got)
	}

	if got := a.Model(); got != "claude-test-1" {
		t.Fatalf("Model = %q, want the init-reported model", got)
	}
	if got := a.MCPServers(); !slices.Equal(got, []string{"agentim"}) {
		t.Fatalf("MCPServers = %v", got)
	}
	var names []string
	for _, cmd := range a.SlashCommands() {
		names = append(names, cmd.Name)
	}
	if !slices.Contains(names, "compact") || !slices.Contains(names, "review") {
		t.Fatalf("slash commands = %v, want init-reported names without the slash", names)
	}

	cost := a.CostSummary()
	if cost.USD != 0.0125 || cost.InputTokens != 100 || cost.OutputTokens != 20 || cost.CacheReadTokens != 50 {
		t.Fatalf("cost = %+v", cost)
	}
	if !slices.Equal(sessions, []string{"s1"}) {
		t.Fatalf("session notifications = %v, want [s1]", sessions)
	}
}

func TestClaudeTurnToolUse(t *testing.T) {
	var sessions []string
	a := newClaude(Options{
		Mode:        ModeInteractive,
		SessionID:   "s0",
		OnSessionID: func(s string) { sessions = append(sessions, s) },
	})

	var c collector
	runClaudeTurn(a, &c,
		`{"type":"system","subtype":"init","session_id":"s1","model":"claude-test-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"file.txt"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"s1"}`,
	)

	c.mu.Lock()
	chunks := append([]protocol.Chunk(nil), c.chunks...)
	c.mu.Unlock()
	var tools, results []protocol.Chunk
	for _, ch := range chunks {
		switch ch.Kind {
		case protocol.ChunkToolUse:
			tools = append(tools, ch)
		case protocol.ChunkToolResult:
			results = append(results, ch)
		}
	}
	if len(tools) != 1 {
		t.Fatalf("tool_use chunks = %d, want 1", len(tools))
	}
	if tools[0].Meta[protocol.MetaToolName] != "Bash" || tools[0].Meta[protocol.MetaToolID] != "tu1" {
		t.Fatalf("tool_use meta = %v", tools[0].Meta)
	}
	if tools[0].Content != `{"command":"ls"}` {
		t.Fatalf("tool_use content = %q", tools[0].Content)
	}
	if len(results) != 1 || results[0].Content != "file.txt" || results[0].Meta[protocol.MetaToolID] != "tu1" {
		t.Fatalf("tool_result chunks = %v", results)
	}

	// Interactive turns with tool use are not resumable.
	if !slices.Equal(sessions, []string{""}) {
		t.Fatalf("session notifications = %v, want the session dropped", sessions)
	}
	if hasFlagValue(a.turnArgs("next"), "--resume", "s1") {
		t.Fatal("next turn still resumes the dropped session")
	}
}

func TestClaudeTurnBypassKeepsSessionAfterToolUse(t *testing.T) {
	a := newClaude(Options{Mode: ModeBypass})

	var c collector
	runClaudeTurn(a, &c,
		`{"type":"system","subtype":"init","session_id":"s1","model":"m"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{}}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"session_id":"s1"}`,
	)

	if !hasFlagValue(a.turnArgs("next"), "--resume", "s1") {
		t.Fatal("bypass turn should keep the session resumable")
	}
}

func TestClaudeTurnResultFallback(t *testing.T) {
	a := newClaude(Options{})

	var c collector
	_, term := runClaudeTurn(a, &c,
		`{"type":"result","subtype":"success","is_error":false,"result":"final answer","session_id":"s2"}`,
	)
	term.complete()

	if got := c.text(); got != "final answer" {
		t.Fatalf("text = %q, want the result echoed when nothing streamed", got)
	}
	if got := c.completions(); len(got) != 1 || got[0] != "final answer" {
		t.Fatalf("completions = %v", got)
	}
}

func TestClaudeTurnErrorResult(t *testing.T) {
	a := newClaude(Options{})

	var c collector
	_, term := runClaudeTurn(a, &c,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"credit exhausted","session_id":"s2"}`,
	)
	term.complete()

	if errs := c.errors(); len(errs) != 1 || errs[0] != "credit exhausted" {
		t.Fatalf("errors = %v", errs)
	}
	if got := c.completions(); len(got) != 0 {
		t.Fatalf("completions = %v, want none after a failed turn", got)
	}
}

func TestClaudeTurnArgs(t *testing.T) {
	t.Run("interactive wires the permission tool", func(t *testing.T) {
		a := newClaude(Options{
			Mode:         ModeInteractive,
			Model:        "claude-test-1",
			SessionID:    "s9",
			MCPServerURL: "http://127.0.0.1:7001/agents/a1",
		})
		args := a.turnArgs("do it")

		if args[0] != "-p" || args[1] != "do it" {
			t.Fatalf("args start = %v", args[:2])
		}
		if !hasFlagValue(args, "--model", "claude-test-1") {
			t.Fatal("missing --model")
		}
		if !hasFlagValue(args, "--resume", "s9") {
			t.Fatal("missing --resume")
		}
		if !hasFlagValue(args, "--permission-prompt-tool", "mcp__agentim__approve") {
			t.Fatal("missing permission prompt tool")
		}
		var mcpConfig string
		for i, arg := range args {
			if arg == "--mcp-config" && i+1 < len(args) {
				mcpConfig = args[i+1]
			}
		}
		if !strings.Contains(mcpConfig, `"url":"http://127.0.0.1:7001/agents/a1"`) {
			t.Fatalf("mcp config = %q", mcpConfig)
		}
		if slices.Contains(args, "--dangerously-skip-permissions") {
			t.Fatal("interactive mode must not skip permissions")
		}
	})

	t.Run("bypass skips permissions", func(t *testing.T) {
		a := newClaude(Options{Mode: ModeBypass, MCPServerURL: "http://127.0.0.1:7001/agents/a1"})
		args := a.turnArgs("go")

		if !slices.Contains(args, "--dangerously-skip-permissions") {
			t.Fatal("missing bypass flag")
		}
		if slices.Contains(args, "--mcp-config") || slices.Contains(args, "--permission-prompt-tool") {
			t.Fatal("bypass mode must not wire the permission tool")
		}
	})
}

func TestClaudeSlashCommands(t *testing.T) {
	var sessions []string
	a := newClaude(Options{SessionID: "s1", OnSessionID: func(s string) { sessions = append(sessions, s) }})

	res := a.HandleSlashCommand("/clear", nil)
	if !res.Success {
		t.Fatalf("clear failed: %+v", res)
	}
	if !slices.Equal(sessions, []string{""}) {
		t.Fatalf("session notifications = %v", sessions)
	}
	if slices.Contains(a.turnArgs("x"), "--resume") {
		t.Fatal("cleared session still resumed")
	}

	res = a.HandleSlashCommand("model", []string{"claude-test-2"})
	if !res.Success || a.Model() != "claude-test-2" {
		t.Fatalf("model set: %+v, model = %q", res, a.Model())
	}
	res = a.HandleSlashCommand("/model", nil)
	if !res.Success || !strings.Contains(res.Message, "claude-test-2") {
		t.Fatalf("model show: %+v", res)
	}

	res = a.HandleSlashCommand("/cost", nil)
	if !res.Success || !strings.Contains(res.Message, "$") {
		t.Fatalf("cost: %+v", res)
	}

	res = a.HandleSlashCommand("/frobnicate", nil)
	if res.Success || !strings.Contains(res.Message, "unknown command") {
		t.Fatalf("unknown command: %+v", res)
	}
}

func TestToolResultText(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"string form", `"plain output"`, "plain output"},
		{"block array", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"unknown shape", `{"weird":1}`, `{"weird":1}`},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := toolResultText([]byte(tc.raw)); got != tc.want {
				t.Fatalf("toolResultText(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}
