package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentim/agentim/internal/config"
	"github.com/agentim/agentim/pkg/protocol"
)

// collector records adapter callbacks for assertions.
type collector struct {
	mu       sync.Mutex
	chunks   []protocol.Chunk
	complete []string
	errs     []string
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(ch protocol.Chunk) {
			c.mu.Lock()
			c.chunks = append(c.chunks, ch)
			c.mu.Unlock()
		},
		OnComplete: func(full string) {
			c.mu.Lock()
			c.complete = append(c.complete, full)
			c.mu.Unlock()
		},
		OnError: func(msg string) {
			c.mu.Lock()
			c.errs = append(c.errs, msg)
			c.mu.Unlock()
		},
	}
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, ch := range c.chunks {
		if ch.Kind == protocol.ChunkText {
			sb.WriteString(ch.Content)
		}
	}
	return sb.String()
}

func (c *collector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, 0, len(c.chunks))
	for _, ch := range c.chunks {
		kinds = append(kinds, ch.Kind)
	}
	return kinds
}

func (c *collector) errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errs...)
}

func (c *collector) completions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.complete...)
}

func testOptions(opts Options) Options {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

// shAdapter wraps a shell script as a generic process adapter. The
// prompt goes over stdin so the script's argv stays untouched.
func shAdapter(t *testing.T, script string, opts Options) *processAdapter {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	def := config.AdapterDef{
		Command:   "sh",
		Args:      config.FlexibleStringSlice{"-c", script},
		PromptVia: "stdin",
	}
	return newProcess("script", def, testOptions(opts))
}

func TestProcessStreamsJSONEvents(t *testing.T) {
	script := `printf '%s\n' \
		'{"type":"text","content":"hello "}' \
		'{"type":"thinking","content":"hmm"}' \
		'{"type":"text","content":"world"}' \
		'{"type":"tool_use","toolName":"shell","toolId":"t1","content":"ls"}' \
		'{"type":"tool_result","toolId":"t1","content":"ok"}' \
		'{"type":"bookkeeping","content":"dropped"}'`
	a := shAdapter(t, script, Options{})

	var c collector
	if err := a.SendMessage(context.Background(), "hi", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got := c.text(); got != "hello world" {
		t.Fatalf("text = %q, want %q", got, "hello world")
	}
	wantKinds := []string{
		protocol.ChunkText, protocol.ChunkThinking, protocol.ChunkText,
		protocol.ChunkToolUse, protocol.ChunkToolResult,
	}
	if got := c.kinds(); !slices.Equal(got, wantKinds) {
		t.Fatalf("chunk kinds = %v, want %v", got, wantKinds)
	}
	if got := c.completions(); len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("completions = %v, want one with accumulated text", got)
	}
	if errs := c.errors(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestProcessPlainTextFallback(t *testing.T) {
	a := shAdapter(t, `printf '%s\n' 'first line' 'second line'`, Options{})

	var c collector
	if err := a.SendMessage(context.Background(), "hi", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := c.text(); got != "first line\nsecond line\n" {
		t.Fatalf("text = %q", got)
	}
}

func TestProcessPromptViaStdin(t *testing.T) {
	a := shAdapter(t, "cat", Options{})

	var c collector
	if err := a.SendMessage(context.Background(), "ping\npong", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := c.text(); got != "ping\npong\n" {
		t.Fatalf("text = %q, want prompt echoed back", got)
	}
}

func TestProcessPromptViaArg(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	def := config.AdapterDef{
		Command:   "sh",
		Args:      config.FlexibleStringSlice{"-c", `printf 'got:%s\n' "$1"`, "t"},
		PromptVia: "arg",
	}
	a := newProcess("script", def, testOptions(Options{}))

	var c collector
	if err := a.SendMessage(context.Background(), "hello", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := c.text(); got != "got:hello\n" {
		t.Fatalf("text = %q, want prompt as trailing argument", got)
	}
}

func TestProcessBusyWhileTurnRunning(t *testing.T) {
	a := shAdapter(t, "sleep 2", Options{})

	var c collector
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.SendMessage(context.Background(), "first", c.callbacks())
	}()
	time.Sleep(300 * time.Millisecond)

	err := a.SendMessage(context.Background(), "second", (&collector{}).callbacks())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second turn error = %v, want ErrBusy", err)
	}

	a.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("first turn did not finish after Stop")
	}
}

func TestProcessStop(t *testing.T) {
	a := shAdapter(t, "sleep 5", Options{})

	var c collector
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.SendMessage(context.Background(), "x", c.callbacks())
	}()
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	a.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not stop")
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("stop took %v, want prompt termination", elapsed)
	}
	if errs := c.errors(); len(errs) != 1 || errs[0] != "Stopped" {
		t.Fatalf("errors = %v, want [Stopped]", errs)
	}
	if got := c.completions(); len(got) != 0 {
		t.Fatalf("completions after stop = %v, want none", got)
	}
}

func TestProcessTimeout(t *testing.T) {
	a := shAdapter(t, "sleep 5", Options{Timeout: 150 * time.Millisecond})

	var c collector
	if err := a.SendMessage(context.Background(), "x", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if errs := c.errors(); len(errs) != 1 || errs[0] != "Process timed out" {
		t.Fatalf("errors = %v, want [Process timed out]", errs)
	}
}

func TestProcessOutputOverflow(t *testing.T) {
	a := shAdapter(t, `printf '%0200d\n' 0`, Options{MaxBuffer: 64})

	var c collector
	if err := a.SendMessage(context.Background(), "x", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if errs := c.errors(); len(errs) != 1 || errs[0] != "Response too large" {
		t.Fatalf("errors = %v, want [Response too large]", errs)
	}
	if kinds := c.kinds(); len(kinds) != 1 || kinds[0] != protocol.ChunkError {
		t.Fatalf("chunks = %v, want only the error chunk", kinds)
	}
}

func TestProcessExitCode(t *testing.T) {
	a := shAdapter(t, `printf 'partial\n'; exit 3`, Options{})

	var c collector
	if err := a.SendMessage(context.Background(), "x", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := c.text(); got != "partial\n" {
		t.Fatalf("text = %q, want output before the failure kept", got)
	}
	if errs := c.errors(); len(errs) != 1 || errs[0] != "Process exited with code 3" {
		t.Fatalf("errors = %v", errs)
	}
	if got := c.completions(); len(got) != 0 {
		t.Fatalf("completions = %v, want none on failure", got)
	}
}

func TestProcessKilledBySignal(t *testing.T) {
	a := shAdapter(t, `kill -9 $$`, Options{})

	var c collector
	if err := a.SendMessage(context.Background(), "x", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if errs := c.errors(); len(errs) != 1 || errs[0] != "Process killed by signal" {
		t.Fatalf("errors = %v", errs)
	}
}

func TestProcessCommandNotFound(t *testing.T) {
	def := config.AdapterDef{Command: "agentim-no-such-binary"}
	a := newProcess("ghost", def, testOptions(Options{}))

	var c collector
	if err := a.SendMessage(context.Background(), "x", c.callbacks()); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	errs := c.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "is not installed") {
		t.Fatalf("errors = %v, want install message", errs)
	}
}

func TestProcessDisposed(t *testing.T) {
	a := shAdapter(t, "true", Options{})
	a.Dispose()

	err := a.SendMessage(context.Background(), "x", (&collector{}).callbacks())
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("SendMessage after Dispose = %v, want ErrDisposed", err)
	}
}

func TestStartMessageInstallHints(t *testing.T) {
	msg := startMessage(claudeCommand, exec.ErrNotFound)
	if !strings.Contains(msg, "npm install -g") {
		t.Fatalf("claude hint = %q, want npm install instructions", msg)
	}
	msg = startMessage("customcli", exec.ErrNotFound)
	if msg != "customcli is not installed or not in PATH" {
		t.Fatalf("unknown command message = %q", msg)
	}
}

func TestChildEnv(t *testing.T) {
	t.Setenv("AGENTIM_TEST_TOKEN", "strip-me")
	t.Setenv("AGENTIM_TEST_SECRET", "strip-me")
	t.Setenv("ANTHROPIC_API_KEY", "keep-me")
	t.Setenv("AGENTIM_TEST_PLAIN", "keep-me")

	env := childEnv([]string{"ANTHROPIC_API_KEY"}, map[string]string{"EXTRA_VAR": "v"}, "http://127.0.0.1:7001/agents/a1")

	has := func(entry string) bool { return slices.Contains(env, entry) }
	if has("AGENTIM_TEST_TOKEN=strip-me") || has("AGENTIM_TEST_SECRET=strip-me") {
		t.Fatal("sensitive variables leaked into child env")
	}
	if !has("ANTHROPIC_API_KEY=keep-me") {
		t.Fatal("pass-through variable missing")
	}
	if !has("AGENTIM_TEST_PLAIN=keep-me") {
		t.Fatal("ordinary variable missing")
	}
	if !has("EXTRA_VAR=v") {
		t.Fatal("extra variable missing")
	}
	if !has("AGENTIM_MCP_URL=http://127.0.0.1:7001/agents/a1") {
		t.Fatal("MCP URL missing")
	}
}

func TestSensitiveEnvName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"MY_TOKEN", true},
		{"github_token", true},
		{"AWS_SECRET", true},
		{"SSH_KEY", true},
		{"DB_PASSWORD", true},
		{"PATH", false},
		{"TOKENIZER", false},
		{"HOME", false},
	}
	for _, tc := range cases {
		if got := sensitiveEnvName(tc.name); got != tc.want {
			t.Errorf("sensitiveEnvName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := &tailBuffer{max: 8}
	if _, err := tb.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := tb.String(); got != "23456789" {
		t.Fatalf("tail = %q, want last 8 bytes", got)
	}
	if _, err := tb.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := tb.String(); got != "456789ab" {
		t.Fatalf("tail after second write = %q", got)
	}
}
