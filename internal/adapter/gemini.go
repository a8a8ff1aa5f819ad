package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentim/agentim/pkg/protocol"
)

const geminiCommand = "gemini"

// geminiAdapter drives the gemini CLI in prompt mode with JSON output.
// Unlike claude and codex the CLI prints one JSON document at the end
// of the run instead of streaming JSONL, so the turn buffers stdout
// and parses it once the process exits.
//
// The CLI has no external permission hook; interactive mode runs with
// its default approval policy and bypass maps to --yolo.
type geminiAdapter struct {
	proc
	opts Options

	stateMu sync.Mutex
	model   string
	cost    protocol.CostSummary
}

func newGemini(opts Options) *geminiAdapter {
	return &geminiAdapter{
		proc:  newProc(opts),
		opts:  opts,
		model: opts.Model,
	}
}

func (a *geminiAdapter) SendMessage(ctx context.Context, content string, cb Callbacks) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.end()

	term := &terminal{cb: cb}
	var out bytes.Buffer
	err := a.run(ctx, runSpec{
		command: geminiCommand,
		args:    a.turnArgs(content),
		dir:     a.opts.WorkingDir,
		env:     childEnv(builtinPassEnv[TypeGemini], a.opts.Env, a.opts.MCPServerURL),
		onLine: func(line []byte) {
			out.Write(line)
			out.WriteByte('\n')
		},
	})
	if err != nil {
		term.fail(err.Error())
		return nil
	}
	a.finishTurn(out.Bytes(), term)
	return nil
}

func (a *geminiAdapter) turnArgs(content string) []string {
	a.stateMu.Lock()
	model := a.model
	a.stateMu.Unlock()

	args := []string{"-p", content, "--output-format", "json"}
	if model != "" {
		args = append(args, "-m", model)
	}
	if a.opts.Mode == ModeBypass {
		args = append(args, "--yolo")
	}
	return args
}

// finishTurn parses the buffered run output. A well-formed document
// yields the response text and per-model token stats; anything else
// is relayed verbatim so CLI errors still reach the room.
func (a *geminiAdapter) finishTurn(out []byte, term *terminal) {
	var res geminiResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		if text := strings.TrimSpace(string(out)); text != "" {
			term.chunk(protocol.TextChunk(text))
		}
		term.complete()
		return
	}
	if res.Error != nil && res.Error.Message != "" {
		term.fail(res.Error.Message)
		return
	}
	if res.Response != "" {
		term.chunk(protocol.TextChunk(res.Response))
	}
	a.recordStats(res.Stats)
	term.complete()
}

func (a *geminiAdapter) recordStats(stats *geminiStats) {
	if stats == nil || len(stats.Models) == 0 {
		return
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	for name, m := range stats.Models {
		if m.Tokens == nil {
			continue
		}
		a.model = name
		a.cost.InputTokens += m.Tokens.Prompt
		a.cost.OutputTokens += m.Tokens.Candidates
		a.cost.CacheReadTokens += m.Tokens.Cached
	}
}

func (a *geminiAdapter) SlashCommands() []protocol.SlashCommand {
	return []protocol.SlashCommand{
		{Name: "model", Description: "Show or set the model", Usage: "/model [name]"},
		{Name: "cost", Description: "Show cumulative token usage"},
	}
}

func (a *geminiAdapter) HandleSlashCommand(cmd string, args []string) CommandResult {
	switch strings.TrimPrefix(cmd, "/") {
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

func (a *geminiAdapter) MCPServers() []string { return nil }

func (a *geminiAdapter) Model() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.model
}

func (a *geminiAdapter) ThinkingMode() string { return "" }
func (a *geminiAdapter) EffortLevel() string  { return "" }

func (a *geminiAdapter) CostSummary() protocol.CostSummary {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.cost
}

// Wire shape of gemini --output-format json.
type geminiResult struct {
	Response string       `json:"response"`
	Stats    *geminiStats `json:"stats"`
	Error    *geminiError `json:"error"`
}

type geminiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type geminiStats struct {
	Models map[string]geminiModelStats `json:"models"`
}

type geminiModelStats struct {
	Tokens *geminiTokens `json:"tokens"`
}

type geminiTokens struct {
	Prompt     int64 `json:"prompt"`
	Candidates int64 `json:"candidates"`
	Cached     int64 `json:"cached"`
}
