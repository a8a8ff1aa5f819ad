// Package mcpbridge exposes gateway capabilities to adapter-spawned
// CLIs over a loopback MCP endpoint. Each agent gets its own mount
// under /agents/{agentID} so a tool call carries the caller's identity
// in the URL rather than in forgeable arguments. Message sends re-enter
// the server over the normal WebSocket path, so chain depth, visited
// sets, and rate limits all still apply.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentim/agentim/internal/permission"
	"github.com/agentim/agentim/pkg/protocol"
)

// Reply brokering limits, enforced per agent.
const (
	MaxPendingReplies   = 10
	MaxReplyTimeout     = 300 * time.Second
	DefaultReplyTimeout = 60 * time.Second
)

const serverName = "agentim"

// Exchange is the gateway-side surface the bridge tools call into. The
// agent manager implements it; tools never touch the WebSocket or the
// adapters directly.
type Exchange interface {
	// SendAsAgent posts content to the agent's room addressed at the
	// named target, through the routed path.
	SendAsAgent(ctx context.Context, agentID, target, content string) error
	// AwaitReply sends like SendAsAgent and blocks until a reply in
	// the same conversation arrives or the timeout lapses.
	AwaitReply(ctx context.Context, agentID, target, content string, timeout time.Duration) (string, error)
	// RecentMessages returns the newest messages of the agent's room.
	RecentMessages(ctx context.Context, agentID string, limit int) ([]protocol.RoomContextMessage, error)
	// Members lists the agent's room roster.
	Members(ctx context.Context, agentID string) ([]protocol.RoomContextMember, error)
	// Approve blocks on the permission broker until the named tool
	// call is allowed or denied.
	Approve(ctx context.Context, agentID, toolName string, input json.RawMessage) permission.Decision
}

// Config wires a Bridge.
type Config struct {
	Exchange Exchange
	Version  string
	Logger   *slog.Logger
}

// Bridge is one loopback HTTP listener multiplexing per-agent MCP
// servers.
type Bridge struct {
	exchange Exchange
	version  string
	logger   *slog.Logger

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	handlers map[string]http.Handler
}

func New(cfg Config) *Bridge {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		exchange: cfg.Exchange,
		version:  version,
		logger:   logger,
		handlers: make(map[string]http.Handler),
	}
}

// Start binds an ephemeral loopback port and serves until Close.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("mcp bridge listen: %w", err)
	}
	b.listener = ln
	b.server = &http.Server{Handler: b, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("mcpbridge.serve_failed", "error", err)
		}
	}()
	b.logger.Info("mcpbridge.listening", "addr", ln.Addr().String())
	return nil
}

// Close hard-closes the listener and all in-flight tool calls. Pending
// permission prompts must be denied first so blocked handlers unwind.
func (b *Bridge) Close() error {
	if b.server == nil {
		return nil
	}
	return b.server.Close()
}

// Mount registers an agent endpoint and returns its URL for the
// AGENTIM_MCP_URL child environment.
func (b *Bridge) Mount(agentID string) string {
	h := b.newAgentHandler(agentID)
	b.mu.Lock()
	b.handlers[agentID] = h
	b.mu.Unlock()
	u := b.AgentURL(agentID)
	b.logger.Info("mcpbridge.mounted", "agent", agentID, "url", u)
	return u
}

// Unmount removes an agent endpoint; later calls 404.
func (b *Bridge) Unmount(agentID string) {
	b.mu.Lock()
	delete(b.handlers, agentID)
	b.mu.Unlock()
}

// AgentURL returns the mount URL, or "" before Start.
func (b *Bridge) AgentURL(agentID string) string {
	if b.listener == nil {
		return ""
	}
	return fmt.Sprintf("http://%s/agents/%s", b.listener.Addr(), url.PathEscape(agentID))
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	escaped, ok := strings.CutPrefix(r.URL.EscapedPath(), "/agents/")
	if !ok || escaped == "" || strings.Contains(escaped, "/") {
		http.NotFound(w, r)
		return
	}
	agentID, err := url.PathUnescape(escaped)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	b.mu.Lock()
	h, mounted := b.handlers[agentID]
	b.mu.Unlock()
	if !mounted {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

func (b *Bridge) newAgentHandler(agentID string) http.Handler {
	s := server.NewMCPServer(serverName, b.version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a one-way message to another agent or to the room. The message goes through normal routing, so the target must be a room member."),
		mcp.WithString("target_agent", mcp.Required(), mcp.Description("Name of the agent to address")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
	), b.sendMessage(agentID))

	s.AddTool(mcp.NewTool("request_reply",
		mcp.WithDescription("Send a message to another agent and wait for its reply in the same conversation."),
		mcp.WithString("target_agent", mcp.Required(), mcp.Description("Name of the agent to ask")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Question or request text")),
		mcp.WithNumber("timeout_sec", mcp.Description("Seconds to wait for the reply (max 300)")),
	), b.requestReply(agentID))

	s.AddTool(mcp.NewTool("get_room_messages",
		mcp.WithDescription("Fetch the most recent messages from this agent's room."),
		mcp.WithNumber("limit", mcp.Description("How many messages to return (default 50)")),
	), b.getRoomMessages(agentID))

	s.AddTool(mcp.NewTool("list_room_members",
		mcp.WithDescription("List the members of this agent's room with their type and status."),
	), b.listRoomMembers(agentID))

	s.AddTool(mcp.NewTool("approve",
		mcp.WithDescription("Ask the room for permission to run a tool. Blocks until a user answers or the request times out."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Tool awaiting approval")),
		mcp.WithObject("input", mcp.Description("Tool input payload")),
	), b.approve(agentID))

	return server.NewStreamableHTTPServer(s, server.WithStateLess(true))
}

func (b *Bridge) sendMessage(agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := req.RequireString("target_agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := b.exchange.SendAsAgent(ctx, agentID, target, content); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Message sent to @" + target), nil
	}
}

func (b *Bridge) requestReply(agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := req.RequireString("target_agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := time.Duration(req.GetInt("timeout_sec", int(DefaultReplyTimeout/time.Second))) * time.Second
		if timeout <= 0 {
			timeout = DefaultReplyTimeout
		}
		if timeout > MaxReplyTimeout {
			timeout = MaxReplyTimeout
		}
		reply, err := b.exchange.AwaitReply(ctx, agentID, target, content, timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(reply), nil
	}
}

func (b *Bridge) getRoomMessages(agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit < 1 {
			limit = 1
		}
		if limit > 200 {
			limit = 200
		}
		messages, err := b.exchange.RecentMessages(ctx, agentID, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(messages)
	}
}

func (b *Bridge) listRoomMembers(agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		members, err := b.exchange.Members(ctx, agentID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(members)
	}
}

// approve implements the CLI's permission prompt contract: the result
// text is a JSON document with behavior allow|deny, echoing the input
// back on allow.
func (b *Bridge) approve(agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := req.RequireString("tool_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var input json.RawMessage
		if raw, ok := req.GetArguments()["input"]; ok {
			input, _ = json.Marshal(raw)
		}

		d := b.exchange.Approve(ctx, agentID, toolName, input)
		var payload []byte
		if d.Behavior == permission.BehaviorAllow {
			updated := input
			if len(updated) == 0 {
				updated = json.RawMessage(`{}`)
			}
			payload, _ = json.Marshal(map[string]json.RawMessage{
				"behavior":     json.RawMessage(`"allow"`),
				"updatedInput": updated,
			})
		} else {
			payload, _ = json.Marshal(map[string]string{
				"behavior": "deny",
				"message":  d.Message,
			})
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
