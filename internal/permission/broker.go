// Package permission brokers tool-approval prompts between adapters
// and the humans in a room. An adapter turn blocks on Request until a
// user answers, the prompt times out, or the gateway goes away; every
// path resolves to an explicit allow or deny exactly once.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/pkg/protocol"
)

// DefaultTimeout bounds how long a prompt waits before auto-denying.
const DefaultTimeout = 5 * time.Minute

// reminderFraction is the point in the timeout window at which a
// still-unanswered prompt posts a notice back into the room.
const reminderFraction = 0.75

// Behavior values returned to the adapter hook.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Decision is the outcome of one prompt. Message is only set on deny
// and is relayed verbatim to the CLI that asked.
type Decision struct {
	Behavior string
	Message  string
}

func allowDecision() Decision { return Decision{Behavior: BehaviorAllow} }

func denyDecision(msg string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: msg}
}

// Prompt describes one tool call awaiting approval.
type Prompt struct {
	AgentID   string
	AgentName string
	RoomID    string
	ToolName  string
	ToolInput json.RawMessage
	// Timeout overrides the broker default when positive.
	Timeout time.Duration
}

// Config wires a Broker to its surroundings.
type Config struct {
	// Forward delivers the prompt to the server for fan-out to the
	// room. Required.
	Forward func(protocol.PermissionRequest)
	// Notice posts a chat-visible line into the agent's room, used
	// for the expiry reminder and the auto-deny note. May be nil.
	Notice func(agentID, roomID, text string)
	// Resolved fires for broker-originated resolutions (timeout,
	// canceled turn, DenyAll) so the gateway can tell the server the
	// prompt is settled. User answers come FROM the server and are
	// not reported back through it. May be nil.
	Resolved func(requestID, agentID, behavior string)
	// Timeout replaces DefaultTimeout when positive.
	Timeout time.Duration
	Logger  *slog.Logger
}

type pendingPrompt struct {
	prompt   Prompt
	expires  time.Time
	decision chan Decision
}

// Broker tracks in-flight prompts for one gateway process.
type Broker struct {
	forward  func(protocol.PermissionRequest)
	notice   func(agentID, roomID, text string)
	resolved func(requestID, agentID, behavior string)
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingPrompt
	closed  bool
}

func NewBroker(cfg Config) *Broker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		forward:  cfg.Forward,
		notice:   cfg.Notice,
		resolved: cfg.Resolved,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*pendingPrompt),
	}
}

// Request registers the prompt, forwards it to the room, and blocks
// until it resolves. The returned decision is always populated; a
// canceled context or closed broker reads as a deny.
func (b *Broker) Request(ctx context.Context, p Prompt) Decision {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}

	id := uuid.NewString()
	pend := &pendingPrompt{
		prompt:   p,
		expires:  time.Now().Add(timeout),
		decision: make(chan Decision, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return denyDecision("Gateway is shutting down")
	}
	b.pending[id] = pend
	b.mu.Unlock()

	b.logger.Info("permission.request",
		"requestId", id,
		"agentId", p.AgentID,
		"tool", p.ToolName,
		"timeout", timeout,
	)
	b.forward(protocol.PermissionRequest{
		RequestID:   id,
		AgentID:     p.AgentID,
		AgentName:   p.AgentName,
		RoomID:      p.RoomID,
		ToolName:    p.ToolName,
		ToolInput:   p.ToolInput,
		TimeoutMs:   timeout.Milliseconds(),
		ExpiresAtMs: pend.expires.UnixMilli(),
	})

	reminder := time.AfterFunc(time.Duration(float64(timeout)*reminderFraction), func() {
		b.remind(id)
	})
	defer reminder.Stop()
	expiry := time.AfterFunc(timeout, func() {
		if b.finish(id, denyDecision("Permission request timed out")) {
			b.logger.Info("permission.timeout", "requestId", id, "tool", p.ToolName)
			b.announceResolved(id, p.AgentID)
			if b.notice != nil {
				b.notice(p.AgentID, p.RoomID,
					fmt.Sprintf("Permission request for %s timed out and was denied", p.ToolName))
			}
		}
	})
	defer expiry.Stop()

	select {
	case d := <-pend.decision:
		return d
	case <-ctx.Done():
		if b.finish(id, denyDecision("Permission request canceled")) {
			b.announceResolved(id, p.AgentID)
		}
		// Whoever finished first buffered the decision.
		return <-pend.decision
	}
}

// Resolve answers a pending prompt. It reports whether the request id
// was still pending; late or duplicate answers return false and change
// nothing.
func (b *Broker) Resolve(requestID string, allow bool) bool {
	d := denyDecision("Denied by user")
	if allow {
		d = allowDecision()
	}
	ok := b.finish(requestID, d)
	if ok {
		b.logger.Info("permission.resolved", "requestId", requestID, "behavior", d.Behavior)
	}
	return ok
}

// DenyAll resolves every pending prompt as a deny with the given
// message and returns how many it answered. Used on connection loss.
func (b *Broker) DenyAll(message string) int {
	b.mu.Lock()
	drained := b.pending
	b.pending = make(map[string]*pendingPrompt)
	b.mu.Unlock()

	for id, pend := range drained {
		pend.decision <- denyDecision(message)
		b.announceResolved(id, pend.prompt.AgentID)
	}
	if len(drained) > 0 {
		b.logger.Info("permission.deny_all", "count", len(drained), "message", message)
	}
	return len(drained)
}

// Close denies everything pending and rejects all future prompts.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.DenyAll("Gateway is shutting down")
}

// PendingCount reports how many prompts are awaiting an answer.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) finish(id string, d Decision) bool {
	b.mu.Lock()
	pend, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	pend.decision <- d
	return true
}

func (b *Broker) announceResolved(id, agentID string) {
	if b.resolved != nil {
		b.resolved(id, agentID, BehaviorDeny)
	}
}

func (b *Broker) remind(id string) {
	b.mu.Lock()
	pend, ok := b.pending[id]
	b.mu.Unlock()
	if !ok || b.notice == nil {
		return
	}
	remaining := time.Until(pend.expires).Round(time.Second)
	text := fmt.Sprintf("Still waiting for permission to run %s (auto-deny in %s)",
		pend.prompt.ToolName, remaining)
	b.notice(pend.prompt.AgentID, pend.prompt.RoomID, text)
}
