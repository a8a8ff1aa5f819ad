package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentim/agentim/internal/ssrf"
)

// maxRouterResponseBytes caps how much of the AI Router's reply we
// read. A selection of agent names should be tiny.
const maxRouterResponseBytes = 1 << 20

// RouterConfig is the effective AI Router endpoint for one call,
// resolved from the room override and admin settings.
type RouterConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Candidate describes one room agent offered to the AI Router for
// selection.
type Candidate struct {
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type routeRequest struct {
	Model      string      `json:"model,omitempty"`
	RoomID     string      `json:"roomId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Agents     []Candidate `json:"agents"`
}

type routeResponse struct {
	Agents []string `json:"agents"`
}

// RouterClient asks an external LLM endpoint which agents should
// answer a broadcast message. The URL is admin-writable at runtime, so
// every call revalidates it, including each redirect hop.
type RouterClient struct {
	guard  *ssrf.Guard
	client *http.Client
}

func NewRouterClient(guard *ssrf.Guard) *RouterClient {
	return &RouterClient{
		guard: guard,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return guard.Check(req.Context(), req.URL.String())
			},
		},
	}
}

// SelectAgents posts the message and candidate list to the router and
// returns the agent names it picked. Names the room does not know are
// dropped by the caller.
func (c *RouterClient) SelectAgents(ctx context.Context, cfg RouterConfig, roomID, senderName, content string, agents []Candidate) ([]string, error) {
	if err := c.guard.Check(ctx, cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("router url rejected: %w", err)
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(routeRequest{
		Model:      cfg.Model,
		RoomID:     roomID,
		SenderName: senderName,
		Content:    content,
		Agents:     agents,
	})
	if err != nil {
		return nil, fmt.Errorf("encode router request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build router request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("router request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("router returned status %d", resp.StatusCode)
	}
	var out routeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRouterResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode router response: %w", err)
	}
	return out.Agents, nil
}
