package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// authError carries exit code 2: the server rejected our credentials.
type authError struct {
	msg string
}

func (e *authError) Error() string { return e.msg }
func (e *authError) ExitCode() int { return 2 }

func authErrorf(format string, args ...any) error {
	return &authError{msg: fmt.Sprintf(format, args...)}
}

// connError carries exit code 3: the server could not be reached.
type connError struct {
	err error
}

func (e *connError) Error() string { return "server unreachable: " + e.err.Error() }
func (e *connError) Unwrap() error { return e.err }
func (e *connError) ExitCode() int { return 3 }

// apiClient talks to the broker's REST surface. Responses use the
// {ok, data} / {ok, error} envelope.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(serverURL, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(serverURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &connError{err: err}
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &authError{msg: msg}
		}
		return errors.New(msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// userData mirrors the broker's user shape.
type userData struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// tokenData mirrors the broker's token pair reply. User is omitted on
// refresh replies.
type tokenData struct {
	User         *userData `json:"user"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
}

// agentData mirrors the broker's agent listing, including live state.
type agentData struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	WorkingDir   string    `json:"workingDir"`
	Status       string    `json:"status"`
	Connected    bool      `json:"connected"`
	QueueDepth   int       `json:"queueDepth"`
	LastOnlineAt time.Time `json:"lastOnlineAt"`
}

func (c *apiClient) login(ctx context.Context, username, password string) (*tokenData, error) {
	var pair tokenData
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *apiClient) register(ctx context.Context, username, password string) (*tokenData, error) {
	var pair tokenData
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *apiClient) refresh(ctx context.Context, refreshToken string) (*tokenData, error) {
	var pair tokenData
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *apiClient) logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func (c *apiClient) me(ctx context.Context) (*userData, error) {
	var u userData
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *apiClient) agents(ctx context.Context) ([]agentData, error) {
	var agents []agentData
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// agentByName resolves a display name, case-insensitively, to the
// stored agent.
func (c *apiClient) agentByName(ctx context.Context, name string) (*agentData, error) {
	agents, err := c.agents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if strings.EqualFold(agents[i].Name, name) {
			return &agents[i], nil
		}
	}
	return nil, fmt.Errorf("no agent named %q (see `agentim list`)", name)
}

func (c *apiClient) stopAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+id+"/stop", nil, nil)
}

func (c *apiClient) removeAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+id, nil, nil)
}

// health hits the unauthenticated liveness endpoint.
func (c *apiClient) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &connError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: %s", resp.Status)
	}
	return nil
}
