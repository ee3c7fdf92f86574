package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agent-scheduler/internal/jobs"
)

// Client talks to the engine's HTTP API. Turn responses arrive as
// newline-delimited JSON events.
type Client struct {
	BaseURL     string
	APIKey      string
	HTTP        *http.Client
	TurnTimeout time.Duration // a turn can run for minutes; 0 means 10m
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{},
	}
}

func (c *Client) CreateConversation(ctx context.Context, projectID string, workflow json.RawMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	body := map[string]any{"project_id": projectID, "workflow": workflow}
	resp, err := c.post(ctx, "/v1/conversations", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("engine: create conversation: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("engine: decode conversation: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("engine: empty conversation id")
	}
	return out.ID, nil
}

func (c *Client) RunTurn(ctx context.Context, conversationID string, messages []jobs.Message) (TurnResult, error) {
	to := c.TurnTimeout
	if to <= 0 {
		to = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	body := map[string]any{"messages": messages}
	resp, err := c.post(ctx, "/v1/conversations/"+conversationID+"/turns", body)
	if err != nil {
		return TurnResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TurnResult{}, fmt.Errorf("engine: run turn: status %d", resp.StatusCode)
	}

	var res TurnResult
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev TurnEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return TurnResult{}, fmt.Errorf("engine: decode event: %w", err)
		}
		switch ev.Type {
		case "message":
			if ev.Message != nil {
				res.Messages = append(res.Messages, *ev.Message)
			}
		case "error":
			return TurnResult{}, fmt.Errorf("engine: turn error: %s", ev.Error)
		case "done":
			res.TurnID = ev.TurnID
			return res, nil
		}
	}
	if err := sc.Err(); err != nil {
		return TurnResult{}, fmt.Errorf("engine: read stream: %w", err)
	}
	return TurnResult{}, fmt.Errorf("engine: stream ended without done event")
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("engine: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return resp, nil
}
