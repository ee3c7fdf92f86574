package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-scheduler/internal/jobs"
)

func TestClient_CreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/conversations", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			ProjectID string          `json:"project_id"`
			Workflow  json.RawMessage `json:"workflow"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "p1", body.ProjectID)

		_ = json.NewEncoder(w).Encode(map[string]string{"id": "conv-42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test")
	id, err := c.CreateConversation(context.Background(), "p1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	require.Equal(t, "conv-42", id)
}

func TestClient_CreateConversationServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.CreateConversation(context.Background(), "p1", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestClient_RunTurnConsumesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/conversations/conv-42/turns", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"type":"message","message":{"role":"assistant","content":"working on it"}}` + "\n"))
		_, _ = w.Write([]byte("\n")) // blank keepalive line
		_, _ = w.Write([]byte(`{"type":"message","message":{"role":"assistant","content":"done"}}` + "\n"))
		_, _ = w.Write([]byte(`{"type":"done","turn_id":"turn-7"}` + "\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	res, err := c.RunTurn(context.Background(), "conv-42", []jobs.Message{{Role: "user", Content: "go"}})
	require.NoError(t, err)
	require.Equal(t, "turn-7", res.TurnID)
	require.Len(t, res.Messages, 2)
	require.Equal(t, "working on it", res.Messages[0].Content)
}

func TestClient_RunTurnErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"error","error":"workflow step timed out"}` + "\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.RunTurn(context.Background(), "conv-42", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workflow step timed out")
}

func TestClient_RunTurnTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"message","message":{"role":"assistant","content":"hi"}}` + "\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.RunTurn(context.Background(), "conv-42", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "without done")
}
