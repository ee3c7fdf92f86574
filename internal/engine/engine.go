// Package engine wraps the conversation/response engine behind a narrow
// interface. The engine is an external collaborator: given a workflow and a
// message history it produces the next set of output messages, delivered as
// a stream of turn events ending in a terminal "done" event.
package engine

import (
	"context"
	"encoding/json"

	"agent-scheduler/internal/jobs"
)

type Engine interface {
	// CreateConversation seeds a conversation with a workflow definition
	// and returns its id.
	CreateConversation(ctx context.Context, projectID string, workflow json.RawMessage) (string, error)
	// RunTurn runs one conversation turn, consuming the event stream to
	// the terminal done event.
	RunTurn(ctx context.Context, conversationID string, messages []jobs.Message) (TurnResult, error)
}

// TurnEvent is one element of the engine's turn stream.
type TurnEvent struct {
	Type    string        `json:"type"` // "message" | "error" | "done"
	Message *jobs.Message `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	TurnID  string        `json:"turn_id,omitempty"`
}

type TurnResult struct {
	TurnID   string
	Messages []jobs.Message
}
