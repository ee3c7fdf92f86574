package jobs

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reason types. A job is materialized by exactly one producer.
const (
	ReasonComposioTrigger  = "composio_trigger"
	ReasonScheduledJobRule = "scheduled_job_rule"
	ReasonRecurringJobRule = "recurring_job_rule"
)

// Reason records why a job was created. Type selects which of the other
// fields are meaningful.
type Reason struct {
	Type            string          `json:"type"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	DeploymentID    string          `json:"deployment_id,omitempty"`
	TriggerTypeSlug string          `json:"trigger_type_slug,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RuleID          string          `json:"rule_id,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Input struct {
	Workflow json.RawMessage `json:"workflow,omitempty"`
	Messages []Message       `json:"messages"`
}

type Output struct {
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Job is a durable unit of deferred work.
//
// Invariant: WorkerID != nil implies Status == running; a pending job always
// has WorkerID == nil. Terminal jobs are final and are never re-claimed.
type Job struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Reason       Reason     `json:"reason"`
	Input        Input      `json:"input"`
	Status       Status     `json:"status"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	LastWorkerID *string    `json:"last_worker_id,omitempty"`
	Output       *Output    `json:"output,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}
