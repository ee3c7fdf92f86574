package rules

import (
	"time"

	"agent-scheduler/internal/jobs"
)

// DefaultClaimWindow bounds how far behind a rule's fire time may be and
// still be claimed. Overdue rules outside the window are skipped so a long
// worker outage does not fire a backlog storm on recovery. Tunable via the
// Window field on the stores.
const DefaultClaimWindow = 3 * time.Minute

type ScheduledStatus string

const (
	ScheduledPending    ScheduledStatus = "pending"
	ScheduledProcessing ScheduledStatus = "processing"
	ScheduledTriggered  ScheduledStatus = "triggered"
)

type Input struct {
	Messages []jobs.Message `json:"messages"`
}

type ScheduledOutput struct {
	JobID string `json:"job_id"`
}

// ScheduledRule fires once at NextRunAt (epoch seconds, minute-floored).
// Once triggered it never fires again.
type ScheduledRule struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"project_id"`
	Input        Input            `json:"input"`
	NextRunAt    int64            `json:"next_run_at"`
	Status       ScheduledStatus  `json:"status"`
	WorkerID     *string          `json:"worker_id,omitempty"`
	LastWorkerID *string          `json:"last_worker_id,omitempty"`
	Output       *ScheduledOutput `json:"output,omitempty"`
	ProcessedAt  *int64           `json:"processed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// RecurringRule fires repeatedly per its cron expression (5-field, UTC).
// NextRunAt is recomputed from Cron after every claim, release, toggle and
// create, so it never goes stale relative to the expression.
type RecurringRule struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Input           Input     `json:"input"`
	Cron            string    `json:"cron"`
	NextRunAt       int64     `json:"next_run_at"`
	Disabled        bool      `json:"disabled"`
	WorkerID        *string   `json:"worker_id,omitempty"`
	LastWorkerID    *string   `json:"last_worker_id,omitempty"`
	LastProcessedAt *int64    `json:"last_processed_at,omitempty"`
	LastError       *string   `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
