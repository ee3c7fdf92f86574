package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAcquisition means a targeted claim lost the race: the job exists
	// but is no longer pending/unlocked. Expected under concurrency.
	ErrAcquisition = errors.New("job already claimed")
)

// Store is the durable job queue contract. Poll and Lock are atomic
// find-and-modify operations: for any job, at most one caller ever wins
// the claim. Implementations must never do read-then-write for these.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*Job, error)
	// Poll claims the oldest pending unclaimed job, or returns (nil, nil).
	Poll(ctx context.Context, workerID string) (*Job, error)
	// Lock claims one specific job; ErrAcquisition if it is not claimable.
	Lock(ctx context.Context, jobID, workerID string) (*Job, error)
	// Update writes terminal state unconditionally.
	Update(ctx context.Context, jobID string, status Status, output *Output) (*Job, error)
	// Release clears the worker id and leaves status as-is.
	Release(ctx context.Context, jobID string) error
	List(ctx context.Context, p ListParams) ([]Job, string, error)
}

type CreateParams struct {
	ProjectID string
	Reason    Reason
	Input     Input
}

// ListParams filters are for read-only drill-down; Cursor is the last-seen
// job id from the previous page.
type ListParams struct {
	ProjectID  string
	ReasonType string
	TriggerID  string
	RuleID     string
	Cursor     string
	Limit      int
}

type Postgres struct {
	DB        *sql.DB
	DefaultTO time.Duration // default timeout per query
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db, DefaultTO: 5 * time.Second}
}

const jobCols = `id, project_id, reason, input, status, worker_id, last_worker_id, output, created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, p CreateParams) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	reasonJSON, err := json.Marshal(p.Reason)
	if err != nil {
		return nil, fmt.Errorf("marshal reason: %w", err)
	}
	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	q := `
INSERT INTO agent_jobs (id, project_id, reason, input, status)
VALUES ($1, $2, $3::jsonb, $4::jsonb, 'pending')
RETURNING ` + jobCols + `;`
	row := s.DB.QueryRowContext(ctx, q, uuid.NewString(), p.ProjectID, string(reasonJSON), string(inputJSON))
	return scanJob(row)
}

func (s *Postgres) Poll(ctx context.Context, workerID string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	// Single conditional update: the subselect and the update run in one
	// statement, and SKIP LOCKED keeps concurrent pollers off the same row.
	q := `
UPDATE agent_jobs
SET status = 'running', worker_id = $1, last_worker_id = $1, updated_at = now()
WHERE id = (
  SELECT id FROM agent_jobs
  WHERE status = 'pending' AND worker_id IS NULL
  ORDER BY created_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + jobCols + `;`
	j, err := scanJob(s.DB.QueryRowContext(ctx, q, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Postgres) Lock(ctx context.Context, jobID, workerID string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	q := `
UPDATE agent_jobs
SET status = 'running', worker_id = $1, last_worker_id = $1, updated_at = now()
WHERE id = $2 AND status = 'pending' AND worker_id IS NULL
RETURNING ` + jobCols + `;`
	j, err := scanJob(s.DB.QueryRowContext(ctx, q, workerID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish "gone" from "lost the race".
		var exists bool
		if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM agent_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrAcquisition
	}
	return j, err
}

func (s *Postgres) Update(ctx context.Context, jobID string, status Status, output *Output) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var outJSON any
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		outJSON = string(b)
	}
	q := `
UPDATE agent_jobs
SET status = $1, output = $2::jsonb, updated_at = now()
WHERE id = $3
RETURNING ` + jobCols + `;`
	j, err := scanJob(s.DB.QueryRowContext(ctx, q, string(status), outJSON, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *Postgres) Release(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, `UPDATE agent_jobs SET worker_id = NULL, updated_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, p ListParams) ([]Job, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}

	where := "TRUE"
	args := []any{}
	i := 1
	add := func(cond string, v any) {
		where += fmt.Sprintf(" AND "+cond, i)
		args = append(args, v)
		i++
	}
	if p.ProjectID != "" {
		add("project_id = $%d", p.ProjectID)
	}
	if p.ReasonType != "" {
		add("reason->>'type' = $%d", p.ReasonType)
	}
	if p.TriggerID != "" {
		add("reason->>'trigger_id' = $%d", p.TriggerID)
	}
	if p.RuleID != "" {
		add("reason->>'rule_id' = $%d", p.RuleID)
	}
	if p.Cursor != "" {
		// An unknown cursor id would make the subselect NULL and the page
		// silently empty; surface it instead.
		var exists bool
		if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM agent_jobs WHERE id = $1)`, p.Cursor).Scan(&exists); err != nil {
			return nil, "", err
		}
		if !exists {
			return nil, "", ErrNotFound
		}
		add("(created_at, id) > (SELECT created_at, id FROM agent_jobs WHERE id = $%d)", p.Cursor)
	}

	q := fmt.Sprintf(`
SELECT %s FROM agent_jobs
WHERE %s
ORDER BY created_at ASC, id ASC
LIMIT $%d;`, jobCols, where, i)
	args = append(args, p.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == p.Limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var reasonRaw, inputRaw []byte
	var outputRaw []byte
	var updatedAt sql.NullTime
	if err := row.Scan(&j.ID, &j.ProjectID, &reasonRaw, &inputRaw, &j.Status,
		&j.WorkerID, &j.LastWorkerID, &outputRaw, &j.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasonRaw, &j.Reason); err != nil {
		return nil, fmt.Errorf("unmarshal reason: %w", err)
	}
	if err := json.Unmarshal(inputRaw, &j.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(outputRaw) > 0 {
		var o Output
		if err := json.Unmarshal(outputRaw, &o); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
		j.Output = &o
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		j.UpdatedAt = &t
	}
	return &j, nil
}
