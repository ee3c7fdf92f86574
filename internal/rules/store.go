package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"agent-scheduler/internal/schedule"
)

var ErrNotFound = errors.New("not found")

// ScheduledStore is the one-shot rule contract. PollDue is an atomic
// conditional claim, same discipline as the job store.
type ScheduledStore interface {
	Create(ctx context.Context, p CreateScheduledParams) (*ScheduledRule, error)
	Get(ctx context.Context, id string) (*ScheduledRule, error)
	List(ctx context.Context, projectID string, limit int) ([]ScheduledRule, error)
	// PollDue claims the oldest-due pending rule inside the trailing
	// window, or returns (nil, nil) when the tick is drained.
	PollDue(ctx context.Context, workerID string, now time.Time) (*ScheduledRule, error)
	// MarkTriggered finalizes the rule; it never fires again.
	MarkTriggered(ctx context.Context, id, jobID string) error
	Release(ctx context.Context, id string) error
	// CountStale counts pending rules whose fire time fell behind the window.
	CountStale(ctx context.Context, now time.Time) (int, error)
}

// RecurringStore is the cron rule contract.
type RecurringStore interface {
	Create(ctx context.Context, p CreateRecurringParams) (*RecurringRule, error)
	Delete(ctx context.Context, id string) error
	// Toggle flips disabled and recomputes NextRunAt so a re-enabled rule
	// is scheduled without waiting for an external nudge.
	Toggle(ctx context.Context, id string, disabled bool, now time.Time) (*RecurringRule, error)
	Get(ctx context.Context, id string) (*RecurringRule, error)
	List(ctx context.Context, projectID string, limit int) ([]RecurringRule, error)
	PollDue(ctx context.Context, workerID string, now time.Time) (*RecurringRule, error)
	// Release clears the worker id, writes the recomputed NextRunAt, and
	// records (or clears) the last processing error.
	Release(ctx context.Context, id string, nextRunAt int64, lastErr *string) error
	CountStale(ctx context.Context, now time.Time) (int, error)
}

type CreateScheduledParams struct {
	ProjectID string
	Input     Input
	RunAt     time.Time // floored to the minute boundary
}

type CreateRecurringParams struct {
	ProjectID string
	Input     Input
	Cron      string
	Disabled  bool
}

/* ===================== Scheduled rules (Postgres) ===================== */

type ScheduledPostgres struct {
	DB        *sql.DB
	DefaultTO time.Duration
	Window    time.Duration
}

func NewScheduledPostgres(db *sql.DB) *ScheduledPostgres {
	return &ScheduledPostgres{DB: db, DefaultTO: 5 * time.Second, Window: DefaultClaimWindow}
}

const scheduledCols = `id, project_id, input, next_run_at, status, worker_id, last_worker_id, output, processed_at, created_at`

func (s *ScheduledPostgres) Create(ctx context.Context, p CreateScheduledParams) (*ScheduledRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	q := `
INSERT INTO scheduled_rules (id, project_id, input, next_run_at, status)
VALUES ($1, $2, $3::jsonb, $4, 'pending')
RETURNING ` + scheduledCols + `;`
	return scanScheduled(s.DB.QueryRowContext(ctx, q,
		uuid.NewString(), p.ProjectID, string(inputJSON), schedule.FloorMinute(p.RunAt)))
}

func (s *ScheduledPostgres) Get(ctx context.Context, id string) (*ScheduledRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	r, err := scanScheduled(s.DB.QueryRowContext(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *ScheduledPostgres) List(ctx context.Context, projectID string, limit int) ([]ScheduledRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+scheduledCols+` FROM scheduled_rules
WHERE project_id = $1
ORDER BY next_run_at ASC
LIMIT $2;`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledRule
	for rows.Next() {
		r, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *ScheduledPostgres) PollDue(ctx context.Context, workerID string, now time.Time) (*ScheduledRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	nowSec := now.UTC().Unix()
	floor := now.UTC().Add(-s.window()).Unix()
	q := `
UPDATE scheduled_rules
SET status = 'processing', worker_id = $1, last_worker_id = $1, processed_at = $2
WHERE id = (
  SELECT id FROM scheduled_rules
  WHERE status = 'pending' AND worker_id IS NULL
    AND next_run_at <= $2 AND next_run_at >= $3
  ORDER BY next_run_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + scheduledCols + `;`
	r, err := scanScheduled(s.DB.QueryRowContext(ctx, q, workerID, nowSec, floor))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *ScheduledPostgres) MarkTriggered(ctx context.Context, id, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	out, err := json.Marshal(ScheduledOutput{JobID: jobID})
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scheduled_rules SET status = 'triggered', output = $1::jsonb WHERE id = $2`,
		string(out), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ScheduledPostgres) Release(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, `UPDATE scheduled_rules SET worker_id = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ScheduledPostgres) CountStale(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT count(*) FROM scheduled_rules
WHERE status = 'pending' AND next_run_at < $1`, now.UTC().Add(-s.window()).Unix()).Scan(&n)
	return n, err
}

func (s *ScheduledPostgres) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultClaimWindow
}

/* ===================== Recurring rules (Postgres) ===================== */

type RecurringPostgres struct {
	DB        *sql.DB
	DefaultTO time.Duration
	Window    time.Duration
}

func NewRecurringPostgres(db *sql.DB) *RecurringPostgres {
	return &RecurringPostgres{DB: db, DefaultTO: 5 * time.Second, Window: DefaultClaimWindow}
}

const recurringCols = `id, project_id, input, cron, next_run_at, disabled, worker_id, last_worker_id, last_processed_at, last_error, created_at`

func (s *RecurringPostgres) Create(ctx context.Context, p CreateRecurringParams) (*RecurringRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	next, err := schedule.Next(p.Cron, time.Now())
	if err != nil {
		return nil, err
	}
	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	q := `
INSERT INTO recurring_rules (id, project_id, input, cron, next_run_at, disabled)
VALUES ($1, $2, $3::jsonb, $4, $5, $6)
RETURNING ` + recurringCols + `;`
	return scanRecurring(s.DB.QueryRowContext(ctx, q,
		uuid.NewString(), p.ProjectID, string(inputJSON), p.Cron, next.Unix(), p.Disabled))
}

func (s *RecurringPostgres) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, `DELETE FROM recurring_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RecurringPostgres) Toggle(ctx context.Context, id string, disabled bool, now time.Time) (*RecurringRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var expr string
	err := s.DB.QueryRowContext(ctx, `SELECT cron FROM recurring_rules WHERE id = $1`, id).Scan(&expr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	next, err := schedule.Next(expr, now)
	if err != nil {
		return nil, err
	}
	r, err := scanRecurring(s.DB.QueryRowContext(ctx, `
UPDATE recurring_rules SET disabled = $1, next_run_at = $2
WHERE id = $3
RETURNING `+recurringCols+`;`, disabled, next.Unix(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *RecurringPostgres) Get(ctx context.Context, id string) (*RecurringRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	r, err := scanRecurring(s.DB.QueryRowContext(ctx,
		`SELECT `+recurringCols+` FROM recurring_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *RecurringPostgres) List(ctx context.Context, projectID string, limit int) ([]RecurringRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+recurringCols+` FROM recurring_rules
WHERE project_id = $1
ORDER BY next_run_at ASC
LIMIT $2;`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecurringRule
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *RecurringPostgres) PollDue(ctx context.Context, workerID string, now time.Time) (*RecurringRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	nowSec := now.UTC().Unix()
	floor := now.UTC().Add(-s.window()).Unix()
	// last_processed_at < $2 guards against reprocessing inside one tick.
	q := `
UPDATE recurring_rules
SET worker_id = $1, last_worker_id = $1, last_processed_at = $2
WHERE id = (
  SELECT id FROM recurring_rules
  WHERE disabled = false AND worker_id IS NULL
    AND next_run_at <= $2 AND next_run_at >= $3
    AND (last_processed_at IS NULL OR last_processed_at < $2)
  ORDER BY next_run_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + recurringCols + `;`
	r, err := scanRecurring(s.DB.QueryRowContext(ctx, q, workerID, nowSec, floor))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *RecurringPostgres) Release(ctx context.Context, id string, nextRunAt int64, lastErr *string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, `
UPDATE recurring_rules SET worker_id = NULL, next_run_at = $1, last_error = $2
WHERE id = $3`, nextRunAt, lastErr, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RecurringPostgres) CountStale(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT count(*) FROM recurring_rules
WHERE disabled = false AND next_run_at < $1`, now.UTC().Add(-s.window()).Unix()).Scan(&n)
	return n, err
}

func (s *RecurringPostgres) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultClaimWindow
}

/* ===================== scan helpers ===================== */

type scanner interface {
	Scan(dest ...any) error
}

func scanScheduled(row scanner) (*ScheduledRule, error) {
	var r ScheduledRule
	var inputRaw, outputRaw []byte
	var processedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.ProjectID, &inputRaw, &r.NextRunAt, &r.Status,
		&r.WorkerID, &r.LastWorkerID, &outputRaw, &processedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputRaw, &r.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(outputRaw) > 0 {
		var o ScheduledOutput
		if err := json.Unmarshal(outputRaw, &o); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
		r.Output = &o
	}
	if processedAt.Valid {
		v := processedAt.Int64
		r.ProcessedAt = &v
	}
	return &r, nil
}

func scanRecurring(row scanner) (*RecurringRule, error) {
	var r RecurringRule
	var inputRaw []byte
	var lastProcessed sql.NullInt64
	if err := row.Scan(&r.ID, &r.ProjectID, &inputRaw, &r.Cron, &r.NextRunAt, &r.Disabled,
		&r.WorkerID, &r.LastWorkerID, &lastProcessed, &r.LastError, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputRaw, &r.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if lastProcessed.Valid {
		v := lastProcessed.Int64
		r.LastProcessedAt = &v
	}
	return &r, nil
}
