package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agent-scheduler/internal/jobs"
	"agent-scheduler/internal/schedule"
)

// Publisher pushes a job id onto the new_jobs topic. Best-effort: a failed
// publish is logged and never fails rule processing, since the job worker
// poll loop will find the job anyway.
type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

// ProjectResolver returns the published workflow for a project.
type ProjectResolver interface {
	LiveWorkflow(ctx context.Context, projectID string) (json.RawMessage, error)
}

// DefaultSettle is added past the minute boundary before each poll, so
// rules stamped exactly on the boundary are reliably inside the window.
const DefaultSettle = 2 * time.Second

// Worker materializes due rules into jobs on a minute-synchronized
// cadence. Each poll is scheduled via a fresh timer aimed at the next
// minute boundary plus the settle buffer, so poll instants stay aligned
// regardless of drift or slow ticks. Any number of rule workers may run
// concurrently; mutual exclusion comes from the stores' conditional claims.
type Worker struct {
	WorkerID  string
	Scheduled ScheduledStore
	Recurring RecurringStore
	Jobs      jobs.Store
	Projects  ProjectResolver
	Bus       Publisher
	Settle    time.Duration
	Now       func() time.Time
	Log       zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Run starts the poll loop. Calling it again while running is a no-op.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop cancels the pending timer and waits for an in-flight tick to
// finish. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	running := w.running
	w.running = false
	w.mu.Unlock()
	if !running {
		return
	}
	cancel()
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		timer := time.NewTimer(w.untilNextTick())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.Tick(ctx)
		}
	}
}

func (w *Worker) untilNextTick() time.Duration {
	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	return schedule.UntilNextMinute(w.now()) + settle
}

// Tick drains every due rule — scheduled first, then recurring — claiming
// each atomically before processing it. Exported so tests can drive single
// ticks against a pinned clock.
func (w *Worker) Tick(ctx context.Context) {
	now := w.now()
	// Claims run under ctx so shutdown stops new work, but a claimed rule
	// finishes on a detached context: a cancellation that cut off the
	// finalize or release would wedge the rule in processing forever.
	work := context.WithoutCancel(ctx)

	for {
		r, err := w.Scheduled.PollDue(ctx, w.WorkerID, now)
		if err != nil {
			w.Log.Error().Err(err).Msg("scheduled rule poll failed")
			break
		}
		if r == nil {
			break
		}
		w.processScheduled(work, r)
	}

	for {
		r, err := w.Recurring.PollDue(ctx, w.WorkerID, now)
		if err != nil {
			w.Log.Error().Err(err).Msg("recurring rule poll failed")
			break
		}
		if r == nil {
			break
		}
		w.processRecurring(work, r)
	}

	w.logStale(ctx, now)
}

func (w *Worker) processScheduled(ctx context.Context, r *ScheduledRule) {
	// Release must run no matter what fails above it; an unreleased rule
	// can never be inspected or retried by an operator.
	defer func() {
		if err := w.Scheduled.Release(ctx, r.ID); err != nil {
			w.Log.Error().Err(err).Str("rule_id", r.ID).Msg("scheduled rule release failed")
		}
	}()

	job, err := w.materialize(ctx, r.ProjectID, jobs.Reason{
		Type:   jobs.ReasonScheduledJobRule,
		RuleID: r.ID,
	}, r.Input.Messages)
	if err != nil {
		w.Log.Error().Err(err).Str("rule_id", r.ID).Msg("scheduled rule processing failed")
		return
	}
	if err := w.Scheduled.MarkTriggered(ctx, r.ID, job.ID); err != nil {
		w.Log.Error().Err(err).Str("rule_id", r.ID).Msg("mark triggered failed")
	}
}

func (w *Worker) processRecurring(ctx context.Context, r *RecurringRule) {
	var procErr error
	// Release always recomputes the next fire time so one bad tick never
	// takes the rule out of rotation.
	defer func() {
		nextSec := r.NextRunAt
		if next, err := schedule.Next(r.Cron, w.now()); err == nil {
			nextSec = next.Unix()
		} else {
			w.Log.Error().Err(err).Str("rule_id", r.ID).Msg("next run recompute failed")
		}
		var lastErr *string
		if procErr != nil {
			s := procErr.Error()
			lastErr = &s
		}
		if err := w.Recurring.Release(ctx, r.ID, nextSec, lastErr); err != nil {
			w.Log.Error().Err(err).Str("rule_id", r.ID).Msg("recurring rule release failed")
		}
	}()

	_, procErr = w.materialize(ctx, r.ProjectID, jobs.Reason{
		Type:   jobs.ReasonRecurringJobRule,
		RuleID: r.ID,
	}, r.Input.Messages)
	if procErr != nil {
		w.Log.Error().Err(procErr).Str("rule_id", r.ID).Msg("recurring rule processing failed")
	}
}

func (w *Worker) materialize(ctx context.Context, projectID string, reason jobs.Reason, messages []jobs.Message) (*jobs.Job, error) {
	workflow, err := w.Projects.LiveWorkflow(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow: %w", err)
	}
	job, err := w.Jobs.Create(ctx, jobs.CreateParams{
		ProjectID: projectID,
		Reason:    reason,
		Input:     jobs.Input{Workflow: workflow, Messages: messages},
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := w.Bus.Publish(ctx, job.ID); err != nil {
		w.Log.Warn().Err(err).Str("job_id", job.ID).Msg("publish failed; poll will pick it up")
	}
	return job, nil
}

func (w *Worker) logStale(ctx context.Context, now time.Time) {
	if n, err := w.Scheduled.CountStale(ctx, now); err == nil && n > 0 {
		w.Log.Warn().Int("count", n).Msg("scheduled rules past claim window; firings skipped")
	}
	if n, err := w.Recurring.CountStale(ctx, now); err == nil && n > 0 {
		w.Log.Warn().Int("count", n).Msg("recurring rules past claim window; firings skipped")
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
