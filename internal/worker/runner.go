package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agent-scheduler/internal/engine"
	"agent-scheduler/internal/jobs"
)

// Subscriber delivers job-id notifications from the new_jobs topic.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

const DefaultPollInterval = 5 * time.Second

// Runner claims jobs and executes them against the conversation engine.
//
// Two delivery paths feed the same atomic claim: the pub/sub push path
// (low latency) and a fixed-interval poll (correctness backstop for lost,
// duplicated, or pre-subscription notifications). Neither path holds any
// in-process lock that matters; claim races are settled entirely by the
// store's conditional updates, so any number of runner processes may
// compete.
type Runner struct {
	WorkerID     string
	Store        jobs.Store
	Engine       engine.Engine
	Bus          Subscriber
	PollInterval time.Duration
	Log          zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Run starts the subscription and poll loops. Calling it again while
// running is a no-op.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	ch, err := r.Bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}

	r.cancel = cancel
	r.running = true
	r.wg.Add(2)
	go r.notifyLoop(ctx, ch)
	go r.pollLoop(ctx)
	return nil
}

// Stop unsubscribes and stops the poll timer. An already-claimed job runs
// to completion first: aborting mid-flight would leave it claimed with no
// release path. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	running := r.running
	r.running = false
	r.mu.Unlock()
	if !running {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Runner) notifyLoop(ctx context.Context, ch <-chan string) {
	defer r.wg.Done()
	// Claims run under ctx so shutdown stops new work, but a claimed job is
	// processed on a detached context: cancellation must never cut off the
	// terminal update or the release, or the job stays claimed forever.
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-ch:
			if !ok {
				return
			}
			j, err := r.Store.Lock(ctx, jobID, r.WorkerID)
			switch {
			case err == nil:
				r.process(work, j)
			case errors.Is(err, jobs.ErrAcquisition):
				// Expected: the poll path or another worker won.
				r.Log.Debug().Str("job_id", jobID).Msg("notification lost claim race")
			case errors.Is(err, jobs.ErrNotFound):
				r.Log.Debug().Str("job_id", jobID).Msg("notified job no longer exists")
			default:
				r.Log.Warn().Err(err).Str("job_id", jobID).Msg("lock failed")
			}
		}
	}
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	work := context.WithoutCancel(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j, err := r.Store.Poll(ctx, r.WorkerID)
			if err != nil {
				r.Log.Warn().Err(err).Msg("poll failed")
				continue
			}
			if j != nil {
				r.process(work, j)
			}
		}
	}
}

// process runs one claimed job to a terminal status. The release runs in
// a deferred path that nothing — error or panic — can skip: a job left
// claimed forever is a worse failure than anything logged here.
func (r *Runner) process(ctx context.Context, j *jobs.Job) {
	defer func() {
		if p := recover(); p != nil {
			r.finish(ctx, j.ID, jobs.StatusFailed, &jobs.Output{Error: fmt.Sprintf("panic: %v", p)})
		}
		if err := r.Store.Release(ctx, j.ID); err != nil {
			r.Log.Error().Err(err).Str("job_id", j.ID).Msg("release failed")
		}
	}()

	r.Log.Info().Str("job_id", j.ID).Str("reason", j.Reason.Type).Msg("processing job")

	convID, err := r.Engine.CreateConversation(ctx, j.ProjectID, j.Input.Workflow)
	if err != nil {
		r.finish(ctx, j.ID, jobs.StatusFailed, &jobs.Output{Error: err.Error()})
		return
	}
	res, err := r.Engine.RunTurn(ctx, convID, j.Input.Messages)
	if err != nil {
		r.finish(ctx, j.ID, jobs.StatusFailed, &jobs.Output{ConversationID: convID, Error: err.Error()})
		return
	}
	r.finish(ctx, j.ID, jobs.StatusCompleted, &jobs.Output{ConversationID: convID, TurnID: res.TurnID})
}

func (r *Runner) finish(ctx context.Context, jobID string, status jobs.Status, out *jobs.Output) {
	if _, err := r.Store.Update(ctx, jobID, status, out); err != nil {
		// Not-found here means the record vanished under us; log and move
		// on — the loop must survive.
		r.Log.Error().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("terminal update failed")
	}
}
