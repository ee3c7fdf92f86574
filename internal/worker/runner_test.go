package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agent-scheduler/internal/engine"
	"agent-scheduler/internal/jobs"
)

type fakeEngine struct {
	convErr     error
	turnErr     error
	panicOnTurn bool
}

func (f *fakeEngine) CreateConversation(ctx context.Context, projectID string, workflow json.RawMessage) (string, error) {
	if f.convErr != nil {
		return "", f.convErr
	}
	return "conv-1", nil
}

func (f *fakeEngine) RunTurn(ctx context.Context, conversationID string, messages []jobs.Message) (engine.TurnResult, error) {
	if f.panicOnTurn {
		panic("engine blew up")
	}
	if f.turnErr != nil {
		return engine.TurnResult{}, f.turnErr
	}
	return engine.TurnResult{TurnID: "turn-1"}, nil
}

type fakeBus struct {
	ch chan string
}

func (b *fakeBus) Subscribe(ctx context.Context) (<-chan string, error) {
	return b.ch, nil
}

func newRunner(store *jobs.Memory, eng engine.Engine, bus *fakeBus, poll time.Duration) *Runner {
	return &Runner{
		WorkerID:     "w-test",
		Store:        store,
		Engine:       eng,
		Bus:          bus,
		PollInterval: poll,
		Log:          zerolog.Nop(),
	}
}

func claimJob(t *testing.T, store *jobs.Memory) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	j, err := store.Create(ctx, jobs.CreateParams{ProjectID: "p1", Reason: jobs.Reason{Type: jobs.ReasonScheduledJobRule}})
	require.NoError(t, err)
	claimed, err := store.Lock(ctx, j.ID, "w-test")
	require.NoError(t, err)
	return claimed
}

func TestRunner_ProcessCompletes(t *testing.T) {
	store := jobs.NewMemory()
	r := newRunner(store, &fakeEngine{}, &fakeBus{ch: make(chan string)}, time.Hour)

	j := claimJob(t, store)
	r.process(context.Background(), j)

	got, ok := store.Get(j.ID)
	require.True(t, ok)
	require.Equal(t, jobs.StatusCompleted, got.Status)
	require.NotNil(t, got.Output)
	require.Equal(t, "conv-1", got.Output.ConversationID)
	require.Equal(t, "turn-1", got.Output.TurnID)
	require.Nil(t, got.WorkerID)
}

func TestRunner_ProcessEngineErrorFails(t *testing.T) {
	store := jobs.NewMemory()
	r := newRunner(store, &fakeEngine{turnErr: errors.New("turn exploded")}, &fakeBus{ch: make(chan string)}, time.Hour)

	j := claimJob(t, store)
	r.process(context.Background(), j)

	got, _ := store.Get(j.ID)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Equal(t, "conv-1", got.Output.ConversationID)
	require.Contains(t, got.Output.Error, "turn exploded")
	require.Nil(t, got.WorkerID)
}

func TestRunner_ProcessConversationErrorFails(t *testing.T) {
	store := jobs.NewMemory()
	r := newRunner(store, &fakeEngine{convErr: errors.New("no engine")}, &fakeBus{ch: make(chan string)}, time.Hour)

	j := claimJob(t, store)
	r.process(context.Background(), j)

	got, _ := store.Get(j.ID)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Empty(t, got.Output.ConversationID)
	require.Contains(t, got.Output.Error, "no engine")
	require.Nil(t, got.WorkerID)
}

func TestRunner_ProcessPanicReleasesAndFails(t *testing.T) {
	store := jobs.NewMemory()
	r := newRunner(store, &fakeEngine{panicOnTurn: true}, &fakeBus{ch: make(chan string)}, time.Hour)

	j := claimJob(t, store)
	r.process(context.Background(), j)

	got, _ := store.Get(j.ID)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Contains(t, got.Output.Error, "panic:")
	require.Nil(t, got.WorkerID)
}

func TestRunner_NotificationPath(t *testing.T) {
	store := jobs.NewMemory()
	bus := &fakeBus{ch: make(chan string, 1)}
	r := newRunner(store, &fakeEngine{}, bus, time.Hour)

	require.NoError(t, r.Run(context.Background()))
	defer r.Stop()

	j, err := store.Create(context.Background(), jobs.CreateParams{ProjectID: "p1", Reason: jobs.Reason{Type: jobs.ReasonComposioTrigger}})
	require.NoError(t, err)
	bus.ch <- j.ID

	require.Eventually(t, func() bool {
		got, ok := store.Get(j.ID)
		return ok && got.Status == jobs.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_PollBackstop(t *testing.T) {
	store := jobs.NewMemory()
	bus := &fakeBus{ch: make(chan string)} // never delivers
	r := newRunner(store, &fakeEngine{}, bus, 10*time.Millisecond)

	require.NoError(t, r.Run(context.Background()))
	defer r.Stop()

	j, err := store.Create(context.Background(), jobs.CreateParams{ProjectID: "p1", Reason: jobs.Reason{Type: jobs.ReasonScheduledJobRule}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := store.Get(j.ID)
		return ok && got.Status == jobs.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_UnknownNotificationIgnored(t *testing.T) {
	store := jobs.NewMemory()
	bus := &fakeBus{ch: make(chan string, 2)}
	r := newRunner(store, &fakeEngine{}, bus, time.Hour)

	require.NoError(t, r.Run(context.Background()))
	defer r.Stop()

	bus.ch <- "no-such-job"
	j, err := store.Create(context.Background(), jobs.CreateParams{ProjectID: "p1", Reason: jobs.Reason{Type: jobs.ReasonComposioTrigger}})
	require.NoError(t, err)
	bus.ch <- j.ID

	require.Eventually(t, func() bool {
		got, ok := store.Get(j.ID)
		return ok && got.Status == jobs.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

// ctxStore fails like database/sql does once its context is canceled.
type ctxStore struct {
	*jobs.Memory
}

func (s *ctxStore) Poll(ctx context.Context, workerID string) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.Poll(ctx, workerID)
}

func (s *ctxStore) Lock(ctx context.Context, jobID, workerID string) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.Lock(ctx, jobID, workerID)
}

func (s *ctxStore) Update(ctx context.Context, jobID string, status jobs.Status, output *jobs.Output) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.Update(ctx, jobID, status, output)
}

func (s *ctxStore) Release(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.Release(ctx, jobID)
}

type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) CreateConversation(ctx context.Context, projectID string, workflow json.RawMessage) (string, error) {
	return "conv-1", nil
}

func (e *blockingEngine) RunTurn(ctx context.Context, conversationID string, messages []jobs.Message) (engine.TurnResult, error) {
	close(e.started)
	<-e.release
	return engine.TurnResult{TurnID: "turn-1"}, nil
}

func TestRunner_StopDrainsInFlightJob(t *testing.T) {
	store := &ctxStore{Memory: jobs.NewMemory()}
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	bus := &fakeBus{ch: make(chan string, 1)}
	r := &Runner{WorkerID: "w-test", Store: store, Engine: eng, Bus: bus, PollInterval: time.Hour, Log: zerolog.Nop()}

	require.NoError(t, r.Run(context.Background()))

	j, err := store.Create(context.Background(), jobs.CreateParams{ProjectID: "p1", Reason: jobs.Reason{Type: jobs.ReasonComposioTrigger}})
	require.NoError(t, err)
	bus.ch <- j.ID
	<-eng.started

	// Stop while the turn is mid-flight. The loop context gets canceled,
	// but the claimed job must still reach a terminal state and be released.
	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)
	close(eng.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not drain the in-flight job")
	}

	got, ok := store.Get(j.ID)
	require.True(t, ok)
	require.Equal(t, jobs.StatusCompleted, got.Status)
	require.Equal(t, "turn-1", got.Output.TurnID)
	require.Nil(t, got.WorkerID)
}

func TestRunner_RunStopIdempotent(t *testing.T) {
	store := jobs.NewMemory()
	r := newRunner(store, &fakeEngine{}, &fakeBus{ch: make(chan string)}, time.Hour)

	ctx := context.Background()
	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx))
	r.Stop()
	r.Stop()
}
