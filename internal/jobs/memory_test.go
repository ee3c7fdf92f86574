package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_PollClaimsOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.Create(ctx, CreateParams{ProjectID: "p1", Reason: Reason{Type: ReasonScheduledJobRule, RuleID: "r1"}})
	require.NoError(t, err)
	second, err := m.Create(ctx, CreateParams{ProjectID: "p1", Reason: Reason{Type: ReasonScheduledJobRule, RuleID: "r2"}})
	require.NoError(t, err)

	got, err := m.Poll(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.WorkerID)
	require.Equal(t, "w1", *got.WorkerID)

	got, err = m.Poll(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)

	got, err = m.Poll(ctx, "w3")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemory_LockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	j, err := m.Create(ctx, CreateParams{ProjectID: "p1", Reason: Reason{Type: ReasonComposioTrigger, TriggerID: "t1"}})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	wins := make(chan string, n)
	losses := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workerID := string(rune('a' + i%26))
			if _, err := m.Lock(ctx, j.ID, workerID); err != nil {
				losses <- err
			} else {
				wins <- workerID
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	close(losses)

	require.Len(t, wins, 1)
	require.Len(t, losses, n-1)
	for err := range losses {
		require.ErrorIs(t, err, ErrAcquisition)
	}
}

func TestMemory_LockNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Lock(context.Background(), "missing", "w1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ReleaseLeavesStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	j, err := m.Create(ctx, CreateParams{ProjectID: "p1", Reason: Reason{Type: ReasonScheduledJobRule}})
	require.NoError(t, err)

	_, err = m.Lock(ctx, j.ID, "w1")
	require.NoError(t, err)
	_, err = m.Update(ctx, j.ID, StatusCompleted, &Output{ConversationID: "c1", TurnID: "t1"})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, j.ID))

	got, ok := m.Get(j.ID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, got.Status)
	require.Nil(t, got.WorkerID)
	require.NotNil(t, got.LastWorkerID)
	require.Equal(t, "w1", *got.LastWorkerID)

	// Terminal jobs are final: a release never makes them claimable again.
	polled, err := m.Poll(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, polled)
}

func TestMemory_UpdateMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Update(context.Background(), "missing", StatusFailed, &Output{Error: "boom"})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestMemory_ListFiltersAndCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var ruleJobs []string
	for i := 0; i < 3; i++ {
		j, err := m.Create(ctx, CreateParams{ProjectID: "p1", Reason: Reason{Type: ReasonRecurringJobRule, RuleID: "r1"}})
		require.NoError(t, err)
		ruleJobs = append(ruleJobs, j.ID)
	}
	_, err := m.Create(ctx, CreateParams{ProjectID: "p2", Reason: Reason{Type: ReasonComposioTrigger, TriggerID: "t9"}})
	require.NoError(t, err)

	page, next, err := m.List(ctx, ListParams{ProjectID: "p1", RuleID: "r1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ruleJobs[0], page[0].ID)
	require.Equal(t, ruleJobs[1], next)

	page, next, err = m.List(ctx, ListParams{ProjectID: "p1", RuleID: "r1", Cursor: next, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ruleJobs[2], page[0].ID)
	require.Empty(t, next)
}

func TestMemory_ListUnknownCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Create(ctx, CreateParams{ProjectID: "p1", Reason: Reason{Type: ReasonScheduledJobRule}})
	require.NoError(t, err)

	// A cursor that names no job is an error, not a silently empty page.
	_, _, err = m.List(ctx, ListParams{ProjectID: "p1", Cursor: "no-such-job"})
	require.ErrorIs(t, err, ErrNotFound)
}
