package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-scheduler/internal/schedule"
)

// ScheduledMemory mirrors ScheduledPostgres semantics in memory, for
// worker tests and local runs.
type ScheduledMemory struct {
	mu     sync.Mutex
	rules  map[string]*ScheduledRule
	Window time.Duration
}

func NewScheduledMemory() *ScheduledMemory {
	return &ScheduledMemory{rules: map[string]*ScheduledRule{}, Window: DefaultClaimWindow}
}

func (m *ScheduledMemory) Create(ctx context.Context, p CreateScheduledParams) (*ScheduledRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &ScheduledRule{
		ID:        uuid.NewString(),
		ProjectID: p.ProjectID,
		Input:     p.Input,
		NextRunAt: schedule.FloorMinute(p.RunAt),
		Status:    ScheduledPending,
		CreatedAt: time.Now().UTC(),
	}
	m.rules[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *ScheduledMemory) Get(ctx context.Context, id string) (*ScheduledRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *ScheduledMemory) List(ctx context.Context, projectID string, limit int) ([]ScheduledRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []ScheduledRule
	for _, r := range m.rules {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextRunAt < out[b].NextRunAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *ScheduledMemory) PollDue(ctx context.Context, workerID string, now time.Time) (*ScheduledRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowSec := now.UTC().Unix()
	floor := now.UTC().Add(-m.Window).Unix()
	var due *ScheduledRule
	for _, r := range m.rules {
		if r.Status != ScheduledPending || r.WorkerID != nil {
			continue
		}
		if r.NextRunAt > nowSec || r.NextRunAt < floor {
			continue
		}
		if due == nil || r.NextRunAt < due.NextRunAt {
			due = r
		}
	}
	if due == nil {
		return nil, nil
	}
	w := workerID
	due.Status = ScheduledProcessing
	due.WorkerID = &w
	due.LastWorkerID = &w
	p := nowSec
	due.ProcessedAt = &p
	cp := *due
	return &cp, nil
}

func (m *ScheduledMemory) MarkTriggered(ctx context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = ScheduledTriggered
	r.Output = &ScheduledOutput{JobID: jobID}
	return nil
}

func (m *ScheduledMemory) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.WorkerID = nil
	return nil
}

func (m *ScheduledMemory) CountStale(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	floor := now.UTC().Add(-m.Window).Unix()
	n := 0
	for _, r := range m.rules {
		if r.Status == ScheduledPending && r.NextRunAt < floor {
			n++
		}
	}
	return n, nil
}

// RecurringMemory mirrors RecurringPostgres semantics in memory.
type RecurringMemory struct {
	mu     sync.Mutex
	rules  map[string]*RecurringRule
	Window time.Duration
}

func NewRecurringMemory() *RecurringMemory {
	return &RecurringMemory{rules: map[string]*RecurringRule{}, Window: DefaultClaimWindow}
}

func (m *RecurringMemory) Create(ctx context.Context, p CreateRecurringParams) (*RecurringRule, error) {
	return m.CreateAt(ctx, p, time.Now())
}

// CreateAt is Create with an explicit reference time, for tests that pin
// the clock.
func (m *RecurringMemory) CreateAt(ctx context.Context, p CreateRecurringParams, now time.Time) (*RecurringRule, error) {
	next, err := schedule.Next(p.Cron, now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := &RecurringRule{
		ID:        uuid.NewString(),
		ProjectID: p.ProjectID,
		Input:     p.Input,
		Cron:      p.Cron,
		NextRunAt: next.Unix(),
		Disabled:  p.Disabled,
		CreatedAt: now.UTC(),
	}
	m.rules[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *RecurringMemory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *RecurringMemory) Toggle(ctx context.Context, id string, disabled bool, now time.Time) (*RecurringRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := schedule.Next(r.Cron, now)
	if err != nil {
		return nil, err
	}
	r.Disabled = disabled
	r.NextRunAt = next.Unix()
	cp := *r
	return &cp, nil
}

func (m *RecurringMemory) Get(ctx context.Context, id string) (*RecurringRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *RecurringMemory) List(ctx context.Context, projectID string, limit int) ([]RecurringRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []RecurringRule
	for _, r := range m.rules {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextRunAt < out[b].NextRunAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *RecurringMemory) PollDue(ctx context.Context, workerID string, now time.Time) (*RecurringRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowSec := now.UTC().Unix()
	floor := now.UTC().Add(-m.Window).Unix()
	var due *RecurringRule
	for _, r := range m.rules {
		if r.Disabled || r.WorkerID != nil {
			continue
		}
		if r.NextRunAt > nowSec || r.NextRunAt < floor {
			continue
		}
		if r.LastProcessedAt != nil && *r.LastProcessedAt >= nowSec {
			continue
		}
		if due == nil || r.NextRunAt < due.NextRunAt {
			due = r
		}
	}
	if due == nil {
		return nil, nil
	}
	w := workerID
	due.WorkerID = &w
	due.LastWorkerID = &w
	p := nowSec
	due.LastProcessedAt = &p
	cp := *due
	return &cp, nil
}

func (m *RecurringMemory) Release(ctx context.Context, id string, nextRunAt int64, lastErr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.WorkerID = nil
	r.NextRunAt = nextRunAt
	r.LastError = lastErr
	return nil
}

func (m *RecurringMemory) CountStale(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	floor := now.UTC().Add(-m.Window).Unix()
	n := 0
	for _, r := range m.rules {
		if !r.Disabled && r.NextRunAt < floor {
			n++
		}
	}
	return n, nil
}
