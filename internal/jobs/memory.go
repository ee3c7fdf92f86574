package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a mutex-guarded in-memory Store with the same claim semantics
// as the Postgres implementation. Used by worker tests and local runs.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  int64
	ord  map[string]int64 // creation order, stable under equal timestamps
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]*Job{}, ord: map[string]int64{}, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (m *Memory) SetNow(now func() time.Time) { m.now = now }

func (m *Memory) Create(ctx context.Context, p CreateParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := &Job{
		ID:        uuid.NewString(),
		ProjectID: p.ProjectID,
		Reason:    p.Reason,
		Input:     p.Input,
		Status:    StatusPending,
		CreatedAt: m.now().UTC(),
	}
	m.seq++
	m.jobs[j.ID] = j
	m.ord[j.ID] = m.seq
	cp := *j
	return &cp, nil
}

func (m *Memory) Poll(ctx context.Context, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Job
	for _, j := range m.jobs {
		if j.Status != StatusPending || j.WorkerID != nil {
			continue
		}
		if oldest == nil || m.ord[j.ID] < m.ord[oldest.ID] {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	m.claim(oldest, workerID)
	cp := *oldest
	return &cp, nil
}

func (m *Memory) Lock(ctx context.Context, jobID, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusPending || j.WorkerID != nil {
		return nil, ErrAcquisition
	}
	m.claim(j, workerID)
	cp := *j
	return &cp, nil
}

func (m *Memory) Update(ctx context.Context, jobID string, status Status, output *Output) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	j.Status = status
	j.Output = output
	m.touch(j)
	cp := *j
	return &cp, nil
}

func (m *Memory) Release(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.WorkerID = nil
	m.touch(j)
	return nil
}

func (m *Memory) List(ctx context.Context, p ListParams) ([]Job, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Cursor != "" {
		if _, ok := m.jobs[p.Cursor]; !ok {
			return nil, "", ErrNotFound
		}
	}

	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return m.ord[ids[a]] < m.ord[ids[b]] })

	var out []Job
	past := p.Cursor == ""
	for _, id := range ids {
		if !past {
			if id == p.Cursor {
				past = true
			}
			continue
		}
		j := m.jobs[id]
		if p.ProjectID != "" && j.ProjectID != p.ProjectID {
			continue
		}
		if p.ReasonType != "" && j.Reason.Type != p.ReasonType {
			continue
		}
		if p.TriggerID != "" && j.Reason.TriggerID != p.TriggerID {
			continue
		}
		if p.RuleID != "" && j.Reason.RuleID != p.RuleID {
			continue
		}
		out = append(out, *j)
		if len(out) == p.Limit {
			break
		}
	}
	next := ""
	if len(out) == p.Limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// Get returns a snapshot of one job. Test helper, not part of Store.
func (m *Memory) Get(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

func (m *Memory) claim(j *Job, workerID string) {
	w := workerID
	j.Status = StatusRunning
	j.WorkerID = &w
	j.LastWorkerID = &w
	m.touch(j)
}

func (m *Memory) touch(j *Job) {
	t := m.now().UTC()
	j.UpdatedAt = &t
}
