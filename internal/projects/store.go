package projects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound covers both a missing project and a project with no
// published workflow; callers skip either the same way.
var ErrNotFound = errors.New("no live workflow")

// Store resolves a project id to its current published workflow.
// Read-only from this subsystem's point of view.
type Store interface {
	LiveWorkflow(ctx context.Context, projectID string) (json.RawMessage, error)
}

type Postgres struct {
	DB        *sql.DB
	DefaultTO time.Duration
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db, DefaultTO: 5 * time.Second}
}

func (s *Postgres) LiveWorkflow(ctx context.Context, projectID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT live_workflow FROM projects WHERE id = $1`, projectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return json.RawMessage(raw), nil
}

// Memory is a fixed project → workflow map, for tests and local runs.
type Memory struct {
	Workflows map[string]json.RawMessage
}

func (m *Memory) LiveWorkflow(ctx context.Context, projectID string) (json.RawMessage, error) {
	wf, ok := m.Workflows[projectID]
	if !ok || len(wf) == 0 {
		return nil, ErrNotFound
	}
	return wf, nil
}
