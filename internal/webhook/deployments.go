package webhook

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// TriggerDeployment maps an external trigger id to a project. Read-only
// to this subsystem: looked up during fan-out, never mutated.
type TriggerDeployment struct {
	ID                 string `json:"id"`
	TriggerID          string `json:"trigger_id"`
	ProjectID          string `json:"project_id"`
	TriggerTypeSlug    string `json:"trigger_type_slug"`
	ConnectedAccountID string `json:"connected_account_id"`
}

// DeploymentStore pages through deployments registered for a trigger id.
// Cursor is the last-seen deployment id; empty next-cursor ends the scan.
type DeploymentStore interface {
	ListByTrigger(ctx context.Context, triggerID, cursor string, limit int) ([]TriggerDeployment, string, error)
}

type DeploymentPostgres struct {
	DB        *sql.DB
	DefaultTO time.Duration
}

func NewDeploymentPostgres(db *sql.DB) *DeploymentPostgres {
	return &DeploymentPostgres{DB: db, DefaultTO: 5 * time.Second}
}

func (s *DeploymentPostgres) ListByTrigger(ctx context.Context, triggerID, cursor string, limit int) ([]TriggerDeployment, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, trigger_id, project_id, trigger_type_slug, connected_account_id
FROM trigger_deployments
WHERE trigger_id = $1 AND id > $2
ORDER BY id ASC
LIMIT $3;`, triggerID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []TriggerDeployment
	for rows.Next() {
		var d TriggerDeployment
		if err := rows.Scan(&d.ID, &d.TriggerID, &d.ProjectID, &d.TriggerTypeSlug, &d.ConnectedAccountID); err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// DeploymentMemory is a fixed in-memory DeploymentStore for tests.
type DeploymentMemory struct {
	mu          sync.Mutex
	Deployments []TriggerDeployment
	Calls       int // ListByTrigger invocations, for pagination assertions
}

func (m *DeploymentMemory) ListByTrigger(ctx context.Context, triggerID, cursor string, limit int) ([]TriggerDeployment, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var matched []TriggerDeployment
	for _, d := range m.Deployments {
		if d.TriggerID == triggerID && d.ID > cursor {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].ID < matched[b].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	next := ""
	if len(matched) == limit {
		next = matched[len(matched)-1].ID
	}
	return matched, next, nil
}
