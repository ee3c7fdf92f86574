package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"agent-scheduler/internal/jobs"
	"agent-scheduler/internal/projects"
)

// Publisher pushes a job id onto the new_jobs topic.
type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

// Deduper short-circuits repeat deliveries of the same webhook id.
// Optional; best-effort.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

const (
	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"

	maxBodyBytes    = 1 << 20
	defaultPageSize = 50
)

// Envelope is the inbound event shape. Data keeps everything past
// trigger_nano_id as passthrough for the job payload.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type envelopeData struct {
	TriggerNanoID string `json:"trigger_nano_id"`
}

// Handler turns one verified trigger event into one pending job per
// registered deployment. Stateless: everything happens within the request.
type Handler struct {
	Secret      []byte
	Deployments DeploymentStore
	Projects    projects.Store
	Jobs        jobs.Store
	Bus         Publisher
	Dedupe      Deduper
	Limiter     *rate.Limiter
	PageSize    int
	Log         zerolog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Authenticity first: nothing is parsed, stored, or leaked before the
	// signature checks out. The error body is identical for every reject.
	id := r.Header.Get(headerID)
	ts := r.Header.Get(headerTimestamp)
	sig := r.Header.Get(headerSignature)
	if !Verify(h.Secret, id, ts, body, sig) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	env, triggerID, err := parseEnvelope(body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if h.Dedupe != nil {
		seen, err := h.Dedupe.Seen(r.Context(), id)
		if err != nil {
			// De-dupe is an optimization; a duplicate job claim is benign.
			h.Log.Warn().Err(err).Msg("dedupe check failed; continuing")
		} else if seen {
			writeAccepted(w, 0, true)
			return
		}
	}

	created := h.fanOut(r.Context(), env, triggerID, body)
	writeAccepted(w, created, false)
}

func parseEnvelope(body []byte) (*Envelope, string, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", err
	}
	if env.Type == "" {
		return nil, "", fmt.Errorf("missing type")
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		return nil, "", fmt.Errorf("bad timestamp: %w", err)
	}
	var data envelopeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, "", err
	}
	if data.TriggerNanoID == "" {
		return nil, "", fmt.Errorf("missing trigger_nano_id")
	}
	return &env, data.TriggerNanoID, nil
}

// fanOut pages through every deployment registered for the trigger and
// creates one job each. Per-deployment failures are logged and skipped;
// one broken registration never fails the batch.
func (h *Handler) fanOut(ctx context.Context, env *Envelope, triggerID string, payload []byte) int {
	pageSize := h.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	created := 0
	cursor := ""
	for {
		page, next, err := h.Deployments.ListByTrigger(ctx, triggerID, cursor, pageSize)
		if err != nil {
			h.Log.Error().Err(err).Str("trigger_id", triggerID).Msg("deployment scan failed")
			break
		}
		for _, d := range page {
			if h.materialize(ctx, env, triggerID, d, payload) {
				created++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return created
}

func (h *Handler) materialize(ctx context.Context, env *Envelope, triggerID string, d TriggerDeployment, payload []byte) bool {
	workflow, err := h.Projects.LiveWorkflow(ctx, d.ProjectID)
	if err != nil {
		h.Log.Warn().Err(err).
			Str("deployment_id", d.ID).Str("project_id", d.ProjectID).
			Msg("skipping deployment without live workflow")
		return false
	}

	msg := jobs.Message{
		Role:    "user",
		Content: fmt.Sprintf("Received %s event for trigger %s:\n%s", env.Type, d.TriggerTypeSlug, payload),
	}
	job, err := h.Jobs.Create(ctx, jobs.CreateParams{
		ProjectID: d.ProjectID,
		Reason: jobs.Reason{
			Type:            jobs.ReasonComposioTrigger,
			TriggerID:       triggerID,
			DeploymentID:    d.ID,
			TriggerTypeSlug: d.TriggerTypeSlug,
			Payload:         json.RawMessage(payload),
		},
		Input: jobs.Input{Workflow: workflow, Messages: []jobs.Message{msg}},
	})
	if err != nil {
		h.Log.Error().Err(err).Str("deployment_id", d.ID).Msg("job create failed")
		return false
	}
	if err := h.Bus.Publish(ctx, job.ID); err != nil {
		h.Log.Warn().Err(err).Str("job_id", job.ID).Msg("publish failed; poll will pick it up")
	}
	return true
}

func writeAccepted(w http.ResponseWriter, created int, duplicate bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobs_created": created,
		"duplicate":    duplicate,
	})
}
