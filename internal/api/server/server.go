package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"agent-scheduler/internal/jobs"
	"agent-scheduler/internal/rules"
)

// Server exposes the job and rule records read-only, for operator
// drill-down. All mutation goes through the producers and workers; no
// write endpoint exists here on purpose.
type Server struct {
	Jobs      jobs.Store
	Scheduled rules.ScheduledStore
	Recurring rules.RecurringStore
}

func New(j jobs.Store, s rules.ScheduledStore, r rules.RecurringStore) *Server {
	return &Server{Jobs: j, Scheduled: s, Recurring: r}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", s.handleListJobs)
	mux.HandleFunc("/v1/rules/scheduled", s.handleListScheduled)
	mux.HandleFunc("/v1/rules/recurring", s.handleListRecurring)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"api"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	list, next, err := s.Jobs.List(r.Context(), jobs.ListParams{
		ProjectID:  q.Get("project_id"),
		ReasonType: q.Get("reason_type"),
		TriggerID:  q.Get("trigger_id"),
		RuleID:     q.Get("rule_id"),
		Cursor:     q.Get("cursor"),
		Limit:      atoi(q.Get("limit")),
	})
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "unknown cursor", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"jobs": emptyIfNil(list), "next_cursor": next})
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	list, err := s.Scheduled.List(r.Context(), q.Get("project_id"), atoi(q.Get("limit")))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"rules": emptyIfNil(list)})
}

func (s *Server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	list, err := s.Recurring.List(r.Context(), q.Get("project_id"), atoi(q.Get("limit")))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"rules": emptyIfNil(list)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
