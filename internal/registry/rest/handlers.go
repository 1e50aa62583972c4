package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manasgarg/plutoid-kernel/internal/registry/storage"
)

// Broadcaster is the subset of websocket.Broadcaster used by the status
// ingest handler. Declaring a local interface keeps handlers testable with
// a stub rather than a running broadcaster.
type Broadcaster interface {
	Publish(sess storage.KernelSession)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store       Store
	broadcaster Broadcaster
}

// NewServer creates a new Server with the provided storage layer and
// WebSocket broadcaster.
func NewServer(store Store, broadcaster Broadcaster) *Server {
	return &Server{store: store, broadcaster: broadcaster}
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListKernels responds to GET /api/v1/kernels with every tracked
// kernel session.
func (s *Server) handleListKernels(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list kernel sessions")
		return
	}
	if sessions == nil {
		sessions = []storage.KernelSession{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessions)
}

// handleGetKernel responds to GET /api/v1/kernels/{id}.
func (s *Server) handleGetKernel(w http.ResponseWriter, r *http.Request) {
	kernelID := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), kernelID)
	if err != nil {
		writeError(w, http.StatusNotFound, "kernel session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sess)
}

// statusReport is the wire shape a kernel process POSTs to
// /api/v1/kernels/{id}/status. It mirrors reporter.statusPayload on the
// kernel side of this same call.
type statusReport struct {
	Status         string `json:"status"`
	LastPingAt     string `json:"last_ping_at"`
	ExecutionCount int64  `json:"execution_count"`
	SessionMode    bool   `json:"session_mode"`
}

// handleReportStatus responds to POST /api/v1/kernels/{id}/status. This is
// the one route kernel processes themselves call rather than an admin
// dashboard, so it is intentionally left off the JWT-protected /api/v1
// subrouter (see router.go) — requiring every kernel process to also hold
// an admin bearer token would tie the kernel's best-effort reporting to
// the registry's admin auth lifecycle, and a kernel's control loop must
// never block or fail on registry unavailability.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	kernelID := chi.URLParam(r, "id")

	var report statusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status report body")
		return
	}

	lastPing, err := parseOptionalTime(report.LastPingAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "last_ping_at must be RFC3339")
		return
	}

	sess := storage.KernelSession{
		KernelID:       kernelID,
		SessionMode:    report.SessionMode,
		Status:         storage.Status(report.Status),
		LastPingAt:     lastPing,
		ExecutionCount: report.ExecutionCount,
	}

	if err := s.store.UpsertSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record status report")
		return
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(sess)
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseOptionalTime parses s as RFC3339 (accepting the fractional-second
// variants time.Time's own MarshalJSON produces); an empty string yields a
// nil *time.Time rather than an error.
func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
