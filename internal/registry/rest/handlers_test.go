package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/manasgarg/plutoid-kernel/internal/registry/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	sessions []storage.KernelSession
	getErr   error
	listErr  error
	upserted []storage.KernelSession
}

func (m *mockStore) UpsertSession(_ context.Context, sess storage.KernelSession) error {
	m.upserted = append(m.upserted, sess)
	return nil
}

func (m *mockStore) GetSession(_ context.Context, kernelID string) (*storage.KernelSession, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, s := range m.sessions {
		if s.KernelID == kernelID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockStore) ListSessions(_ context.Context) ([]storage.KernelSession, error) {
	return m.sessions, m.listErr
}

// mockBroadcaster is a test double for the Broadcaster interface.
type mockBroadcaster struct {
	published []storage.KernelSession
}

func (m *mockBroadcaster) Publish(sess storage.KernelSession) {
	m.published = append(m.published, sess)
}

func newTestServer(ms *mockStore, mb *mockBroadcaster) http.Handler {
	srv := NewServer(ms, mb)
	return NewRouter(srv, nil)
}

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{}, &mockBroadcaster{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestHandleListKernels_ReturnsEmptyArrayNotNull(t *testing.T) {
	h := newTestServer(&mockStore{}, &mockBroadcaster{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/kernels/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", rec.Body.String())
	}
}

func TestHandleListKernels_ReturnsSessions(t *testing.T) {
	ms := &mockStore{sessions: []storage.KernelSession{
		{KernelID: "k1", Status: storage.StatusRunning},
		{KernelID: "k2", Status: storage.StatusStopped},
	}}
	h := newTestServer(ms, &mockBroadcaster{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/kernels/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var got []storage.KernelSession
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
}

func TestHandleGetKernel_NotFound_Returns404(t *testing.T) {
	h := newTestServer(&mockStore{}, &mockBroadcaster{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/kernels/missing", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetKernel_Found_Returns200(t *testing.T) {
	ms := &mockStore{sessions: []storage.KernelSession{
		{KernelID: "k1", Status: storage.StatusRunning, ExecutionCount: 3},
	}}
	h := newTestServer(ms, &mockBroadcaster{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/kernels/k1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got storage.KernelSession
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got.KernelID != "k1" || got.ExecutionCount != 3 {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestHandleReportStatus_UpsertsAndBroadcasts(t *testing.T) {
	ms := &mockStore{}
	mb := &mockBroadcaster{}
	h := newTestServer(ms, mb)

	body, _ := json.Marshal(map[string]any{
		"status":          "RUNNING",
		"execution_count": 5,
		"session_mode":    true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kernels/k1/status", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(ms.upserted) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(ms.upserted))
	}
	if ms.upserted[0].KernelID != "k1" || ms.upserted[0].ExecutionCount != 5 {
		t.Errorf("unexpected upserted session: %+v", ms.upserted[0])
	}
	if len(mb.published) != 1 {
		t.Errorf("expected 1 broadcast, got %d", len(mb.published))
	}
}

func TestHandleReportStatus_MalformedBody_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, &mockBroadcaster{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kernels/k1/status", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// statusReport ingest is never JWT-protected, even when the router is built
// with a non-nil pubKey — verify that directly since it's the one
// deliberately-unauthenticated route.
func TestHandleReportStatus_NotGatedByJWT(t *testing.T) {
	ms := &mockStore{}
	srv := NewServer(ms, &mockBroadcaster{})
	// A non-nil pubKey would 401 every /api/v1/kernels route if the report
	// route were nested under it; it isn't, so this should still succeed.
	_, pub := generateTestKey(t)
	h := NewRouter(srv, pub)

	body, _ := json.Marshal(map[string]any{"status": "RUNNING"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kernels/k1/status", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
