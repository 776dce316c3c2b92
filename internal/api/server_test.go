package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/flowmesh/flowmesh/internal/api/websocket"
	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/internal/services"
	"github.com/flowmesh/flowmesh/internal/validation"
	"github.com/flowmesh/flowmesh/pkg/auth"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// stubStore serves the reads the HTTP surface needs; everything else panics
// through the embedded nil interface.
type stubStore struct {
	repository.Store
	workflows map[string]*models.Workflow
	orphans   []models.Edge
}

func (s *stubStore) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return wf, nil
}

func (s *stubStore) FindOrphanEdges(ctx context.Context, workflowID string) ([]models.Edge, error) {
	return s.orphans, nil
}

func newTestServer(store *stubStore) *Server {
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetricsClient()
	eng := engine.New(store, logger, metrics)

	socket := ws.NewServer(
		ws.DefaultConfig(),
		auth.NewVerifier(auth.Config{JWTSecret: "test"}, logger),
		services.NewAuthorizationService(store, logger),
		validation.NewValidator(logger),
		eng,
		logger,
		metrics,
		nil,
	)

	return NewServer(Config{
		ListenAddress:  ":0",
		AllowedOrigins: []string{"http://localhost:3000"},
	}, socket, eng, metrics, logger)
}

func emptyStore() *stubStore {
	return &stubStore{workflows: map[string]*models.Workflow{}}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(emptyStore())

	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(emptyStore())

	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, w.Body.String())
}

func TestWorkflowDeletedEndpoint(t *testing.T) {
	server := newTestServer(emptyStore())

	t.Run("missing workflowId", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/workflow-deleted", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		server.httpServer.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no active room", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/workflow-deleted", strings.NewReader(`{"workflowId":"wf-1"}`))
		req.Header.Set("Content-Type", "application/json")
		server.httpServer.Handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(0), body["notified"])
	})
}

func TestWorkflowRevertedEndpoint(t *testing.T) {
	server := newTestServer(emptyStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workflow-reverted", strings.NewReader(`{"workflowId":"wf-1"}`))
	req.Header.Set("Content-Type", "application/json")
	server.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
}

func TestConsistencyEndpoint(t *testing.T) {
	store := &stubStore{
		workflows: map[string]*models.Workflow{
			"wf-1": {ID: "wf-1", OwnerID: "alice"},
		},
		orphans: []models.Edge{{ID: "e1", WorkflowID: "wf-1", SourceBlockID: "gone"}},
	}
	server := newTestServer(store)

	t.Run("missing workflow", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(w,
			httptest.NewRequest(http.MethodGet, "/api/workflows/wf-ghost/consistency", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("reports orphans", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(w,
			httptest.NewRequest(http.MethodGet, "/api/workflows/wf-1/consistency", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var report engine.ConsistencyReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, "wf-1", report.WorkflowID)
		assert.False(t, report.Consistent)
		require.Len(t, report.OrphanEdges, 1)
		assert.Equal(t, "e1", report.OrphanEdges[0].ID)
	})
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(emptyStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/workflow-deleted", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	server.httpServer.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSUnknownOrigin(t *testing.T) {
	server := newTestServer(emptyStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	server.httpServer.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
