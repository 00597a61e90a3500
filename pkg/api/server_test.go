package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan/castellan/pkg/agent"
	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/manager"
	"github.com/castellan/castellan/pkg/registry"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager, *transport.LocalBus) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})

	reg, err := registry.NewBoltRegistry(t.TempDir())
	require.NoError(t, err)

	bus := transport.NewLocalBus()
	cfg := manager.DefaultConfig("master-1")
	cfg.StrictRegistry = false
	mgr, err := manager.NewManager(cfg, clock.NewMock(), reg, bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	return NewServer(mgr), mgr, bus
}

func connectAgent(t *testing.T, bus *transport.LocalBus, id string) *agent.Agent {
	t.Helper()
	a := agent.NewAgent(agent.DefaultConfig(id, "master-1"), clock.NewMock(), bus)
	a.Register()
	require.True(t, a.Connected())
	return a
}

func TestStateEndpoint(t *testing.T) {
	srv, mgr, bus := newTestServer(t)
	connectAgent(t, bus, "agent-1")
	require.NoError(t, mgr.RegisterFramework(&types.Framework{
		ID:           "fw-1",
		Name:         "scheduler",
		Capabilities: []types.FrameworkCapability{types.CapabilityPartitionAware},
	}))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var state manager.StateSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.Equal(t, "master-1", state.MasterID)
	assert.NotEmpty(t, state.Incarnation)
	require.Len(t, state.Agents, 1)
	assert.Equal(t, "agent-1", state.Agents[0].ID)
	assert.Equal(t, string(types.AdmissionRegistered), state.Agents[0].State)
	require.Len(t, state.Frameworks, 1)
	assert.True(t, state.Frameworks[0].PartitionAware)
}

func TestStateEndpointRejectsPost(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/state", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	srv, mgr, bus := newTestServer(t)
	connectAgent(t, bus, "agent-1")
	require.NoError(t, mgr.RegisterFramework(&types.Framework{ID: "fw-1", Name: "scheduler"}))
	require.NoError(t, mgr.LaunchTask(&types.Task{
		ID: "task-1", FrameworkID: "fw-1", AgentID: "agent-1",
	}))

	body := `{"framework_id":"fw-1","queries":[{"task_id":"task-1","agent_id":"agent-1"},{"task_id":"ghost"}]}`
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reconcile", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Statuses []types.TaskStatus `json:"statuses"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Statuses, 2)
	assert.Equal(t, types.TaskStateRunning, resp.Statuses[0].State)
	assert.Equal(t, types.TaskStateLost, resp.Statuses[1].State)
	assert.Equal(t, types.ReasonReconciliation, resp.Statuses[1].Reason)
}

func TestReconcileEndpointValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed JSON", "{", http.StatusBadRequest},
		{"missing framework", `{"queries":[]}`, http.StatusBadRequest},
		{"valid empty query set", `{"framework_id":"fw-1","queries":[]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reconcile", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRemoveAgentEndpoint(t *testing.T) {
	srv, mgr, bus := newTestServer(t)
	connectAgent(t, bus, "agent-1")

	// The operator path only retires agents already presumed unreachable.
	mgr.AgentPresumedUnreachable("agent-1")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/agents/agent-1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "removed", resp["status"])

	// The agent stays visible as a tombstone until retention expires.
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))
	var state manager.StateSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	require.Len(t, state.Agents, 1)
	assert.Equal(t, string(types.AdmissionRemoved), state.Agents[0].State)
}

func TestRemoveAgentEndpointRejectsGet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/agent-1", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestLivenessEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
