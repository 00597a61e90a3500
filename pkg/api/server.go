package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/manager"
	"github.com/castellan/castellan/pkg/metrics"
)

// Server exposes the operator HTTP surface: cluster state, reconciliation,
// agent administration, Prometheus metrics and health probes.
type Server struct {
	manager *manager.Manager
	mux     *http.ServeMux
	logger  zerolog.Logger
}

// NewServer creates the HTTP server around a manager.
func NewServer(mgr *manager.Manager) *Server {
	mux := http.NewServeMux()
	s := &Server{
		manager: mgr,
		mux:     mux,
		logger:  log.WithComponent("api"),
	}

	mux.HandleFunc("/state", s.stateHandler)
	mux.HandleFunc("/reconcile", s.reconcileHandler)
	mux.HandleFunc("/agents/", s.agentHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	return s
}

// Start serves HTTP on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting API server")
	return server.ListenAndServe()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// stateHandler serves the full cluster view, orphan tasks and completed
// frameworks included.
func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.manager.StateSnapshot())
}

// ReconcileRequest is one explicit reconciliation call.
type ReconcileRequest struct {
	FrameworkID string `json:"framework_id"`
	Queries     []struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id,omitempty"`
	} `json:"queries"`
}

// reconcileHandler answers explicit reconciliation queries with the
// master's authoritative task states.
func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.FrameworkID == "" {
		http.Error(w, "framework_id is required", http.StatusBadRequest)
		return
	}

	statuses := make([]any, 0, len(req.Queries))
	for _, q := range req.Queries {
		statuses = append(statuses, s.manager.Reconcile(req.FrameworkID, q.TaskID, q.AgentID))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"statuses": statuses})
}

// agentHandler handles DELETE /agents/{id}: the operator path that retires
// an unreachable agent for good.
func (s *Server) agentHandler(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/agents/")
	if agentID == "" {
		http.Error(w, "agent ID is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		s.manager.RemoveAgent(agentID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "removed", "agent_id": agentID})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// eventsHandler streams cluster events as server-sent events.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	broker := s.manager.EventBroker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
