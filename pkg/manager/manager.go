package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castellan/castellan/pkg/allocator"
	"github.com/castellan/castellan/pkg/events"
	"github.com/castellan/castellan/pkg/heartbeat"
	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/metrics"
	"github.com/castellan/castellan/pkg/registry"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

// Config holds configuration for creating a Manager.
type Config struct {
	MasterID string

	// StrictRegistry gates every admission transition on the durable
	// registry write. Non-strict mode lets in-memory decisions race ahead
	// of a failed write.
	StrictRegistry bool

	// AuthToken, when non-empty, is required from agents before a
	// re-registration is accepted.
	AuthToken string

	Heartbeat heartbeat.Config

	// RemovedAgentRetention bounds how long a removed agent's record is
	// kept to answer reconciliation for in-flight tasks.
	RemovedAgentRetention time.Duration

	// HousekeepingInterval drives framework failover expiry and removed
	// agent garbage collection.
	HousekeepingInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(masterID string) *Config {
	return &Config{
		MasterID:              masterID,
		StrictRegistry:        true,
		Heartbeat:             heartbeat.DefaultConfig(),
		RemovedAgentRetention: 15 * time.Minute,
		HousekeepingInterval:  10 * time.Second,
	}
}

// agentEntry is the single-owner record for one agent. All mutation of the
// agent and its hosted tasks goes through mu, which serializes concurrent
// triggers (heartbeat timeout racing an inbound re-registration) per agent
// ID. Entries for different agents are independent.
type agentEntry struct {
	mu    sync.Mutex
	agent *types.Agent
	tasks map[string]*types.Task

	// recovered marks an entry rebuilt from the registry after failover:
	// the master knows the agent's admission state but not its tasks
	// until the agent reregisters.
	recovered bool

	removedAt time.Time
}

// Manager is the master-resident control plane for agent liveness and
// partition recovery. It owns the in-memory agent records, consults the
// durable registry before every admission transition, and drives the task
// status director on each transition.
type Manager struct {
	cfg         *Config
	clk         clock.Clock
	reg         registry.Registry
	tr          transport.Transport
	alloc       *allocator.Allocator
	hb          *heartbeat.Monitor
	broker      *events.Broker
	director    *StatusDirector
	logger      zerolog.Logger
	incarnation string

	mu                  sync.RWMutex
	agents              map[string]*agentEntry
	frameworks          map[string]*types.Framework
	completedFrameworks []*types.Framework
	tasks               map[string]*types.Task
	orphanTasks         map[string]*types.Task
	authenticated       map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager, registers its transport endpoint and
// recovers the durable registry view. No scheduling decision is served
// before recovery completes.
func NewManager(cfg *Config, clk clock.Clock, reg registry.Registry, tr transport.Transport) (*Manager, error) {
	if cfg.MasterID == "" {
		return nil, fmt.Errorf("master ID is required")
	}
	if cfg.Heartbeat.Interval <= 0 || cfg.Heartbeat.MaxPingTimeouts <= 0 {
		return nil, fmt.Errorf("invalid heartbeat configuration")
	}

	m := &Manager{
		cfg:           cfg,
		clk:           clk,
		reg:           reg,
		tr:            tr,
		alloc:         allocator.NewAllocator(),
		broker:        events.NewBroker(),
		logger:        log.WithComponent("manager"),
		incarnation:   uuid.NewString(),
		agents:        make(map[string]*agentEntry),
		frameworks:    make(map[string]*types.Framework),
		tasks:         make(map[string]*types.Task),
		orphanTasks:   make(map[string]*types.Task),
		authenticated: make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
	m.director = newStatusDirector(m)
	m.hb = heartbeat.NewMonitor(cfg.Heartbeat, clk, tr, cfg.MasterID, m)

	if err := m.recover(); err != nil {
		m.broker.Stop()
		return nil, fmt.Errorf("failed to recover registry: %w", err)
	}

	tr.Register(cfg.MasterID, m.handleMessage)
	metrics.RegisterComponent("registry", true, "")

	return m, nil
}

// recover repopulates the in-memory agent view from the durable registry.
// The durable view wins: an agent the registry says is unreachable starts
// this incarnation unreachable, deactivated for offers and unwatched.
func (m *Manager) recover() error {
	entries, err := m.reg.LoadAll()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		agent := &types.Agent{
			ID:               entry.AgentID,
			Address:          entry.Address,
			AdmissionState:   entry.State,
			UnreachableSince: entry.UnreachableSince,
			RegisteredAt:     entry.RegisteredAt,
		}

		e := &agentEntry{
			agent:     agent,
			tasks:     make(map[string]*types.Task),
			recovered: true,
		}
		if entry.State == types.AdmissionRemoved {
			e.removedAt = entry.RemovedAt
		}
		m.agents[entry.AgentID] = e

		switch entry.State {
		case types.AdmissionUnreachable:
			m.alloc.Deactivate(entry.AgentID)
		case types.AdmissionRegistered:
			// Watched again below in Start; if the agent is gone it will
			// time out through the normal liveness path.
		}
	}

	m.logger.Info().Int("agents", len(entries)).Str("incarnation", m.incarnation).
		Msg("recovered agent registry")
	return nil
}

// Start begins heartbeat probing and housekeeping.
func (m *Manager) Start() {
	m.mu.RLock()
	var watched []string
	for id, e := range m.agents {
		if e.agent.AdmissionState == types.AdmissionRegistered {
			watched = append(watched, id)
		}
	}
	m.mu.RUnlock()

	m.hb.Start()
	for _, id := range watched {
		m.hb.Watch(id)
	}
	go m.housekeeping()
}

// Shutdown stops background work and closes the registry.
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.hb.Stop()
	m.broker.Stop()
	m.tr.Unregister(m.cfg.MasterID)
	if m.reg != nil {
		return m.reg.Close()
	}
	return nil
}

// Incarnation returns the unique ID of this master's boot.
func (m *Manager) Incarnation() string {
	return m.incarnation
}

// Allocator returns the offer allocator.
func (m *Manager) Allocator() *allocator.Allocator {
	return m.alloc
}

// EventBroker returns the operator event broker.
func (m *Manager) EventBroker() *events.Broker {
	return m.broker
}

// handleMessage dispatches inbound transport messages.
func (m *Manager) handleMessage(from string, msg transport.Message) {
	switch msg := msg.(type) {
	case transport.PongMessage:
		m.hb.HandlePong(msg.AgentID)
	case transport.AuthenticateMessage:
		m.handleAuthenticate(from, msg)
	case transport.RegisterAgentMessage:
		m.handleRegister(from, msg)
	case transport.ReregisterAgentMessage:
		m.handleReregister(from, msg)
	case transport.UnregisterAgentMessage:
		m.handleUnregister(from, msg)
	case transport.StatusUpdateMessage:
		m.handleStatusUpdate(from, msg)
	case transport.ExecutorExitedMessage:
		m.handleExecutorExited(from, msg)
	case transport.ReconcileTasksMessage:
		m.handleReconcile(from, msg)
	default:
		m.logger.Debug().Str("from", from).Type("type", msg).Msg("ignoring unknown message")
	}
}

func (m *Manager) handleAuthenticate(from string, msg transport.AuthenticateMessage) {
	granted := m.cfg.AuthToken == "" || msg.Token == m.cfg.AuthToken
	if granted {
		m.mu.Lock()
		m.authenticated[msg.AgentID] = true
		m.mu.Unlock()
	} else {
		m.logger.Warn().Str("agent_id", msg.AgentID).Msg("agent authentication rejected")
	}
	m.tr.Send(m.cfg.MasterID, from, transport.AuthenticatedMessage{Granted: granted})
}

func (m *Manager) isAuthenticated(agentID string) bool {
	if m.cfg.AuthToken == "" {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated[agentID]
}

// RegisterFramework connects a framework to this master.
func (m *Manager) RegisterFramework(fw *types.Framework) error {
	if fw.ID == "" {
		return fmt.Errorf("framework ID is required")
	}

	m.mu.Lock()
	if existing, ok := m.frameworks[fw.ID]; ok {
		existing.ConnectionState = types.ConnectionConnected
		existing.DisconnectedAt = time.Time{}
		m.mu.Unlock()
		return nil
	}
	fw.ConnectionState = types.ConnectionConnected
	fw.RegisteredAt = m.clk.Now()
	m.frameworks[fw.ID] = fw
	m.mu.Unlock()

	m.broker.Publish(&events.Event{
		Type:     events.EventFrameworkAdded,
		Message:  "framework registered",
		Metadata: map[string]string{"framework_id": fw.ID},
	})
	return nil
}

// DisconnectFramework marks a framework disconnected. If its failover
// grace period is zero it is removed immediately; otherwise housekeeping
// removes it when the period expires.
func (m *Manager) DisconnectFramework(frameworkID string) {
	m.mu.Lock()
	fw, ok := m.frameworks[frameworkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	fw.ConnectionState = types.ConnectionDisconnected
	fw.DisconnectedAt = m.clk.Now()
	expired := fw.FailoverTimeout <= 0
	m.mu.Unlock()

	if expired {
		m.RemoveFramework(frameworkID)
	}
}

// RemoveFramework tears a framework down. Tasks on reachable agents are
// shut down; tasks on unreachable agents cannot be reached and surface as
// orphans if the agent later reregisters.
func (m *Manager) RemoveFramework(frameworkID string) {
	m.mu.Lock()
	fw, ok := m.frameworks[frameworkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.frameworks, frameworkID)
	m.completedFrameworks = append(m.completedFrameworks, fw)

	shutdown := make(map[string][]string) // agentID -> taskIDs on reachable agents
	for id, task := range m.tasks {
		if task.FrameworkID != frameworkID {
			continue
		}
		delete(m.tasks, id)
		if e, ok := m.agents[task.AgentID]; ok {
			e.mu.Lock()
			delete(e.tasks, id)
			if e.agent.AdmissionState == types.AdmissionRegistered {
				shutdown[task.AgentID] = append(shutdown[task.AgentID], id)
			}
			e.mu.Unlock()
		}
	}
	m.mu.Unlock()

	for agentID, taskIDs := range shutdown {
		m.tr.Send(m.cfg.MasterID, agentID, transport.ShutdownTasksMessage{
			FrameworkID: frameworkID,
			TaskIDs:     taskIDs,
		})
	}

	m.broker.Publish(&events.Event{
		Type:     events.EventFrameworkRemoved,
		Message:  "framework removed",
		Metadata: map[string]string{"framework_id": frameworkID},
	})
}

// LaunchTask records a new task and dispatches it to its agent. The task
// starts STAGING; the agent reports RUNNING through the status update
// path.
func (m *Manager) LaunchTask(task *types.Task) error {
	m.mu.Lock()
	if _, ok := m.frameworks[task.FrameworkID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown framework: %s", task.FrameworkID)
	}
	e, ok := m.agents[task.AgentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown agent: %s", task.AgentID)
	}
	if _, ok := m.tasks[task.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("duplicate task: %s", task.ID)
	}

	e.mu.Lock()
	if e.agent.AdmissionState != types.AdmissionRegistered {
		e.mu.Unlock()
		m.mu.Unlock()
		return fmt.Errorf("agent not registered: %s", task.AgentID)
	}
	task.State = types.TaskStateStaging
	task.LaunchedAt = m.clk.Now()
	e.tasks[task.ID] = task
	e.mu.Unlock()

	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.tr.Send(m.cfg.MasterID, task.AgentID, transport.LaunchTaskMessage{Task: cloneTask(task)})
	return nil
}

// handleStatusUpdate forwards an agent's task status update to the owning
// framework. Updates from agents the master considers unreachable (or has
// never admitted) are dropped: the agent's membership epoch is no longer
// trusted and it must complete the explicit re-registration protocol.
func (m *Manager) handleStatusUpdate(from string, msg transport.StatusUpdateMessage) {
	update := msg.Update
	if update == nil {
		return
	}

	m.mu.RLock()
	e := m.agents[update.AgentID]
	m.mu.RUnlock()

	if e == nil {
		m.logger.Debug().Str("agent_id", update.AgentID).Str("task_id", update.TaskID).
			Msg("dropping status update from unknown agent")
		return
	}

	e.mu.Lock()
	if e.agent.AdmissionState != types.AdmissionRegistered {
		e.mu.Unlock()
		m.logger.Debug().Str("agent_id", update.AgentID).Str("task_id", update.TaskID).
			Msg("dropping status update from unreachable agent")
		return
	}
	if task, ok := e.tasks[update.TaskID]; ok {
		task.State = update.State
		task.Reason = update.Reason
	}
	e.mu.Unlock()

	m.mu.RLock()
	fw := m.frameworks[update.FrameworkID]
	connected := fw != nil && fw.ConnectionState == types.ConnectionConnected
	m.mu.RUnlock()

	if connected {
		m.tr.Send(m.cfg.MasterID, update.FrameworkID, transport.StatusUpdateMessage{Update: update})
	}
}

// handleExecutorExited mirrors the status-update rule: signals from an
// unreachable agent are dropped rather than processed.
func (m *Manager) handleExecutorExited(from string, msg transport.ExecutorExitedMessage) {
	m.mu.RLock()
	e := m.agents[msg.AgentID]
	m.mu.RUnlock()

	if e == nil {
		return
	}
	e.mu.Lock()
	reachable := e.agent.AdmissionState == types.AdmissionRegistered
	e.mu.Unlock()

	if !reachable {
		m.logger.Debug().Str("agent_id", msg.AgentID).Str("executor_id", msg.ExecutorID).
			Msg("dropping executor exited from unreachable agent")
		return
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventExecutorExited,
		Message: "executor exited",
		Metadata: map[string]string{
			"agent_id":     msg.AgentID,
			"framework_id": msg.FrameworkID,
			"executor_id":  msg.ExecutorID,
		},
	})
}

func (m *Manager) handleReconcile(from string, msg transport.ReconcileTasksMessage) {
	for _, q := range msg.Queries {
		status := m.director.Reconcile(msg.FrameworkID, q.TaskID, q.AgentID)
		m.tr.Send(m.cfg.MasterID, msg.FrameworkID, transport.StatusUpdateMessage{Update: status})
	}
}

// Reconcile answers an explicit reconciliation query directly (the API
// path; frameworks on the transport use ReconcileTasksMessage).
func (m *Manager) Reconcile(frameworkID, taskID, agentID string) *types.TaskStatus {
	return m.director.Reconcile(frameworkID, taskID, agentID)
}

// housekeeping expires disconnected frameworks past their failover grace
// period, garbage-collects removed agents and refreshes cluster gauges.
func (m *Manager) housekeeping() {
	ticker := m.clk.Ticker(m.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireFrameworks()
			m.gcRemovedAgents()
			m.updateGauges()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) expireFrameworks() {
	now := m.clk.Now()

	m.mu.RLock()
	var expired []string
	for id, fw := range m.frameworks {
		if fw.ConnectionState == types.ConnectionDisconnected &&
			fw.FailoverTimeout > 0 &&
			now.Sub(fw.DisconnectedAt) >= fw.FailoverTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info().Str("framework_id", id).Msg("framework failover timeout expired")
		m.RemoveFramework(id)
	}
}

func (m *Manager) gcRemovedAgents() {
	now := m.clk.Now()

	m.mu.Lock()
	var forget []string
	for id, e := range m.agents {
		e.mu.Lock()
		if e.agent.AdmissionState == types.AdmissionRemoved &&
			!e.removedAt.IsZero() &&
			now.Sub(e.removedAt) >= m.cfg.RemovedAgentRetention {
			forget = append(forget, id)
			delete(m.agents, id)
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	for _, id := range forget {
		if err := m.reg.Forget(id); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", id).Msg("failed to forget removed agent")
		}
	}
}

func (m *Manager) updateGauges() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[types.AdmissionState]int{}
	for _, e := range m.agents {
		counts[e.agent.AdmissionState]++
	}
	for _, state := range []types.AdmissionState{
		types.AdmissionRegistered, types.AdmissionUnreachable, types.AdmissionRemoved,
	} {
		metrics.AgentsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	fwCounts := map[types.ConnectionState]int{}
	for _, fw := range m.frameworks {
		fwCounts[fw.ConnectionState]++
	}
	for _, state := range []types.ConnectionState{
		types.ConnectionConnected, types.ConnectionDisconnected,
	} {
		metrics.FrameworksTotal.WithLabelValues(string(state)).Set(float64(fwCounts[state]))
	}
}

func cloneTask(t *types.Task) *types.Task {
	c := *t
	return &c
}
