package manager

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/castellan/castellan/pkg/agent"
	"github.com/castellan/castellan/pkg/heartbeat"
	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/metrics"
	"github.com/castellan/castellan/pkg/registry"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

const testMasterID = "master"

// harness wires a manager, a mock clock and the in-memory bus together.
// The heartbeat and housekeeping loops are driven by hand so every test
// is deterministic.
type harness struct {
	t       *testing.T
	clk     *clock.Mock
	bus     *transport.LocalBus
	reg     *flakyRegistry
	mgr     *Manager
	dataDir string
	base    metricsSnap
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	return newHarnessAt(t, t.TempDir(), mutate)
}

func newHarnessAt(t *testing.T, dataDir string, mutate func(*Config)) *harness {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	bolt, err := registry.NewBoltRegistry(dataDir)
	require.NoError(t, err)
	reg := &flakyRegistry{Registry: bolt}

	cfg := DefaultConfig(testMasterID)
	cfg.StrictRegistry = false
	cfg.Heartbeat = heartbeat.Config{Interval: 15 * time.Second, MaxPingTimeouts: 5}
	if mutate != nil {
		mutate(cfg)
	}

	bus := transport.NewLocalBus()
	mgr, err := NewManager(cfg, clk, reg, bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	return &harness{
		t:       t,
		clk:     clk,
		bus:     bus,
		reg:     reg,
		mgr:     mgr,
		dataDir: dataDir,
		base:    captureMetrics(),
	}
}

// addAgent creates a real agent on the bus and registers it.
func (h *harness) addAgent(id string) *agent.Agent {
	h.t.Helper()
	cfg := agent.DefaultConfig(id, testMasterID)
	cfg.AuthToken = h.mgr.cfg.AuthToken
	cfg.Resources = &types.AgentResources{CPUCores: 2, MemoryBytes: 4 << 30}
	a := agent.NewAgent(cfg, h.clk, h.bus)
	a.Register()
	require.True(h.t, a.Connected(), "agent %s failed to register", id)
	return a
}

// reattachAgent rebuilds an agent on this harness's bus with the task set
// it was running under a previous master, the way a real agent reattaches
// to checkpointed tasks across a master failover.
func (h *harness) reattachAgent(old *agent.Agent, id string) *agent.Agent {
	h.t.Helper()
	cfg := agent.DefaultConfig(id, testMasterID)
	cfg.AuthToken = h.mgr.cfg.AuthToken
	a := agent.NewAgent(cfg, h.clk, h.bus)
	a.RecoverTasks(old.Tasks())
	return a
}

// launch runs a task through the full dispatch path and waits for the
// agent's RUNNING update to land.
func (h *harness) launch(fwID, agentID, taskID string) {
	h.t.Helper()
	err := h.mgr.LaunchTask(&types.Task{ID: taskID, FrameworkID: fwID, AgentID: agentID})
	require.NoError(h.t, err)
	require.Equal(h.t, types.TaskStateRunning, h.taskState(taskID))
}

func (h *harness) taskState(taskID string) types.TaskState {
	h.mgr.mu.RLock()
	defer h.mgr.mu.RUnlock()
	task, ok := h.mgr.tasks[taskID]
	if !ok {
		return ""
	}
	return task.State
}

func (h *harness) agentState(agentID string) types.AdmissionState {
	h.mgr.mu.RLock()
	e := h.mgr.agents[agentID]
	h.mgr.mu.RUnlock()
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.AdmissionState
}

// partition drops all traffic between the agent and the master. The
// returned function heals it.
func (h *harness) partition(agentID string) func() {
	return h.bus.Drop(func(from, to string, msg transport.Message) bool {
		return from == agentID || to == agentID
	})
}

// expire advances the heartbeat monitor until a partitioned agent runs
// out of ping timeouts.
func (h *harness) expire() {
	for i := 0; i <= h.mgr.cfg.Heartbeat.MaxPingTimeouts; i++ {
		h.mgr.hb.Tick()
	}
}

// fakeFramework is a scripted framework endpoint that records what the
// master sends it.
type fakeFramework struct {
	id string

	mu         sync.Mutex
	updates    []*types.TaskStatus
	agentsLost []string
	rescinded  []string
}

func newFakeFramework(h *harness, id string, aware bool, failover time.Duration) *fakeFramework {
	h.t.Helper()
	f := &fakeFramework{id: id}
	h.bus.Register(id, f.handle)

	fw := &types.Framework{ID: id, Name: id, FailoverTimeout: failover}
	if aware {
		fw.Capabilities = []types.FrameworkCapability{types.CapabilityPartitionAware}
	}
	require.NoError(h.t, h.mgr.RegisterFramework(fw))
	return f
}

func (f *fakeFramework) handle(from string, msg transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg := msg.(type) {
	case transport.StatusUpdateMessage:
		f.updates = append(f.updates, msg.Update)
	case transport.AgentLostMessage:
		f.agentsLost = append(f.agentsLost, msg.AgentID)
	case transport.OfferRescindedMessage:
		f.rescinded = append(f.rescinded, msg.OfferID)
	}
}

func (f *fakeFramework) updatesFor(taskID string) []*types.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*types.TaskStatus
	for _, u := range f.updates {
		if u.TaskID == taskID {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeFramework) lastUpdateFor(taskID string) *types.TaskStatus {
	updates := f.updatesFor(taskID)
	if len(updates) == 0 {
		return nil
	}
	return updates[len(updates)-1]
}

func (f *fakeFramework) lostAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.agentsLost...)
}

func (f *fakeFramework) rescindedOffers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rescinded...)
}

func (f *fakeFramework) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// flakyRegistry wraps a Registry with a failure switch so tests can make
// durable writes fail on demand.
type flakyRegistry struct {
	registry.Registry

	mu   sync.Mutex
	fail bool
}

func (r *flakyRegistry) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *flakyRegistry) failing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail
}

func (r *flakyRegistry) RecordRegistered(agent *types.Agent) error {
	if r.failing() {
		return errRegistryDown
	}
	return r.Registry.RecordRegistered(agent)
}

func (r *flakyRegistry) RecordUnreachable(agentID string, since time.Time) error {
	if r.failing() {
		return errRegistryDown
	}
	return r.Registry.RecordUnreachable(agentID, since)
}

func (r *flakyRegistry) RecordRemoved(agentID string, at time.Time) error {
	if r.failing() {
		return errRegistryDown
	}
	return r.Registry.RecordRemoved(agentID, at)
}

var errRegistryDown = &registryError{"registry unavailable"}

type registryError struct{ msg string }

func (e *registryError) Error() string { return e.msg }

// metricsSnap captures the process-global counters so tests can assert
// deltas instead of absolute values.
type metricsSnap struct {
	scheduled     float64
	completed     float64
	removals      float64
	unhealthy     float64
	unregistered  float64
	tasksLost     float64
	tasksUnreach  float64
	writeFailures float64
}

func captureMetrics() metricsSnap {
	return metricsSnap{
		scheduled:     testutil.ToFloat64(metrics.AgentUnreachableScheduled),
		completed:     testutil.ToFloat64(metrics.AgentUnreachableCompleted),
		removals:      testutil.ToFloat64(metrics.AgentRemovals),
		unhealthy:     counterVecValue(metrics.AgentRemovalsByReason, "unhealthy"),
		unregistered:  counterVecValue(metrics.AgentRemovalsByReason, "unregistered"),
		tasksLost:     testutil.ToFloat64(metrics.TasksLost),
		tasksUnreach:  testutil.ToFloat64(metrics.TasksUnreachable),
		writeFailures: testutil.ToFloat64(metrics.RegistryWriteFailures),
	}
}

func counterVecValue(vec *prometheus.CounterVec, label string) float64 {
	return testutil.ToFloat64(vec.WithLabelValues(label))
}

func (h *harness) metricsDelta() metricsSnap {
	now := captureMetrics()
	return metricsSnap{
		scheduled:     now.scheduled - h.base.scheduled,
		completed:     now.completed - h.base.completed,
		removals:      now.removals - h.base.removals,
		unhealthy:     now.unhealthy - h.base.unhealthy,
		unregistered:  now.unregistered - h.base.unregistered,
		tasksLost:     now.tasksLost - h.base.tasksLost,
		tasksUnreach:  now.tasksUnreach - h.base.tasksUnreach,
		writeFailures: now.writeFailures - h.base.writeFailures,
	}
}
