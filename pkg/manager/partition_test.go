package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan/castellan/pkg/allocator"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

func TestHeartbeatTimeoutMarksAgentUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", false, 0)
	h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	h.mgr.Allocator().AddOffer(&allocator.Offer{
		ID: "offer-1", AgentID: "agent-1", FrameworkID: "fw-1",
	})

	heal := h.partition("agent-1")
	defer heal()
	h.expire()

	assert.Equal(t, types.AdmissionUnreachable, h.agentState("agent-1"))
	assert.True(t, h.mgr.Allocator().Deactivated("agent-1"))

	// The framework is not partition-aware, so it sees the task as lost.
	update := fw.lastUpdateFor("task-1")
	require.NotNil(t, update)
	assert.Equal(t, types.TaskStateLost, update.State)
	assert.Equal(t, types.ReasonAgentRemoved, update.Reason)
	require.NotNil(t, update.UnreachableTime)
	assert.Equal(t, h.clk.Now(), *update.UnreachableTime)

	assert.Equal(t, []string{"agent-1"}, fw.lostAgents())
	assert.Equal(t, []string{"offer-1"}, fw.rescindedOffers())

	delta := h.metricsDelta()
	assert.Equal(t, 1.0, delta.scheduled)
	assert.Equal(t, 1.0, delta.completed)
	assert.Equal(t, 1.0, delta.removals)
	assert.Equal(t, 1.0, delta.unhealthy)
	assert.Equal(t, 1.0, delta.tasksLost)
	assert.Equal(t, 0.0, delta.tasksUnreach)
}

func TestPartitionAwareFrameworkSeesTasksUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", true, 0)
	h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	heal := h.partition("agent-1")
	defer heal()
	h.expire()

	update := fw.lastUpdateFor("task-1")
	require.NotNil(t, update)
	assert.Equal(t, types.TaskStateUnreachable, update.State)
	assert.Equal(t, types.ReasonAgentRemoved, update.Reason)
	require.NotNil(t, update.UnreachableTime)

	assert.Equal(t, types.TaskStateUnreachable, h.taskState("task-1"))
	assert.Equal(t, []string{"agent-1"}, fw.lostAgents())

	delta := h.metricsDelta()
	assert.Equal(t, 1.0, delta.tasksUnreach)
	assert.Equal(t, 0.0, delta.tasksLost)
}

func TestReregistrationRestoresPartitionAwareTasks(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	heal := h.partition("agent-1")
	h.expire()
	require.Equal(t, types.AdmissionUnreachable, h.agentState("agent-1"))

	heal()
	a.Reregister()

	assert.Equal(t, types.AdmissionRegistered, h.agentState("agent-1"))
	assert.True(t, a.Connected())
	assert.False(t, h.mgr.Allocator().Deactivated("agent-1"))
	assert.Equal(t, types.TaskStateRunning, h.taskState("task-1"))

	// Reconciliation confirms the restore: running, and no unreachable
	// timestamp because the agent is back.
	status := h.mgr.Reconcile("fw-1", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateRunning, status.State)
	assert.Equal(t, types.ReasonReconciliation, status.Reason)
	assert.Nil(t, status.UnreachableTime)
}

func TestReturningAgentShutsDownNonAwareTasks(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-1", false, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	heal := h.partition("agent-1")
	h.expire()
	require.Equal(t, types.TaskStateLost, h.taskState("task-1"))

	heal()
	a.Reregister()
	require.True(t, a.Connected())

	// The master declared the task lost while the agent was away; the
	// agent is told to shut it down on return.
	assert.Empty(t, a.Tasks())
	assert.Equal(t, types.TaskStateLost, h.taskState("task-1"))

	status := h.mgr.Reconcile("fw-1", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateLost, status.State)
	assert.Nil(t, status.UnreachableTime)
}

func TestSpuriousReregistrationIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	before := fw.updateCount()
	snapshot := h.mgr.StateSnapshot()

	// A retransmitted re-registration from a connected agent changes
	// nothing.
	a.Reregister()
	a.Reregister()

	assert.True(t, a.Connected())
	assert.Equal(t, types.TaskStateRunning, h.taskState("task-1"))
	assert.Equal(t, before, fw.updateCount())
	assert.Equal(t, snapshot.Tasks, h.mgr.StateSnapshot().Tasks)
}

func TestStatusUpdatesFromUnreachableAgentDropped(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")
	h.launch("fw-1", "agent-1", "task-2")

	heal := h.partition("agent-1")
	h.expire()
	heal()

	// The network is back but the agent has not reregistered yet; its
	// updates are dropped until the membership epoch is reestablished.
	before := fw.updateCount()
	a.FinishTask("task-1")
	assert.Equal(t, before, fw.updateCount())
	assert.Equal(t, types.TaskStateUnreachable, h.taskState("task-1"))

	a.Reregister()
	require.True(t, a.Connected())

	a.FinishTask("task-2")
	update := fw.lastUpdateFor("task-2")
	require.NotNil(t, update)
	assert.Equal(t, types.TaskStateFinished, update.State)
}

func TestReconcileWhilePartitioned(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-aware", true, 0)
	newFakeFramework(h, "fw-plain", false, 0)
	h.addAgent("agent-1")
	h.launch("fw-aware", "agent-1", "task-1")
	h.launch("fw-plain", "agent-1", "task-2")

	heal := h.partition("agent-1")
	defer heal()
	h.expire()
	since := h.clk.Now()

	status := h.mgr.Reconcile("fw-aware", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateUnreachable, status.State)
	require.NotNil(t, status.UnreachableTime)
	assert.Equal(t, since, *status.UnreachableTime)

	status = h.mgr.Reconcile("fw-plain", "task-2", "agent-1")
	assert.Equal(t, types.TaskStateLost, status.State)
	require.NotNil(t, status.UnreachableTime)

	// Unknown task on an unreachable agent: the master cannot know its
	// fate, so the answer follows the framework's capability.
	status = h.mgr.Reconcile("fw-aware", "task-x", "agent-1")
	assert.Equal(t, types.TaskStateUnreachable, status.State)
	status = h.mgr.Reconcile("fw-plain", "task-x", "agent-1")
	assert.Equal(t, types.TaskStateLost, status.State)

	// Unknown task on no particular agent is plain lost.
	status = h.mgr.Reconcile("fw-aware", "task-x", "")
	assert.Equal(t, types.TaskStateLost, status.State)
	assert.Nil(t, status.UnreachableTime)
}

func TestReconcileHidesForeignTasks(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-1", true, 0)
	newFakeFramework(h, "fw-2", false, 0)
	h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	// A framework asking about another framework's task gets the same
	// answer as for a task that does not exist.
	status := h.mgr.Reconcile("fw-2", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateLost, status.State)
	assert.Equal(t, types.ReasonReconciliation, status.Reason)
	assert.Nil(t, status.UnreachableTime)

	// The owner still sees its task.
	status = h.mgr.Reconcile("fw-1", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateRunning, status.State)

	// While the agent is away the foreign query follows the asking
	// framework's capability, never the owner's recorded state.
	heal := h.partition("agent-1")
	defer heal()
	h.expire()

	require.Equal(t, types.TaskStateUnreachable, h.taskState("task-1"))
	status = h.mgr.Reconcile("fw-2", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateLost, status.State)
	require.NotNil(t, status.UnreachableTime)
}

func TestReconcileOverTransport(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", true, 0)
	h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	before := fw.updateCount()
	h.bus.Send("fw-1", testMasterID, transport.ReconcileTasksMessage{
		FrameworkID: "fw-1",
		Queries:     []transport.ReconcileQuery{{TaskID: "task-1", AgentID: "agent-1"}},
	})

	require.Equal(t, before+1, fw.updateCount())
	update := fw.lastUpdateFor("task-1")
	assert.Equal(t, types.TaskStateRunning, update.State)
	assert.Equal(t, types.ReasonReconciliation, update.Reason)
}

func TestMasterFailoverRelearnsTasks(t *testing.T) {
	dataDir := t.TempDir()

	h1 := newHarnessAt(t, dataDir, nil)
	newFakeFramework(h1, "fw-1", false, 0)
	a := h1.addAgent("agent-1")
	h1.launch("fw-1", "agent-1", "task-1")
	require.NoError(t, h1.mgr.Shutdown())

	// New incarnation over the same registry. It knows the agent from the
	// durable record but not its tasks.
	h2 := newHarnessAt(t, dataDir, nil)
	require.NotEqual(t, h1.mgr.Incarnation(), h2.mgr.Incarnation())
	newFakeFramework(h2, "fw-1", false, 0)
	assert.Equal(t, types.AdmissionRegistered, h2.agentState("agent-1"))

	a2 := h2.reattachAgent(a, "agent-1")
	a2.Reregister()
	require.True(t, a2.Connected())

	// The failover carve-out: agent-reported tasks of a known framework
	// are re-added as running even for non-aware frameworks.
	assert.Equal(t, types.TaskStateRunning, h2.taskState("task-1"))
	status := h2.mgr.Reconcile("fw-1", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateRunning, status.State)
	assert.Nil(t, status.UnreachableTime)
}

func TestMasterFailoverWithPartitionedAgent(t *testing.T) {
	dataDir := t.TempDir()

	h1 := newHarnessAt(t, dataDir, nil)
	newFakeFramework(h1, "fw-1", true, 0)
	a := h1.addAgent("agent-1")
	h1.launch("fw-1", "agent-1", "task-1")

	heal := h1.partition("agent-1")
	h1.expire()
	since := h1.clk.Now()
	heal()
	require.NoError(t, h1.mgr.Shutdown())

	h2 := newHarnessAt(t, dataDir, nil)
	newFakeFramework(h2, "fw-1", true, 0)

	// The durable record survives the failover.
	assert.Equal(t, types.AdmissionUnreachable, h2.agentState("agent-1"))
	status := h2.mgr.Reconcile("fw-1", "task-1", "agent-1")
	assert.Equal(t, types.TaskStateUnreachable, status.State)
	require.NotNil(t, status.UnreachableTime)
	assert.Equal(t, since, *status.UnreachableTime)

	a2 := h2.reattachAgent(a, "agent-1")
	a2.Reregister()
	require.True(t, a2.Connected())

	assert.Equal(t, types.AdmissionRegistered, h2.agentState("agent-1"))
	assert.Equal(t, types.TaskStateRunning, h2.taskState("task-1"))
}

func TestOrphanTasksTrackedAfterFrameworkCompletes(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	heal := h.partition("agent-1")
	h.expire()

	// The framework goes away with zero failover grace while its agent is
	// partitioned; the master cannot reach the task to kill it.
	h.mgr.DisconnectFramework("fw-1")

	heal()
	a.Reregister()
	require.True(t, a.Connected())

	snap := h.mgr.StateSnapshot()
	require.Len(t, snap.OrphanTasks, 1)
	assert.Equal(t, "task-1", snap.OrphanTasks[0].ID)
	assert.Equal(t, string(types.TaskStateRunning), snap.OrphanTasks[0].State)
	require.Len(t, snap.CompletedFrameworks, 1)
	assert.Equal(t, "fw-1", snap.CompletedFrameworks[0].ID)
	assert.Empty(t, snap.Tasks)
}

func TestOneWayPartitionStillDetected(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")

	// Pings reach the agent, acknowledgements never come back.
	heal := h.bus.Drop(func(from, to string, msg transport.Message) bool {
		_, pong := msg.(transport.PongMessage)
		return pong && from == "agent-1"
	})
	defer heal()
	h.expire()

	assert.Equal(t, types.AdmissionUnreachable, h.agentState("agent-1"))

	a.Reregister()
	assert.True(t, a.Connected())
	assert.Equal(t, types.AdmissionRegistered, h.agentState("agent-1"))
}

func TestReregistrationRejectedAfterRemoval(t *testing.T) {
	h := newHarness(t, nil)
	newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")

	heal := h.partition("agent-1")
	h.expire()
	heal()

	h.mgr.RemoveAgent("agent-1")
	require.Equal(t, types.AdmissionRemoved, h.agentState("agent-1"))

	// The retired identity cannot resume; the agent falls back to a fresh
	// registration and comes back empty.
	a.Reregister()
	assert.True(t, a.Connected())
	assert.Equal(t, types.AdmissionRegistered, h.agentState("agent-1"))
	assert.Empty(t, a.Tasks())
}

func TestAgentUnregisterRemoves(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	a.Unregister()

	assert.Equal(t, types.AdmissionRemoved, h.agentState("agent-1"))
	update := fw.lastUpdateFor("task-1")
	require.NotNil(t, update)
	assert.Equal(t, types.TaskStateLost, update.State)
	assert.Equal(t, types.ReasonAgentRemoved, update.Reason)

	delta := h.metricsDelta()
	assert.Equal(t, 1.0, delta.removals)
	assert.Equal(t, 1.0, delta.unregistered)
	assert.Equal(t, 0.0, delta.unhealthy)
}

func TestRestartedAgentRegistersFreshWhileUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	fw := newFakeFramework(h, "fw-1", true, 0)
	a := h.addAgent("agent-1")
	h.launch("fw-1", "agent-1", "task-1")

	heal := h.partition("agent-1")
	h.expire()
	require.Equal(t, types.AdmissionUnreachable, h.agentState("agent-1"))
	heal()

	// The agent process restarted with no session or task state and
	// registers from scratch under its old identity. That must readmit
	// the agent, not leave it marked unreachable behind a bare ack.
	a.Register()

	assert.True(t, a.Connected())
	assert.Equal(t, types.AdmissionRegistered, h.agentState("agent-1"))
	assert.False(t, h.mgr.Allocator().Deactivated("agent-1"))

	// Whatever the agent was running did not survive the restart.
	assert.Equal(t, types.TaskStateLost, h.taskState("task-1"))
	last := fw.lastUpdateFor("task-1")
	require.NotNil(t, last)
	assert.Equal(t, types.TaskStateLost, last.State)
	assert.Equal(t, types.ReasonAgentRemoved, last.Reason)

	// The readmitted agent accepts new work immediately.
	h.launch("fw-1", "agent-1", "task-2")
}
