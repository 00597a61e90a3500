package agent

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

// scriptedMaster is a minimal master endpoint that acks everything and
// records what the agent sent.
type scriptedMaster struct {
	bus *transport.LocalBus

	mu        sync.Mutex
	received  []transport.Message
	rejectmsg string
}

func newScriptedMaster(bus *transport.LocalBus) *scriptedMaster {
	m := &scriptedMaster{bus: bus}
	bus.Register("master", m.handle)
	return m
}

func (m *scriptedMaster) handle(from string, msg transport.Message) {
	m.mu.Lock()
	m.received = append(m.received, msg)
	reject := m.rejectmsg
	m.mu.Unlock()

	switch msg := msg.(type) {
	case transport.RegisterAgentMessage:
		m.bus.Send("master", from, transport.AgentRegisteredMessage{AgentID: msg.Agent.ID})
	case transport.AuthenticateMessage:
		m.bus.Send("master", from, transport.AuthenticatedMessage{Granted: true})
	case transport.ReregisterAgentMessage:
		if reject != "" {
			m.bus.Send("master", from, transport.RegistrationRejectedMessage{
				AgentID: msg.Agent.ID, Reason: reject,
			})
			return
		}
		m.bus.Send("master", from, transport.AgentReregisteredMessage{AgentID: msg.Agent.ID})
	}
}

func (m *scriptedMaster) messagesOf(match func(transport.Message) bool) []transport.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []transport.Message
	for _, msg := range m.received {
		if match(msg) {
			out = append(out, msg)
		}
	}
	return out
}

func newTestAgent(t *testing.T) (*Agent, *scriptedMaster, *clock.Mock) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})

	bus := transport.NewLocalBus()
	master := newScriptedMaster(bus)
	clk := clock.NewMock()

	cfg := DefaultConfig("agent-1", "master")
	cfg.AuthToken = "secret"
	a := NewAgent(cfg, clk, bus)
	t.Cleanup(a.Stop)
	return a, master, clk
}

func TestRegisterConnects(t *testing.T) {
	a, _, _ := newTestAgent(t)
	a.Register()
	assert.True(t, a.Connected())
}

func TestPingAnsweredWithPong(t *testing.T) {
	a, master, _ := newTestAgent(t)
	a.Register()

	a.handleMessage("master", transport.PingMessage{})

	pongs := master.messagesOf(func(msg transport.Message) bool {
		_, ok := msg.(transport.PongMessage)
		return ok
	})
	require.Len(t, pongs, 1)
	assert.Equal(t, "agent-1", pongs[0].(transport.PongMessage).AgentID)
}

func TestReregisterSendsTaskSet(t *testing.T) {
	a, master, _ := newTestAgent(t)
	a.Register()
	a.RecoverTasks([]*types.Task{
		{ID: "task-1", FrameworkID: "fw-1", State: types.TaskStateRunning},
		{ID: "task-2", FrameworkID: "fw-1", State: types.TaskStateRunning},
	})

	a.Reregister()
	require.True(t, a.Connected())

	auths := master.messagesOf(func(msg transport.Message) bool {
		_, ok := msg.(transport.AuthenticateMessage)
		return ok
	})
	require.Len(t, auths, 1)
	assert.Equal(t, "secret", auths[0].(transport.AuthenticateMessage).Token)

	reregs := master.messagesOf(func(msg transport.Message) bool {
		_, ok := msg.(transport.ReregisterAgentMessage)
		return ok
	})
	require.Len(t, reregs, 1)
	assert.Len(t, reregs[0].(transport.ReregisterAgentMessage).Tasks, 2)
}

func TestRejectionFallsBackToFreshRegistration(t *testing.T) {
	a, master, _ := newTestAgent(t)
	a.Register()
	a.RecoverTasks([]*types.Task{{ID: "task-1", FrameworkID: "fw-1"}})

	master.mu.Lock()
	master.rejectmsg = "agent was removed"
	master.mu.Unlock()

	a.Reregister()

	// The rejected identity is discarded along with its tasks, and the
	// agent registered fresh.
	assert.True(t, a.Connected())
	assert.Empty(t, a.Tasks())

	registers := master.messagesOf(func(msg transport.Message) bool {
		_, ok := msg.(transport.RegisterAgentMessage)
		return ok
	})
	assert.Len(t, registers, 2)
}

func TestShutdownTasksRemovesThem(t *testing.T) {
	a, _, _ := newTestAgent(t)
	a.Register()
	a.RecoverTasks([]*types.Task{
		{ID: "task-1", FrameworkID: "fw-1"},
		{ID: "task-2", FrameworkID: "fw-1"},
	})

	a.handleMessage("master", transport.ShutdownTasksMessage{
		FrameworkID: "fw-1", TaskIDs: []string{"task-1"},
	})

	tasks := a.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-2", tasks[0].ID)
}

func TestLaunchTaskReportsRunning(t *testing.T) {
	a, master, _ := newTestAgent(t)
	a.Register()

	a.handleMessage("master", transport.LaunchTaskMessage{
		Task: &types.Task{ID: "task-1", FrameworkID: "fw-1", AgentID: "agent-1"},
	})

	updates := master.messagesOf(func(msg transport.Message) bool {
		_, ok := msg.(transport.StatusUpdateMessage)
		return ok
	})
	require.Len(t, updates, 1)
	update := updates[0].(transport.StatusUpdateMessage).Update
	assert.Equal(t, types.TaskStateRunning, update.State)
	assert.Equal(t, "task-1", update.TaskID)
}

func TestFinishTaskReportsAndForgets(t *testing.T) {
	a, master, _ := newTestAgent(t)
	a.Register()
	a.RecoverTasks([]*types.Task{{ID: "task-1", FrameworkID: "fw-1"}})

	a.FinishTask("task-1")

	assert.Empty(t, a.Tasks())
	updates := master.messagesOf(func(msg transport.Message) bool {
		u, ok := msg.(transport.StatusUpdateMessage)
		return ok && u.Update.State == types.TaskStateFinished
	})
	assert.Len(t, updates, 1)
}

func TestDefaultConfigWindow(t *testing.T) {
	cfg := DefaultConfig("agent-1", "master")
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, 5, cfg.MaxPingTimeouts)
}
