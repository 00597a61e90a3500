package agent

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

// Config holds configuration for creating an Agent.
type Config struct {
	AgentID  string
	MasterID string
	Address  string

	// AuthToken is presented during the re-registration handshake.
	AuthToken string

	Resources    *types.AgentResources
	Capabilities []string

	// PingInterval and MaxPingTimeouts mirror the master's liveness
	// parameters. When no ping arrives for the whole detection window the
	// agent must assume it was partitioned and reregister.
	PingInterval    time.Duration
	MaxPingTimeouts int

	// ReregisterBackoff is the pause between re-registration attempts.
	ReregisterBackoff time.Duration
}

// DefaultConfig returns production defaults for an agent.
func DefaultConfig(agentID, masterID string) *Config {
	return &Config{
		AgentID:           agentID,
		MasterID:          masterID,
		PingInterval:      15 * time.Second,
		MaxPingTimeouts:   5,
		ReregisterBackoff: 2 * time.Second,
	}
}

// connState is the agent's view of its session with the master.
type connState int

const (
	stateDisconnected connState = iota
	stateAuthenticating
	stateReregistering
	stateConnected
)

// Agent is the node-resident runtime. It answers pings, runs tasks,
// forwards their status updates and drives the re-registration protocol
// whenever it decides the master is gone: externally induced partitions
// and master failovers look identical from here.
type Agent struct {
	cfg    *Config
	clk    clock.Clock
	tr     transport.Transport
	logger zerolog.Logger

	mu          sync.Mutex
	state       connState
	tasks       map[string]*types.Task
	lastPing    time.Time
	lastAttempt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAgent creates an agent and registers its transport endpoint.
func NewAgent(cfg *Config, clk clock.Clock, tr transport.Transport) *Agent {
	a := &Agent{
		cfg:    cfg,
		clk:    clk,
		tr:     tr,
		logger: log.WithComponent("agent").With().Str("agent_id", cfg.AgentID).Logger(),
		state:  stateDisconnected,
		tasks:  make(map[string]*types.Task),
		stopCh: make(chan struct{}),
	}
	tr.Register(cfg.AgentID, a.handleMessage)
	return a
}

// Start registers with the master and begins watching for ping silence.
func (a *Agent) Start() {
	a.Register()
	go a.watchLoop()
}

// Stop detaches the agent from the transport.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.tr.Unregister(a.cfg.AgentID)
}

// Register performs a fresh registration of this agent ID.
func (a *Agent) Register() {
	a.mu.Lock()
	a.state = stateDisconnected
	a.mu.Unlock()

	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.RegisterAgentMessage{
		Agent: &types.Agent{
			ID:           a.cfg.AgentID,
			Address:      a.cfg.Address,
			Resources:    a.cfg.Resources,
			Capabilities: a.cfg.Capabilities,
		},
	})
}

// Reregister starts the re-registration sequence: authenticate, then
// resend identity and the full task set, then await the acknowledgement.
// Safe to call repeatedly; the master treats retransmissions as no-ops.
func (a *Agent) Reregister() {
	a.mu.Lock()
	a.state = stateAuthenticating
	a.lastPing = a.clk.Now()
	a.lastAttempt = a.clk.Now()
	a.mu.Unlock()

	a.logger.Info().Msg("starting re-registration")
	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.AuthenticateMessage{
		AgentID: a.cfg.AgentID,
		Token:   a.cfg.AuthToken,
	})
}

// watchLoop detects ping silence. A master that has not pinged for the
// full detection window is presumed lost, and the agent reregisters.
func (a *Agent) watchLoop() {
	interval := a.cfg.PingInterval
	window := time.Duration(a.cfg.MaxPingTimeouts) * interval

	ticker := a.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := a.clk.Now()

			a.mu.Lock()
			silent := !a.lastPing.IsZero() && now.Sub(a.lastPing) >= window
			connected := a.state == stateConnected
			midHandshake := a.state == stateAuthenticating || a.state == stateReregistering
			stalled := midHandshake && now.Sub(a.lastAttempt) >= a.cfg.ReregisterBackoff
			a.mu.Unlock()

			if connected && silent {
				a.logger.Warn().Dur("window", window).
					Msg("no ping from master, presuming partition")
				a.Reregister()
			} else if stalled {
				// The previous attempt got no acknowledgement; restart the
				// whole sequence. The master treats duplicates as no-ops.
				a.Reregister()
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) handleMessage(from string, msg transport.Message) {
	switch msg := msg.(type) {
	case transport.PingMessage:
		a.handlePing()
	case transport.AuthenticatedMessage:
		a.handleAuthenticated(msg)
	case transport.AgentRegisteredMessage:
		a.handleRegistered()
	case transport.AgentReregisteredMessage:
		a.handleReregistered()
	case transport.RegistrationRejectedMessage:
		a.handleRejected(msg)
	case transport.LaunchTaskMessage:
		a.handleLaunchTask(msg)
	case transport.ShutdownTasksMessage:
		a.handleShutdownTasks(msg)
	}
}

func (a *Agent) handlePing() {
	a.mu.Lock()
	a.lastPing = a.clk.Now()
	a.mu.Unlock()

	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.PongMessage{AgentID: a.cfg.AgentID})
}

func (a *Agent) handleAuthenticated(msg transport.AuthenticatedMessage) {
	a.mu.Lock()
	if a.state != stateAuthenticating {
		a.mu.Unlock()
		return
	}
	if !msg.Granted {
		a.state = stateDisconnected
		a.mu.Unlock()
		a.logger.Error().Msg("master rejected authentication")
		return
	}
	a.state = stateReregistering
	tasks := make([]*types.Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		c := *t
		tasks = append(tasks, &c)
	}
	a.mu.Unlock()

	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.ReregisterAgentMessage{
		Agent: &types.Agent{
			ID:           a.cfg.AgentID,
			Address:      a.cfg.Address,
			Resources:    a.cfg.Resources,
			Capabilities: a.cfg.Capabilities,
		},
		Tasks: tasks,
	})
}

func (a *Agent) handleRegistered() {
	a.mu.Lock()
	a.state = stateConnected
	a.lastPing = a.clk.Now()
	a.mu.Unlock()
	a.logger.Info().Msg("registered with master")
}

func (a *Agent) handleReregistered() {
	a.mu.Lock()
	a.state = stateConnected
	a.lastPing = a.clk.Now()
	a.mu.Unlock()
	a.logger.Info().Msg("reregistered with master")
}

func (a *Agent) handleRejected(msg transport.RegistrationRejectedMessage) {
	a.logger.Warn().Str("reason", msg.Reason).
		Msg("re-registration rejected, registering as a new agent")

	// The old identity is gone; anything still running under it has no
	// owner the master will acknowledge.
	a.mu.Lock()
	a.tasks = make(map[string]*types.Task)
	a.mu.Unlock()

	a.Register()
}

func (a *Agent) handleLaunchTask(msg transport.LaunchTaskMessage) {
	if msg.Task == nil {
		return
	}
	task := *msg.Task
	task.State = types.TaskStateRunning

	a.mu.Lock()
	a.tasks[task.ID] = &task
	a.mu.Unlock()

	a.sendStatusUpdate(&task)
}

func (a *Agent) handleShutdownTasks(msg transport.ShutdownTasksMessage) {
	a.mu.Lock()
	for _, id := range msg.TaskIDs {
		delete(a.tasks, id)
	}
	a.mu.Unlock()

	a.logger.Info().Str("framework_id", msg.FrameworkID).
		Int("tasks", len(msg.TaskIDs)).Msg("shut down tasks")
}

// RecoverTasks adopts tasks that survived an agent restart. Called before
// Start when the runtime reattaches to checkpointed executors.
func (a *Agent) RecoverTasks(tasks []*types.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tasks {
		c := *t
		a.tasks[c.ID] = &c
	}
}

// FinishTask marks a task finished and reports it to the master.
func (a *Agent) FinishTask(taskID string) {
	a.mu.Lock()
	task, ok := a.tasks[taskID]
	if ok {
		task.State = types.TaskStateFinished
		delete(a.tasks, taskID)
	}
	a.mu.Unlock()

	if ok {
		a.sendStatusUpdate(task)
	}
}

// Tasks returns a copy of the agent's current task set.
func (a *Agent) Tasks() []*types.Task {
	a.mu.Lock()
	defer a.mu.Unlock()

	tasks := make([]*types.Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		c := *t
		tasks = append(tasks, &c)
	}
	return tasks
}

// Connected reports whether the agent currently holds an acknowledged
// session with the master.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateConnected
}

func (a *Agent) sendStatusUpdate(task *types.Task) {
	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.StatusUpdateMessage{
		Update: &types.TaskStatus{
			TaskID:      task.ID,
			FrameworkID: task.FrameworkID,
			AgentID:     a.cfg.AgentID,
			State:       task.State,
			UUID:        uuid.NewString(),
			Timestamp:   a.clk.Now(),
		},
	})
}

// ReportExecutorExited tells the master an executor terminated.
func (a *Agent) ReportExecutorExited(frameworkID, executorID string) {
	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.ExecutorExitedMessage{
		AgentID:     a.cfg.AgentID,
		FrameworkID: frameworkID,
		ExecutorID:  executorID,
	})
}

// Unregister tells the master this agent is going away for good.
func (a *Agent) Unregister() {
	a.tr.Send(a.cfg.AgentID, a.cfg.MasterID, transport.UnregisterAgentMessage{
		AgentID: a.cfg.AgentID,
	})
}
