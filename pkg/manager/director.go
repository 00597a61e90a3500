package manager

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castellan/castellan/pkg/events"
	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/metrics"
	"github.com/castellan/castellan/pkg/types"
)

// StatusDirector owns the task-status consequences of agent admission
// transitions and answers explicit reconciliation queries. It never decides
// transitions itself; the lifecycle paths in Manager call into it at the
// right point in their effect order.
type StatusDirector struct {
	m      *Manager
	logger zerolog.Logger
}

func newStatusDirector(m *Manager) *StatusDirector {
	return &StatusDirector{
		m:      m,
		logger: log.WithComponent("director"),
	}
}

// markTasksUnreachable marks every task on a newly unreachable agent and
// builds the status notifications to fan out. Partition-aware frameworks
// see their tasks as unreachable, a recoverable condition; frameworks
// without the capability see them as lost. The caller holds the agent
// entry lock, so the records and the notifications cannot diverge.
func (d *StatusDirector) markTasksUnreachable(e *agentEntry, when time.Time, views map[string]frameworkView) []*types.TaskStatus {
	statuses := make([]*types.TaskStatus, 0, len(e.tasks))

	for _, task := range e.tasks {
		view := views[task.FrameworkID]

		if task.UnreachableTime.IsZero() {
			task.UnreachableTime = when
		}
		if view.aware {
			task.State = types.TaskStateUnreachable
			metrics.TasksUnreachable.Inc()
		} else {
			task.State = types.TaskStateLost
			metrics.TasksLost.Inc()
		}
		task.Reason = types.ReasonAgentRemoved

		eventType := events.EventTaskLost
		if view.aware {
			eventType = events.EventTaskUnreachable
		}
		d.m.broker.Publish(&events.Event{
			Type:    eventType,
			Message: "task hosting agent became unreachable",
			Metadata: map[string]string{
				"task_id":  task.ID,
				"agent_id": task.AgentID,
			},
		})

		if !view.connected {
			continue
		}
		unreachable := when
		statuses = append(statuses, &types.TaskStatus{
			TaskID:          task.ID,
			FrameworkID:     task.FrameworkID,
			AgentID:         task.AgentID,
			State:           task.State,
			Reason:          types.ReasonAgentRemoved,
			UnreachableTime: &unreachable,
			UUID:            uuid.NewString(),
			Timestamp:       d.m.clk.Now(),
		})
	}

	return statuses
}

// markTasksLost marks every remaining task on a removed agent lost.
// Removal is terminal, so the partition-aware distinction no longer
// applies. Caller holds the agent entry lock.
func (d *StatusDirector) markTasksLost(e *agentEntry, views map[string]frameworkView) []*types.TaskStatus {
	statuses := make([]*types.TaskStatus, 0, len(e.tasks))

	for _, task := range e.tasks {
		if task.State == types.TaskStateLost {
			continue
		}
		task.State = types.TaskStateLost
		task.Reason = types.ReasonAgentRemoved
		metrics.TasksLost.Inc()

		d.m.broker.Publish(&events.Event{
			Type:    events.EventTaskLost,
			Message: "task hosting agent was removed",
			Metadata: map[string]string{
				"task_id":  task.ID,
				"agent_id": task.AgentID,
			},
		})

		view := views[task.FrameworkID]
		if !view.connected {
			continue
		}
		statuses = append(statuses, &types.TaskStatus{
			TaskID:      task.ID,
			FrameworkID: task.FrameworkID,
			AgentID:     task.AgentID,
			State:       types.TaskStateLost,
			Reason:      types.ReasonAgentRemoved,
			UUID:        uuid.NewString(),
			Timestamp:   d.m.clk.Now(),
		})
	}

	return statuses
}

// onAgentReregistered reconciles the master's task records with the task
// set the returning agent reported. Tasks the master tracked as
// unreachable come back running; tasks it declared lost stay lost and are
// directed to shut down on the agent. Tasks the master has no record of
// (it failed over, or their framework is gone) are re-added as running
// when the framework is known and become orphans otherwise.
//
// The returned map is framework ID to task IDs the agent must shut down.
func (d *StatusDirector) onAgentReregistered(e *agentEntry, reported []*types.Task) map[string][]string {
	shutdown := make(map[string][]string)

	d.m.mu.Lock()
	e.mu.Lock()

	for _, rt := range reported {
		if task, ok := d.m.tasks[rt.ID]; ok {
			switch task.State {
			case types.TaskStateUnreachable:
				task.State = types.TaskStateRunning
				task.Reason = ""
				d.m.broker.Publish(&events.Event{
					Type:    events.EventTaskRunning,
					Message: "task restored after agent reregistered",
					Metadata: map[string]string{
						"task_id":  task.ID,
						"agent_id": task.AgentID,
					},
				})
			case types.TaskStateLost:
				shutdown[task.FrameworkID] = append(shutdown[task.FrameworkID], task.ID)
			}
			continue
		}

		clone := *rt
		clone.AgentID = e.agent.ID
		clone.State = types.TaskStateRunning
		clone.Reason = ""

		if _, known := d.m.frameworks[clone.FrameworkID]; known {
			task := &clone
			d.m.tasks[task.ID] = task
			e.tasks[task.ID] = task
			d.logger.Info().Str("task_id", task.ID).Str("agent_id", e.agent.ID).
				Msg("re-added agent-reported task")
		} else {
			d.m.orphanTasks[clone.ID] = &clone
			d.logger.Info().Str("task_id", clone.ID).Str("agent_id", e.agent.ID).
				Str("framework_id", clone.FrameworkID).
				Msg("agent reported task for unknown framework, tracking as orphan")
		}
	}

	e.mu.Unlock()
	d.m.mu.Unlock()

	return shutdown
}

// Reconcile answers one explicit reconciliation query with the master's
// authoritative view. A task the querying framework owns is reported in
// its current state; a task owned by another framework is answered as if
// it did not exist. An unknown task is lost unless its named agent is
// unreachable, in which
// case the master cannot know its fate and answers by the querying
// framework's capability. The unreachable timestamp is included exactly
// when the hosting agent is unreachable right now.
func (d *StatusDirector) Reconcile(frameworkID, taskID, agentID string) *types.TaskStatus {
	d.m.mu.RLock()
	task := d.m.tasks[taskID]
	if task != nil && task.FrameworkID != frameworkID {
		// Another framework's task. The caller learns nothing about it
		// and gets the unknown-task answer instead.
		task = nil
	}
	var e *agentEntry
	if task != nil {
		e = d.m.agents[task.AgentID]
	} else if agentID != "" {
		e = d.m.agents[agentID]
	}
	fw := d.m.frameworks[frameworkID]
	aware := fw != nil && fw.PartitionAware()
	d.m.mu.RUnlock()

	status := &types.TaskStatus{
		TaskID:      taskID,
		FrameworkID: frameworkID,
		AgentID:     agentID,
		Reason:      types.ReasonReconciliation,
		UUID:        uuid.NewString(),
		Timestamp:   d.m.clk.Now(),
	}

	var agentUnreachable bool
	var since time.Time
	if e != nil {
		e.mu.Lock()
		agentUnreachable = e.agent.AdmissionState == types.AdmissionUnreachable
		since = e.agent.UnreachableSince
		e.mu.Unlock()
	}
	if task != nil {
		status.AgentID = task.AgentID
		status.State = task.State
	}

	switch {
	case task != nil:
		if agentUnreachable {
			t := since
			status.UnreachableTime = &t
		}
	case agentUnreachable:
		if aware {
			status.State = types.TaskStateUnreachable
		} else {
			status.State = types.TaskStateLost
		}
		t := since
		status.UnreachableTime = &t
	default:
		status.State = types.TaskStateLost
	}

	return status
}
