package manager

import (
	"sort"
	"time"

	"github.com/castellan/castellan/pkg/types"
)

// AgentInfo is the externally visible view of one agent.
type AgentInfo struct {
	ID               string     `json:"id"`
	Address          string     `json:"address"`
	State            string     `json:"state"`
	UnreachableSince *time.Time `json:"unreachable_since,omitempty"`
	RegisteredAt     time.Time  `json:"registered_at"`
	Tasks            int        `json:"tasks"`
}

// FrameworkInfo is the externally visible view of one framework.
type FrameworkInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	PartitionAware bool      `json:"partition_aware"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// TaskInfo is the externally visible view of one task.
type TaskInfo struct {
	ID              string     `json:"id"`
	FrameworkID     string     `json:"framework_id"`
	AgentID         string     `json:"agent_id"`
	State           string     `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	UnreachableTime *time.Time `json:"unreachable_time,omitempty"`
}

// StateSnapshot is the consistent point-in-time cluster view served by the
// state endpoint. Orphan tasks are tasks re-learned from a reregistering
// agent whose framework completed while the agent was partitioned.
type StateSnapshot struct {
	MasterID            string          `json:"master_id"`
	Incarnation         string          `json:"incarnation"`
	Agents              []AgentInfo     `json:"agents"`
	Frameworks          []FrameworkInfo `json:"frameworks"`
	CompletedFrameworks []FrameworkInfo `json:"completed_frameworks"`
	Tasks               []TaskInfo      `json:"tasks"`
	OrphanTasks         []TaskInfo      `json:"orphan_tasks"`
}

// StateSnapshot captures the current cluster state.
func (m *Manager) StateSnapshot() *StateSnapshot {
	snap := &StateSnapshot{
		MasterID:            m.cfg.MasterID,
		Incarnation:         m.incarnation,
		Agents:              []AgentInfo{},
		Frameworks:          []FrameworkInfo{},
		CompletedFrameworks: []FrameworkInfo{},
		Tasks:               []TaskInfo{},
		OrphanTasks:         []TaskInfo{},
	}

	m.mu.RLock()
	entries := make([]*agentEntry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	for _, fw := range m.frameworks {
		snap.Frameworks = append(snap.Frameworks, frameworkInfo(fw))
	}
	for _, fw := range m.completedFrameworks {
		snap.CompletedFrameworks = append(snap.CompletedFrameworks, frameworkInfo(fw))
	}
	for _, task := range m.tasks {
		snap.Tasks = append(snap.Tasks, taskInfo(task))
	}
	for _, task := range m.orphanTasks {
		snap.OrphanTasks = append(snap.OrphanTasks, taskInfo(task))
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		info := AgentInfo{
			ID:           e.agent.ID,
			Address:      e.agent.Address,
			State:        string(e.agent.AdmissionState),
			RegisteredAt: e.agent.RegisteredAt,
			Tasks:        len(e.tasks),
		}
		if !e.agent.UnreachableSince.IsZero() &&
			e.agent.AdmissionState == types.AdmissionUnreachable {
			t := e.agent.UnreachableSince
			info.UnreachableSince = &t
		}
		e.mu.Unlock()
		snap.Agents = append(snap.Agents, info)
	}

	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })
	sort.Slice(snap.Frameworks, func(i, j int) bool { return snap.Frameworks[i].ID < snap.Frameworks[j].ID })
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	sort.Slice(snap.OrphanTasks, func(i, j int) bool { return snap.OrphanTasks[i].ID < snap.OrphanTasks[j].ID })

	return snap
}

func frameworkInfo(fw *types.Framework) FrameworkInfo {
	return FrameworkInfo{
		ID:             fw.ID,
		Name:           fw.Name,
		State:          string(fw.ConnectionState),
		PartitionAware: fw.PartitionAware(),
		RegisteredAt:   fw.RegisteredAt,
	}
}

func taskInfo(task *types.Task) TaskInfo {
	info := TaskInfo{
		ID:          task.ID,
		FrameworkID: task.FrameworkID,
		AgentID:     task.AgentID,
		State:       string(task.State),
		Reason:      string(task.Reason),
	}
	if !task.UnreachableTime.IsZero() {
		t := task.UnreachableTime
		info.UnreachableTime = &t
	}
	return info
}
