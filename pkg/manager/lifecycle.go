package manager

import (
	"time"

	"github.com/castellan/castellan/pkg/events"
	"github.com/castellan/castellan/pkg/metrics"
	"github.com/castellan/castellan/pkg/transport"
	"github.com/castellan/castellan/pkg/types"
)

// maxRegistryBackoff caps the retry backoff for stuck registry writes in
// strict mode.
const maxRegistryBackoff = 30 * time.Second

// registryWrite performs one durable registry mutation. In strict mode a
// failed write is retried with exponential backoff until it succeeds or the
// manager shuts down; the caller stays blocked, which is what gates the
// admission transition on durability. In non-strict mode the error is
// surfaced to the caller, which logs it and proceeds.
func (m *Manager) registryWrite(op string, fn func() error) error {
	backoff := time.Second
	for {
		start := m.clk.Now()
		err := fn()
		metrics.RegistryWriteDuration.Observe(m.clk.Since(start).Seconds())
		if err == nil {
			metrics.UpdateComponent("registry", true, "")
			return nil
		}

		metrics.RegistryWriteFailures.Inc()
		m.logger.Error().Err(err).Str("op", op).Msg("registry write failed")

		if !m.cfg.StrictRegistry {
			return err
		}

		metrics.UpdateComponent("registry", false, err.Error())
		m.broker.Publish(&events.Event{
			Type:     events.EventRegistryWriteStuck,
			Message:  "retrying stuck registry write",
			Metadata: map[string]string{"op": op},
		})

		select {
		case <-m.stopCh:
			return err
		case <-m.clk.After(backoff):
		}
		if backoff < maxRegistryBackoff {
			backoff *= 2
		}
	}
}

// handleRegister admits a fresh agent ID. Registration of an ID whose
// previous identity was removed is a fresh start: the tombstone is cleared
// and no state is resumed.
func (m *Manager) handleRegister(from string, msg transport.RegisterAgentMessage) {
	if msg.Agent == nil || msg.Agent.ID == "" {
		return
	}
	agentID := msg.Agent.ID

	m.mu.Lock()
	e, known := m.agents[agentID]
	var views map[string]frameworkView
	if known {
		views = m.frameworkViewsLocked()
	}
	m.mu.Unlock()

	if known {
		e.mu.Lock()
		switch e.agent.AdmissionState {
		case types.AdmissionRegistered:
			e.mu.Unlock()
			// Retransmitted registration; ack again.
			m.tr.Send(m.cfg.MasterID, from, transport.AgentRegisteredMessage{
				AgentID:           agentID,
				MasterIncarnation: m.incarnation,
			})
			return

		case types.AdmissionUnreachable:
			m.readmitRestartedAgent(from, e, msg.Agent, views)
			return

		case types.AdmissionRemoved:
			e.mu.Unlock()
			m.mu.Lock()
			delete(m.agents, agentID)
			m.mu.Unlock()
			if err := m.reg.Forget(agentID); err != nil {
				m.logger.Warn().Err(err).Str("agent_id", agentID).
					Msg("failed to clear removed tombstone")
			}
		}
	}

	agent := &types.Agent{
		ID:             agentID,
		Address:        msg.Agent.Address,
		Resources:      msg.Agent.Resources,
		Capabilities:   msg.Agent.Capabilities,
		AdmissionState: types.AdmissionRegistered,
		RegisteredAt:   m.clk.Now(),
	}

	if err := m.registryWrite("record_registered", func() error {
		return m.reg.RecordRegistered(agent)
	}); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).
			Msg("admitting agent despite failed registry write")
	}

	m.mu.Lock()
	m.agents[agentID] = &agentEntry{
		agent: agent,
		tasks: make(map[string]*types.Task),
	}
	m.mu.Unlock()

	m.hb.Watch(agentID)
	m.tr.Send(m.cfg.MasterID, from, transport.AgentRegisteredMessage{
		AgentID:           agentID,
		MasterIncarnation: m.incarnation,
	})

	m.logger.Info().Str("agent_id", agentID).Str("address", agent.Address).
		Msg("agent registered")
	m.broker.Publish(&events.Event{
		Type:     events.EventAgentRegistered,
		Message:  "agent registered",
		Metadata: map[string]string{"agent_id": agentID},
	})
}

// readmitRestartedAgent handles a fresh registration from an agent the
// master holds unreachable. A fresh register, unlike a re-registration,
// means the agent process restarted and lost everything it was running:
// its remaining task records are marked lost and the identity is admitted
// again with an empty task set. Called with e.mu held; unlocks it.
func (m *Manager) readmitRestartedAgent(from string, e *agentEntry, reported *types.Agent, views map[string]frameworkView) {
	agentID := e.agent.ID

	if err := m.registryWrite("record_registered", func() error {
		return m.reg.RecordRegistered(&types.Agent{
			ID:             agentID,
			Address:        reported.Address,
			Resources:      reported.Resources,
			Capabilities:   reported.Capabilities,
			AdmissionState: types.AdmissionRegistered,
			RegisteredAt:   m.clk.Now(),
		})
	}); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).
			Msg("readmitting agent despite failed registry write")
	}

	e.agent.Address = reported.Address
	e.agent.Resources = reported.Resources
	e.agent.Capabilities = reported.Capabilities
	e.agent.AdmissionState = types.AdmissionRegistered
	e.agent.UnreachableSince = time.Time{}
	e.agent.RegisteredAt = m.clk.Now()
	e.recovered = false

	statuses := m.director.markTasksLost(e, views)
	e.tasks = make(map[string]*types.Task)
	e.mu.Unlock()

	m.alloc.Reactivate(agentID)
	m.hb.Watch(agentID)

	for _, status := range statuses {
		m.tr.Send(m.cfg.MasterID, status.FrameworkID, transport.StatusUpdateMessage{Update: status})
	}
	m.tr.Send(m.cfg.MasterID, from, transport.AgentRegisteredMessage{
		AgentID:           agentID,
		MasterIncarnation: m.incarnation,
	})

	m.logger.Info().Str("agent_id", agentID).
		Msg("unreachable agent registered fresh, prior tasks lost")
	m.broker.Publish(&events.Event{
		Type:     events.EventAgentRegistered,
		Message:  "restarted agent readmitted",
		Metadata: map[string]string{"agent_id": agentID},
	})
}

// handleReregister resumes an existing agent identity. The sequence is
// idempotent: a retransmitted re-registration from an already registered
// agent is acknowledged again and changes nothing.
func (m *Manager) handleReregister(from string, msg transport.ReregisterAgentMessage) {
	if msg.Agent == nil || msg.Agent.ID == "" {
		return
	}
	agentID := msg.Agent.ID

	if !m.isAuthenticated(agentID) {
		m.logger.Debug().Str("agent_id", agentID).
			Msg("dropping re-registration from unauthenticated agent")
		return
	}

	m.mu.RLock()
	e := m.agents[agentID]
	m.mu.RUnlock()

	if e == nil {
		// Never admitted by any incarnation this registry knows about.
		m.tr.Send(m.cfg.MasterID, from, transport.RegistrationRejectedMessage{
			AgentID: agentID,
			Reason:  "agent is not known to this master; register as a new agent",
		})
		return
	}

	e.mu.Lock()
	switch e.agent.AdmissionState {
	case types.AdmissionRemoved:
		e.mu.Unlock()
		m.tr.Send(m.cfg.MasterID, from, transport.RegistrationRejectedMessage{
			AgentID: agentID,
			Reason:  "agent was removed; register as a new agent",
		})
		return

	case types.AdmissionRegistered:
		if !e.recovered {
			// Spurious: an earlier attempt already completed. Ack and
			// change nothing, task state included.
			e.mu.Unlock()
			m.tr.Send(m.cfg.MasterID, from, transport.AgentReregisteredMessage{
				AgentID:           agentID,
				MasterIncarnation: m.incarnation,
			})
			return
		}
		// Recovered from the registry after failover: admission state is
		// known but the task set is not, relearn it below.

	case types.AdmissionUnreachable:
		// Readmission path below.
	}

	wasUnreachable := e.agent.AdmissionState == types.AdmissionUnreachable

	if err := m.registryWrite("record_registered", func() error {
		return m.reg.RecordRegistered(e.agent)
	}); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).
			Msg("readmitting agent despite failed registry write")
	}

	e.agent.AdmissionState = types.AdmissionRegistered
	e.agent.Address = msg.Agent.Address
	e.recovered = false
	e.mu.Unlock()

	shutdown := m.director.onAgentReregistered(e, msg.Tasks)

	m.alloc.Reactivate(agentID)
	m.hb.Watch(agentID)

	for fwID, taskIDs := range shutdown {
		m.tr.Send(m.cfg.MasterID, agentID, transport.ShutdownTasksMessage{
			FrameworkID: fwID,
			TaskIDs:     taskIDs,
		})
	}

	m.tr.Send(m.cfg.MasterID, from, transport.AgentReregisteredMessage{
		AgentID:           agentID,
		MasterIncarnation: m.incarnation,
	})

	m.logger.Info().Str("agent_id", agentID).Bool("was_unreachable", wasUnreachable).
		Msg("agent reregistered")
	m.broker.Publish(&events.Event{
		Type:     events.EventAgentReregistered,
		Message:  "agent reregistered",
		Metadata: map[string]string{"agent_id": agentID},
	})
}

// AgentPresumedUnreachable implements heartbeat.Sink.
func (m *Manager) AgentPresumedUnreachable(agentID string) {
	m.markUnreachable(agentID)
}

// markUnreachable drives the REGISTERED -> UNREACHABLE transition. Effect
// order: durable registry write first, then offer deactivation, then the
// in-memory stamp, then task-status fan-out, then counters. An agent that
// is not currently REGISTERED is left untouched, so a racing
// re-registration and heartbeat verdict resolve to exactly one outcome.
func (m *Manager) markUnreachable(agentID string) {
	m.mu.RLock()
	e := m.agents[agentID]
	views := m.frameworkViewsLocked()
	m.mu.RUnlock()

	if e == nil {
		return
	}

	e.mu.Lock()
	if e.agent.AdmissionState != types.AdmissionRegistered {
		e.mu.Unlock()
		return
	}

	metrics.AgentUnreachableScheduled.Inc()
	when := m.clk.Now()

	err := m.registryWrite("record_unreachable", func() error {
		return m.reg.RecordUnreachable(agentID, when)
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).
			Msg("marking agent unreachable despite failed registry write")
	}

	rescinded := m.alloc.Deactivate(agentID)

	e.agent.AdmissionState = types.AdmissionUnreachable
	e.agent.UnreachableSince = when

	statuses := m.director.markTasksUnreachable(e, when, views)
	e.mu.Unlock()

	m.hb.Forget(agentID)

	for _, offer := range rescinded {
		m.tr.Send(m.cfg.MasterID, offer.FrameworkID, transport.OfferRescindedMessage{
			OfferID: offer.ID,
			AgentID: agentID,
		})
	}
	for _, status := range statuses {
		m.tr.Send(m.cfg.MasterID, status.FrameworkID, transport.StatusUpdateMessage{Update: status})
	}
	for fwID, view := range views {
		if view.connected {
			m.tr.Send(m.cfg.MasterID, fwID, transport.AgentLostMessage{AgentID: agentID})
		}
	}

	if err == nil {
		metrics.AgentUnreachableCompleted.Inc()
	}
	metrics.AgentRemovals.Inc()
	metrics.AgentRemovalsByReason.WithLabelValues(string(types.RemovalReasonUnhealthy)).Inc()

	m.logger.Warn().Str("agent_id", agentID).Time("unreachable_since", when).
		Int("tasks", len(statuses)).Msg("agent marked unreachable")
	m.broker.Publish(&events.Event{
		Type:     events.EventAgentUnreachable,
		Message:  "agent marked unreachable",
		Metadata: map[string]string{"agent_id": agentID},
	})
}

// handleUnregister is the agent's graceful goodbye: REGISTERED -> REMOVED
// with reason "unregistered".
func (m *Manager) handleUnregister(from string, msg transport.UnregisterAgentMessage) {
	m.removeAgent(msg.AgentID, types.RemovalReasonUnregistered, types.AdmissionRegistered)
}

// RemoveAgent is the operator path that retires an UNREACHABLE agent for
// good. Its tasks are marked lost and its record becomes a tombstone.
func (m *Manager) RemoveAgent(agentID string) {
	m.removeAgent(agentID, types.RemovalReasonUnhealthy, types.AdmissionUnreachable)
}

func (m *Manager) removeAgent(agentID string, reason types.RemovalReason, fromState types.AdmissionState) {
	m.mu.RLock()
	e := m.agents[agentID]
	views := m.frameworkViewsLocked()
	m.mu.RUnlock()

	if e == nil {
		return
	}

	e.mu.Lock()
	if e.agent.AdmissionState != fromState {
		e.mu.Unlock()
		return
	}

	removedAt := m.clk.Now()
	if err := m.registryWrite("record_removed", func() error {
		return m.reg.RecordRemoved(agentID, removedAt)
	}); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).
			Msg("removing agent despite failed registry write")
	}

	wasRegistered := e.agent.AdmissionState == types.AdmissionRegistered
	e.agent.AdmissionState = types.AdmissionRemoved
	e.removedAt = removedAt

	statuses := m.director.markTasksLost(e, views)
	e.mu.Unlock()

	m.hb.Forget(agentID)
	rescinded := m.alloc.Deactivate(agentID)

	for _, offer := range rescinded {
		m.tr.Send(m.cfg.MasterID, offer.FrameworkID, transport.OfferRescindedMessage{
			OfferID: offer.ID,
			AgentID: agentID,
		})
	}
	for _, status := range statuses {
		m.tr.Send(m.cfg.MasterID, status.FrameworkID, transport.StatusUpdateMessage{Update: status})
	}
	if wasRegistered {
		for fwID, view := range views {
			if view.connected {
				m.tr.Send(m.cfg.MasterID, fwID, transport.AgentLostMessage{AgentID: agentID})
			}
		}
	}

	// An unhealthy agent was already counted against the removal metrics
	// when it went unreachable.
	if reason == types.RemovalReasonUnregistered {
		metrics.AgentRemovals.Inc()
		metrics.AgentRemovalsByReason.WithLabelValues(string(reason)).Inc()
	}

	m.logger.Info().Str("agent_id", agentID).Str("reason", string(reason)).
		Msg("agent removed")
	m.broker.Publish(&events.Event{
		Type:     events.EventAgentRemoved,
		Message:  "agent removed",
		Metadata: map[string]string{"agent_id": agentID, "reason": string(reason)},
	})
}

// frameworkView is a read-only snapshot of the fields the director needs,
// taken under m.mu so the per-agent path never has to reach back into the
// framework map.
type frameworkView struct {
	connected bool
	aware     bool
}

func (m *Manager) frameworkViewsLocked() map[string]frameworkView {
	views := make(map[string]frameworkView, len(m.frameworks))
	for id, fw := range m.frameworks {
		views[id] = frameworkView{
			connected: fw.ConnectionState == types.ConnectionConnected,
			aware:     fw.PartitionAware(),
		}
	}
	return views
}
