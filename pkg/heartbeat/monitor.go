package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/transport"
)

// Config holds the liveness probing parameters. Total detection latency is
// approximately Interval * MaxPingTimeouts.
type Config struct {
	Interval        time.Duration
	MaxPingTimeouts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Second,
		MaxPingTimeouts: 5,
	}
}

// Sink receives the liveness verdicts. Implemented by the lifecycle
// controller.
type Sink interface {
	AgentPresumedUnreachable(agentID string)
}

// Monitor pings every watched agent at a fixed interval and counts
// consecutive unacknowledged pings. When the count reaches
// MaxPingTimeouts the agent is presumed unreachable and reported to the
// sink exactly once.
//
// The monitor detects one-way partitions that the control connection's
// own failure signal never reports: an agent that receives our pings but
// whose acknowledgements are lost still times out here.
type Monitor struct {
	cfg      Config
	clk      clock.Clock
	tr       transport.Transport
	masterID string
	sink     Sink
	logger   zerolog.Logger

	mu        sync.Mutex
	observers map[string]*observer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// observer tracks the ping state of a single agent.
type observer struct {
	agentID     string
	misses      int
	awaitingAck bool
}

// NewMonitor creates a monitor. Pings are sent from masterID over tr.
func NewMonitor(cfg Config, clk clock.Clock, tr transport.Transport, masterID string, sink Sink) *Monitor {
	return &Monitor{
		cfg:       cfg,
		clk:       clk,
		tr:        tr,
		masterID:  masterID,
		sink:      sink,
		logger:    log.WithComponent("heartbeat"),
		observers: make(map[string]*observer),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the ping loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the ping loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := m.clk.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			return
		}
	}
}

// Watch starts observing an agent and sends it an immediate ping.
func (m *Monitor) Watch(agentID string) {
	m.mu.Lock()
	m.observers[agentID] = &observer{agentID: agentID, awaitingAck: true}
	m.mu.Unlock()

	m.tr.Send(m.masterID, agentID, transport.PingMessage{})
}

// Forget stops observing an agent.
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	delete(m.observers, agentID)
	m.mu.Unlock()
}

// HandlePong resets the consecutive-miss counter for an agent. Pongs from
// agents that are not watched are ignored.
func (m *Monitor) HandlePong(agentID string) {
	m.mu.Lock()
	if obs, ok := m.observers[agentID]; ok {
		obs.misses = 0
		obs.awaitingAck = false
	}
	m.mu.Unlock()
}

// Misses returns the current consecutive-miss count for an agent.
func (m *Monitor) Misses(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obs, ok := m.observers[agentID]; ok {
		return obs.misses
	}
	return 0
}

// Tick advances every observer by one ping interval: an unacknowledged
// ping counts as a miss, agents over the threshold are reported to the
// sink and forgotten, the rest are pinged again.
func (m *Monitor) Tick() {
	var expired, ping []string

	m.mu.Lock()
	for id, obs := range m.observers {
		if obs.awaitingAck {
			obs.misses++
			if obs.misses >= m.cfg.MaxPingTimeouts {
				expired = append(expired, id)
				delete(m.observers, id)
				continue
			}
		}
		obs.awaitingAck = true
		ping = append(ping, id)
	}
	m.mu.Unlock()

	for _, id := range ping {
		m.tr.Send(m.masterID, id, transport.PingMessage{})
	}

	for _, id := range expired {
		m.logger.Warn().Str("agent_id", id).
			Int("max_ping_timeouts", m.cfg.MaxPingTimeouts).
			Msg("agent missed all ping timeouts, presuming unreachable")
		m.sink.AgentPresumedUnreachable(id)
	}
}
