package allocator

import (
	"sync"

	"github.com/castellan/castellan/pkg/log"
	"github.com/castellan/castellan/pkg/types"
)

// Offer represents resources on an agent offered to a framework and not
// yet accepted or declined.
type Offer struct {
	ID          string
	AgentID     string
	FrameworkID string
	Resources   *types.AgentResources
}

// Allocator tracks which agents are eligible for offer generation and the
// offers currently outstanding. The lifecycle controller deactivates an
// agent when it becomes unreachable and reactivates it on successful
// re-registration.
type Allocator struct {
	mu          sync.Mutex
	deactivated map[string]bool
	offers      map[string]*Offer
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		deactivated: make(map[string]bool),
		offers:      make(map[string]*Offer),
	}
}

// AddOffer records an outstanding offer.
func (a *Allocator) AddOffer(offer *Offer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offers[offer.ID] = offer
}

// Deactivate excludes the agent from offer generation and withdraws its
// outstanding offers. The returned offers are removed from the allocator,
// so each offer is rescinded at most once.
func (a *Allocator) Deactivate(agentID string) []*Offer {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deactivated[agentID] = true

	var rescinded []*Offer
	for id, offer := range a.offers {
		if offer.AgentID == agentID {
			rescinded = append(rescinded, offer)
			delete(a.offers, id)
		}
	}

	if len(rescinded) > 0 {
		logger := log.WithComponent("allocator")
		logger.Debug().Str("agent_id", agentID).Int("offers", len(rescinded)).
			Msg("rescinded offers for deactivated agent")
	}
	return rescinded
}

// Reactivate makes the agent eligible for offer generation again.
func (a *Allocator) Reactivate(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.deactivated, agentID)
}

// Deactivated reports whether the agent is excluded from offer generation.
func (a *Allocator) Deactivated(agentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deactivated[agentID]
}

// OffersOnAgent returns the outstanding offers for an agent.
func (a *Allocator) OffersOnAgent(agentID string) []*Offer {
	a.mu.Lock()
	defer a.mu.Unlock()

	var offers []*Offer
	for _, offer := range a.offers {
		if offer.AgentID == agentID {
			offers = append(offers, offer)
		}
	}
	return offers
}
