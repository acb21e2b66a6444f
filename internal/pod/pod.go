// Package pod implements the agent pod (spec.md §4.2): the in-process event
// bus a node's agents use to learn about peer-group membership changes and
// each other's state, without talking to one another directly.
package pod

import (
	"fmt"
	"sync"
)

// EventType identifies the kind of event flowing through a pod.
type EventType int

const (
	// AgentSetChange: the set of agents registered in this pod changed.
	AgentSetChange EventType = iota
	// AgentStateUpdate: an agent's externally-visible state changed.
	AgentStateUpdate
	// NewPeer: a peer joined one of this node's peer groups.
	NewPeer
	// LostPeer: a peer left, or was dropped from, one of this node's peer groups.
	LostPeer
)

func (t EventType) String() string {
	switch t {
	case AgentSetChange:
		return "agent_set_change"
	case AgentStateUpdate:
		return "agent_state_update"
	case NewPeer:
		return "new_peer"
	case LostPeer:
		return "lost_peer"
	default:
		return "unknown"
	}
}

// Event is a single notification delivered to agents in a pod.
type Event struct {
	Type    EventType
	AgentID string      // the agent the event concerns, if any
	PeerID  string      // the peer the event concerns, if any
	Payload interface{} // event-specific detail (e.g. the new state hash)
}

// Agent is anything a Pod can deliver events to. Handlers run on the
// dispatching goroutine — the single-threaded cooperative model described
// in spec.md §5 means HandleEvent must not block.
type Agent interface {
	HandleEvent(ev Event)
}

// Pod is an in-process event bus shared by every agent running on one node.
// Registration order is preserved and is the delivery order for broadcasts,
// matching the deterministic dispatch the rest of the protocol assumes.
type Pod struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// New creates an empty pod.
func New() *Pod {
	return &Pod{agents: make(map[string]Agent)}
}

// RegisterAgent adds an agent under id and broadcasts AgentSetChange to every
// already-registered agent (including the one just added, last).
func (p *Pod) RegisterAgent(id string, a Agent) {
	p.mu.Lock()
	if _, exists := p.agents[id]; !exists {
		p.order = append(p.order, id)
	}
	p.agents[id] = a
	p.mu.Unlock()

	p.BroadcastEvent(Event{Type: AgentSetChange, AgentID: id})
}

// DeregisterAgent removes an agent and broadcasts AgentSetChange to the
// agents that remain.
func (p *Pod) DeregisterAgent(id string) {
	p.mu.Lock()
	if _, exists := p.agents[id]; exists {
		delete(p.agents, id)
		for i, aid := range p.order {
			if aid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	p.BroadcastEvent(Event{Type: AgentSetChange, AgentID: id})
}

// BroadcastEvent delivers ev to every registered agent, synchronously, in
// registration order.
func (p *Pod) BroadcastEvent(ev Event) {
	p.mu.RLock()
	targets := make([]Agent, 0, len(p.order))
	for _, id := range p.order {
		targets = append(targets, p.agents[id])
	}
	p.mu.RUnlock()

	for _, a := range targets {
		a.HandleEvent(ev)
	}
}

// SendToAgent delivers ev to exactly one registered agent.
func (p *Pod) SendToAgent(id string, ev Event) error {
	p.mu.RLock()
	a, ok := p.agents[id]
	p.mu.RUnlock()

	if !ok {
		return fmt.Errorf("pod: no agent registered under %q", id)
	}
	a.HandleEvent(ev)
	return nil
}

// AgentIDs returns the currently-registered agent ids in registration order.
func (p *Pod) AgentIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}
