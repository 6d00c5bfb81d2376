package crucible

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// An agentRecord tracks one connected agent: its declared capacity, when it
// was last heard from, and which tasks it currently holds leases on. The
// lease relation itself lives in the work queue; the set here only exists for
// capacity accounting and never outlives a sweep.
type agentRecord struct {
	id            string
	capacity      int
	lastHeartbeat time.Time
	leased        map[string]bool
	reserved      int // Slots claimed by an in-flight poll, not yet holding leases
}

// AgentRegistry tracks the dynamic fleet of connected agents and their
// liveness. Agents join through Register, prove liveness through Heartbeat
// and polling, and are removed by Sweep once their heartbeat goes stale.
// All operations are safe for concurrent use.
type AgentRegistry struct {
	mu     sync.Mutex
	agents map[string]*agentRecord

	now func() time.Time
	log *logrus.Entry
}

// NewAgentRegistry creates an empty agent registry.
func NewAgentRegistry(log *logrus.Logger) *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*agentRecord),
		now:    time.Now,
		log:    log.WithField("component", "registry"),
	}
}

// Register adds an agent with the given capacity, or refreshes it if the id
// is already known. Re-registration clears stale liveness state so an agent
// process restarting under the same identity starts from a clean slate.
func (r *AgentRegistry) Register(agentID string, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[agentID]; ok {
		agent.capacity = capacity
		agent.lastHeartbeat = r.now()
		agent.reserved = 0
		r.log.Infof("Agent %s re-registered with capacity %d", agentID, capacity)
		return
	}

	r.agents[agentID] = &agentRecord{
		id:            agentID,
		capacity:      capacity,
		lastHeartbeat: r.now(),
		leased:        make(map[string]bool),
	}
	r.log.Infof("Agent %s registered with capacity %d", agentID, capacity)
}

// Heartbeat refreshes the liveness of a registered agent. Heartbeats from
// unknown agents fail with ErrUnknownAgent; the agent is expected to
// re-register.
func (r *AgentRegistry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	agent.lastHeartbeat = r.now()
	return nil
}

// Known reports whether the agent is currently registered.
func (r *AgentRegistry) Known(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.agents[agentID]
	return ok
}

// FreeSlots returns how many more leases the agent may take on, or
// ErrUnknownAgent if it is not registered. Slots reserved by an in-flight
// poll count as taken. An agent never holds more leases than its declared
// capacity.
func (r *AgentRegistry) FreeSlots(agentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return 0, ErrUnknownAgent
	}
	return freeSlotsLocked(agent), nil
}

func freeSlotsLocked(agent *agentRecord) int {
	free := agent.capacity - len(agent.leased) - agent.reserved
	if free < 0 {
		free = 0
	}
	return free
}

// Reserve atomically claims every currently free slot of the agent and
// returns how many were claimed. Reserved slots stay taken until
// CommitLeases converts them into leases, so two concurrent polls for the
// same agent can never lease beyond its capacity between them. Polling
// counts as a liveness signal, so the heartbeat is refreshed too.
func (r *AgentRegistry) Reserve(agentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return 0, ErrUnknownAgent
	}
	agent.lastHeartbeat = r.now()

	free := freeSlotsLocked(agent)
	agent.reserved += free
	return free, nil
}

// CommitLeases gives back the given number of reserved slots and records the
// leases the reservation actually turned into. Fewer leases than reserved
// slots simply frees the rest, as when the queue drains mid-poll.
func (r *AgentRegistry) CommitLeases(agentID string, reserved int, taskIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	agent.reserved -= reserved
	if agent.reserved < 0 {
		agent.reserved = 0
	}
	for _, id := range taskIDs {
		agent.leased[id] = true
	}
}

// ReleaseLease records that the agent no longer holds a lease on the task,
// whether it completed it or the lease was revoked.
func (r *AgentRegistry) ReleaseLease(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[agentID]; ok {
		delete(agent.leased, taskID)
	}
}

// Sweep removes every agent whose last heartbeat is older than timeout and
// returns their ids. The caller is expected to immediately expire the removed
// agents' leases in the work queue rather than waiting out the lease TTL.
func (r *AgentRegistry) Sweep(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var removed []string
	for id, agent := range r.agents {
		if agent.lastHeartbeat.Before(cutoff) {
			removed = append(removed, id)
			delete(r.agents, id)
			r.log.Warnf("Agent %s missed the heartbeat timeout of %v and was removed", id, timeout)
		}
	}
	return removed
}

// Disconnect removes an agent explicitly, returning whether it was known.
// Like Sweep, the caller expires the agent's leases afterwards.
func (r *AgentRegistry) Disconnect(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	delete(r.agents, agentID)
	r.log.Infof("Agent %s disconnected", agentID)
	return true
}

// AgentCount returns how many agents are currently registered.
func (r *AgentRegistry) AgentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.agents)
}
