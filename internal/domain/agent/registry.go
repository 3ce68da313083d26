// Package agent provides the swarm-scoped agent registry consumed by the
// load balancer and work stealing services. The registry is read-mostly:
// membership changes are rare next to load queries.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	claims "github.com/blackms/claimflow/internal/domain/claims"
)

// Swarm is a named group of claimants that share work.
type Swarm struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MemberIDs []string  `json:"memberIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry tracks claimants and their swarm membership.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*claims.Claimant
	swarms  map[string]*Swarm
	members map[string]map[string]struct{} // swarm id -> member ids
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:  make(map[string]*claims.Claimant),
		swarms:  make(map[string]*Swarm),
		members: make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces an agent record.
func (r *Registry) Register(ctx context.Context, agent *claims.Claimant) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *agent
	copied.Capabilities = append([]string(nil), agent.Capabilities...)
	copied.Specializations = append([]string(nil), agent.Specializations...)
	r.agents[agent.ID] = &copied
	return nil
}

// GetAgent returns the agent record with capacity metadata.
func (r *Registry) GetAgent(ctx context.Context, id string) (*claims.Claimant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, claims.NewErrorf(claims.CodeClaimantNotFound, "agent %s is not registered", id)
	}
	copied := *agent
	return &copied, nil
}

// CreateSwarm registers a swarm with an initial member set. Member ids that
// are not registered agents are rejected.
func (r *Registry) CreateSwarm(ctx context.Context, id, name string, memberIDs []string) (*Swarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.swarms[id]; exists {
		return nil, fmt.Errorf("swarm %s already exists", id)
	}
	for _, memberID := range memberIDs {
		if _, ok := r.agents[memberID]; !ok {
			return nil, claims.NewErrorf(claims.CodeClaimantNotFound, "agent %s is not registered", memberID)
		}
	}
	swarm := &Swarm{
		ID:        id,
		Name:      name,
		MemberIDs: append([]string(nil), memberIDs...),
		CreatedAt: time.Now().UTC(),
	}
	r.swarms[id] = swarm
	members := make(map[string]struct{}, len(memberIDs))
	for _, memberID := range memberIDs {
		members[memberID] = struct{}{}
	}
	r.members[id] = members
	return r.snapshotSwarm(swarm), nil
}

// AddToSwarm adds an agent to a swarm; adding an existing member is a no-op.
func (r *Registry) AddToSwarm(ctx context.Context, swarmID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	swarm, ok := r.swarms[swarmID]
	if !ok {
		return fmt.Errorf("swarm %s not found", swarmID)
	}
	if _, ok := r.agents[agentID]; !ok {
		return claims.NewErrorf(claims.CodeClaimantNotFound, "agent %s is not registered", agentID)
	}
	if _, ok := r.members[swarmID][agentID]; ok {
		return nil
	}
	r.members[swarmID][agentID] = struct{}{}
	swarm.MemberIDs = append(swarm.MemberIDs, agentID)
	return nil
}

// RemoveFromSwarm removes an agent from a swarm.
func (r *Registry) RemoveFromSwarm(ctx context.Context, swarmID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	swarm, ok := r.swarms[swarmID]
	if !ok {
		return fmt.Errorf("swarm %s not found", swarmID)
	}
	if _, ok := r.members[swarmID][agentID]; !ok {
		return fmt.Errorf("agent %s is not a member of swarm %s", agentID, swarmID)
	}
	delete(r.members[swarmID], agentID)
	for i, id := range swarm.MemberIDs {
		if id == agentID {
			swarm.MemberIDs = append(swarm.MemberIDs[:i], swarm.MemberIDs[i+1:]...)
			break
		}
	}
	return nil
}

// GetSwarm returns a swarm snapshot.
func (r *Registry) GetSwarm(ctx context.Context, swarmID string) (*Swarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	swarm, ok := r.swarms[swarmID]
	if !ok {
		return nil, fmt.Errorf("swarm %s not found", swarmID)
	}
	return r.snapshotSwarm(swarm), nil
}

// ListSwarms returns snapshots of every swarm, id-ordered.
func (r *Registry) ListSwarms(ctx context.Context) []*Swarm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Swarm, 0, len(r.swarms))
	for _, swarm := range r.swarms {
		out = append(out, r.snapshotSwarm(swarm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAgentsBySwarm returns the member agents of a swarm, id-ordered. Idle
// members are included; swarm load averages count them.
func (r *Registry) GetAgentsBySwarm(ctx context.Context, swarmID string) ([]*claims.Claimant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	swarm, ok := r.swarms[swarmID]
	if !ok {
		return nil, fmt.Errorf("swarm %s not found", swarmID)
	}
	out := make([]*claims.Claimant, 0, len(swarm.MemberIDs))
	for _, memberID := range swarm.MemberIDs {
		if agent, ok := r.agents[memberID]; ok {
			copied := *agent
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Registry) snapshotSwarm(s *Swarm) *Swarm {
	copied := *s
	copied.MemberIDs = append([]string(nil), s.MemberIDs...)
	return &copied
}
