package claims

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blackms/claimflow/internal/domain/agent"
	domain "github.com/blackms/claimflow/internal/domain/claims"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
	"github.com/blackms/claimflow/internal/infrastructure/events"
)

// HandoffService is the single primitive the balancer moves work through.
// A rebalance never reassigns ownership directly; every move is a handoff
// the receiving claimant still has to accept.
type HandoffService interface {
	RequestHandoff(ctx context.Context, issueID, fromID, toID, reason string) (*domain.HandoffRecord, error)
}

// AgentLoad is one claimant's utilization snapshot.
type AgentLoad struct {
	ClaimantID    string              `json:"claimantId"`
	Type          domain.ClaimantType `json:"type"`
	OpenClaims    int                 `json:"openClaims"`
	MaxConcurrent int                 `json:"maxConcurrent"`
	Utilization   float64             `json:"utilization"`
	Overloaded    bool                `json:"overloaded"`
	Underloaded   bool                `json:"underloaded"`

	open []*domain.Claim
}

// SwarmLoad aggregates utilization across a swarm. Idle members count: an
// agent with zero claims pulls the average down and shows up underloaded.
type SwarmLoad struct {
	SwarmID      string      `json:"swarmId"`
	Agents       []AgentLoad `json:"agents"`
	Average      float64     `json:"average"`
	BalanceScore float64     `json:"balanceScore"`
	Gini         float64     `json:"gini"`
}

// Imbalance reports which swarm members sit outside the load thresholds.
type Imbalance struct {
	Detected    bool     `json:"detected"`
	Overloaded  []string `json:"overloaded,omitempty"`
	Underloaded []string `json:"underloaded,omitempty"`
}

// RebalanceResult describes one rebalance pass.
type RebalanceResult struct {
	SwarmID     string                 `json:"swarmId"`
	Preview     bool                   `json:"preview"`
	Moves       []domain.RebalanceMove `json:"moves"`
	ScoreBefore float64                `json:"scoreBefore"`
	ScoreAfter  float64                `json:"scoreAfter"` // projected, assuming every handoff is accepted
}

// LoadBalancer measures per-claimant utilization and evens out swarm load by
// requesting handoffs from overloaded members to underloaded ones.
type LoadBalancer struct {
	log      zerolog.Logger
	store    infra.EventStore
	bus      *events.Bus
	claims   infra.ClaimRepository
	registry *agent.Registry
	handoffs HandoffService
	cfg      domain.LoadConfig
	source   string

	mu     sync.Mutex
	seq    map[string]int // rebalance pass counter per swarm
	passes int
	moved  int
}

// BalancerOption configures a LoadBalancer.
type BalancerOption func(*LoadBalancer)

// WithBalancerLogger sets the balancer logger.
func WithBalancerLogger(log zerolog.Logger) BalancerOption {
	return func(b *LoadBalancer) { b.log = log }
}

// WithBalancerBus attaches a live event bus.
func WithBalancerBus(bus *events.Bus) BalancerOption {
	return func(b *LoadBalancer) { b.bus = bus }
}

// WithLoadConfig overrides the balancer configuration.
func WithLoadConfig(cfg domain.LoadConfig) BalancerOption {
	return func(b *LoadBalancer) { b.cfg = cfg }
}

// NewLoadBalancer creates a load balancer.
func NewLoadBalancer(
	store infra.EventStore,
	claims infra.ClaimRepository,
	registry *agent.Registry,
	handoffs HandoffService,
	opts ...BalancerOption,
) *LoadBalancer {
	b := &LoadBalancer{
		log:      zerolog.Nop(),
		store:    store,
		claims:   claims,
		registry: registry,
		handoffs: handoffs,
		cfg:      domain.DefaultLoadConfig(),
		source:   "load-balancer",
		seq:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *LoadBalancer) emit(ctx context.Context, event *domain.Event) {
	event.WithSource(b.source)
	if err := b.store.Append(ctx, event); err != nil {
		b.log.Warn().Err(err).Str("event", string(event.Type)).Msg("event append failed")
		return
	}
	if b.bus != nil {
		b.bus.Publish(event)
	}
}

func (b *LoadBalancer) agentLoad(ctx context.Context, claimant *domain.Claimant) (AgentLoad, error) {
	all, err := b.claims.FindByClaimant(ctx, claimant.ID)
	if err != nil {
		return AgentLoad{}, err
	}
	var open []*domain.Claim
	for _, c := range all {
		if c.IsOpen() {
			open = append(open, c)
		}
	}
	return AgentLoad{
		ClaimantID:    claimant.ID,
		Type:          claimant.Type,
		OpenClaims:    len(open),
		MaxConcurrent: claimant.MaxConcurrent,
		Utilization:   domain.UtilizationOf(open, claimant.MaxConcurrent, b.cfg),
		open:          open,
	}, nil
}

// GetAgentLoad returns one claimant's utilization snapshot.
func (b *LoadBalancer) GetAgentLoad(ctx context.Context, agentID string) (*AgentLoad, error) {
	claimant, err := b.registry.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	load, err := b.agentLoad(ctx, claimant)
	if err != nil {
		return nil, err
	}
	return &load, nil
}

// GetSwarmLoad returns utilization snapshots for every swarm member plus the
// swarm-level balance metrics.
func (b *LoadBalancer) GetSwarmLoad(ctx context.Context, swarmID string) (*SwarmLoad, error) {
	members, err := b.registry.GetAgentsBySwarm(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	swarm := &SwarmLoad{SwarmID: swarmID}
	utilizations := make([]float64, 0, len(members))
	for _, member := range members {
		load, err := b.agentLoad(ctx, member)
		if err != nil {
			return nil, err
		}
		swarm.Agents = append(swarm.Agents, load)
		utilizations = append(utilizations, load.Utilization)
		swarm.Average += load.Utilization
	}
	if len(members) > 0 {
		swarm.Average /= float64(len(members))
	}
	swarm.BalanceScore = domain.BalanceScore(utilizations)
	swarm.Gini = giniCoefficient(utilizations)
	for i := range swarm.Agents {
		swarm.Agents[i].Overloaded = domain.IsOverloaded(swarm.Agents[i].Utilization, swarm.Average, b.cfg)
		swarm.Agents[i].Underloaded = domain.IsUnderloaded(swarm.Agents[i].Utilization, swarm.Average, b.cfg)
	}
	return swarm, nil
}

// DetectImbalance reports whether the swarm has both an overloaded member
// and an underloaded one, which is the condition a rebalance can improve.
func (b *LoadBalancer) DetectImbalance(ctx context.Context, swarmID string) (*Imbalance, error) {
	swarm, err := b.GetSwarmLoad(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	result := &Imbalance{}
	for _, load := range swarm.Agents {
		if load.Overloaded {
			result.Overloaded = append(result.Overloaded, load.ClaimantID)
		}
		if load.Underloaded {
			result.Underloaded = append(result.Underloaded, load.ClaimantID)
		}
	}
	result.Detected = len(result.Overloaded) > 0 && len(result.Underloaded) > 0
	return result, nil
}

// PreviewRebalance computes the moves a rebalance would make without
// requesting any handoff.
func (b *LoadBalancer) PreviewRebalance(ctx context.Context, swarmID string) (*RebalanceResult, error) {
	return b.rebalance(ctx, swarmID, true)
}

// Rebalance evens out swarm load by requesting a handoff for each planned
// move. Moves that fail to hand off are dropped from the result.
func (b *LoadBalancer) Rebalance(ctx context.Context, swarmID string) (*RebalanceResult, error) {
	return b.rebalance(ctx, swarmID, false)
}

// receiver tracks a move target's shrinking headroom across the planning
// loop.
type receiver struct {
	load     AgentLoad
	capacity int
	util     float64
}

func (b *LoadBalancer) rebalance(ctx context.Context, swarmID string, preview bool) (*RebalanceResult, error) {
	swarm, err := b.GetSwarmLoad(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	result := &RebalanceResult{
		SwarmID:     swarmID,
		Preview:     preview,
		ScoreBefore: swarm.BalanceScore,
		ScoreAfter:  swarm.BalanceScore,
	}

	var donors []AgentLoad
	var receivers []*receiver
	for _, load := range swarm.Agents {
		switch {
		case load.Overloaded:
			donors = append(donors, load)
		case load.Underloaded && load.MaxConcurrent > load.OpenClaims:
			receivers = append(receivers, &receiver{
				load:     load,
				capacity: load.MaxConcurrent - load.OpenClaims,
				util:     load.Utilization,
			})
		}
	}
	// Heaviest donor sheds work first.
	sort.Slice(donors, func(i, j int) bool { return donors[i].Utilization > donors[j].Utilization })

	projected := make(map[string]float64, len(swarm.Agents))
	for _, load := range swarm.Agents {
		projected[load.ClaimantID] = load.Utilization
	}

	placed, executed := 0, 0
	for _, donor := range donors {
		movable := make([]*domain.Claim, 0, len(donor.open))
		for _, claim := range donor.open {
			if domain.CanMoveClaim(claim, b.cfg) {
				movable = append(movable, claim)
			}
		}
		// Least-progressed work moves first: it is the cheapest to restart.
		sort.Slice(movable, func(i, j int) bool { return movable[i].Progress < movable[j].Progress })

		for _, claim := range movable {
			if len(result.Moves) >= b.cfg.MaxMovesPerRebalance {
				break
			}
			move := domain.RebalanceMove{
				ClaimID: claim.ID,
				IssueID: claim.IssueID,
				FromID:  donor.ClaimantID,
				Reason:  "load-rebalance",
			}
			target := pickReceiver(receivers, donor.Type)
			if target == nil {
				// No eligible receiver: the claim stays in the plan as a
				// suggestion rather than disappearing from the result.
				move.Suggested = true
				result.Moves = append(result.Moves, move)
				continue
			}
			move.ToID = target.load.ClaimantID
			move.Suggested = preview
			if !preview {
				if _, err := b.handoffs.RequestHandoff(ctx, claim.IssueID, donor.ClaimantID, target.load.ClaimantID, "load-rebalance"); err != nil {
					b.log.Warn().Err(err).
						Str("issue", claim.IssueID).
						Str("to", target.load.ClaimantID).
						Msg("rebalance handoff failed")
					continue
				}
				executed++
			}
			result.Moves = append(result.Moves, move)
			placed++

			weight := claim.Priority.LoadWeight()
			shift := weight / float64(donor.MaxConcurrent)
			projected[donor.ClaimantID] = math.Max(0, projected[donor.ClaimantID]-shift)
			projected[target.load.ClaimantID] = math.Min(1,
				projected[target.load.ClaimantID]+weight/float64(target.load.MaxConcurrent))
			target.capacity--
			target.util = projected[target.load.ClaimantID]
		}
	}

	if placed > 0 {
		utilizations := make([]float64, 0, len(projected))
		for _, load := range swarm.Agents {
			utilizations = append(utilizations, projected[load.ClaimantID])
		}
		result.ScoreAfter = domain.BalanceScore(utilizations)
	}

	// Every executed pass is audited, moves or not.
	if !preview {
		b.mu.Lock()
		b.seq[swarmID]++
		seq := b.seq[swarmID]
		b.passes++
		b.moved += executed
		b.mu.Unlock()

		b.log.Info().
			Str("swarm", swarmID).
			Int("moves", len(result.Moves)).
			Int("executed", executed).
			Float64("scoreBefore", result.ScoreBefore).
			Float64("scoreAfter", result.ScoreAfter).
			Msg("swarm rebalanced")
		b.emit(ctx, domain.NewSwarmRebalancedEvent(swarmID, seq, result.Moves, result.ScoreBefore, result.ScoreAfter))
	}
	return result, nil
}

// pickReceiver chooses a move target: same claimant type first, then the
// most spare capacity, then the lowest projected utilization.
func pickReceiver(receivers []*receiver, donorType domain.ClaimantType) *receiver {
	var best *receiver
	for _, r := range receivers {
		if r.capacity <= 0 {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		bestSameType := best.load.Type == donorType
		sameType := r.load.Type == donorType
		switch {
		case sameType != bestSameType:
			if sameType {
				best = r
			}
		case r.capacity != best.capacity:
			if r.capacity > best.capacity {
				best = r
			}
		case r.util < best.util:
			best = r
		}
	}
	return best
}

// giniCoefficient measures utilization inequality in [0,1]: 0 is perfect
// equality.
func giniCoefficient(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum, diff float64
	for _, v := range values {
		sum += v
	}
	if sum == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			diff += math.Abs(values[i] - values[j])
		}
	}
	return diff / (2 * float64(n) * sum)
}

// BalancerStats summarizes rebalancing activity.
type BalancerStats struct {
	RebalancePasses int `json:"rebalancePasses"`
	TotalMoves      int `json:"totalMoves"`
}

// Rules returns the effective balancer configuration.
func (b *LoadBalancer) Rules() domain.LoadConfig { return b.cfg }

// GetStats reports balancer counters.
func (b *LoadBalancer) GetStats() *BalancerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &BalancerStats{RebalancePasses: b.passes, TotalMoves: b.moved}
}
