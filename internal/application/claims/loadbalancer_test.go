package claims

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackms/claimflow/internal/domain/agent"
	domain "github.com/blackms/claimflow/internal/domain/claims"
)

type balancerFixture struct {
	*fixture
	registry *agent.Registry
	balancer *LoadBalancer
}

// newBalancerFixture builds a three-agent swarm: "heavy" carries nine claims
// out of ten slots while "idle-a" and "idle-b" carry one each, giving
// utilizations 0.9, 0.1, 0.1.
func newBalancerFixture(t *testing.T, opts ...BalancerOption) *balancerFixture {
	t.Helper()
	ctx := context.Background()
	bf := &balancerFixture{fixture: newFixture(t), registry: agent.NewRegistry()}

	for _, id := range []string{"heavy", "idle-a", "idle-b"} {
		claimant := &domain.Claimant{ID: id, Type: domain.ClaimantTypeAgent, MaxConcurrent: 10}
		require.NoError(t, bf.claimants.Save(ctx, claimant))
		require.NoError(t, bf.registry.Register(ctx, claimant))
	}
	_, err := bf.registry.CreateSwarm(ctx, "swarm-1", "test swarm", []string{"heavy", "idle-a", "idle-b"})
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("heavy-iss-%d", i)
		bf.addIssue(t, id)
		_, err := bf.svc.Claim(ctx, id, "heavy")
		require.NoError(t, err)
	}
	for _, owner := range []string{"idle-a", "idle-b"} {
		id := owner + "-iss"
		bf.addIssue(t, id)
		_, err := bf.svc.Claim(ctx, id, owner)
		require.NoError(t, err)
	}

	bf.balancer = NewLoadBalancer(bf.store, bf.claims, bf.registry, bf.svc, opts...)
	return bf
}

func TestGetSwarmLoad(t *testing.T) {
	ctx := context.Background()
	bf := newBalancerFixture(t)

	swarm, err := bf.balancer.GetSwarmLoad(ctx, "swarm-1")
	require.NoError(t, err)
	require.Len(t, swarm.Agents, 3)
	assert.InDelta(t, (0.9+0.1+0.1)/3, swarm.Average, 1e-9)
	assert.Greater(t, swarm.Gini, 0.0)
	assert.Less(t, swarm.BalanceScore, 1.0)

	byID := make(map[string]AgentLoad)
	for _, load := range swarm.Agents {
		byID[load.ClaimantID] = load
	}
	assert.InDelta(t, 0.9, byID["heavy"].Utilization, 1e-9)
	assert.True(t, byID["heavy"].Overloaded)
	assert.True(t, byID["idle-a"].Underloaded)
	assert.True(t, byID["idle-b"].Underloaded)
}

func TestGetAgentLoad(t *testing.T) {
	ctx := context.Background()
	bf := newBalancerFixture(t)

	load, err := bf.balancer.GetAgentLoad(ctx, "heavy")
	require.NoError(t, err)
	assert.Equal(t, 9, load.OpenClaims)
	assert.InDelta(t, 0.9, load.Utilization, 1e-9)

	_, err = bf.balancer.GetAgentLoad(ctx, "ghost")
	assert.True(t, domain.IsCode(err, domain.CodeClaimantNotFound))
}

func TestDetectImbalance(t *testing.T) {
	ctx := context.Background()
	bf := newBalancerFixture(t)

	imbalance, err := bf.balancer.DetectImbalance(ctx, "swarm-1")
	require.NoError(t, err)
	assert.True(t, imbalance.Detected)
	assert.Equal(t, []string{"heavy"}, imbalance.Overloaded)
	assert.ElementsMatch(t, []string{"idle-a", "idle-b"}, imbalance.Underloaded)
}

func TestDetectImbalanceBalancedSwarm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	registry := agent.NewRegistry()
	for _, id := range []string{"a", "b"} {
		claimant := &domain.Claimant{ID: id, Type: domain.ClaimantTypeAgent, MaxConcurrent: 5}
		require.NoError(t, f.claimants.Save(ctx, claimant))
		require.NoError(t, registry.Register(ctx, claimant))

		issueID := id + "-iss"
		f.addIssue(t, issueID)
		_, err := f.svc.Claim(ctx, issueID, id)
		require.NoError(t, err)
	}
	_, err := registry.CreateSwarm(ctx, "even", "", []string{"a", "b"})
	require.NoError(t, err)

	balancer := NewLoadBalancer(f.store, f.claims, registry, f.svc)
	imbalance, err := balancer.DetectImbalance(ctx, "even")
	require.NoError(t, err)
	assert.False(t, imbalance.Detected)

	// No imbalance means a rebalance plans nothing, but the executed pass
	// still lands in the audit log with its before/after scores.
	result, err := balancer.Rebalance(ctx, "even")
	require.NoError(t, err)
	assert.Empty(t, result.Moves)
	assert.Equal(t, result.ScoreBefore, result.ScoreAfter)

	events, err := f.store.ForAggregate(ctx, "even")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSwarmRebalanced, events[0].Type)
	assert.Equal(t, 1, balancer.GetStats().RebalancePasses)
	assert.Equal(t, 0, balancer.GetStats().TotalMoves)
}

func TestRebalanceWithoutReceiversSuggestsMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	registry := agent.NewRegistry()

	// "busy" is overloaded at 0.9 while the other two sit at 0.4: above the
	// underload cutoff, so nobody can take the work.
	claims := map[string]int{"busy": 9, "mid-a": 4, "mid-b": 4}
	for _, id := range []string{"busy", "mid-a", "mid-b"} {
		claimant := &domain.Claimant{ID: id, Type: domain.ClaimantTypeAgent, MaxConcurrent: 10}
		require.NoError(t, f.claimants.Save(ctx, claimant))
		require.NoError(t, registry.Register(ctx, claimant))
		for i := 0; i < claims[id]; i++ {
			issueID := fmt.Sprintf("%s-iss-%d", id, i)
			f.addIssue(t, issueID)
			_, err := f.svc.Claim(ctx, issueID, id)
			require.NoError(t, err)
		}
	}
	_, err := registry.CreateSwarm(ctx, "tight", "", []string{"busy", "mid-a", "mid-b"})
	require.NoError(t, err)

	balancer := NewLoadBalancer(f.store, f.claims, registry, f.svc)
	result, err := balancer.Rebalance(ctx, "tight")
	require.NoError(t, err)

	// Movable claims with no eligible target surface as suggestions
	// instead of being dropped from the plan.
	require.Len(t, result.Moves, 9)
	for _, move := range result.Moves {
		assert.True(t, move.Suggested)
		assert.Equal(t, "busy", move.FromID)
		assert.Empty(t, move.ToID)
	}
	assert.Equal(t, result.ScoreBefore, result.ScoreAfter)
	assert.Equal(t, 0, balancer.GetStats().TotalMoves)

	// Nothing was handed off.
	open, err := f.claims.FindByClaimant(ctx, "busy")
	require.NoError(t, err)
	require.Len(t, open, 9)
	for _, claim := range open {
		assert.Equal(t, domain.StatusActive, claim.Status)
		assert.False(t, claim.HasPendingHandoff())
	}
}

func TestPreviewRebalanceMakesNoHandoffs(t *testing.T) {
	ctx := context.Background()
	bf := newBalancerFixture(t)

	result, err := bf.balancer.PreviewRebalance(ctx, "swarm-1")
	require.NoError(t, err)
	assert.True(t, result.Preview)
	require.NotEmpty(t, result.Moves)
	for _, move := range result.Moves {
		assert.True(t, move.Suggested)
		assert.Equal(t, "heavy", move.FromID)
	}
	assert.Greater(t, result.ScoreAfter, result.ScoreBefore)

	// Every claim is still active and owned by its original claimant.
	open, err := bf.claims.FindByClaimant(ctx, "heavy")
	require.NoError(t, err)
	require.Len(t, open, 9)
	for _, claim := range open {
		assert.Equal(t, domain.StatusActive, claim.Status)
		assert.False(t, claim.HasPendingHandoff())
	}
	assert.Equal(t, 0, bf.balancer.GetStats().RebalancePasses)
}

func TestRebalanceRequestsHandoffs(t *testing.T) {
	ctx := context.Background()
	cfg := domain.DefaultLoadConfig()
	cfg.MaxMovesPerRebalance = 2
	bf := newBalancerFixture(t, WithLoadConfig(cfg))

	result, err := bf.balancer.Rebalance(ctx, "swarm-1")
	require.NoError(t, err)
	require.Len(t, result.Moves, 2)
	assert.Greater(t, result.ScoreAfter, result.ScoreBefore)

	for _, move := range result.Moves {
		assert.Equal(t, "heavy", move.FromID)
		assert.Contains(t, []string{"idle-a", "idle-b"}, move.ToID)
		assert.False(t, move.Suggested)

		// Each move is a pending handoff the receiver still has to accept.
		status, err := bf.svc.GetIssueStatus(ctx, move.IssueID)
		require.NoError(t, err)
		require.NotNil(t, status.PendingHandoff)
		assert.Equal(t, move.ToID, status.PendingHandoff.To.ID)
		assert.Equal(t, domain.StatusPendingHandoff, status.Claim.Status)
	}

	// The pass lands in the audit log.
	events, err := bf.store.ForAggregate(ctx, "swarm-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSwarmRebalanced, events[0].Type)

	stats := bf.balancer.GetStats()
	assert.Equal(t, 1, stats.RebalancePasses)
	assert.Equal(t, 2, stats.TotalMoves)
}

func TestRebalanceSkipsProtectedClaims(t *testing.T) {
	ctx := context.Background()
	bf := newBalancerFixture(t)

	// Progress at or above the move cutoff pins a claim to its owner.
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("heavy-iss-%d", i)
		require.NoError(t, bf.svc.UpdateProgress(ctx, id, "heavy", 60))
	}

	result, err := bf.balancer.Rebalance(ctx, "swarm-1")
	require.NoError(t, err)
	assert.Empty(t, result.Moves)
	assert.Equal(t, 0, bf.balancer.GetStats().TotalMoves)
}

func TestPickReceiverPrefersSameType(t *testing.T) {
	agentTarget := &receiver{load: AgentLoad{ClaimantID: "agent", Type: domain.ClaimantTypeAgent, MaxConcurrent: 5}, capacity: 1, util: 0.4}
	humanTarget := &receiver{load: AgentLoad{ClaimantID: "human", Type: domain.ClaimantTypeHuman, MaxConcurrent: 5}, capacity: 4, util: 0.1}

	picked := pickReceiver([]*receiver{humanTarget, agentTarget}, domain.ClaimantTypeAgent)
	require.NotNil(t, picked)
	assert.Equal(t, "agent", picked.load.ClaimantID)

	// Without a type match, spare capacity breaks the tie.
	picked = pickReceiver([]*receiver{humanTarget, agentTarget}, domain.ClaimantTypeHuman)
	assert.Equal(t, "human", picked.load.ClaimantID)

	// Exhausted receivers are skipped.
	agentTarget.capacity = 0
	picked = pickReceiver([]*receiver{agentTarget}, domain.ClaimantTypeAgent)
	assert.Nil(t, picked)
}

func TestGiniCoefficient(t *testing.T) {
	assert.Equal(t, 0.0, giniCoefficient(nil))
	assert.Equal(t, 0.0, giniCoefficient([]float64{0.5}))
	assert.Equal(t, 0.0, giniCoefficient([]float64{0, 0, 0}))
	assert.InDelta(t, 0.0, giniCoefficient([]float64{0.4, 0.4, 0.4}), 1e-9)
	// Total inequality approaches 1 - 1/n.
	assert.InDelta(t, 0.5, giniCoefficient([]float64{1, 0}), 1e-9)
}
