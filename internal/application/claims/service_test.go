package claims

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/blackms/claimflow/internal/domain/claims"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
)

type fixture struct {
	svc       *Service
	claims    *infra.MemoryClaimRepository
	issues    *infra.MemoryIssueRepository
	claimants *infra.MemoryClaimantRepository
	store     *infra.MemoryEventStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		claims:    infra.NewMemoryClaimRepository(),
		issues:    infra.NewMemoryIssueRepository(),
		claimants: infra.NewMemoryClaimantRepository(),
		store:     infra.NewMemoryEventStore(),
	}
	f.svc = NewService(f.store, f.claims, f.issues, f.claimants)
	return f
}

func (f *fixture) addIssue(t *testing.T, id string, caps ...string) *domain.Issue {
	t.Helper()
	issue := domain.NewIssue(id, "issue "+id)
	issue.RequiredCapabilities = caps
	require.NoError(t, f.issues.Save(context.Background(), issue))
	return issue
}

func (f *fixture) addClaimant(t *testing.T, id string, caps ...string) *domain.Claimant {
	t.Helper()
	claimant := &domain.Claimant{
		ID:            id,
		Type:          domain.ClaimantTypeAgent,
		Capabilities:  caps,
		MaxConcurrent: domain.DefaultMaxConcurrentClaims,
	}
	require.NoError(t, f.claimants.Save(context.Background(), claimant))
	return claimant
}

func (f *fixture) eventTypes(t *testing.T, aggregateID string) []domain.EventType {
	t.Helper()
	events, err := f.store.ForAggregate(context.Background(), aggregateID)
	require.NoError(t, err)
	types := make([]domain.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestClaimHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")

	claim, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, claim.Status)
	assert.Equal(t, "agent-1", claim.Claimant.ID)

	assert.Equal(t, []domain.EventType{domain.EventClaimCreated}, f.eventTypes(t, claim.ID))
}

func TestClaimSecondClaimantRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "agent-2")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "iss-1", "agent-2")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeAlreadyClaimed))
}

func TestClaimPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1", "go")
	f.addClaimant(t, "agent-1")

	_, err := f.svc.Claim(ctx, "iss-404", "agent-1")
	assert.True(t, domain.IsCode(err, domain.CodeIssueNotFound))

	_, err = f.svc.Claim(ctx, "iss-1", "ghost")
	assert.True(t, domain.IsCode(err, domain.CodeClaimantNotFound))

	_, err = f.svc.Claim(ctx, "iss-1", "agent-1")
	assert.True(t, domain.IsCode(err, domain.CodeCapabilityMismatch))
}

func TestClaimMaxConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	claimant := &domain.Claimant{ID: "busy", Type: domain.ClaimantTypeAgent, MaxConcurrent: 2}
	require.NoError(t, f.claimants.Save(ctx, claimant))

	for _, id := range []string{"iss-1", "iss-2"} {
		f.addIssue(t, id)
		_, err := f.svc.Claim(ctx, id, "busy")
		require.NoError(t, err)
	}

	f.addIssue(t, "iss-3")
	_, err := f.svc.Claim(ctx, "iss-3", "busy")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeMaxClaimsExceeded))

	// Completing one claim frees capacity.
	require.NoError(t, f.svc.Complete(ctx, "iss-1", "busy"))
	_, err = f.svc.Claim(ctx, "iss-3", "busy")
	require.NoError(t, err)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "agent-2")

	claim, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	err = f.svc.Release(ctx, "iss-1", "agent-2", "")
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))

	require.NoError(t, f.svc.Release(ctx, "iss-1", "agent-1", "switching tasks"))

	err = f.svc.Release(ctx, "iss-1", "agent-1", "")
	assert.True(t, domain.IsCode(err, domain.CodeNotClaimed))

	assert.Equal(t, []domain.EventType{
		domain.EventClaimCreated,
		domain.EventClaimReleased,
		domain.EventClaimStatusChanged,
	}, f.eventTypes(t, claim.ID))

	// The issue is claimable again.
	_, err = f.svc.Claim(ctx, "iss-1", "agent-2")
	require.NoError(t, err)
}

func TestHandoffLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "agent-2")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	handoff, err := f.svc.RequestHandoff(ctx, "iss-1", "agent-1", "agent-2", "context switch")
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffStatusPending, handoff.Status)

	status, err := f.svc.GetIssueStatus(ctx, "iss-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingHandoff, status.Claim.Status)
	require.NotNil(t, status.PendingHandoff)

	// Releasing while a handoff is pending is blocked.
	err = f.svc.Release(ctx, "iss-1", "agent-1", "")
	assert.True(t, domain.IsCode(err, domain.CodeHandoffPending))

	// Only the named target can accept.
	err = f.svc.AcceptHandoff(ctx, "iss-1", "agent-1")
	assert.True(t, domain.IsCode(err, domain.CodeHandoffNotFound))

	require.NoError(t, f.svc.AcceptHandoff(ctx, "iss-1", "agent-2"))

	status, err = f.svc.GetIssueStatus(ctx, "iss-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", status.Claim.Claimant.ID)
	assert.Equal(t, domain.StatusActive, status.Claim.Status)

	// A stale duplicate accept finds nothing pending.
	err = f.svc.AcceptHandoff(ctx, "iss-1", "agent-2")
	assert.True(t, domain.IsCode(err, domain.CodeHandoffNotFound))
}

func TestHandoffReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "agent-2")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)
	_, err = f.svc.RequestHandoff(ctx, "iss-1", "agent-1", "agent-2", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.RejectHandoff(ctx, "iss-1", "agent-2", "too busy"))

	status, err := f.svc.GetIssueStatus(ctx, "iss-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", status.Claim.Claimant.ID)
	assert.Equal(t, domain.StatusActive, status.Claim.Status)
	assert.Nil(t, status.PendingHandoff)

	// The chain keeps the rejected record.
	require.Len(t, status.Claim.HandoffChain, 1)
	assert.Equal(t, domain.HandoffStatusRejected, status.Claim.HandoffChain[0].Status)
	assert.Equal(t, "too busy", status.Claim.HandoffChain[0].RejectionReason)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")

	claim, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateStatus(ctx, "iss-1", domain.StatusBlocked, "waiting on dependency"))

	err = f.svc.UpdateStatus(ctx, "iss-1", domain.StatusInReview, "")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidStatusTransition))
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.StatusBlocked, de.Details["current"])
	assert.Equal(t, domain.StatusInReview, de.Details["requested"])

	// Self-transition is a silent no-op.
	before := len(f.eventTypes(t, claim.ID))
	require.NoError(t, f.svc.UpdateStatus(ctx, "iss-1", domain.StatusBlocked, ""))
	assert.Equal(t, before, len(f.eventTypes(t, claim.ID)))
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "agent-2")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	err = f.svc.UpdateProgress(ctx, "iss-1", "agent-2", 50)
	assert.True(t, domain.IsCode(err, domain.CodeUnauthorized))

	require.NoError(t, f.svc.UpdateProgress(ctx, "iss-1", "agent-1", 50))
	status, err := f.svc.GetIssueStatus(ctx, "iss-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, status.Claim.Progress)
}

func TestRequestReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "reviewer-1")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	err = f.svc.RequestReview(ctx, "iss-1", nil)
	assert.True(t, domain.IsCode(err, domain.CodeValidationError))

	err = f.svc.RequestReview(ctx, "iss-1", []string{"ghost"})
	assert.True(t, domain.IsCode(err, domain.CodeClaimantNotFound))

	require.NoError(t, f.svc.RequestReview(ctx, "iss-1", []string{"reviewer-1"}))
	status, err := f.svc.GetIssueStatus(ctx, "iss-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, status.Claim.Status)
	assert.Equal(t, []string{"reviewer-1"}, status.Claim.Reviewers)
}

func TestGetAvailableIssues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addIssue(t, "iss-2")
	f.addClaimant(t, "agent-1")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	available, err := f.svc.GetAvailableIssues(ctx, domain.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "iss-2", available[0].ID)

	// Releasing frees the issue back into availability.
	require.NoError(t, f.svc.Release(ctx, "iss-1", "agent-1", ""))
	available, err = f.svc.GetAvailableIssues(ctx, domain.IssueFilter{})
	require.NoError(t, err)
	assert.Len(t, available, 2)
}

func TestGetAvailableIssuesPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.addIssue(t, fmt.Sprintf("iss-%d", i))
	}
	f.addClaimant(t, "agent-1")

	// Claiming the first issue must not shortchange the first page.
	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)

	page, err := f.svc.GetAvailableIssues(ctx, domain.IssueFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "iss-2", page[0].ID)
	assert.Equal(t, "iss-4", page[2].ID)

	page, err = f.svc.GetAvailableIssues(ctx, domain.IssueFilter{Limit: 3, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "iss-4", page[0].ID)

	page, err = f.svc.GetAvailableIssues(ctx, domain.IssueFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestExpireStaleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addIssue(t, "iss-2")
	f.addClaimant(t, "agent-1")

	claim, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, "iss-2", "agent-1")
	require.NoError(t, err)

	// Age the first claim directly in the store.
	stored, err := f.claims.FindByID(ctx, claim.ID)
	require.NoError(t, err)
	expected := stored.Version
	stored.LastActivityAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.claims.SaveVersioned(ctx, stored, expected))

	expired, err := f.svc.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.StatusExpired, expired[0].Status)

	// A second pass with the same cutoff expires nothing.
	expired, err = f.svc.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// The expired issue is claimable again.
	_, err = f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)
}

func TestAutoAssign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	issue := f.addIssue(t, "iss-1", "go", "sql")
	f.addClaimant(t, "specialist", "go", "sql", "docs")
	f.addClaimant(t, "generalist", "go")

	best, err := f.svc.AutoAssign(ctx, issue)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "specialist", best.ID)

	// Nobody holds every required capability.
	hard := f.addIssue(t, "iss-2", "rust")
	best, err = f.svc.AutoAssign(ctx, hard)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestAutoAssignPrefersIdleClaimant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addClaimant(t, "loaded", "go")
	f.addClaimant(t, "idle", "go")

	for _, id := range []string{"iss-a", "iss-b", "iss-c"} {
		f.addIssue(t, id)
		_, err := f.svc.Claim(ctx, id, "loaded")
		require.NoError(t, err)
	}

	issue := f.addIssue(t, "iss-new", "go")
	best, err := f.svc.AutoAssign(ctx, issue)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "idle", best.ID)
}

func TestEventVersionsNonDecreasing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addClaimant(t, "agent-1")
	f.addClaimant(t, "agent-2")

	claim, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateProgress(ctx, "iss-1", "agent-1", 10))
	_, err = f.svc.RequestHandoff(ctx, "iss-1", "agent-1", "agent-2", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.AcceptHandoff(ctx, "iss-1", "agent-2"))
	require.NoError(t, f.svc.Complete(ctx, "iss-1", "agent-2"))

	events, err := f.store.ForAggregate(ctx, claim.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, e := range events {
		require.NotEmpty(t, e.ID)
		if i > 0 {
			assert.GreaterOrEqual(t, e.Version, events[i-1].Version)
		}
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIssue(t, "iss-1")
	f.addIssue(t, "iss-2")
	f.addClaimant(t, "agent-1")

	_, err := f.svc.Claim(ctx, "iss-1", "agent-1")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, "iss-2", "agent-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Complete(ctx, "iss-1", "agent-1"))

	stats, err := f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalClaims)
	assert.Equal(t, 1, stats.OpenClaims)
	assert.Equal(t, 1, stats.ActiveClaims)
	assert.Equal(t, 1, stats.CompletedClaims)
	assert.Equal(t, 2, stats.TotalIssues)
	assert.Equal(t, 1, stats.TotalClaimants)
	assert.Greater(t, stats.EventCount, 0)
}
