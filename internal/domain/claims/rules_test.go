package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssue(id string) *Issue {
	issue := NewIssue(id, "test issue "+id)
	return issue
}

func testClaimant(id string, caps ...string) Claimant {
	return Claimant{
		ID:            id,
		Type:          ClaimantTypeAgent,
		Capabilities:  caps,
		MaxConcurrent: DefaultMaxConcurrentClaims,
	}
}

func TestCanTransitionStatus(t *testing.T) {
	cases := []struct {
		from, to ClaimStatus
		ok       bool
	}{
		{StatusActive, StatusPendingHandoff, true},
		{StatusActive, StatusInReview, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusReleased, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusBlocked, true},
		{StatusActive, StatusStealable, true},
		{StatusPendingHandoff, StatusActive, true},
		{StatusPendingHandoff, StatusCompleted, true},
		{StatusPendingHandoff, StatusBlocked, false},
		{StatusInReview, StatusActive, true},
		{StatusInReview, StatusStealable, false},
		{StatusPaused, StatusStealable, true},
		{StatusPaused, StatusReleased, false},
		{StatusBlocked, StatusPaused, true},
		{StatusBlocked, StatusExpired, false},
		{StatusStealable, StatusActive, true},
		{StatusStealable, StatusReleased, false},
		{StatusCompleted, StatusActive, false},
		{StatusReleased, StatusActive, false},
		{StatusExpired, StatusActive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransitionStatus(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCanTransitionStatusSelf(t *testing.T) {
	for _, s := range []ClaimStatus{
		StatusActive, StatusPaused, StatusBlocked, StatusPendingHandoff,
		StatusInReview, StatusStealable, StatusCompleted, StatusReleased, StatusExpired,
	} {
		assert.True(t, CanTransitionStatus(s, s), "self-transition from %s", s)
	}
	assert.False(t, CanTransitionStatus("bogus", "bogus"))
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []ClaimStatus{StatusCompleted, StatusReleased, StatusExpired} {
		assert.Empty(t, ValidTransitionsFrom(s), "terminal status %s", s)
	}
}

func TestParseStatusVocabularies(t *testing.T) {
	status, err := ParseStatus("pending_handoff")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingHandoff, status)

	status, err = ParseStatus("handoff-pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingHandoff, status)

	status, err = ParseStatus("review-requested")
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, status)

	_, err = ParseStatus("working")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeValidationError))
}

func TestCheckClaimEligibility(t *testing.T) {
	issue := testIssue("iss-1")
	issue.RequiredCapabilities = []string{"go", "sql"}

	full := testClaimant("a1", "go", "sql", "docs")
	require.NoError(t, CheckClaimEligibility(&full, issue))

	partial := testClaimant("a2", "go")
	err := CheckClaimEligibility(&partial, issue)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCapabilityMismatch))
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"sql"}, de.Details["missing"])

	// No requirements means anyone qualifies.
	require.NoError(t, CheckClaimEligibility(&partial, testIssue("iss-2")))
}

func TestCheckHandoffRules(t *testing.T) {
	owner := testClaimant("owner")
	target := testClaimant("target")
	claim := NewClaim("c1", testIssue("iss-1"), owner)

	require.NoError(t, CheckHandoffRequest(claim, "owner", &target))

	err := CheckHandoffRequest(claim, "stranger", &target)
	assert.True(t, IsCode(err, CodeUnauthorized))

	err = CheckHandoffRequest(claim, "owner", &owner)
	assert.True(t, IsCode(err, CodeValidationError))

	claim.AddHandoff(*NewHandoffRecord("h1", owner, target, "busy"))
	claim.SetStatus(StatusPendingHandoff)

	err = CheckHandoffRequest(claim, "owner", &target)
	assert.True(t, IsCode(err, CodeHandoffPending))

	require.NoError(t, CheckHandoffAccept(claim, "target"))
	err = CheckHandoffAccept(claim, "stranger")
	assert.True(t, IsCode(err, CodeHandoffNotFound))

	// Either party may reject; outsiders may not.
	require.NoError(t, CheckHandoffReject(claim, "owner"))
	require.NoError(t, CheckHandoffReject(claim, "target"))
	err = CheckHandoffReject(claim, "stranger")
	assert.True(t, IsCode(err, CodeUnauthorized))
}

func TestCheckSteal(t *testing.T) {
	cfg := DefaultStealConfig()
	now := time.Now().UTC()
	owner := testClaimant("owner")
	stealer := testClaimant("stealer")

	claim := NewClaim("c1", testIssue("iss-1"), owner)
	err := CheckSteal(claim, &stealer, false, cfg, now)
	assert.True(t, IsCode(err, CodeNotStealable))

	claim.MarkStealable(StealInfo{
		Reason:     StealReasonManual,
		MarkedAt:   now,
		GraceUntil: now.Add(5 * time.Minute),
	})

	err = CheckSteal(claim, &stealer, false, cfg, now)
	assert.True(t, IsCode(err, CodeInGracePeriod))

	after := now.Add(6 * time.Minute)
	require.NoError(t, CheckSteal(claim, &stealer, false, cfg, after))

	err = CheckSteal(claim, &owner, false, cfg, after)
	assert.True(t, IsCode(err, CodeNotStealable))

	err = CheckSteal(claim, &stealer, true, cfg, after)
	assert.True(t, IsCode(err, CodeContestPending))
}

func TestCheckStealProgressProtection(t *testing.T) {
	cfg := DefaultStealConfig()
	now := time.Now().UTC()
	claim := NewClaim("c1", testIssue("iss-1"), testClaimant("owner"))
	claim.SetProgress(80)
	claim.MarkStealable(StealInfo{Reason: StealReasonStale, MarkedAt: now, GraceUntil: now})

	stealer := testClaimant("stealer")
	err := CheckSteal(claim, &stealer, false, cfg, now.Add(time.Second))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeProtectedByProgress))

	claim.SetProgress(74)
	require.NoError(t, CheckSteal(claim, &stealer, false, cfg, now.Add(time.Second)))
}

func TestCheckStealCrossType(t *testing.T) {
	cfg := DefaultStealConfig()
	now := time.Now().UTC()
	owner := testClaimant("owner")
	human := Claimant{ID: "h1", Type: ClaimantTypeHuman, MaxConcurrent: 5}

	claim := NewClaim("c1", testIssue("iss-1"), owner)
	claim.MarkStealable(StealInfo{Reason: StealReasonManual, MarkedAt: now, GraceUntil: now})

	err := CheckSteal(claim, &human, false, cfg, now.Add(time.Second))
	assert.True(t, IsCode(err, CodeCrossTypeNotAllowed))

	cfg.CrossTypeAllowed = []TypePair{{Stealer: ClaimantTypeHuman, Owner: ClaimantTypeAgent}}
	require.NoError(t, CheckSteal(claim, &human, false, cfg, now.Add(time.Second)))

	cfg.CrossTypeAllowed = nil
	cfg.AllowCrossType = true
	require.NoError(t, CheckSteal(claim, &human, false, cfg, now.Add(time.Second)))
}

func TestRequiresStealContest(t *testing.T) {
	claim := NewClaim("c1", testIssue("iss-1"), testClaimant("owner"))

	claim.Steal = &StealInfo{Reason: StealReasonStale}
	claim.Progress = 50
	assert.False(t, RequiresStealContest(claim), "stale work transfers uncontested")

	claim.Steal = &StealInfo{Reason: StealReasonOverloaded}
	assert.True(t, RequiresStealContest(claim), "partial progress is contestable")

	claim.Progress = 0
	assert.False(t, RequiresStealContest(claim))

	claim.Steal = &StealInfo{Reason: StealReasonStale, RequireContest: true}
	assert.True(t, RequiresStealContest(claim), "explicit contest flag wins")
}

func TestStaleCandidateReason(t *testing.T) {
	cfg := DefaultStealConfig()
	now := time.Now().UTC()

	claim := NewClaim("c1", testIssue("iss-1"), testClaimant("owner"))
	claim.LastActivityAt = now.Add(-45 * time.Minute)
	reason, ok := StaleCandidateReason(claim, cfg, now)
	require.True(t, ok)
	assert.Equal(t, StealReasonStale, reason)

	fresh := NewClaim("c2", testIssue("iss-2"), testClaimant("owner"))
	_, ok = StaleCandidateReason(fresh, cfg, now)
	assert.False(t, ok)

	blocked := NewClaim("c3", testIssue("iss-3"), testClaimant("owner"))
	blocked.SetStatus(StatusBlocked)
	past := now.Add(-2 * time.Hour)
	blocked.BlockedAt = &past
	reason, ok = StaleCandidateReason(blocked, cfg, now)
	require.True(t, ok)
	assert.Equal(t, StealReasonBlocked, reason)

	done := NewClaim("c4", testIssue("iss-4"), testClaimant("owner"))
	done.LastActivityAt = now.Add(-2 * time.Hour)
	done.Complete()
	_, ok = StaleCandidateReason(done, cfg, now)
	assert.False(t, ok, "terminal claims are never candidates")
}

func TestUtilizationOf(t *testing.T) {
	cfg := DefaultLoadConfig()
	owner := testClaimant("a1")

	critical := NewClaim("c1", testIssue("i1"), owner)
	critical.Priority = PriorityCritical
	low := NewClaim("c2", testIssue("i2"), owner)
	low.Priority = PriorityLow
	blocked := NewClaim("c3", testIssue("i3"), owner)
	blocked.Priority = PriorityMedium
	blocked.SetStatus(StatusBlocked)

	// 2.0 + 0.5 + 1.0*0.5 over maxConcurrent 5.
	u := UtilizationOf([]*Claim{critical, low, blocked}, 5, cfg)
	assert.InDelta(t, 0.6, u, 1e-9)

	// Terminal claims do not count.
	critical.Complete()
	u = UtilizationOf([]*Claim{critical, low}, 5, cfg)
	assert.InDelta(t, 0.1, u, 1e-9)

	// Capped at 1.
	var heavy []*Claim
	for i := 0; i < 10; i++ {
		c := NewClaim("h", testIssue("i"), owner)
		c.Priority = PriorityCritical
		heavy = append(heavy, c)
	}
	assert.Equal(t, 1.0, UtilizationOf(heavy, 5, cfg))

	assert.Equal(t, 0.0, UtilizationOf(heavy, 0, cfg))
}

func TestBalanceScore(t *testing.T) {
	assert.Equal(t, 1.0, BalanceScore(nil))
	assert.Equal(t, 1.0, BalanceScore([]float64{0.7}))
	assert.Equal(t, 1.0, BalanceScore([]float64{0, 0, 0}))
	assert.Equal(t, 1.0, BalanceScore([]float64{0.5, 0.5, 0.5}))

	uneven := BalanceScore([]float64{0.9, 0.1, 0.1})
	even := BalanceScore([]float64{0.4, 0.35, 0.35})
	assert.Less(t, uneven, even)
	assert.GreaterOrEqual(t, uneven, 0.0)

	// Extreme dispersion clamps at zero.
	assert.Equal(t, 0.0, BalanceScore([]float64{1, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
}

func TestCanMoveClaim(t *testing.T) {
	cfg := DefaultLoadConfig()
	owner := testClaimant("a1")
	target := testClaimant("a2")

	claim := NewClaim("c1", testIssue("i1"), owner)
	assert.True(t, CanMoveClaim(claim, cfg))

	claim.SetProgress(25)
	assert.False(t, CanMoveClaim(claim, cfg), "progress at the cutoff stays put")

	claim.SetProgress(10)
	claim.AddHandoff(*NewHandoffRecord("h1", owner, target, ""))
	assert.False(t, CanMoveClaim(claim, cfg), "pending handoff stays put")

	blocked := NewClaim("c2", testIssue("i2"), owner)
	blocked.SetStatus(StatusBlocked)
	assert.False(t, CanMoveClaim(blocked, cfg))
}

func TestOverloadUnderloadThresholds(t *testing.T) {
	cfg := DefaultLoadConfig()
	avg := (0.9 + 0.1 + 0.1) / 3

	assert.True(t, IsOverloaded(0.9, avg, cfg))
	assert.False(t, IsOverloaded(0.1, avg, cfg))
	assert.True(t, IsUnderloaded(0.1, avg, cfg))
	assert.False(t, IsUnderloaded(0.9, avg, cfg))
}

func TestScoreCandidate(t *testing.T) {
	w := DefaultAssignWeights()
	issue := testIssue("i1")
	issue.RequiredCapabilities = []string{"go", "sql"}
	issue.Labels = []string{"backend", "storage"}

	full := testClaimant("a1", "go", "sql")
	full.Specializations = []string{"backend"}
	// 2*10 + 20 + 1*5 + 3 agent bonus, minus no workload.
	assert.InDelta(t, 48, ScoreCandidate(&full, issue, 0, w), 1e-9)

	// Utilization penalty scales linearly.
	assert.InDelta(t, 48-15*0.5, ScoreCandidate(&full, issue, 0.5, w), 1e-9)

	partial := testClaimant("a2", "go")
	assert.InDelta(t, 13, ScoreCandidate(&partial, issue, 0, w), 1e-9)

	human := Claimant{ID: "h1", Type: ClaimantTypeHuman, Capabilities: []string{"go", "sql"}}
	assert.InDelta(t, 40, ScoreCandidate(&human, issue, 0, w), 1e-9)

	// Epic issues get no agent bonus.
	issue.Complexity = ComplexityEpic
	assert.InDelta(t, 45, ScoreCandidate(&full, issue, 0, w), 1e-9)
}

func TestClaimVersioning(t *testing.T) {
	claim := NewClaim("c1", testIssue("i1"), testClaimant("a1"))
	require.Equal(t, 1, claim.Version)

	claim.SetProgress(150)
	assert.Equal(t, 100.0, claim.Progress)
	assert.Equal(t, 2, claim.Version)

	claim.SetProgress(-5)
	assert.Equal(t, 0.0, claim.Progress)

	claim.AddNote("note")
	claim.SetStatus(StatusBlocked)
	require.NotNil(t, claim.BlockedAt)
	claim.SetStatus(StatusActive)
	assert.Nil(t, claim.BlockedAt)
	assert.Equal(t, 6, claim.Version)
}

func TestClaimCopiesIssuePriority(t *testing.T) {
	issue := testIssue("i1")
	issue.Priority = PriorityCritical
	claim := NewClaim("c1", issue, testClaimant("a1"))
	issue.Priority = PriorityLow
	assert.Equal(t, PriorityCritical, claim.Priority)
}
