package claims

import (
	"math"
	"time"
)

// validTransitions is the canonical status machine. Expiry is a system
// transition out of active; terminal statuses have no outgoing edges.
var validTransitions = map[ClaimStatus][]ClaimStatus{
	StatusActive: {
		StatusPendingHandoff,
		StatusInReview,
		StatusCompleted,
		StatusReleased,
		StatusExpired,
		StatusPaused,
		StatusBlocked,
		StatusStealable,
	},
	StatusPendingHandoff: {StatusActive, StatusCompleted},
	StatusInReview:       {StatusActive, StatusCompleted},
	StatusPaused:         {StatusActive, StatusBlocked, StatusStealable, StatusCompleted},
	StatusBlocked:        {StatusActive, StatusPaused, StatusStealable, StatusCompleted},
	StatusStealable:      {StatusActive, StatusCompleted},
	StatusCompleted:      {},
	StatusReleased:       {},
	StatusExpired:        {},
}

// CanTransitionStatus reports whether from -> to is legal. A self-transition
// is always legal and means no-op.
func CanTransitionStatus(from, to ClaimStatus) bool {
	if from == to {
		return IsValidStatus(from)
	}
	for _, valid := range validTransitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}

// ValidTransitionsFrom returns the legal target statuses from a status.
func ValidTransitionsFrom(from ClaimStatus) []ClaimStatus {
	targets := validTransitions[from]
	out := make([]ClaimStatus, len(targets))
	copy(out, targets)
	return out
}

// CheckClaimEligibility applies the claim() preconditions that do not need
// repository state: capability match. Capacity and double-claim checks live
// at the service/repository boundary where they can be made atomic.
func CheckClaimEligibility(claimant *Claimant, issue *Issue) error {
	if len(issue.RequiredCapabilities) > 0 && !claimant.HasAllCapabilities(issue.RequiredCapabilities) {
		missing := make([]string, 0)
		for _, req := range issue.RequiredCapabilities {
			if !claimant.HasCapability(req) {
				missing = append(missing, req)
			}
		}
		return NewErrorf(CodeCapabilityMismatch, "claimant %s lacks required capabilities", claimant.ID).
			WithDetail("missing", missing)
	}
	return nil
}

// CheckHandoffRequest validates initiating a handoff on a claim.
func CheckHandoffRequest(claim *Claim, fromID string, to *Claimant) error {
	if !claim.IsOwnedBy(fromID) {
		return NewErrorf(CodeUnauthorized, "only the claim owner can initiate a handoff").
			WithDetail("owner", claim.Claimant.ID).
			WithDetail("caller", fromID)
	}
	if claim.Claimant.ID == to.ID {
		return NewError(CodeValidationError, "cannot hand off a claim to its current owner")
	}
	if claim.HasPendingHandoff() {
		return NewError(CodeHandoffPending, "claim already has a pending handoff")
	}
	if !CanTransitionStatus(claim.Status, StatusPendingHandoff) {
		return NewErrorf(CodeInvalidStatusTransition, "cannot hand off a claim in status %s", claim.Status).
			WithDetail("current", claim.Status).
			WithDetail("requested", StatusPendingHandoff)
	}
	return nil
}

// CheckHandoffAccept validates accepting a pending handoff. The caller must
// re-verify status and target atomically at the storage boundary; this rule
// only expresses the domain preconditions.
func CheckHandoffAccept(claim *Claim, accepterID string) error {
	handoff := claim.PendingHandoff()
	if handoff == nil || claim.Status != StatusPendingHandoff {
		return NewError(CodeHandoffNotFound, "no pending handoff on this claim")
	}
	if handoff.To.ID != accepterID {
		return NewErrorf(CodeHandoffNotFound, "no pending handoff targets claimant %s", accepterID)
	}
	return nil
}

// CheckHandoffReject validates rejecting a pending handoff. Either side of
// the handoff may reject.
func CheckHandoffReject(claim *Claim, rejecterID string) error {
	handoff := claim.PendingHandoff()
	if handoff == nil || claim.Status != StatusPendingHandoff {
		return NewError(CodeHandoffNotFound, "no pending handoff on this claim")
	}
	if handoff.To.ID != rejecterID && handoff.From.ID != rejecterID {
		return NewErrorf(CodeUnauthorized, "claimant %s is not a party to this handoff", rejecterID)
	}
	return nil
}

// StealConfig tunes the work stealing rules.
type StealConfig struct {
	GracePeriod          time.Duration  // applied when MarkStealable carries no explicit grace
	MinProgressToProtect float64        // percent; claims at or above cannot be stolen
	StaleThreshold       time.Duration  // inactivity before a claim is a stale-work candidate
	BlockedThreshold     time.Duration  // time blocked before a claim is a candidate
	ContestWindow        time.Duration  // how long the original owner may contest
	AllowCrossType       bool           // global cross-type stealing switch
	CrossTypeAllowed     []TypePair     // explicit allow-list when not globally enabled
}

// TypePair allows stealerType to take work from ownerType.
type TypePair struct {
	Stealer ClaimantType `json:"stealer"`
	Owner   ClaimantType `json:"owner"`
}

// DefaultStealConfig returns the stock steal configuration.
func DefaultStealConfig() StealConfig {
	return StealConfig{
		GracePeriod:          5 * time.Minute,
		MinProgressToProtect: 75,
		StaleThreshold:       30 * time.Minute,
		BlockedThreshold:     60 * time.Minute,
		ContestWindow:        5 * time.Minute,
	}
}

func (c StealConfig) crossTypeAllowed(stealer, owner ClaimantType) bool {
	if c.AllowCrossType {
		return true
	}
	for _, pair := range c.CrossTypeAllowed {
		if pair.Stealer == stealer && pair.Owner == owner {
			return true
		}
	}
	return false
}

// CheckSteal validates a steal attempt at time now. contestUnresolved is
// true when a contest on this claim has started and not yet resolved.
func CheckSteal(claim *Claim, stealer *Claimant, contestUnresolved bool, cfg StealConfig, now time.Time) error {
	if claim.Status != StatusStealable && claim.Steal == nil {
		return NewErrorf(CodeNotStealable, "claim on issue %s is not stealable", claim.IssueID).
			WithDetail("status", claim.Status)
	}
	if claim.IsOwnedBy(stealer.ID) {
		return NewError(CodeNotStealable, "cannot steal own claim")
	}
	if contestUnresolved {
		return NewError(CodeContestPending, "claim is under an unresolved steal contest")
	}
	if claim.Steal != nil {
		if claim.Steal.InGrace(now) {
			return NewError(CodeInGracePeriod, "grace period has not elapsed").
				WithDetail("graceUntil", claim.Steal.GraceUntil)
		}
		if claim.Steal.MinPriority != "" && claim.Priority.Rank() < claim.Steal.MinPriority.Rank() {
			return NewErrorf(CodeNotStealable, "claim priority %s is below the steal threshold %s",
				claim.Priority, claim.Steal.MinPriority)
		}
	}
	if claim.Progress >= cfg.MinProgressToProtect {
		return NewErrorf(CodeProtectedByProgress, "claim progress %.0f%% protects it from stealing", claim.Progress).
			WithDetail("progress", claim.Progress).
			WithDetail("minProgressToProtect", cfg.MinProgressToProtect)
	}
	if stealer.Type != claim.Claimant.Type && !cfg.crossTypeAllowed(stealer.Type, claim.Claimant.Type) {
		return NewErrorf(CodeCrossTypeNotAllowed, "%s claimants may not steal from %s claimants",
			stealer.Type, claim.Claimant.Type)
	}
	return nil
}

// RequiresStealContest decides whether a steal must run a contest window.
// Stale, timed-out, and manually released work transfers uncontested;
// otherwise partially-completed work is contestable.
func RequiresStealContest(claim *Claim) bool {
	if claim.Steal != nil {
		if claim.Steal.RequireContest {
			return true
		}
		switch claim.Steal.Reason {
		case StealReasonStale, StealReasonTimeout, StealReasonManual:
			return false
		}
	}
	return claim.Progress > 0
}

// StaleCandidateReason classifies a claim as a stale-work candidate, or
// returns false. Stealable and terminal claims are never candidates.
func StaleCandidateReason(claim *Claim, cfg StealConfig, now time.Time) (StealReason, bool) {
	if claim.IsTerminal() || claim.Status == StatusStealable {
		return "", false
	}
	if claim.Status == StatusBlocked && claim.BlockedFor(now) >= cfg.BlockedThreshold {
		return StealReasonBlocked, true
	}
	if claim.IdleFor(now) >= cfg.StaleThreshold {
		return StealReasonStale, true
	}
	return "", false
}

// LoadConfig tunes the load balancer.
type LoadConfig struct {
	OverloadThreshold    float64 // multiple of swarm average utilization
	UnderloadThreshold   float64
	MaxProgressToMove    float64 // percent; claims at or above stay put
	MaxMovesPerRebalance int
	BlockFactor          float64 // utilization discount for blocked claims
}

// DefaultLoadConfig returns the stock balancer configuration.
func DefaultLoadConfig() LoadConfig {
	return LoadConfig{
		OverloadThreshold:    1.5,
		UnderloadThreshold:   0.5,
		MaxProgressToMove:    25,
		MaxMovesPerRebalance: 10,
		BlockFactor:          0.5,
	}
}

// UtilizationOf computes the priority-weighted utilization of a claimant
// from its open claims, capped at 1.
func UtilizationOf(claims []*Claim, maxConcurrent int, cfg LoadConfig) float64 {
	if maxConcurrent <= 0 {
		return 0
	}
	var load float64
	for _, c := range claims {
		if !c.IsOpen() {
			continue
		}
		weight := c.Priority.LoadWeight()
		if c.Status == StatusBlocked {
			weight *= cfg.BlockFactor
		}
		load += weight
	}
	u := load / float64(maxConcurrent)
	if u > 1 {
		return 1
	}
	return u
}

// BalanceScore maps utilization dispersion to [0,1]: 1 is perfectly even
// (including all-zero), degrading toward 0 as the coefficient of variation
// grows. Defined as 1 for fewer than two agents.
func BalanceScore(utilizations []float64) float64 {
	if len(utilizations) < 2 {
		return 1
	}
	var sum float64
	for _, u := range utilizations {
		sum += u
	}
	mean := sum / float64(len(utilizations))
	if mean == 0 {
		return 1
	}
	var variance float64
	for _, u := range utilizations {
		d := u - mean
		variance += d * d
	}
	variance /= float64(len(utilizations))
	cv := math.Sqrt(variance) / mean
	score := 1 - cv
	if score < 0 {
		return 0
	}
	return score
}

// CanMoveClaim reports whether the balancer may relocate a claim. Only
// low-progress active claims move; anything terminal, in handoff, or past
// the progress cutoff stays.
func CanMoveClaim(claim *Claim, cfg LoadConfig) bool {
	if claim.Status != StatusActive {
		return false
	}
	if claim.HasPendingHandoff() {
		return false
	}
	return claim.Progress < cfg.MaxProgressToMove
}

// IsOverloaded reports whether utilization exceeds the overload threshold
// relative to the swarm average.
func IsOverloaded(utilization, avg float64, cfg LoadConfig) bool {
	return utilization > avg*cfg.OverloadThreshold
}

// IsUnderloaded reports whether utilization is below the underload threshold
// relative to the swarm average.
func IsUnderloaded(utilization, avg float64, cfg LoadConfig) bool {
	return utilization < avg*cfg.UnderloadThreshold
}

// AssignWeights are the auto-assignment scoring weights. All tunable.
type AssignWeights struct {
	CapabilityMatch float64 // per matched required capability
	FullMatchBonus  float64 // every required capability matched
	Specialization  float64 // per specialization-to-label overlap
	WorkloadPenalty float64 // multiplied by utilization and subtracted
	AgentBonus      float64 // agents on non-epic issues
}

// DefaultAssignWeights returns the stock scoring weights.
func DefaultAssignWeights() AssignWeights {
	return AssignWeights{
		CapabilityMatch: 10,
		FullMatchBonus:  20,
		Specialization:  5,
		WorkloadPenalty: 15,
		AgentBonus:      3,
	}
}

// ScoreCandidate scores a claimant for an issue. Higher is better.
func ScoreCandidate(claimant *Claimant, issue *Issue, utilization float64, w AssignWeights) float64 {
	score := w.CapabilityMatch * float64(claimant.MatchedCapabilities(issue.RequiredCapabilities))
	if len(issue.RequiredCapabilities) > 0 && claimant.HasAllCapabilities(issue.RequiredCapabilities) {
		score += w.FullMatchBonus
	}
	score += w.Specialization * float64(claimant.MatchedSpecializations(issue.Labels))
	score -= w.WorkloadPenalty * utilization
	if claimant.IsAgent() && issue.Complexity != ComplexityEpic {
		score += w.AgentBonus
	}
	return score
}
