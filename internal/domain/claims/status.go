// Package claims provides domain types and rules for the claims
// coordination engine.
package claims

// ClaimStatus is the canonical claim lifecycle status.
type ClaimStatus string

const (
	StatusActive         ClaimStatus = "active"
	StatusPaused         ClaimStatus = "paused"
	StatusBlocked        ClaimStatus = "blocked"
	StatusPendingHandoff ClaimStatus = "pending_handoff"
	StatusInReview       ClaimStatus = "in_review"
	StatusStealable      ClaimStatus = "stealable"
	StatusCompleted      ClaimStatus = "completed"
	StatusReleased       ClaimStatus = "released"
	StatusExpired        ClaimStatus = "expired"
)

// extendedAliases maps the ADR-016 spellings onto the canonical vocabulary.
// The extended vocabulary is accepted only at boundaries; internally a claim
// always carries a canonical status.
var extendedAliases = map[string]ClaimStatus{
	"handoff-pending":  StatusPendingHandoff,
	"review-requested": StatusInReview,
}

// ParseStatus resolves a status string in either vocabulary to its canonical
// form. Unknown values are rejected.
func ParseStatus(s string) (ClaimStatus, error) {
	if alias, ok := extendedAliases[s]; ok {
		return alias, nil
	}
	st := ClaimStatus(s)
	if !IsValidStatus(st) {
		return "", NewErrorf(CodeValidationError, "unknown claim status %q", s)
	}
	return st, nil
}

// IsValidStatus reports whether s is a canonical status value.
func IsValidStatus(s ClaimStatus) bool {
	switch s {
	case StatusActive, StatusPaused, StatusBlocked, StatusPendingHandoff,
		StatusInReview, StatusStealable, StatusCompleted, StatusReleased,
		StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the status counts toward the at-most-one-open-
// claim-per-issue invariant. Every non-terminal status does.
func (s ClaimStatus) IsOpen() bool {
	return IsValidStatus(s) && !s.IsTerminal()
}

// IsTerminal reports whether the status admits no further transitions.
func (s ClaimStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusReleased || s == StatusExpired
}

// ClaimantType distinguishes human operators from autonomous agents.
type ClaimantType string

const (
	ClaimantTypeHuman ClaimantType = "human"
	ClaimantTypeAgent ClaimantType = "agent"
)

// IsValidClaimantType reports whether t is a known claimant type.
func IsValidClaimantType(t ClaimantType) bool {
	return t == ClaimantTypeHuman || t == ClaimantTypeAgent
}

// Priority is the scheduling priority of an issue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// IsValidPriority reports whether p is a known priority.
func IsValidPriority(p Priority) bool {
	return p == PriorityCritical || p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Rank returns an ordinal for priority comparison; higher outranks lower.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// LoadWeight returns the load-accounting weight used by the balancer.
func (p Priority) LoadWeight() float64 {
	switch p {
	case PriorityCritical:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityMedium:
		return 1.0
	case PriorityLow:
		return 0.5
	default:
		return 1.0
	}
}

// Complexity is the estimated effort class of an issue.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityEpic     Complexity = "epic"
)

// IsValidComplexity reports whether c is a known complexity.
func IsValidComplexity(c Complexity) bool {
	switch c {
	case ComplexityTrivial, ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityEpic:
		return true
	}
	return false
}

// EstimatedHours returns the nominal effort for a complexity class.
func (c Complexity) EstimatedHours() int {
	switch c {
	case ComplexityTrivial:
		return 1
	case ComplexitySimple:
		return 4
	case ComplexityModerate:
		return 8
	case ComplexityComplex:
		return 24
	case ComplexityEpic:
		return 80
	default:
		return 8
	}
}

// HandoffStatus is the resolution state of a handoff request.
type HandoffStatus string

const (
	HandoffStatusPending  HandoffStatus = "pending"
	HandoffStatusAccepted HandoffStatus = "accepted"
	HandoffStatusRejected HandoffStatus = "rejected"
)

// StealReason records why a claim was marked stealable.
type StealReason string

const (
	StealReasonStale      StealReason = "stale"
	StealReasonBlocked    StealReason = "blocked"
	StealReasonOverloaded StealReason = "overloaded"
	StealReasonManual     StealReason = "manual"
	StealReasonTimeout    StealReason = "timeout"
)

// IsValidStealReason reports whether r is a known steal reason.
func IsValidStealReason(r StealReason) bool {
	switch r {
	case StealReasonStale, StealReasonBlocked, StealReasonOverloaded, StealReasonManual, StealReasonTimeout:
		return true
	}
	return false
}
