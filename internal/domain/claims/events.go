package claims

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a claims domain event.
type EventType string

const (
	EventClaimCreated         EventType = "claim:created"
	EventClaimReleased        EventType = "claim:released"
	EventClaimExpired         EventType = "claim:expired"
	EventClaimCompleted       EventType = "claim:completed"
	EventClaimStatusChanged   EventType = "claim:status-changed"
	EventClaimProgressUpdated EventType = "claim:progress-updated"
	EventClaimNoteAdded       EventType = "claim:note-added"

	EventHandoffRequested EventType = "handoff:requested"
	EventHandoffAccepted  EventType = "handoff:accepted"
	EventHandoffRejected  EventType = "handoff:rejected"

	EventReviewRequested EventType = "review:requested"

	EventIssueMarkedStealable EventType = "steal:issue-marked-stealable"
	EventIssueStolen          EventType = "steal:issue-stolen"
	EventStealContestStarted  EventType = "steal:contest-started"
	EventStealContestResolved EventType = "steal:contest-resolved"

	EventSwarmRebalanced EventType = "swarm:rebalanced"
)

// Event is an immutable record of one state transition. Versions are
// monotonic per aggregate; no ordering holds across aggregates.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	AggregateID   string         `json:"aggregateId"`
	AggregateType string         `json:"aggregateType"`
	Version       int            `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`
}

// NewEvent creates a claim-aggregate event with a random collision-resistant
// id. The version must come from the aggregate that was mutated.
func NewEvent(t EventType, aggregateID string, version int, payload map[string]any) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          t,
		AggregateID:   aggregateID,
		AggregateType: "claim",
		Version:       version,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// WithCorrelation sets the correlation id and returns the event.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithCausation sets the causation id and returns the event.
func (e *Event) WithCausation(id string) *Event {
	e.CausationID = id
	return e
}

// WithSource sets the emitting component and returns the event.
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// NewClaimCreatedEvent records a successful claim().
func NewClaimCreatedEvent(claim *Claim) *Event {
	return NewEvent(EventClaimCreated, claim.ID, claim.Version, map[string]any{
		"claimId":    claim.ID,
		"issueId":    claim.IssueID,
		"claimantId": claim.Claimant.ID,
		"status":     claim.Status,
		"priority":   claim.Priority,
		"claimedAt":  claim.ClaimedAt,
	})
}

// NewClaimReleasedEvent records a release.
func NewClaimReleasedEvent(claim *Claim, reason string) *Event {
	return NewEvent(EventClaimReleased, claim.ID, claim.Version, map[string]any{
		"claimId": claim.ID,
		"issueId": claim.IssueID,
		"reason":  reason,
	})
}

// NewClaimExpiredEvent records expiry of a stale claim.
func NewClaimExpiredEvent(claim *Claim) *Event {
	return NewEvent(EventClaimExpired, claim.ID, claim.Version, map[string]any{
		"claimId":        claim.ID,
		"issueId":        claim.IssueID,
		"lastActivityAt": claim.LastActivityAt,
	})
}

// NewClaimCompletedEvent records completion.
func NewClaimCompletedEvent(claim *Claim) *Event {
	return NewEvent(EventClaimCompleted, claim.ID, claim.Version, map[string]any{
		"claimId": claim.ID,
		"issueId": claim.IssueID,
	})
}

// NewStatusChangedEvent records any status transition.
func NewStatusChangedEvent(claim *Claim, from, to ClaimStatus, note string) *Event {
	payload := map[string]any{
		"claimId":   claim.ID,
		"issueId":   claim.IssueID,
		"oldStatus": from,
		"newStatus": to,
	}
	if note != "" {
		payload["note"] = note
	}
	return NewEvent(EventClaimStatusChanged, claim.ID, claim.Version, payload)
}

// NewProgressUpdatedEvent records a progress change.
func NewProgressUpdatedEvent(claim *Claim) *Event {
	return NewEvent(EventClaimProgressUpdated, claim.ID, claim.Version, map[string]any{
		"claimId":  claim.ID,
		"issueId":  claim.IssueID,
		"progress": claim.Progress,
	})
}

// NewHandoffRequestedEvent records the opening of a handoff.
func NewHandoffRequestedEvent(claim *Claim, h *HandoffRecord) *Event {
	return NewEvent(EventHandoffRequested, claim.ID, claim.Version, map[string]any{
		"claimId":     claim.ID,
		"issueId":     claim.IssueID,
		"handoffId":   h.ID,
		"fromId":      h.From.ID,
		"toId":        h.To.ID,
		"reason":      h.Reason,
		"requestedAt": h.RequestedAt,
	})
}

// NewHandoffAcceptedEvent records an ownership transfer by handoff.
func NewHandoffAcceptedEvent(claim *Claim, h *HandoffRecord) *Event {
	return NewEvent(EventHandoffAccepted, claim.ID, claim.Version, map[string]any{
		"claimId":   claim.ID,
		"issueId":   claim.IssueID,
		"handoffId": h.ID,
		"fromId":    h.From.ID,
		"toId":      h.To.ID,
	})
}

// NewHandoffRejectedEvent records a rejected handoff.
func NewHandoffRejectedEvent(claim *Claim, h *HandoffRecord, reason string) *Event {
	return NewEvent(EventHandoffRejected, claim.ID, claim.Version, map[string]any{
		"claimId":   claim.ID,
		"issueId":   claim.IssueID,
		"handoffId": h.ID,
		"reason":    reason,
	})
}

// NewReviewRequestedEvent records a review request.
func NewReviewRequestedEvent(claim *Claim, reviewers []string) *Event {
	return NewEvent(EventReviewRequested, claim.ID, claim.Version, map[string]any{
		"claimId":   claim.ID,
		"issueId":   claim.IssueID,
		"reviewers": reviewers,
	})
}

// NewMarkedStealableEvent records steal metadata being attached.
func NewMarkedStealableEvent(claim *Claim, info StealInfo) *Event {
	return NewEvent(EventIssueMarkedStealable, claim.ID, claim.Version, map[string]any{
		"claimId":    claim.ID,
		"issueId":    claim.IssueID,
		"reason":     info.Reason,
		"graceUntil": info.GraceUntil,
	})
}

// NewIssueStolenEvent records an executed steal.
func NewIssueStolenEvent(claim *Claim, stealerID, previousOwnerID string) *Event {
	return NewEvent(EventIssueStolen, claim.ID, claim.Version, map[string]any{
		"claimId":         claim.ID,
		"issueId":         claim.IssueID,
		"stealerId":       stealerID,
		"previousOwnerId": previousOwnerID,
	})
}

// NewContestStartedEvent records the opening of a steal contest.
func NewContestStartedEvent(claim *Claim, contestID, challengerID string, deadline time.Time) *Event {
	return NewEvent(EventStealContestStarted, claim.ID, claim.Version, map[string]any{
		"contestId":    contestID,
		"claimId":      claim.ID,
		"issueId":      claim.IssueID,
		"challengerId": challengerID,
		"ownerId":      claim.Claimant.ID,
		"deadline":     deadline,
	})
}

// NewContestResolvedEvent records a contest verdict.
func NewContestResolvedEvent(claim *Claim, contestID, winnerID, loserID, authority string) *Event {
	return NewEvent(EventStealContestResolved, claim.ID, claim.Version, map[string]any{
		"contestId": contestID,
		"claimId":   claim.ID,
		"issueId":   claim.IssueID,
		"winnerId":  winnerID,
		"loserId":   loserID,
		"authority": authority,
	})
}

// RebalanceMove describes one claim relocation in a rebalance pass.
type RebalanceMove struct {
	ClaimID   string `json:"claimId"`
	IssueID   string `json:"issueId"`
	FromID    string `json:"fromId"`
	ToID      string `json:"toId,omitempty"` // empty when no eligible receiver existed
	Reason    string `json:"reason"`
	Suggested bool   `json:"suggested"` // recorded but not executed
}

// NewSwarmRebalancedEvent records a completed rebalance pass. The aggregate
// is the swarm; seq is the balancer's per-swarm pass counter.
func NewSwarmRebalancedEvent(swarmID string, seq int, moves []RebalanceMove, scoreBefore, scoreAfter float64) *Event {
	e := NewEvent(EventSwarmRebalanced, swarmID, seq, map[string]any{
		"swarmId":     swarmID,
		"moveCount":   len(moves),
		"moves":       moves,
		"scoreBefore": scoreBefore,
		"scoreAfter":  scoreAfter,
	})
	e.AggregateType = "swarm"
	return e
}

// EventFilter narrows event-log queries.
type EventFilter struct {
	AggregateID string
	Types       []EventType
	After       *time.Time
	Before      *time.Time
	FromVersion int
	ToVersion   int
}

// Matches reports whether an event satisfies every set filter field.
func (f EventFilter) Matches(e *Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.After != nil && e.Timestamp.Before(*f.After) {
		return false
	}
	if f.Before != nil && e.Timestamp.After(*f.Before) {
		return false
	}
	if f.FromVersion > 0 && e.Version < f.FromVersion {
		return false
	}
	if f.ToVersion > 0 && e.Version > f.ToVersion {
		return false
	}
	return true
}
