package claims

import "time"

// StealInfo annotates a claim that has been marked stealable.
type StealInfo struct {
	Reason         StealReason `json:"reason"`
	MarkedAt       time.Time   `json:"markedAt"`
	GraceUntil     time.Time   `json:"graceUntil"`
	MinPriority    Priority    `json:"minPriority,omitempty"`
	RequireContest bool        `json:"requireContest,omitempty"`
}

// InGrace reports whether the grace period is still running at now.
func (s *StealInfo) InGrace(now time.Time) bool {
	return now.Before(s.GraceUntil)
}

// Claim binds exactly one claimant to exactly one issue with a lifecycle
// status. Terminated claims are kept, never deleted.
type Claim struct {
	ID             string          `json:"id"`
	IssueID        string          `json:"issueId"`
	Claimant       Claimant        `json:"claimant"`
	Status         ClaimStatus     `json:"status"`
	Priority       Priority        `json:"priority"`
	Progress       float64         `json:"progress"` // 0..100
	ClaimedAt      time.Time       `json:"claimedAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	BlockedAt      *time.Time      `json:"blockedAt,omitempty"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	Notes          []string        `json:"notes,omitempty"`
	HandoffChain   []HandoffRecord `json:"handoffChain,omitempty"`
	Reviewers      []string        `json:"reviewers,omitempty"`
	Steal          *StealInfo      `json:"steal,omitempty"`
	Version        int             `json:"version"`
}

// NewClaim creates an active claim on an issue. Priority is copied from the
// issue so load accounting survives issue metadata changes.
func NewClaim(id string, issue *Issue, claimant Claimant) *Claim {
	now := time.Now().UTC()
	return &Claim{
		ID:             id,
		IssueID:        issue.ID,
		Claimant:       claimant,
		Status:         StatusActive,
		Priority:       issue.Priority,
		ClaimedAt:      now,
		LastActivityAt: now,
		Version:        1,
	}
}

// touch records activity and bumps the aggregate version. Every event
// emitted for the mutation carries the resulting version, which keeps the
// per-aggregate event sequence monotonic without any global counter.
func (c *Claim) touch() {
	c.LastActivityAt = time.Now().UTC()
	c.Version++
}

// SetStatus applies an already-validated status transition.
func (c *Claim) SetStatus(status ClaimStatus) {
	if status == StatusBlocked && c.Status != StatusBlocked {
		now := time.Now().UTC()
		c.BlockedAt = &now
	}
	if status != StatusBlocked {
		c.BlockedAt = nil
	}
	c.Status = status
	c.touch()
}

// SetProgress clamps and stores a progress percentage.
func (c *Claim) SetProgress(progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	c.Progress = progress
	c.touch()
}

// AddNote appends a free-text note.
func (c *Claim) AddNote(note string) {
	c.Notes = append(c.Notes, note)
	c.touch()
}

// AddHandoff appends a handoff record to the chain.
func (c *Claim) AddHandoff(h HandoffRecord) {
	c.HandoffChain = append(c.HandoffChain, h)
	c.touch()
}

// PendingHandoff returns the unresolved handoff, if any. At most one can be
// pending at a time.
func (c *Claim) PendingHandoff() *HandoffRecord {
	for i := len(c.HandoffChain) - 1; i >= 0; i-- {
		if c.HandoffChain[i].IsPending() {
			return &c.HandoffChain[i]
		}
	}
	return nil
}

// HasPendingHandoff reports whether a handoff awaits resolution.
func (c *Claim) HasPendingHandoff() bool { return c.PendingHandoff() != nil }

// TransferTo moves ownership to a new claimant and reactivates the claim.
// Used by handoff acceptance and by steal execution.
func (c *Claim) TransferTo(to Claimant) {
	c.Claimant = to
	c.Status = StatusActive
	c.Steal = nil
	c.touch()
}

// MarkStealable records steal metadata and moves the claim to stealable.
func (c *Claim) MarkStealable(info StealInfo) {
	c.Steal = &info
	c.SetStatus(StatusStealable)
}

// Complete terminates the claim as completed.
func (c *Claim) Complete() {
	c.Status = StatusCompleted
	c.Progress = 100
	c.touch()
}

// Release terminates the claim as released.
func (c *Claim) Release() {
	c.Status = StatusReleased
	c.touch()
}

// Expire terminates the claim as expired.
func (c *Claim) Expire() {
	c.Status = StatusExpired
	c.touch()
}

// IsOpen reports whether the claim holds the issue (non-terminal status).
func (c *Claim) IsOpen() bool { return c.Status.IsOpen() }

// IsTerminal reports whether the claim has ended.
func (c *Claim) IsTerminal() bool { return c.Status.IsTerminal() }

// IsOwnedBy reports whether the claim is currently owned by claimantID.
func (c *Claim) IsOwnedBy(claimantID string) bool { return c.Claimant.ID == claimantID }

// IdleFor returns the duration since the last recorded activity.
func (c *Claim) IdleFor(now time.Time) time.Duration { return now.Sub(c.LastActivityAt) }

// BlockedFor returns how long the claim has been blocked, or zero.
func (c *Claim) BlockedFor(now time.Time) time.Duration {
	if c.BlockedAt == nil {
		return 0
	}
	return now.Sub(*c.BlockedAt)
}
