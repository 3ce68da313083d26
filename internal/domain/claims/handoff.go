package claims

import "time"

// HandoffRecord is one entry in a claim's handoff chain. Records are
// append-only; once resolved they are never rewritten.
type HandoffRecord struct {
	ID              string        `json:"id"`
	From            Claimant      `json:"from"`
	To              Claimant      `json:"to"`
	Reason          string        `json:"reason"`
	Status          HandoffStatus `json:"status"`
	RequestedAt     time.Time     `json:"requestedAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
}

// NewHandoffRecord creates a pending handoff request.
func NewHandoffRecord(id string, from, to Claimant, reason string) *HandoffRecord {
	return &HandoffRecord{
		ID:          id,
		From:        from,
		To:          to,
		Reason:      reason,
		Status:      HandoffStatusPending,
		RequestedAt: time.Now().UTC(),
	}
}

// Accept resolves the handoff as accepted.
func (h *HandoffRecord) Accept() {
	now := time.Now().UTC()
	h.Status = HandoffStatusAccepted
	h.ResolvedAt = &now
}

// Reject resolves the handoff as rejected.
func (h *HandoffRecord) Reject(reason string) {
	now := time.Now().UTC()
	h.Status = HandoffStatusRejected
	h.ResolvedAt = &now
	h.RejectionReason = reason
}

// IsPending reports whether the handoff awaits resolution.
func (h *HandoffRecord) IsPending() bool { return h.Status == HandoffStatusPending }
