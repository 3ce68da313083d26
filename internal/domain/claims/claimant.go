package claims

// DefaultMaxConcurrentClaims applies when a claimant is registered without
// an explicit limit.
const DefaultMaxConcurrentClaims = 5

// Claimant is a human or agent capable of owning work. Claims reference
// claimants by value; no claim owns the claimant record.
type Claimant struct {
	ID              string       `json:"id"`
	Type            ClaimantType `json:"type"`
	Name            string       `json:"name"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	Specializations []string     `json:"specializations,omitempty"`
	Workload        float64      `json:"workload"` // 0..100
	MaxConcurrent   int          `json:"maxConcurrentClaims"`
}

// NewClaimant creates a claimant with the default concurrency limit.
func NewClaimant(id, name string, t ClaimantType) *Claimant {
	return &Claimant{
		ID:            id,
		Type:          t,
		Name:          name,
		MaxConcurrent: DefaultMaxConcurrentClaims,
	}
}

// HasCapability reports whether the claimant holds a capability.
func (c *Claimant) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether the claimant holds every required
// capability.
func (c *Claimant) HasAllCapabilities(required []string) bool {
	for _, req := range required {
		if !c.HasCapability(req) {
			return false
		}
	}
	return true
}

// MatchedCapabilities counts how many required capabilities the claimant
// holds.
func (c *Claimant) MatchedCapabilities(required []string) int {
	n := 0
	for _, req := range required {
		if c.HasCapability(req) {
			n++
		}
	}
	return n
}

// MatchedSpecializations counts overlap between the claimant's
// specialization tags and issue labels.
func (c *Claimant) MatchedSpecializations(labels []string) int {
	n := 0
	for _, spec := range c.Specializations {
		for _, label := range labels {
			if spec == label {
				n++
				break
			}
		}
	}
	return n
}

// IsAgent reports whether the claimant is an autonomous agent.
func (c *Claimant) IsAgent() bool { return c.Type == ClaimantTypeAgent }
