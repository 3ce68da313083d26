package claims

import "time"

// Issue is a unit of claimable work. Issues originate in an external tracker
// and are immutable here apart from labels and timestamps.
type Issue struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Priority             Priority   `json:"priority"`
	Complexity           Complexity `json:"complexity"`
	Labels               []string   `json:"labels,omitempty"`
	RequiredCapabilities []string   `json:"requiredCapabilities,omitempty"`
	RepositoryID         string     `json:"repositoryId,omitempty"`
	URL                  string     `json:"url,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// NewIssue creates an issue with medium priority and moderate complexity.
func NewIssue(id, title string) *Issue {
	now := time.Now().UTC()
	return &Issue{
		ID:         id,
		Title:      title,
		Priority:   PriorityMedium,
		Complexity: ComplexityModerate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasLabel reports whether the issue carries a label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// EstimatedDuration derives a nominal duration from complexity.
func (i *Issue) EstimatedDuration() time.Duration {
	return time.Duration(i.Complexity.EstimatedHours()) * time.Hour
}

// IssueFilter narrows availability queries.
type IssueFilter struct {
	Labels             []string
	Priority           Priority
	Complexity         Complexity
	RequiredCapability string
	RepositoryID       string
	Limit              int
	Offset             int
}

// Matches reports whether an issue satisfies every set filter field.
func (f IssueFilter) Matches(issue *Issue) bool {
	for _, label := range f.Labels {
		if !issue.HasLabel(label) {
			return false
		}
	}
	if f.Priority != "" && issue.Priority != f.Priority {
		return false
	}
	if f.Complexity != "" && issue.Complexity != f.Complexity {
		return false
	}
	if f.RequiredCapability != "" {
		found := false
		for _, c := range issue.RequiredCapabilities {
			if c == f.RequiredCapability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RepositoryID != "" && issue.RepositoryID != f.RepositoryID {
		return false
	}
	return true
}
