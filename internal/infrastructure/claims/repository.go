// Package claims provides persistence for the claims engine: repositories,
// the event store, and their in-memory, SQLite, and Postgres backends.
package claims

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// ErrVersionConflict is returned by SaveVersioned when the stored claim has
// moved past the expected version. Callers treat it as a lost race, not a
// domain-rule violation.
var ErrVersionConflict = errors.New("claim version conflict")

// ErrNotFound is returned by FindByID lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ClaimRepository persists claims.
//
// Hard precondition for every implementation: InsertIfUnclaimed must perform
// the no-open-claim check and the insert as one atomic operation per issue
// id. The at-most-one-open-claim invariant rests entirely on this method; a
// read-then-write sequence is not an acceptable implementation.
type ClaimRepository interface {
	// InsertIfUnclaimed atomically inserts claim unless an open claim
	// already exists for the same issue, in which case it returns a domain
	// error with code ALREADY_CLAIMED.
	InsertIfUnclaimed(ctx context.Context, claim *domain.Claim) error
	// Save unconditionally overwrites the stored claim.
	Save(ctx context.Context, claim *domain.Claim) error
	// SaveVersioned overwrites the stored claim only if its version still
	// equals expected; otherwise it returns ErrVersionConflict.
	SaveVersioned(ctx context.Context, claim *domain.Claim, expected int) error
	FindByID(ctx context.Context, id string) (*domain.Claim, error)
	// FindOpenByIssue returns the open claim for an issue, or (nil, nil).
	FindOpenByIssue(ctx context.Context, issueID string) (*domain.Claim, error)
	FindByClaimant(ctx context.Context, claimantID string) ([]*domain.Claim, error)
	FindOpen(ctx context.Context) ([]*domain.Claim, error)
	FindByStatus(ctx context.Context, status domain.ClaimStatus) ([]*domain.Claim, error)
	CountOpenByClaimant(ctx context.Context, claimantID string) (int, error)
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status domain.ClaimStatus) (int, error)
}

// IssueRepository persists issues.
type IssueRepository interface {
	Save(ctx context.Context, issue *domain.Issue) error
	FindByID(ctx context.Context, id string) (*domain.Issue, error)
	FindAll(ctx context.Context) ([]*domain.Issue, error)
	FindByFilter(ctx context.Context, filter domain.IssueFilter) ([]*domain.Issue, error)
	Count(ctx context.Context) (int, error)
}

// ClaimantRepository persists claimants.
type ClaimantRepository interface {
	Save(ctx context.Context, claimant *domain.Claimant) error
	FindByID(ctx context.Context, id string) (*domain.Claimant, error)
	FindAll(ctx context.Context) ([]*domain.Claimant, error)
	FindByType(ctx context.Context, t domain.ClaimantType) ([]*domain.Claimant, error)
	Count(ctx context.Context) (int, error)
}

// MemoryClaimRepository is a mutex-serialized in-memory claim store. The
// single lock trivially satisfies the InsertIfUnclaimed atomicity contract.
type MemoryClaimRepository struct {
	mu     sync.RWMutex
	claims map[string]*domain.Claim
}

// NewMemoryClaimRepository creates an empty in-memory claim repository.
func NewMemoryClaimRepository() *MemoryClaimRepository {
	return &MemoryClaimRepository{claims: make(map[string]*domain.Claim)}
}

func cloneClaim(c *domain.Claim) *domain.Claim {
	out := *c
	out.Notes = append([]string(nil), c.Notes...)
	out.HandoffChain = append([]domain.HandoffRecord(nil), c.HandoffChain...)
	out.Reviewers = append([]string(nil), c.Reviewers...)
	if c.Steal != nil {
		steal := *c.Steal
		out.Steal = &steal
	}
	if c.BlockedAt != nil {
		t := *c.BlockedAt
		out.BlockedAt = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// InsertIfUnclaimed implements the atomic conditional insert.
func (r *MemoryClaimRepository) InsertIfUnclaimed(ctx context.Context, claim *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.claims {
		if existing.IssueID == claim.IssueID && existing.IsOpen() {
			return domain.NewErrorf(domain.CodeAlreadyClaimed, "issue %s is already claimed", claim.IssueID).
				WithDetail("claimId", existing.ID).
				WithDetail("claimantId", existing.Claimant.ID)
		}
	}
	r.claims[claim.ID] = cloneClaim(claim)
	return nil
}

// Save stores a copy of the claim.
func (r *MemoryClaimRepository) Save(ctx context.Context, claim *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[claim.ID] = cloneClaim(claim)
	return nil
}

// SaveVersioned stores the claim only if the stored version still matches.
func (r *MemoryClaimRepository) SaveVersioned(ctx context.Context, claim *domain.Claim, expected int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.claims[claim.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expected {
		return ErrVersionConflict
	}
	r.claims[claim.ID] = cloneClaim(claim)
	return nil
}

// FindByID returns a copy of the claim.
func (r *MemoryClaimRepository) FindByID(ctx context.Context, id string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	claim, ok := r.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClaim(claim), nil
}

// FindOpenByIssue returns the open claim on an issue, or (nil, nil).
func (r *MemoryClaimRepository) FindOpenByIssue(ctx context.Context, issueID string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, claim := range r.claims {
		if claim.IssueID == issueID && claim.IsOpen() {
			return cloneClaim(claim), nil
		}
	}
	return nil, nil
}

// FindByClaimant returns all claims ever owned by a claimant, oldest first.
func (r *MemoryClaimRepository) FindByClaimant(ctx context.Context, claimantID string) ([]*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Claim
	for _, claim := range r.claims {
		if claim.Claimant.ID == claimantID {
			out = append(out, cloneClaim(claim))
		}
	}
	sortClaims(out)
	return out, nil
}

// FindOpen returns all non-terminal claims.
func (r *MemoryClaimRepository) FindOpen(ctx context.Context) ([]*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Claim
	for _, claim := range r.claims {
		if claim.IsOpen() {
			out = append(out, cloneClaim(claim))
		}
	}
	sortClaims(out)
	return out, nil
}

// FindByStatus returns all claims in the given status.
func (r *MemoryClaimRepository) FindByStatus(ctx context.Context, status domain.ClaimStatus) ([]*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Claim
	for _, claim := range r.claims {
		if claim.Status == status {
			out = append(out, cloneClaim(claim))
		}
	}
	sortClaims(out)
	return out, nil
}

// CountOpenByClaimant counts a claimant's open claims.
func (r *MemoryClaimRepository) CountOpenByClaimant(ctx context.Context, claimantID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, claim := range r.claims {
		if claim.Claimant.ID == claimantID && claim.IsOpen() {
			n++
		}
	}
	return n, nil
}

// Count returns the total number of claims.
func (r *MemoryClaimRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claims), nil
}

// CountByStatus counts claims in a status.
func (r *MemoryClaimRepository) CountByStatus(ctx context.Context, status domain.ClaimStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, claim := range r.claims {
		if claim.Status == status {
			n++
		}
	}
	return n, nil
}

func sortClaims(claims []*domain.Claim) {
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].ClaimedAt.Equal(claims[j].ClaimedAt) {
			return claims[i].ID < claims[j].ID
		}
		return claims[i].ClaimedAt.Before(claims[j].ClaimedAt)
	})
}

// MemoryIssueRepository is an in-memory issue store.
type MemoryIssueRepository struct {
	mu     sync.RWMutex
	issues map[string]*domain.Issue
}

// NewMemoryIssueRepository creates an empty in-memory issue repository.
func NewMemoryIssueRepository() *MemoryIssueRepository {
	return &MemoryIssueRepository{issues: make(map[string]*domain.Issue)}
}

func cloneIssue(i *domain.Issue) *domain.Issue {
	out := *i
	out.Labels = append([]string(nil), i.Labels...)
	out.RequiredCapabilities = append([]string(nil), i.RequiredCapabilities...)
	return &out
}

// Save stores a copy of the issue.
func (r *MemoryIssueRepository) Save(ctx context.Context, issue *domain.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := cloneIssue(issue)
	saved.UpdatedAt = time.Now().UTC()
	r.issues[issue.ID] = saved
	return nil
}

// FindByID returns a copy of the issue.
func (r *MemoryIssueRepository) FindByID(ctx context.Context, id string) (*domain.Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	issue, ok := r.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIssue(issue), nil
}

// FindAll returns every issue, oldest first.
func (r *MemoryIssueRepository) FindAll(ctx context.Context) ([]*domain.Issue, error) {
	return r.FindByFilter(ctx, domain.IssueFilter{})
}

// FindByFilter returns issues matching the filter with pagination applied.
func (r *MemoryIssueRepository) FindByFilter(ctx context.Context, filter domain.IssueFilter) ([]*domain.Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Issue
	for _, issue := range r.issues {
		if filter.Matches(issue) {
			out = append(out, cloneIssue(issue))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of issues.
func (r *MemoryIssueRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.issues), nil
}

// MemoryClaimantRepository is an in-memory claimant store.
type MemoryClaimantRepository struct {
	mu        sync.RWMutex
	claimants map[string]*domain.Claimant
}

// NewMemoryClaimantRepository creates an empty in-memory claimant repository.
func NewMemoryClaimantRepository() *MemoryClaimantRepository {
	return &MemoryClaimantRepository{claimants: make(map[string]*domain.Claimant)}
}

func cloneClaimant(c *domain.Claimant) *domain.Claimant {
	out := *c
	out.Capabilities = append([]string(nil), c.Capabilities...)
	out.Specializations = append([]string(nil), c.Specializations...)
	return &out
}

// Save stores a copy of the claimant.
func (r *MemoryClaimantRepository) Save(ctx context.Context, claimant *domain.Claimant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimants[claimant.ID] = cloneClaimant(claimant)
	return nil
}

// FindByID returns a copy of the claimant.
func (r *MemoryClaimantRepository) FindByID(ctx context.Context, id string) (*domain.Claimant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	claimant, ok := r.claimants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClaimant(claimant), nil
}

// FindAll returns every claimant, id-ordered.
func (r *MemoryClaimantRepository) FindAll(ctx context.Context) ([]*domain.Claimant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Claimant, 0, len(r.claimants))
	for _, c := range r.claimants {
		out = append(out, cloneClaimant(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByType returns claimants of one type, id-ordered.
func (r *MemoryClaimantRepository) FindByType(ctx context.Context, t domain.ClaimantType) ([]*domain.Claimant, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count returns the number of claimants.
func (r *MemoryClaimantRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claimants), nil
}
