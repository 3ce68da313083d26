// Package claims provides the application services of the claims engine:
// the claim lifecycle service, the load balancer, and the work stealing
// service. Services are stateless request handlers over injected
// repositories; per-issue serialization happens at the storage boundary.
package claims

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domain "github.com/blackms/claimflow/internal/domain/claims"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
	"github.com/blackms/claimflow/internal/infrastructure/events"
)

// Service orchestrates the claim lifecycle: claiming, release, handoff,
// status, review, expiry, and auto-assignment.
type Service struct {
	log       zerolog.Logger
	store     infra.EventStore
	bus       *events.Bus
	claims    infra.ClaimRepository
	issues    infra.IssueRepository
	claimants infra.ClaimantRepository
	weights   domain.AssignWeights
	loadCfg   domain.LoadConfig
	source    string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithBus attaches a live event bus; the durable store stays authoritative.
func WithBus(bus *events.Bus) ServiceOption {
	return func(s *Service) { s.bus = bus }
}

// WithAssignWeights overrides the auto-assignment scoring weights.
func WithAssignWeights(w domain.AssignWeights) ServiceOption {
	return func(s *Service) { s.weights = w }
}

// NewService creates a claim service.
func NewService(
	store infra.EventStore,
	claims infra.ClaimRepository,
	issues infra.IssueRepository,
	claimants infra.ClaimantRepository,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		log:       zerolog.Nop(),
		store:     store,
		claims:    claims,
		issues:    issues,
		claimants: claimants,
		weights:   domain.DefaultAssignWeights(),
		loadCfg:   domain.DefaultLoadConfig(),
		source:    "claim-service",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// emit appends an event to the store and publishes it on the bus. A failed
// append never rolls back the state mutation it describes: the claim record
// is the source of truth, the log is audit.
func (s *Service) emit(ctx context.Context, event *domain.Event) {
	event.WithSource(s.source)
	if err := s.store.Append(ctx, event); err != nil {
		s.log.Warn().Err(err).
			Str("event", string(event.Type)).
			Str("aggregate", event.AggregateID).
			Msg("event append failed")
		return
	}
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func (s *Service) loadClaimant(ctx context.Context, id string) (*domain.Claimant, error) {
	claimant, err := s.claimants.FindByID(ctx, id)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, domain.NewErrorf(domain.CodeClaimantNotFound, "claimant %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return claimant, nil
}

func (s *Service) openClaim(ctx context.Context, issueID string) (*domain.Claim, error) {
	claim, err := s.claims.FindOpenByIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, domain.NewErrorf(domain.CodeNotClaimed, "issue %s has no open claim", issueID)
	}
	return claim, nil
}

// checkCapacity rejects when the claimant's open-claim count has reached its
// concurrency limit.
func (s *Service) checkCapacity(ctx context.Context, claimant *domain.Claimant) error {
	open, err := s.claims.CountOpenByClaimant(ctx, claimant.ID)
	if err != nil {
		return err
	}
	if open >= claimant.MaxConcurrent {
		return domain.NewErrorf(domain.CodeMaxClaimsExceeded,
			"claimant %s holds %d of %d allowed claims", claimant.ID, open, claimant.MaxConcurrent).
			WithDetail("open", open).
			WithDetail("maxConcurrentClaims", claimant.MaxConcurrent)
	}
	return nil
}

// Claim creates an active claim on an issue for a claimant. The existence
// check and the insert are atomic: the repository's conditional insert is
// the only guard against concurrent claims on the same issue.
func (s *Service) Claim(ctx context.Context, issueID, claimantID string) (*domain.Claim, error) {
	issue, err := s.issues.FindByID(ctx, issueID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, domain.NewErrorf(domain.CodeIssueNotFound, "issue %s not found", issueID)
	}
	if err != nil {
		return nil, err
	}
	claimant, err := s.loadClaimant(ctx, claimantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkCapacity(ctx, claimant); err != nil {
		return nil, err
	}
	if err := domain.CheckClaimEligibility(claimant, issue); err != nil {
		return nil, err
	}

	claim := domain.NewClaim(uuid.NewString(), issue, *claimant)
	if err := s.claims.InsertIfUnclaimed(ctx, claim); err != nil {
		return nil, err
	}

	s.log.Info().Str("issue", issueID).Str("claimant", claimantID).Msg("issue claimed")
	s.emit(ctx, domain.NewClaimCreatedEvent(claim))
	return claim, nil
}

// Release terminates the caller's claim on an issue.
func (s *Service) Release(ctx context.Context, issueID, claimantID, reason string) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	if !claim.IsOwnedBy(claimantID) {
		return domain.NewErrorf(domain.CodeUnauthorized, "claim on issue %s is owned by %s", issueID, claim.Claimant.ID)
	}
	if claim.HasPendingHandoff() {
		return domain.NewError(domain.CodeHandoffPending, "resolve the pending handoff before releasing")
	}
	if !domain.CanTransitionStatus(claim.Status, domain.StatusReleased) {
		return invalidTransition(claim.Status, domain.StatusReleased)
	}

	expected := claim.Version
	from := claim.Status
	claim.Release()
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return err
	}

	s.log.Info().Str("issue", issueID).Str("claimant", claimantID).Msg("claim released")
	s.emit(ctx, domain.NewClaimReleasedEvent(claim, reason))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusReleased, reason))
	return nil
}

// Complete terminates the caller's claim as done.
func (s *Service) Complete(ctx context.Context, issueID, claimantID string) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	if !claim.IsOwnedBy(claimantID) {
		return domain.NewErrorf(domain.CodeUnauthorized, "claim on issue %s is owned by %s", issueID, claim.Claimant.ID)
	}
	if !domain.CanTransitionStatus(claim.Status, domain.StatusCompleted) {
		return invalidTransition(claim.Status, domain.StatusCompleted)
	}

	expected := claim.Version
	from := claim.Status
	claim.Complete()
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return err
	}

	s.emit(ctx, domain.NewClaimCompletedEvent(claim))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusCompleted, ""))
	return nil
}

// RequestHandoff opens a pending handoff from the current owner to another
// claimant.
func (s *Service) RequestHandoff(ctx context.Context, issueID, fromID, toID, reason string) (*domain.HandoffRecord, error) {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return nil, err
	}
	to, err := s.loadClaimant(ctx, toID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckHandoffRequest(claim, fromID, to); err != nil {
		return nil, err
	}

	handoff := domain.NewHandoffRecord(uuid.NewString(), claim.Claimant, *to, reason)
	expected := claim.Version
	from := claim.Status
	claim.AddHandoff(*handoff)
	claim.SetStatus(domain.StatusPendingHandoff)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return nil, err
	}

	s.log.Info().Str("issue", issueID).Str("from", fromID).Str("to", toID).Msg("handoff requested")
	s.emit(ctx, domain.NewHandoffRequestedEvent(claim, handoff))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusPendingHandoff, reason))
	return handoff, nil
}

// AcceptHandoff transfers ownership to the handoff target. The versioned
// save re-verifies "still pending, still targeting me" atomically, so a
// concurrent rejection loses cleanly instead of corrupting ownership.
func (s *Service) AcceptHandoff(ctx context.Context, issueID, accepterID string) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	if err := domain.CheckHandoffAccept(claim, accepterID); err != nil {
		return err
	}
	accepter, err := s.loadClaimant(ctx, accepterID)
	if err != nil {
		return err
	}
	if err := s.checkCapacity(ctx, accepter); err != nil {
		return err
	}

	handoff := claim.PendingHandoff()
	handoff.Accept()
	accepted := *handoff
	expected := claim.Version
	claim.TransferTo(handoff.To)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		if errors.Is(err, infra.ErrVersionConflict) {
			return domain.NewError(domain.CodeHandoffNotFound, "handoff was resolved concurrently")
		}
		return err
	}

	s.log.Info().Str("issue", issueID).Str("to", accepterID).Msg("handoff accepted")
	s.emit(ctx, domain.NewHandoffAcceptedEvent(claim, &accepted))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, domain.StatusPendingHandoff, domain.StatusActive, ""))
	return nil
}

// RejectHandoff declines a pending handoff; either party may reject.
func (s *Service) RejectHandoff(ctx context.Context, issueID, rejecterID, reason string) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	if err := domain.CheckHandoffReject(claim, rejecterID); err != nil {
		return err
	}

	handoff := claim.PendingHandoff()
	handoff.Reject(reason)
	rejected := *handoff
	expected := claim.Version
	claim.SetStatus(domain.StatusActive)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		if errors.Is(err, infra.ErrVersionConflict) {
			return domain.NewError(domain.CodeHandoffNotFound, "handoff was resolved concurrently")
		}
		return err
	}

	s.emit(ctx, domain.NewHandoffRejectedEvent(claim, &rejected, reason))
	return nil
}

// UpdateStatus applies a validated status transition, optionally recording a
// note. A self-transition is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, issueID string, status domain.ClaimStatus, note string) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	if !domain.CanTransitionStatus(claim.Status, status) {
		return invalidTransition(claim.Status, status)
	}
	if claim.Status == status {
		return nil
	}

	expected := claim.Version
	from := claim.Status
	claim.SetStatus(status)
	if note != "" {
		claim.AddNote(note)
	}
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return err
	}

	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, status, note))
	return nil
}

// UpdateProgress records the owner's progress on a claim.
func (s *Service) UpdateProgress(ctx context.Context, issueID, claimantID string, progress float64) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	if !claim.IsOwnedBy(claimantID) {
		return domain.NewErrorf(domain.CodeUnauthorized, "claim on issue %s is owned by %s", issueID, claim.Claimant.ID)
	}

	expected := claim.Version
	claim.SetProgress(progress)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return err
	}

	s.emit(ctx, domain.NewProgressUpdatedEvent(claim))
	return nil
}

// AddNote appends a free-text note to the claim.
func (s *Service) AddNote(ctx context.Context, issueID, note string) error {
	if note == "" {
		return domain.NewError(domain.CodeValidationError, "note must not be empty")
	}
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}

	expected := claim.Version
	claim.AddNote(note)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return err
	}

	s.emit(ctx, domain.NewEvent(domain.EventClaimNoteAdded, claim.ID, claim.Version, map[string]any{
		"claimId": claim.ID,
		"issueId": claim.IssueID,
		"note":    note,
	}))
	return nil
}

// RequestReview moves a claim into review by the named reviewers.
func (s *Service) RequestReview(ctx context.Context, issueID string, reviewers []string) error {
	if len(reviewers) == 0 {
		return domain.NewError(domain.CodeValidationError, "at least one reviewer is required")
	}
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	for _, reviewer := range reviewers {
		if _, err := s.loadClaimant(ctx, reviewer); err != nil {
			return err
		}
	}
	if !domain.CanTransitionStatus(claim.Status, domain.StatusInReview) {
		return invalidTransition(claim.Status, domain.StatusInReview)
	}

	expected := claim.Version
	from := claim.Status
	claim.Reviewers = append([]string(nil), reviewers...)
	claim.SetStatus(domain.StatusInReview)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return err
	}

	s.emit(ctx, domain.NewReviewRequestedEvent(claim, reviewers))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusInReview, ""))
	return nil
}

// SetExpiration attaches a hard expiry time to a claim.
func (s *Service) SetExpiration(ctx context.Context, issueID string, expiresAt time.Time) error {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return err
	}
	expected := claim.Version
	claim.ExpiresAt = &expiresAt
	claim.Version++
	return s.claims.SaveVersioned(ctx, claim, expected)
}

// GetClaimedBy returns a claimant's open claims.
func (s *Service) GetClaimedBy(ctx context.Context, claimantID string) ([]*domain.Claim, error) {
	all, err := s.claims.FindByClaimant(ctx, claimantID)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, claim := range all {
		if claim.IsOpen() {
			open = append(open, claim)
		}
	}
	return open, nil
}

// GetAvailableIssues returns issues matching the filter with no open claim.
func (s *Service) GetAvailableIssues(ctx context.Context, filter domain.IssueFilter) ([]*domain.Issue, error) {
	// Pagination applies to the availability view, so the repository must not
	// page before claimed issues are subtracted.
	limit, offset := filter.Limit, filter.Offset
	filter.Limit, filter.Offset = 0, 0
	issues, err := s.issues.FindByFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	open, err := s.claims.FindOpen(ctx)
	if err != nil {
		return nil, err
	}
	claimed := make(map[string]struct{}, len(open))
	for _, claim := range open {
		claimed[claim.IssueID] = struct{}{}
	}
	available := issues[:0]
	for _, issue := range issues {
		if _, ok := claimed[issue.ID]; !ok {
			available = append(available, issue)
		}
	}
	if offset > 0 {
		if offset >= len(available) {
			return nil, nil
		}
		available = available[offset:]
	}
	if limit > 0 && limit < len(available) {
		available = available[:limit]
	}
	return available, nil
}

// IssueStatus is the full coordination view of one issue.
type IssueStatus struct {
	Issue          *domain.Issue         `json:"issue"`
	Claim          *domain.Claim         `json:"claim,omitempty"`
	PendingHandoff *domain.HandoffRecord `json:"pendingHandoff,omitempty"`
}

// GetIssueStatus returns the issue, its open claim, and any pending handoff.
func (s *Service) GetIssueStatus(ctx context.Context, issueID string) (*IssueStatus, error) {
	issue, err := s.issues.FindByID(ctx, issueID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, domain.NewErrorf(domain.CodeIssueNotFound, "issue %s not found", issueID)
	}
	if err != nil {
		return nil, err
	}
	claim, err := s.claims.FindOpenByIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	status := &IssueStatus{Issue: issue, Claim: claim}
	if claim != nil {
		status.PendingHandoff = claim.PendingHandoff()
	}
	return status, nil
}

// ExpireStale expires active claims whose last activity predates
// now - maxAge. Claims already expired are untouched, so a second pass with
// the same cutoff is a no-op.
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration) ([]*domain.Claim, error) {
	active, err := s.claims.FindByStatus(ctx, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	var expired []*domain.Claim
	for _, claim := range active {
		if !claim.LastActivityAt.Before(cutoff) {
			continue
		}
		expected := claim.Version
		from := claim.Status
		claim.Expire()
		if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
			if errors.Is(err, infra.ErrVersionConflict) {
				continue // claim moved under us; it is no longer stale-active
			}
			return expired, err
		}
		s.emit(ctx, domain.NewClaimExpiredEvent(claim))
		s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusExpired, ""))
		expired = append(expired, claim)
	}
	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Dur("maxAge", maxAge).Msg("stale claims expired")
	}
	return expired, nil
}

// AutoAssign scores registered claimants for an issue and returns the best
// candidate, or nil when nobody satisfies every required capability.
func (s *Service) AutoAssign(ctx context.Context, issue *domain.Issue) (*domain.Claimant, error) {
	candidates, err := s.claimants.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var best *domain.Claimant
	var bestScore float64
	for _, candidate := range candidates {
		open, err := s.claims.CountOpenByClaimant(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if open >= candidate.MaxConcurrent {
			continue
		}
		held, err := s.claims.FindByClaimant(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		utilization := domain.UtilizationOf(held, candidate.MaxConcurrent, s.loadCfg)
		score := domain.ScoreCandidate(candidate, issue, utilization, s.weights)
		if best == nil || score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if best == nil || !best.HasAllCapabilities(issue.RequiredCapabilities) {
		return nil, nil
	}
	return best, nil
}

// History returns the audit trail for the issue's most recent claim.
func (s *Service) History(ctx context.Context, issueID string) ([]*domain.Event, error) {
	claim, err := s.claims.FindOpenByIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if claim != nil {
		return s.store.ForAggregate(ctx, claim.ID)
	}
	// No open claim: fall back to scanning the log by issue id.
	all, err := s.store.Query(ctx, domain.EventFilter{})
	if err != nil {
		return nil, err
	}
	var out []*domain.Event
	for _, e := range all {
		if id, ok := e.Payload["issueId"].(string); ok && id == issueID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Stats summarizes the engine's aggregate state.
type Stats struct {
	TotalClaims     int `json:"totalClaims"`
	OpenClaims      int `json:"openClaims"`
	ActiveClaims    int `json:"activeClaims"`
	CompletedClaims int `json:"completedClaims"`
	StealableClaims int `json:"stealableClaims"`
	TotalIssues     int `json:"totalIssues"`
	TotalClaimants  int `json:"totalClaimants"`
	EventCount      int `json:"eventCount"`
}

// GetStats collects counters across the repositories and the event store.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var err error
	if stats.TotalClaims, err = s.claims.Count(ctx); err != nil {
		return nil, err
	}
	open, err := s.claims.FindOpen(ctx)
	if err != nil {
		return nil, err
	}
	stats.OpenClaims = len(open)
	if stats.ActiveClaims, err = s.claims.CountByStatus(ctx, domain.StatusActive); err != nil {
		return nil, err
	}
	if stats.CompletedClaims, err = s.claims.CountByStatus(ctx, domain.StatusCompleted); err != nil {
		return nil, err
	}
	if stats.StealableClaims, err = s.claims.CountByStatus(ctx, domain.StatusStealable); err != nil {
		return nil, err
	}
	if stats.TotalIssues, err = s.issues.Count(ctx); err != nil {
		return nil, err
	}
	if stats.TotalClaimants, err = s.claimants.Count(ctx); err != nil {
		return nil, err
	}
	if stats.EventCount, err = s.store.Count(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

// RegisterIssue stores an issue made claimable by an external tracker.
func (s *Service) RegisterIssue(ctx context.Context, issue *domain.Issue) error {
	if issue.ID == "" || issue.Title == "" {
		return domain.NewError(domain.CodeValidationError, "issue id and title are required")
	}
	if !domain.IsValidPriority(issue.Priority) {
		return domain.NewErrorf(domain.CodeValidationError, "invalid priority %q", issue.Priority)
	}
	if !domain.IsValidComplexity(issue.Complexity) {
		return domain.NewErrorf(domain.CodeValidationError, "invalid complexity %q", issue.Complexity)
	}
	return s.issues.Save(ctx, issue)
}

// RegisterClaimant stores a claimant.
func (s *Service) RegisterClaimant(ctx context.Context, claimant *domain.Claimant) error {
	if claimant.ID == "" {
		return domain.NewError(domain.CodeValidationError, "claimant id is required")
	}
	if !domain.IsValidClaimantType(claimant.Type) {
		return domain.NewErrorf(domain.CodeValidationError, "invalid claimant type %q", claimant.Type)
	}
	if claimant.MaxConcurrent <= 0 {
		claimant.MaxConcurrent = domain.DefaultMaxConcurrentClaims
	}
	return s.claimants.Save(ctx, claimant)
}

// GetClaimant returns one claimant.
func (s *Service) GetClaimant(ctx context.Context, id string) (*domain.Claimant, error) {
	return s.loadClaimant(ctx, id)
}

// AssignRules returns the effective auto-assignment weights.
func (s *Service) AssignRules() domain.AssignWeights { return s.weights }

// Board groups open claims by status for a kanban-style view.
func (s *Service) Board(ctx context.Context) (map[domain.ClaimStatus][]*domain.Claim, error) {
	open, err := s.claims.FindOpen(ctx)
	if err != nil {
		return nil, err
	}
	board := make(map[domain.ClaimStatus][]*domain.Claim)
	for _, claim := range open {
		board[claim.Status] = append(board[claim.Status], claim)
	}
	return board, nil
}

func invalidTransition(from, to domain.ClaimStatus) error {
	return domain.NewErrorf(domain.CodeInvalidStatusTransition, "cannot transition from %s to %s", from, to).
		WithDetail("current", from).
		WithDetail("requested", to)
}
