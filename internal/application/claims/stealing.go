package claims

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domain "github.com/blackms/claimflow/internal/domain/claims"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
	"github.com/blackms/claimflow/internal/infrastructure/events"
)

// Contest authorities accepted by ResolveContest.
const (
	AuthorityQueen   = "queen"
	AuthorityHuman   = "human"
	AuthorityTimeout = "timeout"
)

// Contest tracks a challenged steal until a verdict lands. Resolution is
// immutable: once Resolved is set the winner and loser never change.
type Contest struct {
	ID           string    `json:"id"`
	ClaimID      string    `json:"claimId"`
	IssueID      string    `json:"issueId"`
	OwnerID      string    `json:"ownerId"`
	ChallengerID string    `json:"challengerId"`
	StartedAt    time.Time `json:"startedAt"`
	Deadline     time.Time `json:"deadline"`
	Contested    bool      `json:"contested"` // owner objected within the window
	Resolved     bool      `json:"resolved"`
	WinnerID     string    `json:"winnerId,omitempty"`
	LoserID      string    `json:"loserId,omitempty"`
	Authority    string    `json:"authority,omitempty"`
}

// StealResult reports the outcome of a Steal call: either ownership moved,
// or a contest window opened.
type StealResult struct {
	Stolen  bool          `json:"stolen"`
	Claim   *domain.Claim `json:"claim"`
	Contest *Contest      `json:"contest,omitempty"`
}

// StaleCandidate pairs a claim with the reason it qualifies for reclamation.
type StaleCandidate struct {
	Claim  *domain.Claim      `json:"claim"`
	Reason domain.StealReason `json:"reason"`
}

// StealingService implements work stealing: marking claims stealable,
// executing or contesting steals, and sweeping for stale work. Contests are
// transient coordination state and live in memory; every outcome that
// matters is written to the claim record and the event log.
type StealingService struct {
	log       zerolog.Logger
	store     infra.EventStore
	bus       *events.Bus
	claims    infra.ClaimRepository
	claimants infra.ClaimantRepository
	cfg       domain.StealConfig
	source    string

	mu       sync.Mutex
	contests map[string]*Contest // by contest id
	byClaim  map[string]string   // unresolved contest id by claim id
	steals   int
}

// StealingOption configures a StealingService.
type StealingOption func(*StealingService)

// WithStealLogger sets the service logger.
func WithStealLogger(log zerolog.Logger) StealingOption {
	return func(s *StealingService) { s.log = log }
}

// WithStealBus attaches a live event bus.
func WithStealBus(bus *events.Bus) StealingOption {
	return func(s *StealingService) { s.bus = bus }
}

// WithStealConfig overrides the steal rules configuration.
func WithStealConfig(cfg domain.StealConfig) StealingOption {
	return func(s *StealingService) { s.cfg = cfg }
}

// NewStealingService creates a work stealing service.
func NewStealingService(
	store infra.EventStore,
	claims infra.ClaimRepository,
	claimants infra.ClaimantRepository,
	opts ...StealingOption,
) *StealingService {
	s := &StealingService{
		log:       zerolog.Nop(),
		store:     store,
		claims:    claims,
		claimants: claimants,
		cfg:       domain.DefaultStealConfig(),
		source:    "stealing-service",
		contests:  make(map[string]*Contest),
		byClaim:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StealingService) emit(ctx context.Context, event *domain.Event) {
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

func (s *StealingService) openClaim(ctx context.Context, issueID string) (*domain.Claim, error) {
	claim, err := s.claims.FindOpenByIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, domain.NewErrorf(domain.CodeNotClaimed, "issue %s has no open claim", issueID)
	}
	return claim, nil
}

// MarkOptions refine a MarkStealable call beyond its reason.
type MarkOptions struct {
	Grace          *time.Duration  // overrides the configured grace period
	MinPriority    domain.Priority // only claims at or above may be stolen
	RequireContest bool            // force a contest regardless of reason
}

// MarkStealable flags a claim as available for stealing. Only the owner may
// mark voluntarily; the stale-work sweeper marks on the system's behalf via
// AutoMarkStealable.
func (s *StealingService) MarkStealable(ctx context.Context, issueID, callerID string, reason domain.StealReason, opts MarkOptions) (*domain.Claim, error) {
	if !domain.IsValidStealReason(reason) {
		return nil, domain.NewErrorf(domain.CodeValidationError, "invalid steal reason %q", reason)
	}
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && !claim.IsOwnedBy(callerID) {
		return nil, domain.NewErrorf(domain.CodeUnauthorized, "claim on issue %s is owned by %s", issueID, claim.Claimant.ID)
	}
	if !domain.CanTransitionStatus(claim.Status, domain.StatusStealable) {
		return nil, invalidTransition(claim.Status, domain.StatusStealable)
	}

	grace := s.cfg.GracePeriod
	if opts.Grace != nil {
		grace = *opts.Grace
	}
	now := time.Now().UTC()
	info := domain.StealInfo{
		Reason:         reason,
		MarkedAt:       now,
		GraceUntil:     now.Add(grace),
		MinPriority:    opts.MinPriority,
		RequireContest: opts.RequireContest,
	}

	expected := claim.Version
	from := claim.Status
	claim.MarkStealable(info)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		return nil, err
	}

	s.log.Info().Str("issue", issueID).Str("reason", string(reason)).Msg("claim marked stealable")
	s.emit(ctx, domain.NewMarkedStealableEvent(claim, info))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusStealable, string(reason)))
	return claim, nil
}

// Steal attempts to take a stealable claim. When the steal rules demand a
// contest, a contest window opens and ownership does not move yet.
func (s *StealingService) Steal(ctx context.Context, issueID, stealerID string) (*StealResult, error) {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return nil, err
	}
	stealer, err := s.claimants.FindByID(ctx, stealerID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, domain.NewErrorf(domain.CodeClaimantNotFound, "claimant %s not found", stealerID)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, contestUnresolved := s.byClaim[claim.ID]
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := domain.CheckSteal(claim, stealer, contestUnresolved, s.cfg, now); err != nil {
		return nil, err
	}
	open, err := s.claims.CountOpenByClaimant(ctx, stealerID)
	if err != nil {
		return nil, err
	}
	if open >= stealer.MaxConcurrent {
		return nil, domain.NewErrorf(domain.CodeMaxClaimsExceeded,
			"claimant %s holds %d of %d allowed claims", stealerID, open, stealer.MaxConcurrent)
	}

	if domain.RequiresStealContest(claim) {
		contest := s.startContest(claim, stealerID, now)
		s.emit(ctx, domain.NewContestStartedEvent(claim, contest.ID, stealerID, contest.Deadline))
		s.log.Info().Str("issue", issueID).Str("challenger", stealerID).Msg("steal contest started")
		return &StealResult{Stolen: false, Claim: claim, Contest: contest}, nil
	}

	if err := s.executeSteal(ctx, claim, *stealer); err != nil {
		return nil, err
	}
	return &StealResult{Stolen: true, Claim: claim}, nil
}

func (s *StealingService) startContest(claim *domain.Claim, challengerID string, now time.Time) *Contest {
	s.mu.Lock()
	defer s.mu.Unlock()
	contest := &Contest{
		ID:           uuid.NewString(),
		ClaimID:      claim.ID,
		IssueID:      claim.IssueID,
		OwnerID:      claim.Claimant.ID,
		ChallengerID: challengerID,
		StartedAt:    now,
		Deadline:     now.Add(s.cfg.ContestWindow),
	}
	s.contests[contest.ID] = contest
	s.byClaim[claim.ID] = contest.ID
	return contest
}

// executeSteal transfers ownership to the stealer.
func (s *StealingService) executeSteal(ctx context.Context, claim *domain.Claim, stealer domain.Claimant) error {
	previousOwner := claim.Claimant.ID
	expected := claim.Version
	from := claim.Status
	claim.TransferTo(stealer)
	if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
		if errors.Is(err, infra.ErrVersionConflict) {
			return domain.NewError(domain.CodeNotStealable, "claim changed while the steal was in flight")
		}
		return err
	}

	s.mu.Lock()
	s.steals++
	s.mu.Unlock()

	s.log.Info().
		Str("issue", claim.IssueID).
		Str("from", previousOwner).
		Str("to", stealer.ID).
		Msg("claim stolen")
	s.emit(ctx, domain.NewIssueStolenEvent(claim, stealer.ID, previousOwner))
	s.emit(ctx, domain.NewStatusChangedEvent(claim, from, domain.StatusActive, ""))
	return nil
}

// ContestSteal registers the original owner's objection to an open contest.
func (s *StealingService) ContestSteal(ctx context.Context, issueID, ownerID string) (*Contest, error) {
	claim, err := s.openClaim(ctx, issueID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClaim[claim.ID]
	if !ok {
		return nil, domain.NewErrorf(domain.CodeContestNotFound, "no open contest on issue %s", issueID)
	}
	contest := s.contests[id]
	if contest.OwnerID != ownerID {
		return nil, domain.NewErrorf(domain.CodeUnauthorized, "only the original owner %s may contest", contest.OwnerID)
	}
	if time.Now().UTC().After(contest.Deadline) {
		return nil, domain.NewError(domain.CodeContestNotFound, "the contest window has closed")
	}
	contest.Contested = true
	return contest, nil
}

// ResolveContest settles a contest. The winner must be one of the two
// parties; a challenger win transfers ownership, an owner win restores the
// claim to active.
func (s *StealingService) ResolveContest(ctx context.Context, contestID, winnerID, authority string) (*Contest, error) {
	if authority != AuthorityQueen && authority != AuthorityHuman && authority != AuthorityTimeout {
		return nil, domain.NewErrorf(domain.CodeValidationError, "invalid resolution authority %q", authority)
	}

	s.mu.Lock()
	contest, ok := s.contests[contestID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.NewErrorf(domain.CodeContestNotFound, "contest %s not found", contestID)
	}
	if contest.Resolved {
		s.mu.Unlock()
		return nil, domain.NewErrorf(domain.CodeContestNotFound, "contest %s is already resolved", contestID)
	}
	if winnerID != contest.OwnerID && winnerID != contest.ChallengerID {
		s.mu.Unlock()
		return nil, domain.NewErrorf(domain.CodeValidationError, "winner %s is not a party to the contest", winnerID)
	}
	contest.Resolved = true
	contest.WinnerID = winnerID
	contest.Authority = authority
	if winnerID == contest.OwnerID {
		contest.LoserID = contest.ChallengerID
	} else {
		contest.LoserID = contest.OwnerID
	}
	delete(s.byClaim, contest.ClaimID)
	resolved := *contest
	s.mu.Unlock()

	claim, err := s.claims.FindByID(ctx, resolved.ClaimID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, domain.NewContestResolvedEvent(claim, resolved.ID, resolved.WinnerID, resolved.LoserID, authority))

	if resolved.WinnerID == resolved.ChallengerID {
		winner, err := s.claimants.FindByID(ctx, resolved.WinnerID)
		if errors.Is(err, infra.ErrNotFound) {
			return nil, domain.NewErrorf(domain.CodeClaimantNotFound, "claimant %s not found", resolved.WinnerID)
		}
		if err != nil {
			return nil, err
		}
		if err := s.executeSteal(ctx, claim, *winner); err != nil {
			return nil, err
		}
	} else if claim.Status == domain.StatusStealable {
		expected := claim.Version
		claim.Steal = nil
		claim.SetStatus(domain.StatusActive)
		if err := s.claims.SaveVersioned(ctx, claim, expected); err != nil {
			return nil, err
		}
		s.emit(ctx, domain.NewStatusChangedEvent(claim, domain.StatusStealable, domain.StatusActive, "contest won by owner"))
	}

	s.log.Info().
		Str("contest", resolved.ID).
		Str("winner", resolved.WinnerID).
		Str("authority", authority).
		Msg("steal contest resolved")
	return &resolved, nil
}

// ProcessExpiredContests sweeps contests past their deadline. An uncontested
// expiry hands the claim to the challenger; a contested one falls back to
// the owner.
func (s *StealingService) ProcessExpiredContests(ctx context.Context) ([]*Contest, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	var expired []*Contest
	for _, contest := range s.contests {
		if !contest.Resolved && now.After(contest.Deadline) {
			expired = append(expired, contest)
		}
	}
	s.mu.Unlock()

	var resolved []*Contest
	for _, contest := range expired {
		winner := contest.ChallengerID
		if contest.Contested {
			winner = contest.OwnerID
		}
		outcome, err := s.ResolveContest(ctx, contest.ID, winner, AuthorityTimeout)
		if err != nil {
			s.log.Warn().Err(err).Str("contest", contest.ID).Msg("expired contest resolution failed")
			continue
		}
		resolved = append(resolved, outcome)
	}
	return resolved, nil
}

// DetectStaleWork scans open claims for stale or long-blocked work.
func (s *StealingService) DetectStaleWork(ctx context.Context) ([]StaleCandidate, error) {
	open, err := s.claims.FindOpen(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var candidates []StaleCandidate
	for _, claim := range open {
		if reason, ok := domain.StaleCandidateReason(claim, s.cfg, now); ok {
			candidates = append(candidates, StaleCandidate{Claim: claim, Reason: reason})
		}
	}
	return candidates, nil
}

// AutoMarkStealable marks every detected stale-work candidate stealable on
// the system's behalf.
func (s *StealingService) AutoMarkStealable(ctx context.Context) ([]*domain.Claim, error) {
	candidates, err := s.DetectStaleWork(ctx)
	if err != nil {
		return nil, err
	}
	var marked []*domain.Claim
	for _, candidate := range candidates {
		claim, err := s.MarkStealable(ctx, candidate.Claim.IssueID, "", candidate.Reason, MarkOptions{})
		if err != nil {
			s.log.Warn().Err(err).Str("issue", candidate.Claim.IssueID).Msg("auto mark stealable failed")
			continue
		}
		marked = append(marked, claim)
	}
	return marked, nil
}

// Rules returns the effective steal configuration.
func (s *StealingService) Rules() domain.StealConfig { return s.cfg }

// GetStealable lists claims currently marked stealable.
func (s *StealingService) GetStealable(ctx context.Context) ([]*domain.Claim, error) {
	return s.claims.FindByStatus(ctx, domain.StatusStealable)
}

// GetContest returns a contest by id.
func (s *StealingService) GetContest(contestID string) (*Contest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contest, ok := s.contests[contestID]
	if !ok {
		return nil, domain.NewErrorf(domain.CodeContestNotFound, "contest %s not found", contestID)
	}
	c := *contest
	return &c, nil
}

// OpenContests lists unresolved contests.
func (s *StealingService) OpenContests() []*Contest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*Contest
	for _, id := range s.byClaim {
		c := *s.contests[id]
		open = append(open, &c)
	}
	return open
}

// StealStats summarizes stealing activity.
type StealStats struct {
	StealableClaims int `json:"stealableClaims"`
	OpenContests    int `json:"openContests"`
	TotalSteals     int `json:"totalSteals"`
}

// GetStats reports stealing counters.
func (s *StealingService) GetStats(ctx context.Context) (*StealStats, error) {
	stealable, err := s.claims.CountByStatus(ctx, domain.StatusStealable)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &StealStats{
		StealableClaims: stealable,
		OpenContests:    len(s.byClaim),
		TotalSteals:     s.steals,
	}, nil
}
