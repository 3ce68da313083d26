package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blackms/claimflow/internal/application/claims"
	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// decode unmarshals and validates a request body.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewError(domain.CodeValidationError, "malformed request body")
	}
	if err := s.validate.Struct(v); err != nil {
		return domain.NewErrorf(domain.CodeValidationError, "invalid request: %s", err)
	}
	return nil
}

type registerIssueRequest struct {
	ID                   string   `json:"id" validate:"required"`
	Title                string   `json:"title" validate:"required"`
	Description          string   `json:"description"`
	Priority             string   `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	Complexity           string   `json:"complexity" validate:"omitempty,oneof=trivial simple moderate complex epic"`
	Labels               []string `json:"labels"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
	RepositoryID         string   `json:"repositoryId"`
	URL                  string   `json:"url"`
}

func (s *Server) handleRegisterIssue(w http.ResponseWriter, r *http.Request) {
	var req registerIssueRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	issue := domain.NewIssue(req.ID, req.Title)
	issue.Description = req.Description
	issue.Labels = req.Labels
	issue.RequiredCapabilities = req.RequiredCapabilities
	issue.RepositoryID = req.RepositoryID
	issue.URL = req.URL
	if req.Priority != "" {
		issue.Priority = domain.Priority(req.Priority)
	}
	if req.Complexity != "" {
		issue.Complexity = domain.Complexity(req.Complexity)
	}
	if err := s.svc.RegisterIssue(r.Context(), issue); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

func (s *Server) handleAvailableIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.IssueFilter{
		Priority:           domain.Priority(q.Get("priority")),
		Complexity:         domain.Complexity(q.Get("complexity")),
		RequiredCapability: q.Get("capability"),
		RepositoryID:       q.Get("repository"),
	}
	if labels := q.Get("labels"); labels != "" {
		filter.Labels = strings.Split(labels, ",")
	}
	if limit := q.Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}
	issues, err := s.svc.GetAvailableIssues(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues, "count": len(issues)})
}

func (s *Server) handleIssueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetIssueStatus(r.Context(), chi.URLParam(r, "issueID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleIssueHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.History(r.Context(), chi.URLParam(r, "issueID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

type claimRequest struct {
	ClaimantID string `json:"claimantId" validate:"required"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claim, err := s.svc.Claim(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

type releaseRequest struct {
	ClaimantID string `json:"claimantId" validate:"required"`
	Reason     string `json:"reason"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Release(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Complete(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type handoffRequest struct {
	FromID string `json:"fromId" validate:"required"`
	ToID   string `json:"toId" validate:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleRequestHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	handoff, err := s.svc.RequestHandoff(r.Context(), chi.URLParam(r, "issueID"), req.FromID, req.ToID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handoff)
}

func (s *Server) handleAcceptHandoff(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.AcceptHandoff(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleRejectHandoff(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.RejectHandoff(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.UpdateStatus(r.Context(), chi.URLParam(r, "issueID"), status, req.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

type updateProgressRequest struct {
	ClaimantID string  `json:"claimantId" validate:"required"`
	Progress   float64 `json:"progress" validate:"min=0,max=100"`
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req updateProgressRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.UpdateProgress(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID, req.Progress); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": req.Progress})
}

type setExpirationRequest struct {
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
}

func (s *Server) handleSetExpiration(w http.ResponseWriter, r *http.Request) {
	var req setExpirationRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SetExpiration(r.Context(), chi.URLParam(r, "issueID"), req.ExpiresAt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expiresAt": req.ExpiresAt})
}

type addNoteRequest struct {
	Note string `json:"note" validate:"required"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req addNoteRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.AddNote(r.Context(), chi.URLParam(r, "issueID"), req.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

type reviewRequest struct {
	Reviewers []string `json:"reviewers" validate:"required,min=1"`
}

func (s *Server) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.RequestReview(r.Context(), chi.URLParam(r, "issueID"), req.Reviewers); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewers": req.Reviewers})
}

func (s *Server) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetIssueStatus(r.Context(), chi.URLParam(r, "issueID"))
	if err != nil {
		writeError(w, err)
		return
	}
	candidate, err := s.svc.AutoAssign(r.Context(), status.Issue)
	if err != nil {
		writeError(w, err)
		return
	}
	if candidate == nil {
		writeJSON(w, http.StatusOK, map[string]any{"candidate": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidate": candidate})
}

type markStealableRequest struct {
	ClaimantID     string `json:"claimantId"`
	Reason         string `json:"reason" validate:"required,oneof=stale blocked overloaded manual timeout"`
	GraceSeconds   *int   `json:"graceSeconds"`
	MinPriority    string `json:"minPriority" validate:"omitempty,oneof=critical high medium low"`
	RequireContest bool   `json:"requireContest"`
}

func (s *Server) handleMarkStealable(w http.ResponseWriter, r *http.Request) {
	var req markStealableRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts := claims.MarkOptions{
		MinPriority:    domain.Priority(req.MinPriority),
		RequireContest: req.RequireContest,
	}
	if req.GraceSeconds != nil {
		grace := time.Duration(*req.GraceSeconds) * time.Second
		opts.Grace = &grace
	}
	claim, err := s.stealing.MarkStealable(r.Context(), chi.URLParam(r, "issueID"),
		req.ClaimantID, domain.StealReason(req.Reason), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleSteal(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.stealing.Steal(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleContestSteal(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	contest, err := s.stealing.ContestSteal(r.Context(), chi.URLParam(r, "issueID"), req.ClaimantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contest)
}

func (s *Server) handleStealable(w http.ResponseWriter, r *http.Request) {
	stealable, err := s.stealing.GetStealable(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": stealable, "count": len(stealable)})
}

func (s *Server) handleOpenContests(w http.ResponseWriter, _ *http.Request) {
	contests := s.stealing.OpenContests()
	writeJSON(w, http.StatusOK, map[string]any{"contests": contests, "count": len(contests)})
}

type resolveContestRequest struct {
	WinnerID  string `json:"winnerId" validate:"required"`
	Authority string `json:"authority" validate:"required,oneof=queen human timeout"`
}

func (s *Server) handleResolveContest(w http.ResponseWriter, r *http.Request) {
	var req resolveContestRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	contest, err := s.stealing.ResolveContest(r.Context(), chi.URLParam(r, "contestID"), req.WinnerID, req.Authority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contest)
}

type registerClaimantRequest struct {
	ID              string   `json:"id" validate:"required"`
	Type            string   `json:"type" validate:"required,oneof=agent human"`
	Name            string   `json:"name"`
	Capabilities    []string `json:"capabilities"`
	Specializations []string `json:"specializations"`
	MaxConcurrent   int      `json:"maxConcurrentClaims" validate:"min=0"`
	SwarmID         string   `json:"swarmId"`
}

func (s *Server) handleRegisterClaimant(w http.ResponseWriter, r *http.Request) {
	var req registerClaimantRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claimant := &domain.Claimant{
		ID:              req.ID,
		Type:            domain.ClaimantType(req.Type),
		Name:            req.Name,
		Capabilities:    req.Capabilities,
		Specializations: req.Specializations,
		MaxConcurrent:   req.MaxConcurrent,
	}
	if err := s.svc.RegisterClaimant(r.Context(), claimant); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Register(r.Context(), claimant); err != nil {
		writeError(w, err)
		return
	}
	if req.SwarmID != "" {
		if err := s.registry.AddToSwarm(r.Context(), req.SwarmID, claimant.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, claimant)
}

func (s *Server) handleClaimedBy(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.svc.GetClaimedBy(r.Context(), chi.URLParam(r, "claimantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claimed, "count": len(claimed)})
}

func (s *Server) handleAgentLoad(w http.ResponseWriter, r *http.Request) {
	load, err := s.balancer.GetAgentLoad(r.Context(), chi.URLParam(r, "claimantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

type createSwarmRequest struct {
	ID      string   `json:"id" validate:"required"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (s *Server) handleCreateSwarm(w http.ResponseWriter, r *http.Request) {
	var req createSwarmRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	swarm, err := s.registry.CreateSwarm(r.Context(), req.ID, req.Name, req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, swarm)
}

func (s *Server) handleListSwarms(w http.ResponseWriter, r *http.Request) {
	swarms := s.registry.ListSwarms(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"swarms": swarms, "count": len(swarms)})
}

type swarmMemberRequest struct {
	AgentID string `json:"agentId" validate:"required"`
}

func (s *Server) handleAddToSwarm(w http.ResponseWriter, r *http.Request) {
	var req swarmMemberRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.AddToSwarm(r.Context(), chi.URLParam(r, "swarmID"), req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveFromSwarm(w http.ResponseWriter, r *http.Request) {
	err := s.registry.RemoveFromSwarm(r.Context(), chi.URLParam(r, "swarmID"), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleSwarmLoad(w http.ResponseWriter, r *http.Request) {
	load, err := s.balancer.GetSwarmLoad(r.Context(), chi.URLParam(r, "swarmID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) handleDetectImbalance(w http.ResponseWriter, r *http.Request) {
	imbalance, err := s.balancer.DetectImbalance(r.Context(), chi.URLParam(r, "swarmID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, imbalance)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	swarmID := chi.URLParam(r, "swarmID")
	var result *claims.RebalanceResult
	var err error
	if r.URL.Query().Get("preview") == "true" {
		result, err = s.balancer.PreviewRebalance(r.Context(), swarmID)
	} else {
		result, err = s.balancer.Rebalance(r.Context(), swarmID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.svc.Board(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stealStats, err := s.stealing.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims":    stats,
		"stealing":  stealStats,
		"balancing": s.balancer.GetStats(),
	})
}

// handleConfig reports the rule configuration the running services use.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"steal":  s.stealing.Rules(),
		"load":   s.balancer.Rules(),
		"assign": s.svc.AssignRules(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EventFilter{AggregateID: q.Get("aggregateId")}
	if t := q.Get("type"); t != "" {
		filter.Types = []domain.EventType{domain.EventType(t)}
	}
	events, err := s.store.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
