// Package httpapi exposes the claims engine over HTTP. Thin handlers
// translate JSON to service calls; every rule lives below this layer.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	appclaims "github.com/blackms/claimflow/internal/application/claims"
	"github.com/blackms/claimflow/internal/domain/agent"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
)

// Server wires the application services to a chi router.
type Server struct {
	log      zerolog.Logger
	svc      *appclaims.Service
	stealing *appclaims.StealingService
	balancer *appclaims.LoadBalancer
	registry *agent.Registry
	store    infra.EventStore
	validate *validator.Validate
}

// NewServer creates the HTTP layer over the given services.
func NewServer(
	log zerolog.Logger,
	svc *appclaims.Service,
	stealing *appclaims.StealingService,
	balancer *appclaims.LoadBalancer,
	registry *agent.Registry,
	store infra.EventStore,
) *Server {
	return &Server{
		log:      log,
		svc:      svc,
		stealing: stealing,
		balancer: balancer,
		registry: registry,
		store:    store,
		validate: validator.New(),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/issues", func(r chi.Router) {
			r.Post("/", s.handleRegisterIssue)
			r.Get("/", s.handleAvailableIssues)
			r.Route("/{issueID}", func(r chi.Router) {
				r.Get("/status", s.handleIssueStatus)
				r.Get("/history", s.handleIssueHistory)
				r.Post("/claim", s.handleClaim)
				r.Post("/release", s.handleRelease)
				r.Post("/complete", s.handleComplete)
				r.Post("/handoff", s.handleRequestHandoff)
				r.Post("/handoff/accept", s.handleAcceptHandoff)
				r.Post("/handoff/reject", s.handleRejectHandoff)
				r.Put("/status", s.handleUpdateStatus)
				r.Put("/progress", s.handleUpdateProgress)
				r.Put("/expiration", s.handleSetExpiration)
				r.Post("/notes", s.handleAddNote)
				r.Post("/review", s.handleRequestReview)
				r.Post("/auto-assign", s.handleAutoAssign)
				r.Post("/steal/mark", s.handleMarkStealable)
				r.Post("/steal", s.handleSteal)
				r.Post("/steal/contest", s.handleContestSteal)
			})
		})

		r.Route("/claimants", func(r chi.Router) {
			r.Post("/", s.handleRegisterClaimant)
			r.Get("/{claimantID}/claims", s.handleClaimedBy)
			r.Get("/{claimantID}/load", s.handleAgentLoad)
		})

		r.Route("/swarms", func(r chi.Router) {
			r.Post("/", s.handleCreateSwarm)
			r.Get("/", s.handleListSwarms)
			r.Post("/{swarmID}/members", s.handleAddToSwarm)
			r.Delete("/{swarmID}/members/{agentID}", s.handleRemoveFromSwarm)
			r.Get("/{swarmID}/load", s.handleSwarmLoad)
			r.Get("/{swarmID}/imbalance", s.handleDetectImbalance)
			r.Post("/{swarmID}/rebalance", s.handleRebalance)
		})

		r.Get("/stealable", s.handleStealable)
		r.Get("/contests", s.handleOpenContests)
		r.Post("/contests/{contestID}/resolve", s.handleResolveContest)

		r.Get("/board", s.handleBoard)
		r.Get("/stats", s.handleStats)
		r.Get("/config", s.handleConfig)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// requestLogger logs one line per request in the structured format the rest
// of the process uses.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
