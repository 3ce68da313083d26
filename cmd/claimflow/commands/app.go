package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	appclaims "github.com/blackms/claimflow/internal/application/claims"
	"github.com/blackms/claimflow/internal/domain/agent"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
	"github.com/blackms/claimflow/internal/infrastructure/events"
	"github.com/blackms/claimflow/internal/shared/config"
)

// App holds the wired engine for one command invocation.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Service  *appclaims.Service
	Stealing *appclaims.StealingService
	Balancer *appclaims.LoadBalancer
	Registry *agent.Registry
	Store    infra.EventStore
	Bus      *events.Bus

	closers []func() error
}

// Close releases storage handles.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildApp constructs the engine against the configured storage backend and
// seeds the agent registry from the claimant repository.
func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log, Registry: agent.NewRegistry(), Bus: events.New()}

	var (
		claimRepo    infra.ClaimRepository
		issueRepo    infra.IssueRepository
		claimantRepo infra.ClaimantRepository
		eventStore   infra.EventStore
	)
	switch cfg.Storage.Driver {
	case "memory":
		claimRepo = infra.NewMemoryClaimRepository()
		issueRepo = infra.NewMemoryIssueRepository()
		claimantRepo = infra.NewMemoryClaimantRepository()
		eventStore = infra.NewMemoryEventStore()
	case "sqlite":
		store, err := infra.OpenSQLiteStore(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		claimRepo = store.Claims()
		issueRepo = store.Issues()
		claimantRepo = store.Claimants()
		eventStore = store.Events()
	case "postgres":
		store, err := infra.OpenPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		claimRepo = store.Claims()
		issueRepo = store.Issues()
		claimantRepo = store.Claimants()
		eventStore = store.Events()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	app.Store = eventStore

	app.Service = appclaims.NewService(eventStore, claimRepo, issueRepo, claimantRepo,
		appclaims.WithLogger(log.With().Str("component", "claims").Logger()),
		appclaims.WithBus(app.Bus),
		appclaims.WithAssignWeights(cfg.AssignRules()),
	)
	app.Stealing = appclaims.NewStealingService(eventStore, claimRepo, claimantRepo,
		appclaims.WithStealLogger(log.With().Str("component", "stealing").Logger()),
		appclaims.WithStealBus(app.Bus),
		appclaims.WithStealConfig(cfg.StealRules()),
	)
	app.Balancer = appclaims.NewLoadBalancer(eventStore, claimRepo, app.Registry, app.Service,
		appclaims.WithBalancerLogger(log.With().Str("component", "balancer").Logger()),
		appclaims.WithBalancerBus(app.Bus),
		appclaims.WithLoadConfig(cfg.LoadRules()),
	)

	claimants, err := claimantRepo.FindAll(ctx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("seed registry: %w", err)
	}
	for _, claimant := range claimants {
		if err := app.Registry.Register(ctx, claimant); err != nil {
			app.Close()
			return nil, fmt.Errorf("seed registry: %w", err)
		}
	}
	return app, nil
}
