package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appclaims "github.com/blackms/claimflow/internal/application/claims"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the maintenance loops: expiry, stale-work detection, contest timeouts, and optional auto-rebalancing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		log.Info().
			Dur("expireEvery", cfg.Claims.ExpireEvery).
			Dur("sweepEvery", cfg.Claims.SweepEvery).
			Bool("autoRebalance", cfg.Claims.AutoRebalance).
			Msg("daemon started")

		go runLoop(ctx, cfg.Claims.ExpireEvery, func() {
			if expired, err := app.Service.ExpireStale(ctx, cfg.Claims.StaleAfter); err != nil {
				log.Warn().Err(err).Msg("expiry pass failed")
			} else if len(expired) > 0 {
				log.Info().Int("expired", len(expired)).Msg("expiry pass")
			}
		})
		go runLoop(ctx, cfg.Claims.SweepEvery, func() {
			if marked, err := app.Stealing.AutoMarkStealable(ctx); err != nil {
				log.Warn().Err(err).Msg("stale sweep failed")
			} else if len(marked) > 0 {
				log.Info().Int("marked", len(marked)).Msg("stale sweep")
			}
			if _, err := app.Stealing.ProcessExpiredContests(ctx); err != nil {
				log.Warn().Err(err).Msg("contest sweep failed")
			}
		})
		if cfg.Claims.AutoRebalance {
			go runLoop(ctx, cfg.Claims.RebalanceEvery, func() {
				rebalanceSwarms(ctx, app)
			})
		}

		<-ctx.Done()
		log.Info().Msg("daemon stopped")
		return nil
	},
}

// runLoop runs fn on a fixed interval until the context ends.
func runLoop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// rebalanceSwarms runs a rebalance pass over every swarm that shows an
// imbalance.
func rebalanceSwarms(ctx context.Context, app *App) {
	for _, swarm := range app.Registry.ListSwarms(ctx) {
		imbalance, err := app.Balancer.DetectImbalance(ctx, swarm.ID)
		if err != nil {
			log.Warn().Err(err).Str("swarm", swarm.ID).Msg("imbalance check failed")
			continue
		}
		if !imbalance.Detected {
			continue
		}
		var result *appclaims.RebalanceResult
		if result, err = app.Balancer.Rebalance(ctx, swarm.ID); err != nil {
			log.Warn().Err(err).Str("swarm", swarm.ID).Msg("rebalance failed")
			continue
		}
		log.Info().Str("swarm", swarm.ID).Int("moves", len(result.Moves)).Msg("auto rebalance")
	}
}
