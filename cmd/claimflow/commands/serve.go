package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blackms/claimflow/internal/infrastructure/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		server := httpapi.NewServer(
			log.With().Str("component", "http").Logger(),
			app.Service, app.Stealing, app.Balancer, app.Registry, app.Store,
		)
		srv := &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: server.Router(),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
