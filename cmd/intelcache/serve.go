package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-intelcache/pkg/microservice"
	"github.com/illmade-knight/go-intelcache/pkg/refresh"
	"github.com/illmade-knight/go-intelcache/pkg/refresh/pubsubsource"
)

func newServeCmd() *cobra.Command {
	var sweepInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Error().Err(err).Msg("Error closing cache stores.")
				}
			}()

			pool, err := refresh.NewPool(a.cfg.RefreshSettings(), a.service, a.metrics, a.logger)
			if err != nil {
				return err
			}
			pool.Start(ctx)

			source, err := startPubSubSource(ctx, a, pool)
			if err != nil {
				return err
			}

			server, err := microservice.NewIntelServer(a.cfg.HTTPPort, a.service, pool, a.metrics, a.logger)
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start HTTP server: %w", err)
			}
			if sweepInterval > 0 {
				go sweepExpired(ctx, a, sweepInterval)
			}

			<-ctx.Done()
			a.logger.Info().Msg("Shutdown signal received.")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
			}
			if source != nil {
				if err := source.Stop(shutdownCtx); err != nil {
					a.logger.Error().Err(err).Msg("Pub/Sub refresh source shutdown failed.")
				}
			}
			if err := pool.Stop(shutdownCtx); err != nil {
				a.logger.Error().Err(err).Msg("Refresh pool shutdown failed.")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "periodically delete records past their horizon (0 disables)")
	return cmd
}

// startPubSubSource subscribes to refresh jobs when a subscription is configured.
func startPubSubSource(ctx context.Context, a *app, pool *refresh.Pool) (*pubsubsource.Source, error) {
	if a.cfg.Refresh.Subscription == "" || a.cfg.ProjectID == "" {
		return nil, nil
	}
	var opts []option.ClientOption
	if a.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(a.cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, a.cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	source, err := pubsubsource.New(ctx, pubsubsource.Config{
		SubscriptionID: a.cfg.Refresh.Subscription,
		Facets:         a.service.Facets(),
	}, client, pool, a.logger)
	if err != nil {
		return nil, err
	}
	source.Start(ctx)
	return source, nil
}

func sweepExpired(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.service.ClearExpired(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Expired record sweep failed.")
			}
		}
	}
}
