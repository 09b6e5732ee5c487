package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-listingcache/pkg/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "listingsvc",
		Short:        "Serve cached real-estate listings and their search settings over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}

			logger, logCloser, err := config.NewLogger(cfg.Log, os.Stdout)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logCloser.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to initialise service")
				return err
			}
			if err := a.start(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to start service")
				_ = a.shutdown(context.Background())
				return err
			}

			<-ctx.Done()
			logger.Info().Msg("Shutdown signal received.")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Cache.StopTimeout)
			defer cancel()
			if err := a.shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Service shutdown incomplete")
				return err
			}
			logger.Info().Msg("Service stopped.")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().Int("port", 5000, "HTTP port (overrides config and environment)")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn or error")
	return cmd
}
