package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/llm-costproxy/internal/app"
	"github.com/nulpointcorp/llm-costproxy/internal/config"
)

// documentFlags lets the command line override the document paths from
// the environment.
type documentFlags struct {
	routes  string
	pricing string
}

func (f *documentFlags) load() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.routes != "" {
		cfg.RoutesFile = f.routes
	}
	if f.pricing != "" {
		cfg.PricingFile = f.pricing
	}
	return cfg, nil
}

func newServeCmd(flags *documentFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			logger := buildLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			// Graceful shutdown on SIGINT / SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				logger.Error("startup failed", slog.String("error", err.Error()))
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				logger.Error("costproxy stopped", slog.String("error", err.Error()))
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
