// Command costproxy is a caching, coalescing reverse proxy for LLM APIs
// that records what every request cost and what it would have cost on the
// reference model.
//
// Quick-start (in-memory cache, SQLite cost store):
//
//	ANTHROPIC_API_KEY=sk-ant-... ./costproxy serve
//
// Point Anthropic clients at http://localhost:8080 instead of
// https://api.anthropic.com.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags documentFlags

	serve := newServeCmd(&flags)
	root := &cobra.Command{
		Use:           "costproxy",
		Short:         "Cost-optimizing LLM reverse proxy",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running without a subcommand serves.
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&flags.routes, "routes", "", "routes.yaml path (overrides ROUTES_FILE)")
	root.PersistentFlags().StringVar(&flags.pricing, "pricing", "", "pricing.yaml path (overrides PRICING_FILE)")

	root.AddCommand(
		serve,
		newCheckCmd(&flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
