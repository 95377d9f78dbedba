// Command mockupstream runs scripted upstream LLM servers for end-to-end and
// load testing without real credentials.
//
// Each dialect listens on its own port:
//
//	OpenAI / Ollama  :19001
//	Anthropic        :19002
//
// Behaviour flags:
//
//	--latency       artificial latency added to every response (default 0)
//	--error-rate    fraction [0,1] of requests answered with HTTP 500
//	--stream-words  words in a generated response (default 10)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-costproxy/internal/mockupstream"
)

type options struct {
	openaiAddr    string
	anthropicAddr string
	latency       time.Duration
	errorRate     float64
	streamWords   int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "mockupstream",
		Short:        "Run mock Anthropic and OpenAI-compatible upstreams",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o, slog.New(slog.NewTextHandler(os.Stdout, nil)))
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.openaiAddr, "openai-addr", ":19001", "listen address of the OpenAI-compatible server")
	f.StringVar(&o.anthropicAddr, "anthropic-addr", ":19002", "listen address of the Anthropic server")
	f.DurationVar(&o.latency, "latency", 0, "latency added to every response")
	f.Float64Var(&o.errorRate, "error-rate", 0, "fraction of requests answered with HTTP 500")
	f.IntVar(&o.streamWords, "stream-words", 10, "words in a generated response")
	return cmd
}

func (o options) validate() error {
	if o.errorRate < 0 || o.errorRate > 1 {
		return fmt.Errorf("mockupstream: --error-rate must be within [0,1], got %v", o.errorRate)
	}
	if o.streamWords < 1 {
		return fmt.Errorf("mockupstream: --stream-words must be ≥ 1, got %d", o.streamWords)
	}
	return nil
}

// run serves both dialects until ctx is cancelled.
func run(ctx context.Context, o options, log *slog.Logger) error {
	mock := mockupstream.New(mockupstream.Config{
		Latency:     o.latency,
		ErrorRate:   o.errorRate,
		StreamWords: o.streamWords,
	})

	servers := map[string]*http.Server{
		"openai":    newServer(o.openaiAddr, mock.OpenAIHandler()),
		"anthropic": newServer(o.anthropicAddr, mock.AnthropicHandler()),
	}

	log.Info("starting mock upstreams",
		slog.Duration("latency", o.latency),
		slog.Float64("error_rate", o.errorRate),
		slog.Int("stream_words", o.streamWords),
	)

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range servers {
		g.Go(func() error {
			log.Info("mock upstream listening", slog.String("dialect", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
		log.Info("mock upstreams stopped", slog.Int("calls", mock.Calls()))
		return nil
	})
	return g.Wait()
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
