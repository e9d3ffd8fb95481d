// Command snapreadd runs a snapread server: it loads configuration from
// flags and an optional YAML file, builds the server, and runs it until
// SIGINT/SIGTERM, generalizing the teacher's cobra-rooted CLI entrypoint
// onto this project's own config and server packages.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snapread/snapread/config"
	"github.com/snapread/snapread/server"
)

var version = "dev"

func main() {
	cfg := config.Default()

	// The YAML overlay must apply before cobra parses --tcp-addr and
	// friends (which are bound directly to cfg's fields), so that an
	// explicit flag always wins over the file. cobra parses flags as part
	// of Execute, with no hook point earlier than that, so --config is
	// scanned out of argv by hand first.
	if err := config.LoadYAMLOverlay(cfg, scanConfigFlag(os.Args[1:])); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

// scanConfigFlag extracts --config/--config=path from argv without
// involving cobra, which cannot run early enough for the ordering above.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case len(a) > len("--config=") && a[:len("--config=")] == "--config=":
			return a[len("--config="):]
		}
	}
	return ""
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "snapreadd",
		Short: "snapread server: an in-memory read-through cache served over a binary protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configFile, "config", "", "path to a YAML config overlay")
	root.Flags().AddFlagSet(config.FlagSet(cfg))
	return root
}

func run(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	srv, err := server.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("snapreadd: %w", err)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(srv.Metrics().Registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().Msg("starting snapread server")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("snapreadd: %w", err)
	}
	logger.Info().Msg("snapread server stopped")
	return nil
}
