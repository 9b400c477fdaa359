package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-authz/pkg/authz"
	"github.com/polisai/polis-authz/pkg/callbacks"
	"github.com/polisai/polis-authz/pkg/config"
	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/logging"
	"github.com/polisai/polis-authz/pkg/policy"
	"github.com/polisai/polis-authz/pkg/server"
	"github.com/polisai/polis-authz/pkg/telemetry"
	"github.com/polisai/polis-authz/pkg/watch"
)

const defaultConfigPath = "polis-authz.yaml"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the decision API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	cmd.Flags().String("listen", "", "Listen address (overrides server.listen)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	// Flags win over the config file only when set explicitly.
	level := cfg.Logging.Level
	if cmd.Flags().Changed("log-level") {
		level, _ = cmd.Flags().GetString("log-level")
	}
	pretty := cfg.Logging.Pretty
	if cmd.Flags().Changed("pretty") {
		pretty, _ = cmd.Flags().GetBool("pretty")
	}
	logger := logging.NewLogger(logging.Config{Level: level, Pretty: pretty})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	authorizer := authz.New(authz.Config{
		Builder: policy.NewBuilder(policy.BuilderOptions{
			CacheMaxEntries: cfg.Cache.MaxEntries,
			Logger:          logger,
		}),
		Logger:  logger,
		Metrics: metrics,
	})

	authorizer.Persistent().Push(callbacks.New("announce-engine", func(context.Context) error {
		logger.Info("policy engine installed",
			"generation", authorizer.Generation(),
			"model", cfg.Model.Path,
			"policy", cfg.Policy.Path,
		)
		return nil
	}))

	loader := authz.NewLoader(authorizer, func(context.Context) ([]byte, domain.Policy, error) {
		return loadDocuments(cfg.Model, cfg.Policy)
	}, logger)

	if err := loader.WhenReady(ctx, "start-listener", func(context.Context) error {
		logger.Info("initial policy load complete")
		return nil
	}); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	if cfg.Watch.Enabled {
		watcher, err := newReloadWatcher(cfg, loader, metrics, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	tlsConfig, err := cfg.Server.TLS.ServerTLS()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}

	srv := server.New(server.Config{
		Authorizer:      authorizer,
		Metrics:         metrics,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		},
	})
	return srv.Serve(ctx, listener, tlsConfig)
}

// newReloadWatcher re-runs the loader whenever the model or policy file
// changes. A failed reload keeps the previous engine serving.
func newReloadWatcher(cfg *config.Config, loader *authz.Loader, metrics *telemetry.Metrics, logger *slog.Logger) (*watch.Watcher, error) {
	return watch.New(
		[]string{cfg.Model.Path, cfg.Policy.Path},
		func(ctx context.Context, changed string) error {
			err := loader.Load(ctx)
			if err != nil {
				metrics.RecordReload("failure")
				return fmt.Errorf("reload after change to %s: %w", changed, err)
			}
			metrics.RecordReload("success")
			return nil
		},
		watch.Options{Debounce: cfg.Watch.Debounce, Logger: logger},
	)
}
