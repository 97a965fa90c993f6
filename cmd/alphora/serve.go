package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opencmit/alphora/internal/config"
	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/internal/llm"
	"github.com/opencmit/alphora/internal/observability"
	"github.com/opencmit/alphora/internal/sandbox"
	"github.com/opencmit/alphora/internal/server"
	"github.com/opencmit/alphora/internal/skills"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Alphora server",
		Long: `Start the Alphora server.

The server loads the configuration file, connects the LLM backend pool,
discovers skill packs, wires the sandbox tools when a sandbox service is
configured, and serves the chat-completion API until SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  alphora serve

  # Start with custom config
  alphora serve --config /etc/alphora/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "alphora.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := logLevel(cfg.LogLevel)
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting alphora",
		"version", version,
		"commit", commit,
		"config", configPath,
		"listen_addr", cfg.ListenAddr,
		"endpoints", len(cfg.Endpoints),
	)

	metrics := observability.NewMetrics(nil)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       true,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	backends := make([]llm.Backend, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		backends = append(backends, llm.Backend{
			BaseURL:     ep.BaseURL,
			APIKey:      ep.APIKey,
			Model:       ep.Model,
			Multimodal:  ep.Multimodal,
			Temperature: ep.Temperature,
			MaxTokens:   ep.MaxTokens,
			TopP:        ep.TopP,
			ExtraBody:   ep.ExtraBody,
		})
	}
	client, err := llm.New(backends,
		llm.WithTimeout(cfg.LLMRequestTimeout()),
		llm.WithMetrics(metrics),
		llm.WithTracer(tracer),
		llm.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{
		server.WithHooks(hooks.NewBus(cfg.HookDefaultTimeout(), logger)),
		server.WithMetrics(metrics, promhttp.Handler()),
		server.WithTracer(tracer),
		server.WithLogger(logger),
	}

	if len(cfg.Skills.Paths) > 0 {
		manager := skills.NewManager(cfg.Skills.Paths, skills.Mode(cfg.Skills.Mode),
			skills.WithLogger(logger))
		if err := manager.Reload(ctx); err != nil {
			return fmt.Errorf("load skills: %w", err)
		}
		logger.Info("skills loaded", "count", len(manager.List()), "mode", cfg.Skills.Mode)
		opts = append(opts, server.WithSkills(manager))
	}

	if cfg.Sandbox.BaseURL != "" {
		sb := sandbox.NewClient(cfg.Sandbox.BaseURL,
			sandbox.WithWorkdir(cfg.Sandbox.Workdir),
			sandbox.WithRequestTimeout(cfg.SandboxTimeout()),
			sandbox.WithLogger(logger),
		)
		logger.Info("sandbox enabled", "base_url", cfg.Sandbox.BaseURL)
		opts = append(opts, server.WithSandbox(sb))
	}

	return server.New(cfg, client, opts...).Run(ctx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
