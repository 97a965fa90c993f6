// Package server exposes the agent runtime over an OpenAI-compatible HTTP
// surface and owns the process lifecycle: the HTTP listener, the memory-pool
// janitor and the skill watcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/opencmit/alphora/internal/config"
	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/internal/llm"
	"github.com/opencmit/alphora/internal/memory"
	"github.com/opencmit/alphora/internal/observability"
	"github.com/opencmit/alphora/internal/sandbox"
	"github.com/opencmit/alphora/internal/skills"
)

// shutdownGrace bounds graceful HTTP shutdown on exit.
const shutdownGrace = 10 * time.Second

// Server is the HTTP front of the runtime.
type Server struct {
	cfg    *config.Config
	client *llm.Client
	pool   *memory.Pool

	skills  *skills.Manager
	sandbox sandbox.Sandbox

	bus            *hooks.Bus
	metrics        *observability.Metrics
	metricsHandler http.Handler
	tracer         *observability.Tracer
	logger         *slog.Logger

	mux *http.ServeMux
}

// Option tunes server construction.
type Option func(*Server)

// WithPool substitutes the session pool.
func WithPool(p *memory.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithSkills binds the skill manager.
func WithSkills(m *skills.Manager) Option {
	return func(s *Server) { s.skills = m }
}

// WithSandbox binds the sandbox capability.
func WithSandbox(sb sandbox.Sandbox) Option {
	return func(s *Server) { s.sandbox = sb }
}

// WithHooks attaches the hook bus.
func WithHooks(b *hooks.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithMetrics attaches the metric set and the handler serving /metrics.
func WithMetrics(m *observability.Metrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithTracer attaches a tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the server and its route table.
func New(cfg *config.Config, client *llm.Client, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	if s.pool == nil {
		s.pool = memory.NewPool(cfg.MemoryTTL(), cfg.MaxMemoryItems, s.metrics, s.logger)
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metricsHandler)
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.withRecovery(s.withRequestLog(s.mux))
}

// Run serves until ctx is cancelled: the HTTP listener, the pool janitor on
// the auto-clean cadence, and the skill watcher when one is configured.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if s.cfg.AutoCleanInterval() > 0 {
		janitor := cron.New()
		if _, err := janitor.AddFunc(fmt.Sprintf("@every %s", s.cfg.AutoCleanInterval()), func() {
			if evicted := s.pool.Sweep(); evicted > 0 {
				s.logger.Info("memory pool swept", "evicted", evicted)
			}
		}); err != nil {
			return fmt.Errorf("schedule pool janitor: %w", err)
		}
		janitor.Start()
		g.Go(func() error {
			<-ctx.Done()
			<-janitor.Stop().Done()
			return nil
		})
	}

	if s.skills != nil && s.cfg.Skills.Watch {
		g.Go(func() error {
			err := s.skills.Watch(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
