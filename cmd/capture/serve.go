package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cruxstack/oauth2-capture/internal/flow"
	"github.com/cruxstack/oauth2-capture/internal/handler"
	"github.com/cruxstack/oauth2-capture/internal/lifecycle"
	"github.com/cruxstack/oauth2-capture/internal/metrics"
	"github.com/cruxstack/oauth2-capture/internal/middleware"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, logger)
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if len(a.registry.List()) == 0 {
		logger.Warn("no OAuth providers configured")
	}

	states, err := openStateStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer states.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	manager := a.manager()
	orchestrator := flow.NewOrchestrator(a.registry, states, a.tokens, flow.Options{
		Policy: cfg.OwnershipPolicy,
		Logger: logger,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	handlers := handler.NewHandlers(orchestrator, manager, a.tokens, a.registry, logger)
	router := handler.NewRouter(handlers, handler.RouterOptions{
		Logger: logger,
		SessionStore: middleware.NewSessionStore(middleware.SessionOptions{
			Secret:       cfg.SessionSecret,
			SecureCookie: cfg.SessionSecureCookie,
		}),
		OwnerHeader: cfg.OwnerHeader,
		Limiter:     limiter,
	})

	if cfg.SweepInterval > 0 {
		sweeper := lifecycle.NewSweeper(manager, cfg.SweepInterval, cfg.SweepWindow, logger)
		go sweeper.Run(ctx) //nolint:errcheck
		logger.Info("background refresh enabled", "interval", cfg.SweepInterval.String())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // callbacks wait on two provider calls
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("starting server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("server stopped")
	return nil
}
