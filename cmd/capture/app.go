package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cruxstack/oauth2-capture/internal/config"
	"github.com/cruxstack/oauth2-capture/internal/lifecycle"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *provider.Registry
	tokens   store.TokenStore
}

// loadConfig loads configuration. Commands that only touch storage skip the
// full validation.
func loadConfig(full bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if full {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}
	return cfg, nil
}

// newApp loads configuration, registers providers and opens the token store.
func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, err
	}
	cfg.LogConfig(logger)

	registry := provider.NewDefaultRegistry()
	for _, pc := range cfg.ProviderConfigs() {
		if err := registry.CreateFromConfig(pc); err != nil {
			return nil, err
		}
		logger.Info("registered OAuth provider", "name", pc.Name, "type", pc.Type)
	}

	tokens, err := openTokenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, registry: registry, tokens: tokens}, nil
}

func (a *app) manager() *lifecycle.Manager {
	return lifecycle.NewManager(a.tokens, a.registry, lifecycle.Options{
		LeaseTTL: a.cfg.RefreshLeaseTTL,
		Logger:   a.logger,
	})
}

func (a *app) Close() error {
	return a.tokens.Close()
}

// openTokenStore opens the configured token store and brings its schema up to date.
func openTokenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.TokenStore, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		s, err := store.NewPostgresTokenStore(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		n, err := s.Migrate(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("using postgres token store", "migrations_applied", n)
		return s, nil
	case config.DriverSQLite:
		s, err := store.NewSQLiteTokenStore(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite token store", "path", cfg.DatabaseDSN)
		return s, nil
	case config.DriverMemory:
		logger.Warn("using in-memory token store; tokens are lost on restart")
		return store.NewMemoryTokenStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// openStateStore opens the flow state store.
func openStateStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.StateStore, error) {
	if cfg.StateRedisStoreEnabled {
		logger.Info("using Redis flow state store")
		s, err := store.NewRedisStateStore(ctx, cfg.RedisConfig())
		if err != nil {
			return nil, fmt.Errorf("creating Redis flow state store: %w", err)
		}
		return s, nil
	}
	logger.Info("using in-memory flow state store")
	return store.NewMemoryStateStore(), nil
}
