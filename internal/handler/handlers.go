// Package handler exposes the connect flow and connection management over HTTP.
package handler

import (
	"log/slog"

	"github.com/cruxstack/oauth2-capture/internal/flow"
	"github.com/cruxstack/oauth2-capture/internal/lifecycle"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	orchestrator     *flow.Orchestrator
	manager          *lifecycle.Manager
	tokens           store.TokenStore
	providerRegistry *provider.Registry
	logger           *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	orchestrator *flow.Orchestrator,
	manager *lifecycle.Manager,
	tokens store.TokenStore,
	providerRegistry *provider.Registry,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		orchestrator:     orchestrator,
		manager:          manager,
		tokens:           tokens,
		providerRegistry: providerRegistry,
		logger:           logger,
	}
}
