package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cruxstack/oauth2-capture/internal/config"
	"github.com/cruxstack/oauth2-capture/internal/flow"
	"github.com/cruxstack/oauth2-capture/internal/handler"
	"github.com/cruxstack/oauth2-capture/internal/lifecycle"
	"github.com/cruxstack/oauth2-capture/internal/metrics"
	"github.com/cruxstack/oauth2-capture/internal/middleware"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// OwnerHeader is the owner header the test server trusts.
const OwnerHeader = config.DefaultOwnerHeader

// TestServer is a capture server wired to a mock Twitter provider.
type TestServer struct {
	Server      *http.Server
	URL         string
	Config      *config.Config
	MockTwitter *MockTwitterServer
	Tokens      store.TokenStore
	Manager     *lifecycle.Manager

	listener net.Listener
}

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	// Port to listen on (0 for random)
	Port int

	// OwnershipPolicy applied when an account is connected by a second owner
	OwnershipPolicy store.OwnershipPolicy

	// TokenStore overrides the in-memory store (e.g. SQLite)
	TokenStore store.TokenStore
}

// NewTestServer creates and starts a capture server backed by a mock Twitter.
func NewTestServer(cfg *TestServerConfig) (*TestServer, error) {
	if cfg == nil {
		cfg = &TestServerConfig{}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("creating listener: %w", err)
	}
	baseURL := "http://" + listener.Addr().String()

	mockTwitter := NewMockTwitterServer()

	appCfg := &config.Config{
		BaseURL: baseURL,
		Providers: []config.ProviderConfig{
			{
				Name:         "twitter",
				ClientID:     "mock-twitter-client",
				ClientSecret: "mock-twitter-secret",
				CallbackURL:  baseURL + "/connect/twitter/callback",
				AuthURL:      mockTwitter.AuthURL(),
				TokenURL:     mockTwitter.TokenURL(),
				UserURL:      mockTwitter.UserURL(),
			},
		},
		SessionSecret:   "test-session-secret-0123456789abcdef",
		OwnerHeader:     OwnerHeader,
		OwnershipPolicy: cfg.OwnershipPolicy,
		DatabaseDriver:  config.DriverMemory,
		HTTPTimeout:     5 * time.Second,
	}

	// Quiet for tests
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	fail := func(err error) (*TestServer, error) {
		listener.Close()
		mockTwitter.Close()
		return nil, err
	}

	registry := provider.NewDefaultRegistry()
	if err := registry.LoadAll(appCfg.ProviderConfigs()); err != nil {
		return fail(fmt.Errorf("creating providers: %w", err))
	}

	tokens := cfg.TokenStore
	if tokens == nil {
		tokens = store.NewMemoryTokenStore()
	}

	orchestrator := flow.NewOrchestrator(registry, store.NewMemoryStateStore(), tokens, flow.Options{
		Policy: appCfg.OwnershipPolicy,
		Logger: logger,
	})
	manager := lifecycle.NewManager(tokens, registry, lifecycle.Options{
		LeasePoll:      10 * time.Millisecond,
		RefreshTimeout: 5 * time.Second,
		Logger:         logger,
	})

	promReg := prometheus.NewRegistry()
	if err := metrics.Register(promReg); err != nil {
		return fail(fmt.Errorf("registering metrics: %w", err))
	}

	handlers := handler.NewHandlers(orchestrator, manager, tokens, registry, logger)
	router := handler.NewRouter(handlers, handler.RouterOptions{
		Logger: logger,
		SessionStore: middleware.NewSessionStore(middleware.SessionOptions{
			Secret: appCfg.SessionSecret,
		}),
		OwnerHeader: appCfg.OwnerHeader,
		Metrics:     promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ts := &TestServer{
		Server:      srv,
		URL:         baseURL,
		Config:      appCfg,
		MockTwitter: mockTwitter,
		Tokens:      tokens,
		Manager:     manager,
		listener:    listener,
	}

	go srv.Serve(listener) //nolint:errcheck

	if err := ts.waitForReady(5 * time.Second); err != nil {
		ts.Close()
		return nil, err
	}

	return ts, nil
}

// Close shuts down the test server and the mock provider.
func (ts *TestServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts.MockTwitter.Close()
	err := ts.Server.Shutdown(ctx)
	ts.Tokens.Close()
	return err
}

// waitForReady waits for the server to be ready to accept connections.
func (ts *TestServer) waitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}
