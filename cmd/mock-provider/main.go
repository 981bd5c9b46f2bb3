// Command mock-provider runs a standalone mock OAuth 2.0 provider that
// simulates Twitter, GitHub and Google for offline testing of the capture
// service, including short-lived tokens, refresh rotation and revocation.
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
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var (
		port  int
		opts  Options
		noTTL bool
	)

	root := &cobra.Command{
		Use:           "mock-provider",
		Short:         "Run a mock OAuth 2.0 provider for Twitter, GitHub and Google",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noTTL {
				opts.TokenTTL = 0
			}
			opts.Logger = logger
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, logger, port, opts)
		},
	}
	root.Flags().IntVar(&port, "port", 9999, "port to listen on")
	root.Flags().DurationVar(&opts.TokenTTL, "token-ttl", 2*time.Hour, "access token lifetime")
	root.Flags().BoolVar(&noTTL, "no-expiry", false, "issue access tokens without expires_in")
	root.Flags().BoolVar(&opts.RotateRefresh, "rotate-refresh", true, "issue a new refresh token on every refresh")

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, port int, opts Options) error {
	server := NewMockOAuthServer(opts)

	logger.Info("starting mock OAuth provider",
		"port", port,
		"providers", mockProviders,
		"token_ttl", opts.TokenTTL.String(),
		"rotate_refresh", opts.RotateRefresh,
	)

	fmt.Printf("\n")
	fmt.Printf("=================================================\n")
	fmt.Printf("  Mock OAuth Provider Server\n")
	fmt.Printf("=================================================\n")
	fmt.Printf("  Port: %d\n", port)
	fmt.Printf("\n")
	fmt.Printf("  Endpoints:\n")
	fmt.Printf("    Twitter:  /twitter/authorize, /twitter/token, /twitter/user\n")
	fmt.Printf("    GitHub:   /github/authorize, /github/token, /github/user, /github/applications\n")
	fmt.Printf("    Google:   /google/authorize, /google/token, /google/userinfo, /google/tokeninfo\n")
	fmt.Printf("    Revoke:   POST /admin/revoke?user_id=...\n")
	fmt.Printf("\n")
	fmt.Printf("  Test Users:\n")
	for _, u := range defaultUsers {
		fmt.Printf("    - %s (@%s) - %s\n", u.Name, u.Username, u.Email)
	}
	fmt.Printf("=================================================\n\n")

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
