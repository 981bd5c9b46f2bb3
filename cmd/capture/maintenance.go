package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cruxstack/oauth2-capture/internal/config"
	"github.com/cruxstack/oauth2-capture/internal/lifecycle"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending token store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.DatabaseDSN == "" {
				return fmt.Errorf("missing required configuration: APP_DATABASE_DSN")
			}

			ctx := cmd.Context()
			switch cfg.DatabaseDriver {
			case config.DriverPostgres:
				s, err := store.NewPostgresTokenStore(ctx, cfg.DatabaseDSN)
				if err != nil {
					return err
				}
				defer s.Close()
				n, err := s.Migrate(ctx)
				if err != nil {
					return err
				}
				logger.Info("migrations applied", "driver", cfg.DatabaseDriver, "count", n)
			case config.DriverSQLite:
				// opening applies pending migrations
				s, err := store.NewSQLiteTokenStore(ctx, cfg.DatabaseDSN)
				if err != nil {
					return err
				}
				defer s.Close()
				logger.Info("migrations applied", "driver", cfg.DatabaseDriver)
			default:
				return fmt.Errorf("driver %q has no schema", cfg.DatabaseDriver)
			}
			return nil
		},
	}
}

func newSweepCmd(logger *slog.Logger) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Refresh tokens that expire soon, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if window == 0 {
				window = a.cfg.SweepWindow
			}
			res, err := lifecycle.NewSweeper(a.manager(), 0, window, logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("sweep complete",
				"refreshed", res.Refreshed, "reauth_required", res.ReauthRequired, "failed", res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d refreshes failed", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "refresh tokens expiring within this duration (default APP_SWEEP_WINDOW)")
	return cmd
}

func newConnectionsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect and remove stored connections",
	}

	var owner string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's connections (tokens are not printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.tokens.ListByOwner(cmd.Context(), owner)
			if err != nil {
				return err
			}
			m := a.manager()
			type row struct {
				ID          string     `json:"id"`
				Provider    string     `json:"provider"`
				Username    string     `json:"username"`
				DisplayName string     `json:"display_name"`
				ExpiresAt   *time.Time `json:"expires_at,omitempty"`
				Status      string     `json:"status"`
			}
			out := make([]row, 0, len(recs))
			for _, r := range recs {
				out = append(out, row{r.ID, r.Provider, r.Username(), r.DisplayName, r.ExpiresAt, m.Status(r).String()})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	listCmd.Flags().StringVar(&owner, "owner", "", "local owner ID")
	listCmd.MarkFlagRequired("owner") //nolint:errcheck

	var deleteOwner string
	deleteCmd := &cobra.Command{
		Use:   "delete-owner",
		Short: "Delete every connection held by an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.tokens.DeleteOwner(cmd.Context(), deleteOwner)
			if err != nil {
				return err
			}
			logger.Info("connections deleted", "owner", deleteOwner, "count", n)
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&deleteOwner, "owner", "", "local owner ID")
	deleteCmd.MarkFlagRequired("owner") //nolint:errcheck

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}
