// Command capture runs the OAuth token capture service and its maintenance tasks.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "capture",
		Short:         "Capture and refresh third-party OAuth tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newMigrateCmd(logger),
		newSweepCmd(logger),
		newConnectionsCmd(logger),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}
}
