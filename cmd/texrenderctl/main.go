// Command texrenderctl renders snippets, manages migrations and mints the
// Google Drive refresh token.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"texrender/internal/config"
	"texrender/internal/pkg/logger"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "texrenderctl",
		Short:         "Operator tool for the texrender service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRenderCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newGDriveAuthCmd())
	return root
}

// loadConfig reads the service configuration and a stderr logger. verbose
// lowers the level to debug.
func loadConfig(verbose bool) (config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "texrenderctl",
	})
	return cfg, log, nil
}
