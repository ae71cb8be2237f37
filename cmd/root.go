// Package cmd defines the fetchproxy command line: the proxy, worker, and
// analytics subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/config"
	"github.com/JakeFAU/fetchproxy/internal/logging"
	"github.com/JakeFAU/fetchproxy/internal/server"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetchproxy",
		Short: "A forward HTTP proxy backed by a pool of caching fetch workers.",
		Long: `fetchproxy accepts ordinary proxy requests, hands each one to a fetch
worker chosen round-robin, and serves responses from a cache shared by every
worker. Run one "proxy" process and any number of "worker" processes that
point at the same storage.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "path to a config file (yaml, json, or toml)")
	cmd.PersistentFlags().Bool("log-dev", true, "use development logging")

	cmd.AddCommand(newProxyCmd(), newWorkerCmd(), newAnalyticsCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type buildFunc func(context.Context, config.Config, *zap.Logger) (*server.App, error)

// runService loads configuration, builds the app for service, and runs it
// until a signal arrives.
func runService(cmd *cobra.Command, service, portKey string, build buildFunc) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("read --config: %w", err)
	}
	cfg, err := config.Load(path, cmd.Flags(), portKey)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development, service)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	app, err := build(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	return app.Run(cmd.Context())
}
