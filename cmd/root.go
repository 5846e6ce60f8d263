// Package cmd defines the CLI commands of the a11yscan executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/config"
	"github.com/JakeFAU/a11y-scanner/internal/logging"
	"github.com/JakeFAU/a11y-scanner/internal/retention"
	"github.com/JakeFAU/a11y-scanner/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the part of the application the commands drive. Tests swap in a fake.
type App interface {
	Serve(ctx context.Context, withWorker bool) error
	RunWorker(ctx context.Context) error
	Sweep(ctx context.Context) (retention.Result, error)
	Migrate(ctx context.Context) error
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return app, logger, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "a11yscan",
		Short: "Website accessibility scanner with a paywalled full report.",
		Long: `a11yscan validates submitted URLs, queues scans, audits pages with a headless
browser and serves teaser or paid results over HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, logger, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if logger != nil {
				logger.Debug("application initialized", zap.String("command", cmd.Name()))
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); A11Y_* env vars override it")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newSweepCmd(), newMigrateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "a11yscan: %v\n", err)
		stop()
		os.Exit(1)
	}
}
