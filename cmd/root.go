// Package cmd defines and implements the CLI commands for the
// stopsearch-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/app"
	"github.com/JakeFAU/stopsearch-ingest/internal/config"
	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/orchestrator"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface commands use. It allows injecting a
// mock app during tests.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Registry() ingest.Registry
	Orchestrator() *orchestrator.Orchestrator
}

// newApp is the application factory. It is a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stopsearch-ingest",
		Short: "Backfills UK police stop-and-search data into Postgres.",
		Long: `stopsearch-ingest pulls stop-and-search records from the data.police.uk
API, one police force and calendar month at a time, cleans and validates
them, and bulk-loads the survivors into Postgres. A period registry makes
runs idempotent and safe to repeat after partial failures.`,

		// Runs after flags are parsed and before the subcommand's RunE: the
		// place to build and inject the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses environment only)")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newRemediateCmd())
	cmd.AddCommand(newServeCmd())

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
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
