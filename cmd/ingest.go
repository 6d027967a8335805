package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/orchestrator"
)

// newIngestCmd creates the 'ingest' subcommand, which runs one full
// ingestion pass and exits.
func newIngestCmd() *cobra.Command {
	var forces []string
	var from, to string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Runs one ingestion pass over the missing periods",
		Long: `Discovers which (force, month) periods the upstream API has published
but the registry has not completed, then fetches, cleans, validates, and
loads each one. Safe to re-run: completed periods are skipped and failed
periods are retried.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			scope := orchestrator.Scope{Forces: forces}
			if scope.From, err = parseMonthFlag(from); err != nil {
				return err
			}
			if scope.To, err = parseMonthFlag(to); err != nil {
				return err
			}

			result, err := appInstance.Orchestrator().Run(cmd.Context(), scope)
			if err != nil {
				return fmt.Errorf("run ingestion: %w", err)
			}

			appInstance.Logger().Info("Ingest command finished",
				zap.String("run_id", result.RunID),
				zap.Int("fetched", result.Fetched),
				zap.Int("written", result.Written),
				zap.Int("quarantined", result.Quarantined),
				zap.Int("completed_periods", len(result.Completed)),
				zap.Int("failed_periods", len(result.Failed)),
			)
			if len(result.Failed) > 0 {
				return errors.New("one or more periods failed; see logs")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&forces, "force", nil, "force id to ingest (repeatable; default all available)")
	cmd.Flags().StringVar(&from, "from", "", "earliest period to consider, YYYY-MM")
	cmd.Flags().StringVar(&to, "to", "", "latest period to consider, YYYY-MM")
	return cmd
}

func parseMonthFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	month, err := ingest.ParseMonth(value)
	if err != nil {
		return nil, fmt.Errorf("invalid month %q, want YYYY-MM", value)
	}
	return &month, nil
}
