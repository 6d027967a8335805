package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRemediateCmd creates the 'remediate' subcommand, which retries
// quarantined rows through the current clean and validate rules.
func newRemediateCmd() *cobra.Command {
	var force, period string

	cmd := &cobra.Command{
		Use:   "remediate",
		Short: "Retries quarantined rows against the current rules",
		Long: `Re-reads quarantined rows, optionally narrowed to one force and one
period, and runs them through cleaning and validation again. Rows that now
pass are written to the primary store and removed from quarantine; rows
that still fail get their recorded reason refreshed.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			periodStart, err := parseMonthFlag(period)
			if err != nil {
				return err
			}

			remediated, err := appInstance.Orchestrator().Remediate(cmd.Context(), force, periodStart)
			if err != nil {
				return fmt.Errorf("remediate: %w", err)
			}
			appInstance.Logger().Info("Remediate command finished", zap.Int("remediated", remediated))
			return nil
		},
	}

	cmd.Flags().StringVar(&force, "force", "", "restrict to one force id")
	cmd.Flags().StringVar(&period, "period", "", "restrict to one period, YYYY-MM")
	return cmd
}
