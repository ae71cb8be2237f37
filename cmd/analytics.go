package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetchproxy/internal/analytics"
)

func newAnalyticsCmd() *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "analytics [access.log]",
		Short: "Summarize an access log",
		Long: `Reads a JSON-lines access log and prints domain, cache, worker, status,
latency, and hourly distributions. Malformed lines are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "./logs/access.log"
			if len(args) == 1 {
				path = args[0]
			}
			report, err := analytics.AnalyzeFile(path)
			if err != nil {
				return err
			}
			if err := analytics.WriteText(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if csvPath == "" {
				return nil
			}
			f, err := os.Create(csvPath) //nolint:gosec // operator-supplied output path
			if err != nil {
				return fmt.Errorf("create csv: %w", err)
			}
			if err := analytics.WriteCSV(f, report); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close csv: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report exported to %s\n", csvPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "also export the report as CSV to this path")
	return cmd
}
