package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetchproxy/internal/server"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a fetch worker",
		Long: `Serves fetch, health, clear, and stats RPCs on --port. Responses are cached
in the configured shared storage for every worker to reuse.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd, "worker", "worker.port", server.BuildWorker)
		},
	}
	cmd.Flags().Int("port", 9001, "listen port")
	cmd.Flags().String("worker-id", "", "worker identifier reported to the proxy")
	return cmd
}
