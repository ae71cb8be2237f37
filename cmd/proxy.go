package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetchproxy/internal/server"
)

func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the client-facing proxy",
		Long: `Serves forward-proxy requests on --port, dispatching each to a configured
worker with failover, and appends one access record per request.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd, "proxy", "proxy.port", server.BuildProxy)
		},
	}
	cmd.Flags().Int("port", 8080, "listen port")
	return cmd
}
