package cmd

import (
	"github.com/spf13/cobra"

	"instrumentq/internal/worker"
)

func serveCmd() *cobra.Command {
	var (
		port int
		name string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the queue server for the dummy driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if name != "" {
				cfg.Server.Name = name
			}
			return worker.Run(cmd.Context(), cfg)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 5000, "Port to run the server on (overrides Server_Port)")
	command.Flags().StringVarP(&name, "name", "n", "", "Driver name, also used for the lock and config files")
	return command
}
