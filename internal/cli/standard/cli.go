package standard

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags.
var version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "Fleet command-line interface",
		Long:  "fleetctl manages hosts and virtual machines through the fleetd API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("FLEET_API_BASE", "http://127.0.0.1:7780"), "fleetd API base URL")
	cmd.PersistentFlags().String("admin", envOrDefault("FLEET_ADMIN_BASE", "http://127.0.0.1:7781"), "fleetd admin base URL")
	cmd.PersistentFlags().String("api-key", envOrDefault("FLEET_API_KEY", ""), "API key sent with every request")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newComputesCmd())
	cmd.AddCommand(newActionCmd())
	cmd.AddCommand(newVMsCmd())
	cmd.AddCommand(newDaemonsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetctl %s\n", version)
		},
	}
}
