// Command fleet-coordinator tracks a fleet of nodes over an MQTT broker and
// serves the admin API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetlink/cmd/version"
)

var rootCmd = &cobra.Command{
	Use:   "fleet-coordinator",
	Short: "track fleet nodes and dispatch tasks",
	Long: "Subscribes to node registrations, retained status and results on an MQTT broker, " +
		"fires dead-node callbacks on last-will or offline, and serves the admin API.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "TOML config file")
	rootCmd.Flags().String("env-file", "", ".env file (default: ./.env when present)")
	rootCmd.Flags().String("admin-addr", "", "admin API listen address (overrides config)")
	rootCmd.AddCommand(version.NewCommand("fleet-coordinator"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleet-coordinator failed: %v\n", err)
		os.Exit(1)
	}
}
