// Command fleet-node runs one fleet node: it registers with the
// coordinator, reports status and receives tasks over an MQTT broker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetlink/cmd/version"
)

var rootCmd = &cobra.Command{
	Use:   "fleet-node",
	Short: "run a fleet node",
	Long: "Connects to the MQTT broker with a last-will, announces the node, reports ready on init " +
		"and publishes offline on SIGINT/SIGTERM before disconnecting.",
	Example:      "fleet-node --config fleet.toml --device-type esp-32",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "TOML config file")
	rootCmd.Flags().String("env-file", "", ".env file (default: ./.env when present)")
	rootCmd.Flags().String("device-type", "", "device type to announce (overrides config)")
	rootCmd.Flags().String("node-id", "", "node id (default: random UUID)")
	rootCmd.AddCommand(version.NewCommand("fleet-node"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleet-node failed: %v\n", err)
		os.Exit(1)
	}
}
