// Command fastcon-bridge pairs FastCon BLE mesh lights and bridges them to
// Home Assistant, sACN and a local HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fastcon-bridge",
	Short: "FastCon BLE mesh light bridge",
	Long: `fastcon-bridge drives FastCon (BRMesh) bulbs through a Bluetooth HCI
controller. It discovers and pairs lights, then exposes them to Home
Assistant over MQTT, to lighting desks over E1.31 (sACN) and to scripts and
other tools over an HTTP API.

Running without a subcommand is the same as "run".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBridge,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
