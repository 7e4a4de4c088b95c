package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "inlet",
	Short: "Inlet notification ingestion gateway",
	Long: `inlet accepts notification events over HTTP webhooks, WebSocket
streams, a unix domain socket, and a filesystem drop directory, runs
every event through a shared authentication, rate-limiting, and
validation pipeline, and persists accepted records with a change queue
for downstream synchronization.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml, env INLET_*)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
