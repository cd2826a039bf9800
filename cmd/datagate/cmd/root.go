// Package cmd provides the CLI commands for DataGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datagate-io/datagate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "datagate",
	Short: "DataGate - policy-enforcing gateway for master-data access",
	Long: `DataGate is a policy-enforcing gateway in front of a remote master-data
hub (MDH). It exposes the hub's models and records over a JSON-RPC API
with OAuth 2.1 bearer authentication, per-endpoint rate limiting,
threat analysis on conversational queries, and append-only audit
logging.

Quick start:
  1. Create a config file: datagate.yaml
  2. Run: datagate serve

Configuration:
  Config is loaded from datagate.yaml in the current directory,
  $HOME/.datagate/, or /etc/datagate/.

  Environment variables can override config values with the DATAGATE_ prefix.
  Example: DATAGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve         Start the gateway server
  hash-secret   Generate a hash for a revocation client secret
  version       Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./datagate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
