// Package cmd provides the CLI commands for portico.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portico-web/portico/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "portico",
	Short: "portico - multiplexing HTTP/1.1 server",
	Long: `Portico is an HTTP/1.1 server that multiplexes plaintext HTTP, TLS
(by first-byte auto-detection), WebSocket upgrades, and CONNECT forward
tunneling on a single TCP listener.

Quick start:
  1. Create a config file: portico.yaml (see: portico example-config)
  2. Run: portico serve

Configuration:
  Config is loaded from portico.yaml in the current directory,
  $HOME/.portico/, or /etc/portico/.

  Environment variables can override config values with the PORTICO_ prefix.
  Example: PORTICO_SERVER_PORT=9090

Commands:
  serve           Start the server
  example-config  Print a starter configuration
  version         Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./portico.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
