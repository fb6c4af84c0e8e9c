package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/portico-web/portico/internal/config"
)

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print a starter portico.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(config.Example())
	},
}

func init() {
	rootCmd.AddCommand(exampleConfigCmd)
}
