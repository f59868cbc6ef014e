package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blenny-cli",
	Short: "Blenny CLI tool",
	Long: `Blenny CLI is a command-line companion for the Blenny broker server.

Available commands:
  record    Encode and decode profile records in the binary wire format
  image     Run the image pipeline (resize, composite, chart) locally
  tail      Connect to a running server and stream broker traffic

Use "blenny-cli [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Here you can define your flags and configuration settings
	// Cobra supports persistent flags, which, if defined here,
	// will be global for your application.
}
