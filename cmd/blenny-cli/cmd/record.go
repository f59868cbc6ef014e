package cmd

import (
	"github.com/spf13/cobra"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Encode and decode profile records",
	Long: `The record command converts profile records between JSON and the compact
binary wire format used by the broker. It is useful for inspecting buffers
captured from a running system and for preparing fixtures.

Available subcommands:
  encode    Read a profile record as JSON and write the binary buffer
  decode    Read a binary buffer and print the profile record as JSON

Examples:
  # Encode a profile to its binary form
  blenny-cli record encode profile.json -o profile.bin

  # Decode a captured buffer back to JSON
  blenny-cli record decode profile.bin

Use "blenny-cli record [command] --help" for more information about a specific command.`,
}

func init() {
	rootCmd.AddCommand(recordCmd)
}
