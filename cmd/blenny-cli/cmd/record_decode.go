package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nfrund/blenny/internal/codec"
	"github.com/spf13/cobra"
)

var decodeCompact bool

// recordDecodeCmd represents the record decode command
var recordDecodeCmd = &cobra.Command{
	Use:   "decode <profile.bin>",
	Short: "Decode a binary profile buffer back into JSON",
	Long: `Decode reads a binary profile buffer and prints the record as JSON on
standard output. Buffers that are truncated or otherwise malformed are
rejected with an error.

Examples:
  blenny-cli record decode profile.bin
  blenny-cli record decode profile.bin --compact`,
	Args: cobra.ExactArgs(1),
	Run:  recordDecodeHandler,
}

func recordDecodeHandler(cmd *cobra.Command, args []string) {
	inputPath := args[0]

	raw, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to read %s: %v\n", inputPath, err)
		os.Exit(1)
	}

	profile, err := codec.Decode(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to decode buffer: %v\n", err)
		os.Exit(1)
	}

	var out []byte
	if decodeCompact {
		out, err = json.Marshal(profile)
	} else {
		out, err = json.MarshalIndent(profile, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to encode JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(out))
}

func init() {
	recordCmd.AddCommand(recordDecodeCmd)

	recordDecodeCmd.Flags().BoolVar(&decodeCompact, "compact", false, "Print JSON on a single line")
}
