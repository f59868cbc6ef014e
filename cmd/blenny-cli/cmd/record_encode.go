package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nfrund/blenny/internal/codec"
	"github.com/nfrund/blenny/internal/domain"
	"github.com/spf13/cobra"
)

var encodeOutputPath string

// recordEncodeCmd represents the record encode command
var recordEncodeCmd = &cobra.Command{
	Use:   "encode <profile.json>",
	Short: "Encode a JSON profile record into the binary wire format",
	Long: `Encode reads a profile record from a JSON file and writes the compact
binary buffer the broker protocol carries on the wire.

The JSON document uses the same field names as the server API:

  {
    "id": "user:123",
    "username": "ada",
    "display_name": "Ada Lovelace",
    "bio": "First programmer",
    "created_at": 1735689600000,
    "updated_at": 1735689600000
  }

Optional fields may be omitted entirely; they are encoded as absent.

Examples:
  blenny-cli record encode profile.json -o profile.bin
  blenny-cli record encode profile.json              # writes profile.json.bin`,
	Args: cobra.ExactArgs(1),
	Run:  recordEncodeHandler,
}

func recordEncodeHandler(cmd *cobra.Command, args []string) {
	inputPath := args[0]

	raw, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to read %s: %v\n", inputPath, err)
		os.Exit(1)
	}

	var profile domain.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to parse profile JSON: %v\n", err)
		os.Exit(1)
	}

	buf := codec.Encode(&profile)

	outputPath := encodeOutputPath
	if outputPath == "" {
		outputPath = inputPath + ".bin"
	}

	if err := os.WriteFile(outputPath, buf, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to write %s: %v\n", outputPath, err)
		os.Exit(1)
	}

	fmt.Printf("Encoded %s (%d bytes) -> %s\n", inputPath, len(buf), outputPath)
}

func init() {
	recordCmd.AddCommand(recordEncodeCmd)

	recordEncodeCmd.Flags().StringVarP(&encodeOutputPath, "output", "o", "", "Output file (default: <input>.bin)")
}
