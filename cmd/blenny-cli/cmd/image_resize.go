package cmd

import (
	"fmt"
	"os"

	"github.com/nfrund/blenny/internal/imaging"
	"github.com/spf13/cobra"
)

var (
	resizeMaxEdge    int
	resizeOutputPath string
)

// imageResizeCmd represents the image resize command
var imageResizeCmd = &cobra.Command{
	Use:   "resize <input>",
	Short: "Scale an image down so its longest edge fits a bound",
	Long: `Resize decodes an image (PNG, JPEG or GIF), scales it down so its
longest edge is at most the given bound, and writes the result as PNG.
Images already within the bound are re-encoded unchanged; resize never
upscales.

Examples:
  blenny-cli image resize photo.jpg -o photo.png
  blenny-cli image resize photo.jpg --max 256 -o thumb.png`,
	Args: cobra.ExactArgs(1),
	Run:  imageResizeHandler,
}

func imageResizeHandler(cmd *cobra.Command, args []string) {
	data := readImageFile(args[0])

	res, err := imaging.Resize(data, resizeMaxEdge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to resize image: %v\n", err)
		os.Exit(1)
	}

	writeImageResult(args[0], resizeOutputPath, res)
}

// readImageFile loads an input image or exits with an error.
func readImageFile(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to read %s: %v\n", path, err)
		os.Exit(1)
	}
	return data
}

// writeImageResult stores a transform result next to the input when no
// explicit output path was given.
func writeImageResult(inputPath, outputPath string, res *imaging.Result) {
	if outputPath == "" {
		outputPath = inputPath + ".out.png"
	}
	if err := os.WriteFile(outputPath, res.PNG, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to write %s: %v\n", outputPath, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%dx%d, %d bytes)\n", outputPath, res.Width, res.Height, len(res.PNG))
}

func init() {
	imageCmd.AddCommand(imageResizeCmd)

	imageResizeCmd.Flags().IntVar(&resizeMaxEdge, "max", imaging.MaxEdge, "Longest edge of the output in pixels")
	imageResizeCmd.Flags().StringVarP(&resizeOutputPath, "output", "o", "", "Output file (default: <input>.out.png)")
}
