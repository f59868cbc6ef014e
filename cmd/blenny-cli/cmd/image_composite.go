package cmd

import (
	"fmt"
	"os"

	"github.com/nfrund/blenny/internal/imaging"
	"github.com/spf13/cobra"
)

var (
	compositeOverlayPath string
	compositeOpacity     float64
	compositeGrayscale   bool
	compositeOutputPath  string
)

// imageCompositeCmd represents the image composite command
var imageCompositeCmd = &cobra.Command{
	Use:   "composite <base>",
	Short: "Draw an overlay onto a base image with optional effects",
	Long: `Composite decodes a base image, optionally converts it to grayscale,
and draws an overlay image centered on it with the given opacity. Omitting
the overlay applies only the effects.

Examples:
  blenny-cli image composite photo.png --overlay logo.png -o out.png
  blenny-cli image composite photo.png --overlay logo.png --opacity 0.4 -o out.png
  blenny-cli image composite photo.png --grayscale -o gray.png`,
	Args: cobra.ExactArgs(1),
	Run:  imageCompositeHandler,
}

func imageCompositeHandler(cmd *cobra.Command, args []string) {
	base := readImageFile(args[0])

	var overlay []byte
	if compositeOverlayPath != "" {
		overlay = readImageFile(compositeOverlayPath)
	}

	if compositeOpacity < 0 || compositeOpacity > 1 {
		fmt.Fprintf(os.Stderr, "Error: Opacity must be between 0 and 1, got %v\n", compositeOpacity)
		os.Exit(1)
	}

	res, err := imaging.Composite(base, overlay, imaging.CompositeOptions{
		Opacity:   compositeOpacity,
		Grayscale: compositeGrayscale,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to composite image: %v\n", err)
		os.Exit(1)
	}

	writeImageResult(args[0], compositeOutputPath, res)
}

func init() {
	imageCmd.AddCommand(imageCompositeCmd)

	imageCompositeCmd.Flags().StringVar(&compositeOverlayPath, "overlay", "", "Overlay image drawn centered on the base")
	imageCompositeCmd.Flags().Float64Var(&compositeOpacity, "opacity", 1, "Overlay opacity between 0 and 1")
	imageCompositeCmd.Flags().BoolVar(&compositeGrayscale, "grayscale", false, "Convert the base image to grayscale first")
	imageCompositeCmd.Flags().StringVarP(&compositeOutputPath, "output", "o", "", "Output file (default: <base>.out.png)")
}
