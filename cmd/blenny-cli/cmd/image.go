package cmd

import (
	"github.com/spf13/cobra"
)

// imageCmd represents the image command
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Run the worker image pipeline locally",
	Long: `The image command runs the same transforms the worker serves over the
channel protocol, but against local files. This makes it easy to preview
what a resize, composite or chart request will produce without standing
up a server.

Available subcommands:
  resize     Scale an image down so its longest edge fits a bound
  composite  Draw an overlay onto a base image with optional effects
  chart      Render a bar chart from a series of label=value pairs

Examples:
  # Bound the longest edge to the default 1024 pixels
  blenny-cli image resize photo.jpg -o photo.png

  # Produce a 256 pixel thumbnail
  blenny-cli image resize photo.jpg --max 256 -o thumb.png

  # Watermark a grayscale copy
  blenny-cli image composite photo.png --overlay logo.png --opacity 0.4 --grayscale -o out.png

  # Render a chart
  blenny-cli image chart --title "Signups" --series mon=3 --series tue=5 -o chart.png

Use "blenny-cli image [command] --help" for more information about a specific command.`,
}

func init() {
	rootCmd.AddCommand(imageCmd)
}
