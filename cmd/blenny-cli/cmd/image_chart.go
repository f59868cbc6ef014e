package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nfrund/blenny/internal/imaging"
	"github.com/spf13/cobra"
)

var (
	chartTitle      string
	chartWidth      int
	chartHeight     int
	chartSeries     []string
	chartOutputPath string
)

// imageChartCmd represents the image chart command
var imageChartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Render a bar chart from a series of label=value pairs",
	Long: `Chart renders a PNG bar chart from --series flags. Each flag adds one
bar as label=value, where value is a non-negative number. Bars keep the
order the flags were given in.

Examples:
  blenny-cli image chart --series mon=3 --series tue=5 -o chart.png
  blenny-cli image chart --title "Signups" --width 800 --height 400 \
    --series mon=3 --series tue=5 --series wed=8 -o chart.png`,
	Run: imageChartHandler,
}

func imageChartHandler(cmd *cobra.Command, args []string) {
	if len(chartSeries) == 0 {
		fmt.Fprintln(os.Stderr, "Error: At least one --series label=value pair is required")
		os.Exit(1)
	}

	series := make([]imaging.Datum, 0, len(chartSeries))
	for _, pair := range chartSeries {
		label, raw, found := strings.Cut(pair, "=")
		if !found {
			fmt.Fprintf(os.Stderr, "Error: Invalid series entry %q, expected label=value\n", pair)
			os.Exit(1)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			fmt.Fprintf(os.Stderr, "Error: Invalid series value %q, expected a non-negative number\n", raw)
			os.Exit(1)
		}
		series = append(series, imaging.Datum{Label: label, Value: value})
	}

	res, err := imaging.RenderChart(imaging.ChartSpec{
		Title:  chartTitle,
		Width:  chartWidth,
		Height: chartHeight,
		Series: series,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to render chart: %v\n", err)
		os.Exit(1)
	}

	outputPath := chartOutputPath
	if outputPath == "" {
		outputPath = "chart.png"
	}
	if err := os.WriteFile(outputPath, res.PNG, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to write %s: %v\n", outputPath, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%dx%d, %d bytes)\n", outputPath, res.Width, res.Height, len(res.PNG))
}

func init() {
	imageCmd.AddCommand(imageChartCmd)

	imageChartCmd.Flags().StringVar(&chartTitle, "title", "", "Chart title drawn above the plot")
	imageChartCmd.Flags().IntVar(&chartWidth, "width", 0, "Canvas width in pixels (default 640)")
	imageChartCmd.Flags().IntVar(&chartHeight, "height", 0, "Canvas height in pixels (default 360)")
	imageChartCmd.Flags().StringArrayVar(&chartSeries, "series", nil, "Bar as label=value, repeatable")
	imageChartCmd.Flags().StringVarP(&chartOutputPath, "output", "o", "", "Output file (default: chart.png)")
}
