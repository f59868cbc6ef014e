package imaging

import (
	"errors"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	defaultChartWidth  = 640
	defaultChartHeight = 360
	chartMargin        = 24
	titleGutter        = 20
	maxChartEdge       = 4096
)

var (
	chartBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}
	chartBarColor   = color.RGBA{0x3b, 0x82, 0xf6, 0xff}
	chartAxisColor  = color.RGBA{0x47, 0x47, 0x47, 0xff}
	chartTextColor  = color.RGBA{0x1f, 0x1f, 0x1f, 0xff}
)

var ErrEmptyChart = errors.New("chart needs at least one datum")

// ChartSpec describes a bar chart to render.
type ChartSpec struct {
	Title  string  `json:"title,omitempty"`
	Width  int     `json:"width,omitempty" validate:"gte=0,lte=4096"`
	Height int     `json:"height,omitempty" validate:"gte=0,lte=4096"`
	Series []Datum `json:"series" validate:"required,min=1,dive"`
}

// Datum is one bar.
type Datum struct {
	Label string  `json:"label,omitempty"`
	Value float64 `json:"value" validate:"gte=0"`
}

// RenderChart draws the spec as a PNG bar chart. Zero dimensions fall back
// to the default canvas size.
func RenderChart(spec ChartSpec) (*Result, error) {
	if len(spec.Series) == 0 {
		return nil, ErrEmptyChart
	}

	width := clampDimension(spec.Width, defaultChartWidth)
	height := clampDimension(spec.Height, defaultChartHeight)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(chartBackground), image.Point{}, draw.Src)

	top := chartMargin
	if spec.Title != "" {
		drawLabel(img, chartMargin, chartMargin-6, spec.Title, chartTextColor)
		top += titleGutter
	}
	baseline := height - chartMargin
	plotHeight := baseline - top
	plotWidth := width - 2*chartMargin
	if plotHeight < 1 || plotWidth < len(spec.Series) {
		return nil, errors.New("chart canvas too small for series")
	}

	maxValue := 0.0
	for _, d := range spec.Series {
		if d.Value > maxValue {
			maxValue = d.Value
		}
	}
	if maxValue == 0 {
		maxValue = 1
	}

	slot := plotWidth / len(spec.Series)
	barWidth := slot * 2 / 3
	if barWidth < 1 {
		barWidth = 1
	}
	for i, d := range spec.Series {
		barHeight := int(float64(plotHeight) * d.Value / maxValue)
		x0 := chartMargin + i*slot + (slot-barWidth)/2
		bar := image.Rect(x0, baseline-barHeight, x0+barWidth, baseline)
		draw.Draw(img, bar, image.NewUniform(chartBarColor), image.Point{}, draw.Src)
		if d.Label != "" {
			lx := x0 + (barWidth-labelWidth(d.Label))/2
			drawLabel(img, lx, baseline+14, d.Label, chartTextColor)
		}
	}

	axis := image.Rect(chartMargin, baseline, width-chartMargin, baseline+1)
	draw.Draw(img, axis, image.NewUniform(chartAxisColor), image.Point{}, draw.Src)

	return encode(img)
}

func clampDimension(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	if v > maxChartEdge {
		return maxChartEdge
	}
	return v
}

func drawLabel(dst *image.RGBA, x, y int, s string, c color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func labelWidth(s string) int {
	return len(s) * basicfont.Face7x13.Advance
}
