// Package imaging implements the image transforms served by the worker
// proxy: bounded resize, thumbnailing, composite-with-effects and chart
// rendering. Every transform is a pure function of its inputs and the
// fixed layout constants, and re-encodes its output as PNG.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"
)

const (
	// MaxEdge bounds the longest edge of a resized image.
	MaxEdge = 1024
	// ThumbEdge bounds the longest edge of a thumbnail.
	ThumbEdge = 256
)

var ErrEmptyImage = errors.New("empty image data")

// Result is one transformed image.
type Result struct {
	PNG    []byte `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// CompositeOptions control Composite. The zero value applies the overlay
// fully opaque with no effects.
type CompositeOptions struct {
	// Opacity of the overlay between 0 and 1. The zero value means opaque.
	Opacity float64 `json:"opacity,omitempty" validate:"gte=0,lte=1"`
	// Grayscale converts the base image before the overlay is drawn.
	Grayscale bool `json:"grayscale,omitempty"`
}

// Resize scales an image down so its longest edge is at most maxEdge,
// preserving aspect ratio. Images already within bounds are re-encoded
// unchanged. maxEdge <= 0 falls back to MaxEdge.
func Resize(data []byte, maxEdge int) (*Result, error) {
	src, err := decode(data)
	if err != nil {
		return nil, err
	}
	if maxEdge <= 0 {
		maxEdge = MaxEdge
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	tw, th := fitWithin(w, h, maxEdge)
	if tw == w && th == h {
		return encode(toRGBA(src))
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return encode(dst)
}

// Composite draws overlay centered on base with the given effects. A nil
// overlay applies only the effects.
func Composite(base, overlay []byte, opts CompositeOptions) (*Result, error) {
	src, err := decode(base)
	if err != nil {
		return nil, err
	}
	dst := toRGBA(src)

	if opts.Grayscale {
		grayscale(dst)
	}

	if len(overlay) > 0 {
		ov, err := decode(overlay)
		if err != nil {
			return nil, err
		}
		opacity := opts.Opacity
		if opacity == 0 {
			opacity = 1
		}
		mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 255))})

		ob := ov.Bounds()
		offset := image.Pt((dst.Bounds().Dx()-ob.Dx())/2, (dst.Bounds().Dy()-ob.Dy())/2)
		rect := ob.Sub(ob.Min).Add(offset)
		draw.DrawMask(dst, rect, ov, ob.Min, mask, image.Point{}, draw.Over)
	}

	return encode(dst)
}

// fitWithin shrinks w x h so the longest edge is at most max, never
// upscaling and never collapsing an edge to zero.
func fitWithin(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		return max, clampEdge(float64(h) * float64(max) / float64(w))
	}
	return clampEdge(float64(w) * float64(max) / float64(h)), max
}

func clampEdge(v float64) int {
	e := int(math.Round(v))
	if e < 1 {
		return 1
	}
	return e
}

func grayscale(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		o := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := img.Pix[o], img.Pix[o+1], img.Pix[o+2]
			lum := uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(bl)) / 1000)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = lum, lum, lum
			o += 4
		}
	}
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func encode(img image.Image) (*Result, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	b := img.Bounds()
	return &Result{PNG: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
