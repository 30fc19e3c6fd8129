package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/reelmatch/internal/types"
)

// Annotator renders a match onto a copy of the frame.
type Annotator interface {
	Annotate(frame image.Image, box types.BoundingBox, score float64) *image.RGBA
}

// BoxAnnotator draws a rectangle around the face and the score above it.
type BoxAnnotator struct {
	Color     color.RGBA
	LineWidth int
}

var matchGreen = color.RGBA{0, 255, 0, 255}

// DefaultAnnotator draws a green 2px box with the similarity printed at (x1, y1-10).
func DefaultAnnotator() *BoxAnnotator {
	return &BoxAnnotator{Color: matchGreen, LineWidth: 2}
}

// Annotate never mutates frame.
func (a *BoxAnnotator) Annotate(frame image.Image, box types.BoundingBox, score float64) *image.RGBA {
	dst := CloneRGBA(frame)
	if !box.Valid() {
		return dst
	}

	lw := a.LineWidth
	if lw < 1 {
		lw = 1
	}
	for w := 0; w < lw; w++ {
		drawHLine(dst, box.X1, box.X2, box.Y1+w, a.Color)
		drawHLine(dst, box.X1, box.X2, box.Y2-w, a.Color)
		drawVLine(dst, box.Y1, box.Y2, box.X1+w, a.Color)
		drawVLine(dst, box.Y1, box.Y2, box.X2-w, a.Color)
	}

	// Drop the label inside the box when there is no room above it
	face := basicfont.Face7x13
	baseline := box.Y1 - 10
	if baseline-face.Ascent < dst.Rect.Min.Y {
		baseline = box.Y1 + lw + face.Ascent
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(a.Color),
		Face: face,
		Dot:  fixed.P(box.X1, baseline),
	}
	d.DrawString(fmt.Sprintf("%.2f", score))

	return dst
}

// CloneRGBA copies any image into a fresh RGBA buffer with the same bounds.
func CloneRGBA(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)
	return dst
}

// drawHLine draws a horizontal line on the image.
func drawHLine(dst *image.RGBA, x1, x2, y int, c color.RGBA) {
	b := dst.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	for x := max(x1, b.Min.X); x <= x2 && x < b.Max.X; x++ {
		dst.SetRGBA(x, y, c)
	}
}

// drawVLine draws a vertical line on the image.
func drawVLine(dst *image.RGBA, y1, y2, x int, c color.RGBA) {
	b := dst.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	for y := max(y1, b.Min.Y); y <= y2 && y < b.Max.Y; y++ {
		dst.SetRGBA(x, y, c)
	}
}
