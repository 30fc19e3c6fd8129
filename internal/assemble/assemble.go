// Package assemble turns the buffer of matched frames into a highlight reel.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// DefaultFrameRate is the playback rate of the highlight reel, independent of the source video.
const DefaultFrameRate = 5

var (
	// ErrEmptyMatchSet means there was nothing to assemble. Callers report it as a warning.
	ErrEmptyMatchSet = errors.New("no matched frames to assemble")
	// ErrInconsistentFrameGeometry means a frame differs in size from the first one.
	ErrInconsistentFrameGeometry = errors.New("inconsistent frame geometry")
	// ErrOutputLocked means another run is writing the same output path.
	ErrOutputLocked = errors.New("output path is locked by another run")
)

// Geometry decides what happens to frames whose size differs from the first frame.
type Geometry string

const (
	GeometryReject    Geometry = "reject"
	GeometryResize    Geometry = "resize"
	GeometryLetterbox Geometry = "letterbox"
)

// ParseGeometry validates a policy name.
func ParseGeometry(s string) (Geometry, error) {
	switch g := Geometry(s); g {
	case GeometryReject, GeometryResize, GeometryLetterbox:
		return g, nil
	case "":
		return GeometryReject, nil
	default:
		return "", fmt.Errorf("invalid geometry policy %q. Must be one of: reject, resize, letterbox", s)
	}
}

// FrameWriter receives equally sized frames in order.
type FrameWriter interface {
	WriteFrame(img *image.RGBA) error
	// Close flushes and finalizes the container.
	Close() error
	// Abort stops the writer and discards partial output.
	Abort()
}

// Encoder opens a container at path for frames of the given size and rate.
type Encoder interface {
	Open(ctx context.Context, path string, width, height, fps int) (FrameWriter, error)
}

// Artifact describes a written highlight reel.
type Artifact struct {
	Path   string `json:"path"`
	Frames int    `json:"frames"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
}

// Assembler writes matched frames through an Encoder.
type Assembler struct {
	enc      Encoder
	path     string
	geometry Geometry
	logger   *zap.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithGeometry sets the mismatched-size policy (default GeometryReject).
func WithGeometry(g Geometry) Option {
	return func(a *Assembler) { a.geometry = g }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Assembler writing to path.
func New(enc Encoder, path string, opts ...Option) *Assembler {
	a := &Assembler{enc: enc, path: path, geometry: GeometryReject, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble writes frames in the order given at fps frames per second.
// The frame size is taken from the first frame. Nothing is written for an
// empty input, and partial output is discarded on any error.
func (a *Assembler) Assemble(ctx context.Context, frames []*image.RGBA, fps int) (*Artifact, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyMatchSet
	}
	if fps < 1 {
		return nil, fmt.Errorf("frame rate must be >= 1, got %d", fps)
	}

	size := frames[0].Bounds().Size()
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: first frame is empty", ErrInconsistentFrameGeometry)
	}

	// Check geometry before spawning the encoder so a rejected set leaves no file behind
	if a.geometry == GeometryReject {
		for i, f := range frames[1:] {
			if got := f.Bounds().Size(); got != size {
				return nil, fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d",
					ErrInconsistentFrameGeometry, i+2, got.X, got.Y, size.X, size.Y)
			}
		}
	}

	lock := flock.New(a.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrOutputLocked, a.path)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(a.path + ".lock")
	}()

	w, err := a.enc.Open(ctx, a.path, size.X, size.Y, fps)
	if err != nil {
		return nil, fmt.Errorf("open encoder: %w", err)
	}

	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return nil, err
		}
		out := a.fit(f, size)
		if err := w.WriteFrame(out); err != nil {
			w.Abort()
			return nil, fmt.Errorf("write frame %d: %w", i+1, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize output: %w", err)
	}

	a.logger.Info("highlight reel written",
		zap.String("path", a.path),
		zap.Int("frames", len(frames)),
		zap.Int("fps", fps),
	)
	return &Artifact{Path: a.path, Frames: len(frames), Width: size.X, Height: size.Y, FPS: fps}, nil
}

// fit brings f to size according to the geometry policy.
func (a *Assembler) fit(f *image.RGBA, size image.Point) *image.RGBA {
	b := f.Bounds()
	if b.Size() == size && b.Min == (image.Point{}) {
		return f
	}

	dst := image.NewRGBA(image.Rectangle{Max: size})
	switch a.geometry {
	case GeometryLetterbox:
		fill(dst)
		draw.CatmullRom.Scale(dst, letterboxRect(b.Size(), size), f, b, draw.Src, nil)
	case GeometryResize:
		draw.CatmullRom.Scale(dst, dst.Bounds(), f, b, draw.Src, nil)
	default:
		// Same size, shifted origin
		draw.Draw(dst, dst.Bounds(), f, b.Min, draw.Src)
	}
	return dst
}

// letterboxRect centers src inside dst keeping its aspect ratio.
func letterboxRect(src, dst image.Point) image.Rectangle {
	w, h := dst.X, src.Y*dst.X/src.X
	if h > dst.Y {
		w, h = src.X*dst.Y/src.Y, dst.Y
	}
	x0 := (dst.X - w) / 2
	y0 := (dst.Y - h) / 2
	return image.Rect(x0, y0, x0+w, y0+h)
}

func fill(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
}
