package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"

	"github.com/andresmejia3/reelmatch/internal/assemble"
	"github.com/andresmejia3/reelmatch/internal/utils"
)

// Encoder writes RGBA frames to a video container through ffmpeg.
type Encoder struct {
	Codec string // ffmpeg video codec, mpeg4 by default
}

// NewEncoder returns an Encoder using codec, or mpeg4 when empty.
func NewEncoder(codec string) *Encoder {
	if codec == "" {
		codec = "mpeg4"
	}
	return &Encoder{Codec: codec}
}

// NewFFmpegEncoder builds an ffmpeg process reading raw RGBA frames from stdin.
func NewFFmpegEncoder(ctx context.Context, outputPath, codec string, fps, width, height int) *utils.SafeCommand {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", codec,
	}
	if codec == "mpeg4" {
		args = append(args, "-q:v", "3")
	}
	// yuv420p needs even dimensions, so pad odd sizes by one pixel
	args = append(args,
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-pix_fmt", "yuv420p",
		"-y", outputPath,
	)
	return utils.NewSafeCommand(ctx, "ffmpeg", args...)
}

// Open starts ffmpeg writing to path.
func (e *Encoder) Open(ctx context.Context, path string, width, height, fps int) (assemble.FrameWriter, error) {
	cmd := NewFFmpegEncoder(ctx, path, e.Codec, fps, width, height)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return &ffmpegWriter{cmd: cmd, in: in, path: path, width: width, height: height}, nil
}

type ffmpegWriter struct {
	cmd           *utils.SafeCommand
	in            io.WriteCloser
	path          string
	width, height int
}

func (w *ffmpegWriter) WriteFrame(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != w.width || b.Dy() != w.height {
		return fmt.Errorf("%w: got %dx%d, encoder expects %dx%d",
			assemble.ErrInconsistentFrameGeometry, b.Dx(), b.Dy(), w.width, w.height)
	}

	rowLen := w.width * 4
	if img.Stride == rowLen {
		start := img.PixOffset(b.Min.X, b.Min.Y)
		_, err := w.in.Write(img.Pix[start : start+rowLen*w.height])
		return err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		if _, err := w.in.Write(img.Pix[start : start+rowLen]); err != nil {
			return err
		}
	}
	return nil
}

func (w *ffmpegWriter) Close() error {
	w.in.Close()
	if err := w.cmd.Wait(); err != nil {
		return &ProcessError{Op: "ffmpeg encode", Err: err, Logs: w.cmd.Stderr.String()}
	}
	return nil
}

func (w *ffmpegWriter) Abort() {
	w.in.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
	_ = os.Remove(w.path)
}
