// Package video wraps ffmpeg and ffprobe: a forward-only frame decoder, a
// rawvideo encoder for the highlight reel, and container probing.
package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"

	"github.com/andresmejia3/reelmatch/internal/types"
	"github.com/andresmejia3/reelmatch/internal/utils"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// Decoder streams the frames of a video file in presentation order. It is
// not restartable; open a new Decoder to read the video again.
type Decoder struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	index   int
	done    bool
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *utils.SafeCommand {
	// -q:v 2 keeps the intermediate JPEGs close to lossless for annotation
	return utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// OpenDecoder starts ffmpeg on path. The caller must Close the decoder.
func OpenDecoder(ctx context.Context, path string) (*Decoder, error) {
	cmd := NewFFmpegCmd(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return newDecoder(cmd, out), nil
}

func newDecoder(cmd *utils.SafeCommand, out io.ReadCloser) *Decoder {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return &Decoder{cmd: cmd, out: out, scanner: scanner}
}

// Next returns the next frame, or io.EOF once the stream is exhausted. A frame
// whose JPEG cannot be decoded is returned with Err set rather than as an error.
func (d *Decoder) Next(ctx context.Context) (types.Frame, error) {
	if d.done {
		return types.Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	if !d.scanner.Scan() {
		d.done = true
		if err := d.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		if err := d.wait(); err != nil {
			return types.Frame{}, err
		}
		return types.Frame{}, io.EOF
	}

	d.index++
	// Scanner reuses its buffer, so keep a private copy
	data := append([]byte(nil), d.scanner.Bytes()...)
	frame := types.Frame{Index: d.index, Data: data}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		frame.Err = fmt.Errorf("decode frame %d: %w", d.index, err)
		return frame, nil
	}
	frame.Image = img
	return frame, nil
}

func (d *Decoder) wait() error {
	if d.cmd == nil {
		return nil
	}
	if err := d.cmd.Wait(); err != nil {
		return &ProcessError{Op: "ffmpeg decode", Err: err, Logs: d.cmd.Stderr.String()}
	}
	d.cmd = nil
	return nil
}

// Close stops ffmpeg if it is still running and releases the pipe.
func (d *Decoder) Close() error {
	if d.out != nil {
		d.out.Close()
	}
	if d.cmd == nil {
		return nil
	}
	if d.cmd.Process != nil && !d.done {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	d.cmd = nil
	return nil
}

// ProcessError carries the stderr tail of a failed ffmpeg process.
type ProcessError struct {
	Op   string
	Err  error
	Logs string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// IsProcessError reports whether err came from a failed ffmpeg process.
func IsProcessError(err error) (*ProcessError, bool) {
	var pe *ProcessError
	ok := errors.As(err, &pe)
	return pe, ok
}
