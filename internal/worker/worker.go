// Package worker runs face detection in a long-lived Python subprocess.
//
// Frames go to the child on stdin as [uint32 length][JPEG bytes]. Replies come
// back on a dedicated pipe (FD 3 in the child) as [uint32 length][payload] so
// that stray prints on stdout can never corrupt the stream. A payload is
//
//	[status:1] ok: [count:uint32] then per face [box:4×int32][dim:uint32][dim×float32][score:float32]
//	           error: [len:uint32][message]
//
// All integers are big-endian.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/reelmatch/internal/pipeline"
	"github.com/andresmejia3/reelmatch/internal/types"
	"github.com/andresmejia3/reelmatch/internal/utils"
)

const (
	statusOK    = 0
	statusError = 1

	// DefaultTimeout bounds a single frame round trip, model warm-up included.
	DefaultTimeout = 2 * time.Minute

	maxResponse  = 64 * 1024 * 1024
	maxEmbedding = 8192
)

var (
	// ErrTimeout is returned when the worker does not answer in time. The worker
	// is killed and cannot be reused.
	ErrTimeout = errors.New("python worker timed out")
	// ErrWorkerDead is returned once the child has crashed or been killed. It
	// wraps pipeline.ErrDetectorUnavailable, which ends the run.
	ErrWorkerDead = fmt.Errorf("python worker is no longer running: %w", pipeline.ErrDetectorUnavailable)
)

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	logger *zap.Logger
	dead   bool
}

// NewPythonWorker starts `python3 -u script` bound to ctx.
func NewPythonWorker(ctx context.Context, id int, script string, logger *zap.Logger) (*PythonWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("worker script: %w", err)
	}

	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	// Side-channel pipe for replies, FD 3 in the child
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now, so its exit surfaces as EOF
	w.Close()

	logger.Debug("python worker started", zap.Int("worker", id), zap.Int("pid", py.Process.Pid))
	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  DefaultTimeout,
		logger:   logger,
	}, nil
}

// Communicate sends one request and waits for its reply.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// A crashed child (e.g. ModuleNotFoundError) shows up here
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

type reply struct {
	body []byte
	err  error
}

// Detect implements pipeline.Detector. It returns ErrTimeout if the worker
// does not reply within Timeout, and ctx.Err() if ctx ends first.
func (w *PythonWorker) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	if w.dead {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrWorkerDead)
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(image)
		done <- reply{body, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.dead = true
			return nil, w.processError(r.err)
		}
		return ParseResponse(r.body)
	case <-timer.C:
		w.kill()
		return nil, fmt.Errorf("worker %d: %w after %s: %w", w.ID, ErrTimeout, timeout, ErrWorkerDead)
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

func (w *PythonWorker) processError(err error) error {
	if w.Cmd != nil {
		if logs := w.Cmd.Stderr.String(); logs != "" {
			return fmt.Errorf("worker %d: %w: %w\n%s", w.ID, ErrWorkerDead, err, logs)
		}
	}
	return fmt.Errorf("worker %d: %w: %w", w.ID, ErrWorkerDead, err)
}

func (w *PythonWorker) kill() {
	w.dead = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	// Unblocks the pending read
	w.DataPipe.Close()
}

// ParseResponse decodes one reply payload into detections, in worker order.
func ParseResponse(payload []byte) ([]types.Detection, error) {
	r := bytes.NewReader(payload)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}

	dets := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		var dim uint32
		if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("face %d dim: %w", i, err)
		}
		if dim > maxEmbedding {
			return nil, fmt.Errorf("face %d: embedding dimension %d exceeds limit", i, dim)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		var score float32
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("face %d score: %w", i, err)
		}

		dets = append(dets, types.Detection{
			Box:       types.BoundingBox{X1: int(box[0]), Y1: int(box[1]), X2: int(box[2]), Y2: int(box[3])},
			Embedding: types.Embedding(vec),
			Score:     float64(score),
		})
	}
	return dets, nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.dead {
		// Killed or crashed; the cause was already reported by Detect
		return nil
	}
	return err
}
