package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/reelmatch/internal/pipeline"
	"github.com/andresmejia3/reelmatch/internal/types"
)

// MockCloser wraps a bytes.Buffer so in-memory buffers can stand in for OS pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// blockingPipe never returns data until closed, like a hung child.
type blockingPipe struct {
	closed chan struct{}
}

func newBlockingPipe() *blockingPipe { return &blockingPipe{closed: make(chan struct{})} }

func (b *blockingPipe) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingPipe) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

type face struct {
	box   [4]int32
	vec   []float32
	score float32
}

func okPayload(faces ...face) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(faces)))
	for _, f := range faces {
		binary.Write(payload, binary.BigEndian, f.box)
		binary.Write(payload, binary.BigEndian, uint32(len(f.vec)))
		binary.Write(payload, binary.BigEndian, f.vec)
		binary.Write(payload, binary.BigEndian, f.score)
	}
	return payload.Bytes()
}

func framed(payload []byte) *MockCloser {
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
	return pipe
}

func TestDetect(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	vec := make([]float32, 512)
	vec[0] = 0.5
	dataPipeMock := framed(okPayload(
		face{box: [4]int32{10, 10, 20, 20}, vec: vec, score: 0.99},
		face{box: [4]int32{30, 40, 90, 120}, vec: []float32{1, 2, 3}, score: 0.5},
	))

	// Cmd is nil: only the protocol is under test
	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	dets, err := w.Detect(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 4 byte header + frame
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Expected length prefix %d, got %d", len(inputFrame), binary.BigEndian.Uint32(sentData[:4]))
	}

	if len(dets) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(dets))
	}
	if len(dets[0].Embedding) != 512 {
		t.Errorf("Expected a 512-d embedding, got %d", len(dets[0].Embedding))
	}
	if math.Abs(float64(dets[0].Embedding[0])-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", dets[0].Embedding[0])
	}
	if math.Abs(dets[0].Score-0.99) > 1e-6 {
		t.Errorf("Expected score approx 0.99, got %f", dets[0].Score)
	}
	if b := dets[1].Box; b.X1 != 30 || b.Y1 != 40 || b.X2 != 90 || b.Y2 != 120 {
		t.Errorf("Unexpected box %+v", b)
	}
	if len(dets[1].Embedding) != 3 {
		t.Errorf("Expected per-face dimension 3, got %d", len(dets[1].Embedding))
	}
}

func TestDetect_NoFaces(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(okPayload()),
	}
	dets, err := w.Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no faces, got %d", len(dets))
	}
}

func TestDetect_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(payload.Bytes()),
	}

	_, err := w.Detect(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	// A reported error leaves the worker usable
	if w.dead {
		t.Error("worker should stay alive after an error reply")
	}
}

func TestDetect_CrashedWorker(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}, // EOF immediately
	}
	_, err := w.Detect(context.Background(), []byte("frame"))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF from a dead pipe, got %v", err)
	}
	if !errors.Is(err, ErrWorkerDead) || !errors.Is(err, pipeline.ErrDetectorUnavailable) {
		t.Errorf("Expected a crash to mark the detector unavailable, got %v", err)
	}
	if _, err := w.Detect(context.Background(), []byte("frame")); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Expected a dead worker to refuse further frames, got %v", err)
	}
}

func TestDetect_Timeout(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: newBlockingPipe(),
		Timeout:  20 * time.Millisecond,
	}
	_, err := w.Detect(context.Background(), []byte("frame"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, pipeline.ErrDetectorUnavailable) {
		t.Errorf("Expected a timeout to mark the detector unavailable, got %v", err)
	}
	if !w.dead {
		t.Error("Expected the worker to be marked dead after a timeout")
	}
}

// sliceSource feeds frames from memory.
type sliceSource struct {
	frames []types.Frame
	pos    int
}

func (s *sliceSource) Next(ctx context.Context) (types.Frame, error) {
	if s.pos >= len(s.frames) {
		return types.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func TestRun_HungWorkerEndsRun(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: newBlockingPipe(),
		Timeout:  10 * time.Millisecond,
	}
	p, err := pipeline.New(types.Embedding{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	src := &sliceSource{}
	for i := 1; i <= 5; i++ {
		src.frames = append(src.frames, types.Frame{
			Index: i,
			Data:  []byte{byte(i)},
			Image: image.NewRGBA(image.Rect(0, 0, 8, 8)),
		})
	}

	err = pipeline.Run(context.Background(), p, src, w, nil)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, pipeline.ErrDetectorUnavailable) {
		t.Fatalf("Expected the run to end on the timeout, got %v", err)
	}
	if stats := p.Finalize(); stats.TotalFrames != 0 {
		t.Errorf("No frame was scored, got %+v", stats)
	}
	if src.pos != 1 {
		t.Errorf("Expected the run to stop after frame 1, read %d frames", src.pos)
	}
}

// A crashing child floods stderr while Detect collects the error. Run with -race.
func TestDetect_CrashedProcessKeepsStderr(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	script := filepath.Join(t.TempDir(), "crash.py")
	src := "import sys\nsys.stderr.write('boom\\n' * 80000)\nsys.exit(1)\n"
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewPythonWorker(context.Background(), 1, script, nil)
	if err != nil {
		t.Fatalf("NewPythonWorker failed: %v", err)
	}
	w.Timeout = 30 * time.Second

	_, err = w.Detect(context.Background(), []byte("frame"))
	if !errors.Is(err, ErrWorkerDead) {
		t.Fatalf("Expected ErrWorkerDead, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close after a crash should not report again, got %v", err)
	}
	if !strings.Contains(w.Cmd.Stderr.String(), "boom") {
		t.Error("Expected the child's stderr tail to be kept")
	}
}

func TestDetect_Cancelled(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: newBlockingPipe(),
		Timeout:  time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := w.Detect(ctx, []byte("frame")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestParseResponse_Malformed(t *testing.T) {
	truncated := okPayload(face{box: [4]int32{1, 2, 3, 4}, vec: []float32{1, 2}, score: 1})
	truncated = truncated[:len(truncated)-3]

	huge := new(bytes.Buffer)
	huge.WriteByte(statusOK)
	binary.Write(huge, binary.BigEndian, uint32(1))
	binary.Write(huge, binary.BigEndian, [4]int32{})
	binary.Write(huge, binary.BigEndian, uint32(maxEmbedding+1))

	tests := map[string][]byte{
		"empty":          nil,
		"unknown status": {7},
		"missing count":  {statusOK, 0},
		"truncated face": truncated,
		"huge dimension": huge.Bytes(),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseResponse(payload); err == nil {
				t.Error("expected error")
			}
		})
	}
}
