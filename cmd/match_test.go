package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/andresmejia3/reelmatch/internal/assemble"
	"github.com/andresmejia3/reelmatch/internal/config"
	"github.com/andresmejia3/reelmatch/internal/pipeline"
	"github.com/andresmejia3/reelmatch/internal/publish"
	"github.com/andresmejia3/reelmatch/internal/report"
	"github.com/andresmejia3/reelmatch/internal/store"
	"github.com/andresmejia3/reelmatch/internal/types"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestValidateMatchFlags(t *testing.T) {
	dir := t.TempDir()
	target := touch(t, dir, "alice.jpg")
	input := touch(t, dir, "party.mp4")
	script := touch(t, dir, "worker.py")

	valid := func() Options {
		return Options{
			TargetPath:      target,
			InputPath:       input,
			OutputPath:      filepath.Join(dir, "reel.mp4"),
			Threshold:       0.45,
			FrameRate:       5,
			Detector:        "http",
			DetectorTimeout: "30s",
			Geometry:        "reject",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"valid", func(o *Options) {}, ""},
		{"python backend", func(o *Options) { o.Detector = "python"; o.WorkerScript = script }, ""},
		{"missing target", func(o *Options) { o.TargetPath = "" }, "target image path is required"},
		{"target does not exist", func(o *Options) { o.TargetPath = filepath.Join(dir, "nope.jpg") }, "does not exist"},
		{"input is a directory", func(o *Options) { o.InputPath = dir }, "is a directory"},
		{"output is a directory", func(o *Options) { o.OutputPath = dir }, "is a directory"},
		{"output overwrites input", func(o *Options) { o.OutputPath = input }, "must differ"},
		{"threshold too high", func(o *Options) { o.Threshold = 1.5 }, "invalid match threshold"},
		{"threshold too low", func(o *Options) { o.Threshold = -1.01 }, "invalid match threshold"},
		{"threshold at bound", func(o *Options) { o.Threshold = -1 }, ""},
		{"zero fps", func(o *Options) { o.FrameRate = 0 }, "invalid fps"},
		{"unknown detector", func(o *Options) { o.Detector = "grpc" }, "invalid detector"},
		{"python without script", func(o *Options) { o.Detector = "python"; o.WorkerScript = filepath.Join(dir, "missing.py") }, "worker script does not exist"},
		{"bad timeout", func(o *Options) { o.DetectorTimeout = "soon" }, "invalid detector-timeout"},
		{"negative timeout", func(o *Options) { o.DetectorTimeout = "-1s" }, "invalid detector-timeout"},
		{"bad geometry", func(o *Options) { o.Geometry = "stretch" }, "geometry"},
		{"publish without storage", func(o *Options) { o.Publish = true }, "publish.endpoint"},
	}

	saved := Cfg
	Cfg = nil
	t.Cleanup(func() { Cfg = saved })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			err := validateMatchFlags(&opts)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateMatchFlags() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateMatchFlags() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveMatchOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Match.Threshold = 0.6
	cfg.Output.FrameRate = 12
	cfg.Detector.Backend = "python"
	cfg.Output.Report = "from-config.json"

	flags := Options{
		TargetPath: "a.jpg",
		InputPath:  "b.mp4",
		Threshold:  0.3,
		FrameRate:  5,
		Detector:   "http",
		ReportPath: "from-flag.json",
	}
	changed := map[string]bool{"threshold": true, "report": true}

	opts := resolveMatchOptions(&cfg, flags, func(name string) bool { return changed[name] })

	if opts.TargetPath != "a.jpg" || opts.InputPath != "b.mp4" {
		t.Errorf("paths not taken from flags: %+v", opts)
	}
	if opts.Threshold != 0.3 {
		t.Errorf("explicit flag should win, got threshold %v", opts.Threshold)
	}
	if opts.FrameRate != 12 {
		t.Errorf("unset flag should keep config value, got fps %d", opts.FrameRate)
	}
	if opts.Detector != "python" {
		t.Errorf("expected detector from config, got %q", opts.Detector)
	}
	if opts.ReportPath != "from-flag.json" {
		t.Errorf("expected report from flag, got %q", opts.ReportPath)
	}
	if opts.DetectorTimeout != "120s" {
		t.Errorf("expected timeout from config, got %q", opts.DetectorTimeout)
	}
}

func TestLoadTarget(t *testing.T) {
	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	pngPath := filepath.Join(dir, "face.png")
	if err := os.WriteFile(pngPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := loadTarget(pngPath)
	if err != nil {
		t.Fatalf("loadTarget(png) failed: %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("expected PNG target to be re-encoded as JPEG")
	}

	// A JPEG is passed through untouched
	jpgPath := filepath.Join(dir, "face.jpg")
	if err := os.WriteFile(jpgPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := loadTarget(jpgPath)
	if err != nil {
		t.Fatalf("loadTarget(jpeg) failed: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Error("expected JPEG bytes to be returned as-is")
	}

	if _, err := loadTarget(touch(t, dir, "notes.txt")); err == nil {
		t.Error("expected error for a file that is not an image")
	}
}

// fakeDetector answers by the bytes it is given.
type fakeDetector struct {
	faces map[string][]types.Detection
	fail  map[string]error
}

func (d *fakeDetector) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	if err := d.fail[string(image)]; err != nil {
		return nil, err
	}
	return d.faces[string(image)], nil
}

type sliceSource struct {
	frames []types.Frame
	pos    int
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) (types.Frame, error) {
	if s.pos == len(s.frames) {
		return types.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

type memWriter struct{ enc *memEncoder }

func (w memWriter) WriteFrame(img *image.RGBA) error { w.enc.frames++; return nil }
func (w memWriter) Close() error                     { return nil }
func (w memWriter) Abort()                           {}

type memEncoder struct {
	opened int
	frames int
}

func (e *memEncoder) Open(ctx context.Context, path string, width, height, fps int) (assemble.FrameWriter, error) {
	e.opened++
	return memWriter{enc: e}, nil
}

type recordingReporter struct {
	scores    []types.SimilarityScore
	stats     types.Stats
	artifact  *assemble.Artifact
	outcome   report.Outcome
	failure   error
	statsSeen bool
}

func (r *recordingReporter) Scores(s []types.SimilarityScore) { r.scores = s }
func (r *recordingReporter) Stats(s types.Stats)              { r.stats = s; r.statsSeen = true }
func (r *recordingReporter) Artifact(a *assemble.Artifact) {
	r.artifact = a
	r.outcome = report.OutcomeMatched
}
func (r *recordingReporter) NoMatches()    { r.outcome = report.OutcomeNoMatches }
func (r *recordingReporter) NoTargetFace() { r.outcome = report.OutcomeNoTargetFace }
func (r *recordingReporter) Cancelled()    { r.outcome = report.OutcomeCancelled }
func (r *recordingReporter) Failed(err error) {
	r.outcome = report.OutcomeFailed
	r.failure = err
}
func (r *recordingReporter) Close() error  { return nil }

type fakeLedger struct {
	runs   []store.Run
	ctxErr error
	err    error
}

func (l *fakeLedger) RecordRun(ctx context.Context, run store.Run) (uuid.UUID, error) {
	l.ctxErr = ctx.Err()
	if l.err != nil {
		return uuid.Nil, l.err
	}
	l.runs = append(l.runs, run)
	return run.ID, nil
}

type fakeUploader struct {
	ensured  int
	uploaded []string
}

func (u *fakeUploader) EnsureBucket(ctx context.Context) error { u.ensured++; return nil }

func (u *fakeUploader) Upload(ctx context.Context, runID, localPath string) (publish.Object, error) {
	u.uploaded = append(u.uploaded, localPath)
	return publish.Object{Bucket: "reels", Key: publish.ObjectKey(runID, localPath)}, nil
}

func face(vec ...float32) []types.Detection {
	return []types.Detection{{Box: types.BoundingBox{X1: 2, Y1: 2, X2: 10, Y2: 10}, Embedding: vec}}
}

func videoFrame(index int, key string) types.Frame {
	return types.Frame{Index: index, Data: []byte(key), Image: image.NewRGBA(image.Rect(0, 0, 32, 24))}
}

type runFixture struct {
	run      *matchRun
	src      *sliceSource
	enc      *memEncoder
	reporter *recordingReporter
	ledger   *fakeLedger
	opened   bool
}

func newRunFixture(t *testing.T, det *fakeDetector, frames ...types.Frame) *runFixture {
	t.Helper()
	f := &runFixture{
		src:      &sliceSource{frames: frames},
		enc:      &memEncoder{},
		reporter: &recordingReporter{},
		ledger:   &fakeLedger{},
	}
	f.run = &matchRun{
		opts: Options{
			TargetPath: "alice.jpg",
			InputPath:  "party.mp4",
			OutputPath: filepath.Join(t.TempDir(), "reel.mp4"),
			Threshold:  0.45,
			FrameRate:  5,
			Geometry:   "reject",
		},
		runID:    uuid.New(),
		videoID:  "vid_1",
		target:   []byte("target"),
		detector: det,
		open: func(ctx context.Context) (pipeline.FrameSource, func(), error) {
			f.opened = true
			return f.src, func() { f.src.closed = true }, nil
		},
		encoder:  f.enc,
		reporter: f.reporter,
		ledger:   f.ledger,
		logger:   zaptest.NewLogger(t),
	}
	return f
}

func TestMatchRun_Matched(t *testing.T) {
	det := &fakeDetector{faces: map[string][]types.Detection{
		"target": face(1, 0),
		"f1":     face(1, 0),
		"f2":     face(0, 1),
		"f3":     face(0.9, 0.1),
	}}
	f := newRunFixture(t, det, videoFrame(1, "f1"), videoFrame(2, "f2"), videoFrame(3, "f3"))
	up := &fakeUploader{}
	f.run.uploader = up

	res, err := f.run.execute(context.Background())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if res.Outcome != report.OutcomeMatched || f.reporter.outcome != report.OutcomeMatched {
		t.Errorf("expected matched outcome, got %q / %q", res.Outcome, f.reporter.outcome)
	}
	if res.Stats.TotalFrames != 3 || res.Stats.MatchedFrames != 2 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if len(f.reporter.scores) != 3 {
		t.Errorf("expected 3 scores reported, got %d", len(f.reporter.scores))
	}
	if f.enc.opened != 1 || f.enc.frames != 2 {
		t.Errorf("expected 2 frames encoded once, got opened=%d frames=%d", f.enc.opened, f.enc.frames)
	}
	if !f.src.closed {
		t.Error("frame source was not closed")
	}

	if up.ensured != 1 || len(up.uploaded) != 1 || up.uploaded[0] != f.run.opts.OutputPath {
		t.Errorf("unexpected uploads %+v", up)
	}
	if len(res.Published) != 1 {
		t.Fatalf("expected one published object, got %d", len(res.Published))
	}

	if len(f.ledger.runs) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(f.ledger.runs))
	}
	run := f.ledger.runs[0]
	if run.ID != f.run.runID || run.Outcome != "matched" || run.MatchedFrames != 2 || run.TotalFrames != 3 {
		t.Errorf("unexpected ledger entry %+v", run)
	}
	if run.OutputPath != f.run.opts.OutputPath {
		t.Errorf("expected output path %q, got %q", f.run.opts.OutputPath, run.OutputPath)
	}
	wantURL := "s3://reels/" + f.run.runID.String() + "/reel.mp4"
	if run.ArtifactURL != wantURL {
		t.Errorf("expected artifact URL %q, got %q", wantURL, run.ArtifactURL)
	}
	if len(run.Target) != 2 || run.Target[0] != 1 {
		t.Errorf("expected target embedding in ledger, got %v", run.Target)
	}
}

func TestMatchRun_NoTargetFace(t *testing.T) {
	det := &fakeDetector{faces: map[string][]types.Detection{"f1": face(1, 0)}}
	f := newRunFixture(t, det, videoFrame(1, "f1"))

	res, err := f.run.execute(context.Background())
	if !errors.Is(err, pipeline.ErrNoTargetFace) {
		t.Fatalf("expected ErrNoTargetFace, got %v", err)
	}
	if res.Outcome != report.OutcomeNoTargetFace || f.reporter.outcome != report.OutcomeNoTargetFace {
		t.Errorf("unexpected outcome %q", res.Outcome)
	}
	if f.opened {
		t.Error("video must not be opened without a target face")
	}
	if len(f.ledger.runs) != 0 {
		t.Error("a run without target must not be recorded")
	}
}

func TestMatchRun_NoMatches(t *testing.T) {
	det := &fakeDetector{
		faces: map[string][]types.Detection{
			"target": face(1, 0),
			"f1":     face(0, 1),
		},
		fail: map[string]error{"f2": errors.New("detector unavailable")},
	}
	f := newRunFixture(t, det, videoFrame(1, "f1"), videoFrame(2, "f2"), videoFrame(3, "f3"))

	res, err := f.run.execute(context.Background())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Outcome != report.OutcomeNoMatches || f.reporter.outcome != report.OutcomeNoMatches {
		t.Errorf("expected no_matches, got %q", res.Outcome)
	}
	// A failed detection still counts as a processed frame
	if res.Stats.TotalFrames != 3 || res.Stats.MatchedFrames != 0 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if f.enc.opened != 0 {
		t.Error("encoder must not be opened when nothing matched")
	}
	if _, err := os.Stat(f.run.opts.OutputPath); !os.IsNotExist(err) {
		t.Error("no output file should exist")
	}
	if len(f.ledger.runs) != 1 || f.ledger.runs[0].Outcome != "no_matches" || f.ledger.runs[0].OutputPath != "" {
		t.Errorf("unexpected ledger entries %+v", f.ledger.runs)
	}
}

func TestMatchRun_Cancelled(t *testing.T) {
	det := &fakeDetector{faces: map[string][]types.Detection{
		"target": face(1, 0),
		"f1":     face(1, 0),
		"f2":     face(1, 0),
	}}
	f := newRunFixture(t, det, videoFrame(1, "f1"), videoFrame(2, "f2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run.onFrame = func(rec types.FrameRecord) {
		if rec.Index == 1 {
			cancel()
		}
	}

	res, err := f.run.execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Outcome != report.OutcomeCancelled || f.reporter.outcome != report.OutcomeCancelled {
		t.Errorf("expected cancelled outcome, got %q", res.Outcome)
	}
	if !f.reporter.statsSeen || f.reporter.stats.TotalFrames != 1 || f.reporter.stats.MatchedFrames != 1 {
		t.Errorf("expected partial stats for one frame, got %+v", f.reporter.stats)
	}
	if f.enc.opened != 0 {
		t.Error("a cancelled run must not write a reel")
	}
	if len(f.ledger.runs) != 1 || f.ledger.runs[0].Outcome != "cancelled" {
		t.Fatalf("expected cancelled run in ledger, got %+v", f.ledger.runs)
	}
	if f.ledger.ctxErr != nil {
		t.Errorf("ledger write should not inherit the cancellation, got %v", f.ledger.ctxErr)
	}
}

func TestMatchRun_DetectorUnavailableFailsRun(t *testing.T) {
	dead := fmt.Errorf("worker 1: %w", pipeline.ErrDetectorUnavailable)
	det := &fakeDetector{
		faces: map[string][]types.Detection{
			"target": face(1, 0),
			"f1":     face(0, 1),
		},
		fail: map[string]error{"f2": dead, "f3": dead},
	}
	f := newRunFixture(t, det, videoFrame(1, "f1"), videoFrame(2, "f2"), videoFrame(3, "f3"))

	res, err := f.run.execute(context.Background())
	if !errors.Is(err, pipeline.ErrDetectorUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got %v", err)
	}
	if res.Outcome != report.OutcomeFailed || f.reporter.outcome != report.OutcomeFailed {
		t.Errorf("a dead detector must not read as no_matches, got %q / %q", res.Outcome, f.reporter.outcome)
	}
	if !errors.Is(f.reporter.failure, pipeline.ErrDetectorUnavailable) {
		t.Errorf("expected the cause to reach the reporter, got %v", f.reporter.failure)
	}
	if f.reporter.stats.TotalFrames != 1 {
		t.Errorf("only frame 1 was scored, got %+v", f.reporter.stats)
	}
	if f.enc.opened != 0 {
		t.Error("a failed run must not write a reel")
	}
	if len(f.ledger.runs) != 1 || f.ledger.runs[0].Outcome != "failed" {
		t.Errorf("expected failed run in ledger, got %+v", f.ledger.runs)
	}
}

func TestMatchRun_InconsistentGeometryFailsRun(t *testing.T) {
	det := &fakeDetector{faces: map[string][]types.Detection{
		"target": face(1, 0),
		"f1":     face(1, 0),
		"f2":     face(1, 0),
	}}
	wide := videoFrame(2, "f2")
	wide.Image = image.NewRGBA(image.Rect(0, 0, 64, 24))
	f := newRunFixture(t, det, videoFrame(1, "f1"), wide)

	res, err := f.run.execute(context.Background())
	if !errors.Is(err, assemble.ErrInconsistentFrameGeometry) {
		t.Fatalf("expected ErrInconsistentFrameGeometry, got %v", err)
	}
	if res.Outcome != report.OutcomeFailed || f.reporter.outcome != report.OutcomeFailed {
		t.Errorf("expected failed outcome, got %q / %q", res.Outcome, f.reporter.outcome)
	}
	if res.Stats.MatchedFrames != 2 {
		t.Errorf("expected both frames matched, got %+v", res.Stats)
	}
	if len(f.ledger.runs) != 1 || f.ledger.runs[0].Outcome != "failed" {
		t.Errorf("expected failed run in ledger, got %+v", f.ledger.runs)
	}
}

func TestMatchRun_LedgerFailureIsNotFatal(t *testing.T) {
	det := &fakeDetector{faces: map[string][]types.Detection{
		"target": face(1, 0),
		"f1":     face(1, 0),
	}}
	f := newRunFixture(t, det, videoFrame(1, "f1"))
	f.ledger.err = errors.New("connection reset")

	res, err := f.run.execute(context.Background())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Outcome != report.OutcomeMatched {
		t.Errorf("expected matched, got %q", res.Outcome)
	}
}
