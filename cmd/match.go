package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/reelmatch/internal/assemble"
	"github.com/andresmejia3/reelmatch/internal/config"
	"github.com/andresmejia3/reelmatch/internal/detect"
	"github.com/andresmejia3/reelmatch/internal/logging"
	"github.com/andresmejia3/reelmatch/internal/match"
	"github.com/andresmejia3/reelmatch/internal/pipeline"
	"github.com/andresmejia3/reelmatch/internal/publish"
	"github.com/andresmejia3/reelmatch/internal/report"
	"github.com/andresmejia3/reelmatch/internal/store"
	"github.com/andresmejia3/reelmatch/internal/types"
	"github.com/andresmejia3/reelmatch/internal/utils"
	"github.com/andresmejia3/reelmatch/internal/video"
	"github.com/andresmejia3/reelmatch/internal/worker"
)

// Options holds the settings of one match run.
type Options struct {
	TargetPath      string
	InputPath       string
	OutputPath      string
	Threshold       float64
	FrameRate       int
	Detector        string
	DetectorURL     string
	WorkerScript    string
	DetectorTimeout string
	Geometry        string
	Codec           string
	ReportPath      string
	Publish         bool
}

var matchOpts Options

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match a target face against every frame of a video",
	Long: `Detects the face in the target image, scores every face in every frame of the
video against it and writes the matched frames, annotated with a box and the
similarity score, to a highlight reel at a fixed frame rate.`,
	Example: "  reelmatch match -t alice.jpg -i party.mp4 -o alice.mp4 --threshold 0.5",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := resolveMatchOptions(Cfg, matchOpts, cmd.Flags().Changed)
		if err := validateMatchFlags(&opts); err != nil {
			return err
		}
		return runMatch(cmd.Context(), opts)
	},
}

func init() {
	d := config.Default()
	matchCmd.Flags().StringVarP(&matchOpts.TargetPath, "target", "t", "", "Path to the reference face image (jpg, png, webp, bmp)")
	matchCmd.Flags().StringVarP(&matchOpts.InputPath, "input", "i", "", "Path to video")
	matchCmd.Flags().StringVarP(&matchOpts.OutputPath, "output", "o", d.Output.Path, "Path of the highlight reel")
	matchCmd.Flags().Float64Var(&matchOpts.Threshold, "threshold", d.Match.Threshold, "Cosine similarity a face must exceed to match, in [-1, 1]")
	matchCmd.Flags().IntVar(&matchOpts.FrameRate, "fps", d.Output.FrameRate, "Frame rate of the highlight reel")
	matchCmd.Flags().StringVar(&matchOpts.Detector, "detector", d.Detector.Backend, "Face detector backend: http or python")
	matchCmd.Flags().StringVar(&matchOpts.DetectorURL, "detector-url", d.Detector.URL, "Base URL of the embedding server (http backend)")
	matchCmd.Flags().StringVar(&matchOpts.WorkerScript, "worker-script", d.Detector.Script, "Python worker script (python backend)")
	matchCmd.Flags().StringVar(&matchOpts.DetectorTimeout, "detector-timeout", fmt.Sprintf("%ds", d.Detector.TimeoutSeconds), "Maximum time to wait for one frame's detections")
	matchCmd.Flags().StringVar(&matchOpts.Geometry, "geometry", d.Output.Geometry, "Policy for matched frames of a different size: reject, resize or letterbox")
	matchCmd.Flags().StringVar(&matchOpts.Codec, "codec", d.Output.Codec, "ffmpeg video codec of the highlight reel")
	matchCmd.Flags().StringVar(&matchOpts.ReportPath, "report", "", "Also write a JSON report to this path")
	matchCmd.Flags().BoolVar(&matchOpts.Publish, "publish", false, "Upload the reel and report to object storage")

	matchCmd.MarkFlagRequired("target")
	matchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(matchCmd)
}

// resolveMatchOptions layers explicitly set flags over the loaded config.
func resolveMatchOptions(cfg *config.Config, flags Options, changed func(string) bool) Options {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	opts := Options{
		TargetPath:      flags.TargetPath,
		InputPath:       flags.InputPath,
		OutputPath:      cfg.Output.Path,
		Threshold:       cfg.Match.Threshold,
		FrameRate:       cfg.Output.FrameRate,
		Detector:        cfg.Detector.Backend,
		DetectorURL:     cfg.Detector.URL,
		WorkerScript:    cfg.Detector.Script,
		DetectorTimeout: fmt.Sprintf("%ds", cfg.Detector.TimeoutSeconds),
		Geometry:        cfg.Output.Geometry,
		Codec:           cfg.Output.Codec,
		ReportPath:      cfg.Output.Report,
		Publish:         cfg.Publish.Enabled,
	}

	override := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	override("output", func() { opts.OutputPath = flags.OutputPath })
	override("threshold", func() { opts.Threshold = flags.Threshold })
	override("fps", func() { opts.FrameRate = flags.FrameRate })
	override("detector", func() { opts.Detector = flags.Detector })
	override("detector-url", func() { opts.DetectorURL = flags.DetectorURL })
	override("worker-script", func() { opts.WorkerScript = flags.WorkerScript })
	override("detector-timeout", func() { opts.DetectorTimeout = flags.DetectorTimeout })
	override("geometry", func() { opts.Geometry = flags.Geometry })
	override("codec", func() { opts.Codec = flags.Codec })
	override("report", func() { opts.ReportPath = flags.ReportPath })
	override("publish", func() { opts.Publish = flags.Publish })
	return opts
}

func validateMatchFlags(opts *Options) error {
	if err := checkFile(opts.TargetPath, "target image"); err != nil {
		return err
	}
	if err := checkFile(opts.InputPath, "input video"); err != nil {
		return err
	}
	if opts.OutputPath == "" {
		return errors.New("output path must not be empty")
	}
	if info, err := os.Stat(opts.OutputPath); err == nil && info.IsDir() {
		return fmt.Errorf("output path %s is a directory", opts.OutputPath)
	}
	if sameFile(opts.InputPath, opts.OutputPath) {
		return errors.New("output path must differ from the input video")
	}
	if _, err := match.NewDecider(opts.Threshold); err != nil {
		return fmt.Errorf("invalid match threshold: %w", err)
	}
	if opts.FrameRate < 1 {
		return fmt.Errorf("invalid fps: must be >= 1, got %d", opts.FrameRate)
	}
	switch opts.Detector {
	case "http":
	case "python":
		if err := checkFile(opts.WorkerScript, "worker script"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid detector %q: must be http or python", opts.Detector)
	}
	if d, err := time.ParseDuration(opts.DetectorTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid detector-timeout %q (use '30s', '2m')", opts.DetectorTimeout)
	}
	if _, err := assemble.ParseGeometry(opts.Geometry); err != nil {
		return err
	}
	if opts.Publish && (Cfg == nil || Cfg.Publish.Endpoint == "" || Cfg.Publish.Bucket == "") {
		return errors.New("publishing needs publish.endpoint and publish.bucket in the config")
	}
	return nil
}

func checkFile(path, what string) error {
	if path == "" {
		return fmt.Errorf("%s path is required", what)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s does not exist: %s", what, path)
		}
		return fmt.Errorf("unable to access %s: %w", what, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path is a directory, expected a file: %s", what, path)
	}
	return nil
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// ledger is the part of the store a run writes to.
type ledger interface {
	RecordRun(ctx context.Context, run store.Run) (uuid.UUID, error)
}

// uploader is the part of the object storage a run writes to.
type uploader interface {
	EnsureBucket(ctx context.Context) error
	Upload(ctx context.Context, runID, localPath string) (publish.Object, error)
}

// matchRun wires one run together. Every collaborator is replaceable so the
// orchestration can be tested without ffmpeg or a detector.
type matchRun struct {
	opts      Options
	runID     uuid.UUID
	videoID   string
	target    []byte // reference image, JPEG encoded
	detector  pipeline.Detector
	open      func(ctx context.Context) (pipeline.FrameSource, func(), error)
	encoder   assemble.Encoder
	reporter  report.Reporter
	ledger    ledger   // nil without a database
	uploader  uploader // nil unless publishing
	onFrame   func(types.FrameRecord)
	logger    *zap.Logger
	startedAt time.Time
}

type runResult struct {
	Stats     types.Stats
	Outcome   report.Outcome
	Artifact  *assemble.Artifact
	Published []publish.Object
}

func (r *matchRun) execute(ctx context.Context) (runResult, error) {
	var res runResult

	dets, err := r.detector.Detect(ctx, r.target)
	if err != nil {
		err = fmt.Errorf("detect target face: %w", err)
		if ctx.Err() == nil {
			r.reporter.Failed(err)
			res.Outcome = report.OutcomeFailed
		}
		return res, err
	}
	emb, err := pipeline.TargetFromDetections(dets)
	if err != nil {
		r.reporter.NoTargetFace()
		res.Outcome = report.OutcomeNoTargetFace
		return res, err
	}
	if len(dets) > 1 {
		r.logger.Info("target image has several faces, using the first", zap.Int("faces", len(dets)))
	}

	p, err := pipeline.New(emb, pipeline.WithThreshold(r.opts.Threshold), pipeline.WithLogger(r.logger))
	if err != nil {
		return r.stop(ctx, res, emb, fmt.Errorf("initialize pipeline: %w", err))
	}
	r.logger.Info("matching started",
		zap.String("video", r.opts.InputPath),
		zap.Float64("threshold", p.Threshold()),
		zap.Int("dim", len(emb)),
	)

	src, closeSrc, err := r.open(ctx)
	if err != nil {
		return r.stop(ctx, res, emb, err)
	}
	defer closeSrc()

	runErr := pipeline.Run(ctx, p, src, r.detector, r.onFrame)
	res.Stats = p.Finalize()
	r.reporter.Scores(p.Scores())
	r.reporter.Stats(res.Stats)

	if runErr != nil {
		return r.stop(ctx, res, emb, runErr)
	}

	geometry, _ := assemble.ParseGeometry(r.opts.Geometry)
	asm := assemble.New(r.encoder, r.opts.OutputPath,
		assemble.WithGeometry(geometry),
		assemble.WithLogger(r.logger),
	)
	art, err := asm.Assemble(ctx, p.TakeMatched(), r.opts.FrameRate)
	switch {
	case errors.Is(err, assemble.ErrEmptyMatchSet):
		r.reporter.NoMatches()
		res.Outcome = report.OutcomeNoMatches
	case err != nil:
		return r.stop(ctx, res, emb, fmt.Errorf("assemble highlight reel: %w", err))
	default:
		r.reporter.Artifact(art)
		res.Artifact = art
		res.Outcome = report.OutcomeMatched
	}

	if res.Artifact != nil && r.uploader != nil {
		obj, err := r.publish(ctx, res.Artifact.Path)
		if err != nil {
			return r.stop(ctx, res, emb, err)
		}
		res.Published = append(res.Published, obj)
		fmt.Fprintf(os.Stderr, "☁️  Published %s\n", obj)
	}

	r.record(ctx, res, emb)
	return res, nil
}

// stop ends a run that failed or was cancelled after the target was known.
// The partial run is still reported and recorded.
func (r *matchRun) stop(ctx context.Context, res runResult, target types.Embedding, err error) (runResult, error) {
	if ctx.Err() != nil {
		r.reporter.Cancelled()
		res.Outcome = report.OutcomeCancelled
	} else {
		r.reporter.Failed(err)
		res.Outcome = report.OutcomeFailed
	}
	r.record(context.WithoutCancel(ctx), res, target)
	return res, err
}

func (r *matchRun) publish(ctx context.Context, path string) (publish.Object, error) {
	if err := r.uploader.EnsureBucket(ctx); err != nil {
		return publish.Object{}, fmt.Errorf("publish: %w", err)
	}
	obj, err := r.uploader.Upload(ctx, r.runID.String(), path)
	if err != nil {
		return publish.Object{}, fmt.Errorf("publish: %w", err)
	}
	return obj, nil
}

// record writes the run to the ledger. Failures are reported but never fail the run.
func (r *matchRun) record(ctx context.Context, res runResult, target types.Embedding) {
	if r.ledger == nil {
		return
	}
	run := store.Run{
		ID:            r.runID,
		VideoID:       r.videoID,
		VideoPath:     r.opts.InputPath,
		TargetPath:    r.opts.TargetPath,
		Target:        target,
		Threshold:     r.opts.Threshold,
		TotalFrames:   res.Stats.TotalFrames,
		MatchedFrames: res.Stats.MatchedFrames,
		Outcome:       string(res.Outcome),
		StartedAt:     r.startedAt,
		FinishedAt:    time.Now(),
	}
	if res.Artifact != nil {
		run.OutputPath = res.Artifact.Path
	}
	if len(res.Published) > 0 {
		run.ArtifactURL = res.Published[0].String()
	}
	if _, err := r.ledger.RecordRun(ctx, run); err != nil {
		r.logger.Warn("failed to record run", zap.Error(err))
		utils.ShowWarning(fmt.Sprintf("Run was not recorded in the ledger: %v", err))
	}
}

// runMatch builds the real collaborators for opts and executes the run.
func runMatch(ctx context.Context, opts Options) error {
	runID := uuid.New()
	log := Logger.With(zap.String("run", runID.String()))

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("generate video ID: %w", err)
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	target, err := loadTarget(opts.TargetPath)
	if err != nil {
		return err
	}

	if err := connectDB(ctx, false); err != nil {
		return err
	}

	det, closeDet, err := newDetector(ctx, opts, log)
	if err != nil {
		return err
	}
	defer closeDet()

	reporters := report.Multi{report.NewConsole(os.Stderr, opts.Threshold)}
	if opts.ReportPath != "" {
		reporters = append(reporters, report.NewJSONFile(opts.ReportPath, runID.String(), opts.Threshold))
	}

	total := -1
	if info, err := video.Probe(ctx, opts.InputPath); err == nil && info.Frames > 0 {
		total = info.Frames
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Matching"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(logging.IsTerminal(os.Stderr)),
	)

	run := &matchRun{
		opts:     opts,
		runID:    runID,
		videoID:  videoID,
		target:   target,
		detector: det,
		open: func(ctx context.Context) (pipeline.FrameSource, func(), error) {
			dec, err := video.OpenDecoder(ctx, opts.InputPath)
			if err != nil {
				return nil, func() {}, err
			}
			return dec, func() { dec.Close() }, nil
		},
		encoder:  video.NewEncoder(opts.Codec),
		reporter: reporters,
		onFrame: func(rec types.FrameRecord) {
			bar.Add(1)
		},
		logger:    log,
		startedAt: time.Now(),
	}
	if DB != nil {
		run.ledger = DB
	}
	if opts.Publish {
		s, err := publish.NewStorage(publish.StorageConfig{
			Endpoint:  Cfg.Publish.Endpoint,
			AccessKey: Cfg.Publish.AccessKey,
			SecretKey: Cfg.Publish.SecretKey,
			UseSSL:    Cfg.Publish.UseSSL,
			Bucket:    Cfg.Publish.Bucket,
		}, log)
		if err != nil {
			return err
		}
		run.uploader = s
	}

	res, runErr := run.execute(ctx)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if err := reporters.Close(); err != nil {
		log.Warn("failed to write report", zap.Error(err))
		utils.ShowWarning(fmt.Sprintf("Report could not be written: %v", err))
	} else if opts.ReportPath != "" && run.uploader != nil && runErr == nil {
		if obj, err := run.publish(ctx, opts.ReportPath); err != nil {
			utils.ShowWarning(fmt.Sprintf("Report was not published: %v", err))
		} else {
			fmt.Fprintf(os.Stderr, "☁️  Published %s\n", obj)
		}
	}

	fmt.Fprintf(os.Stderr, "⏱️  Elapsed: %s\n", utils.FmtTime(time.Since(run.startedAt).Seconds()))
	log.Info("run finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("frames", res.Stats.TotalFrames),
		zap.Int("matched", res.Stats.MatchedFrames),
		zap.Duration("elapsed", time.Since(run.startedAt)),
	)
	return runErr
}

// loadTarget reads the reference image and re-encodes it as JPEG, the one
// format every detector backend accepts.
func loadTarget(path string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open target image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode target image: %w", err)
	}
	if format == "jpeg" {
		return os.ReadFile(filepath.Clean(path))
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode target image: %w", err)
	}
	return buf.Bytes(), nil
}

// newDetector builds the configured backend. The returned func releases it.
func newDetector(ctx context.Context, opts Options, logger *zap.Logger) (pipeline.Detector, func(), error) {
	timeout, err := time.ParseDuration(opts.DetectorTimeout)
	if err != nil {
		return nil, func() {}, fmt.Errorf("invalid detector-timeout: %w", err)
	}

	switch opts.Detector {
	case "python":
		fmt.Fprintln(os.Stderr, "⚙️  Spawning Python worker...")
		w, err := worker.NewPythonWorker(ctx, 0, opts.WorkerScript, logger)
		if err != nil {
			return nil, func() {}, err
		}
		w.Timeout = timeout
		return w, func() {
			if err := w.Close(); err != nil {
				logger.Warn("python worker exited with error", zap.Error(err))
			}
		}, nil
	default:
		return detect.NewHTTPDetector(opts.DetectorURL, timeout, logger), func() {}, nil
	}
}
