// Package pipeline matches a target face against a stream of video frames.
//
// A Pipeline is created once per run from the target embedding, fed frames
// strictly in order through ProcessFrame, and closed out with Finalize. It
// owns the running counters and the buffer of annotated matched frames; it is
// not safe for concurrent use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"go.uber.org/zap"

	"github.com/andresmejia3/reelmatch/internal/match"
	"github.com/andresmejia3/reelmatch/internal/types"
)

var (
	// ErrNoTargetFace is returned when the reference image yielded no usable face.
	ErrNoTargetFace = errors.New("no face detected in the target image")
	// ErrFrameOrder is returned when frame indices are not consecutive from 1.
	ErrFrameOrder = errors.New("frames must be processed in order")
	// ErrDetectorUnavailable marks a detector failure that no later frame can
	// recover from, such as a crashed worker. Run stops on it.
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

// Detector is the face detection and embedding capability.
// It must return an empty slice, not an error, for a frame without faces.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]types.Detection, error)
}

// FrameSource yields decoded frames in presentation order and io.EOF at the end.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
}

// Pipeline is the per-run matching state.
type Pipeline struct {
	target    types.Embedding
	decider   match.Decider
	annotator Annotator
	logger    *zap.Logger

	stats   types.Stats
	records []types.FrameRecord
	matched []*image.RGBA
	taken   bool
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithThreshold overrides match.DefaultThreshold.
func WithThreshold(threshold float64) Option {
	return func(p *Pipeline) error {
		d, err := match.NewDecider(threshold)
		if err != nil {
			return err
		}
		p.decider = d
		return nil
	}
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) error {
		if l != nil {
			p.logger = l
		}
		return nil
	}
}

// WithAnnotator replaces the default box-and-score renderer.
func WithAnnotator(a Annotator) Option {
	return func(p *Pipeline) error {
		if a != nil {
			p.annotator = a
		}
		return nil
	}
}

// New initializes a pipeline for one target. The target must be non-empty
// and have a non-zero magnitude.
func New(target types.Embedding, opts ...Option) (*Pipeline, error) {
	if len(target) == 0 {
		return nil, ErrNoTargetFace
	}
	if match.Norm(target) == 0 {
		return nil, fmt.Errorf("target embedding: %w", match.ErrDegenerateVector)
	}

	d, _ := match.NewDecider(match.DefaultThreshold)
	p := &Pipeline{
		target:    append(types.Embedding(nil), target...),
		decider:   d,
		annotator: DefaultAnnotator(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// TargetFromDetections picks the target embedding from the reference image detections.
// The first detection wins, in detector order.
func TargetFromDetections(dets []types.Detection) (types.Embedding, error) {
	if len(dets) == 0 {
		return nil, ErrNoTargetFace
	}
	return dets[0].Embedding, nil
}

// Threshold returns the threshold in effect for this run.
func (p *Pipeline) Threshold() float64 { return p.decider.Threshold() }

// ProcessFrame scores every detection of one frame against the target.
//
// The first detection (in input order) whose score passes the threshold is
// drawn and its frame buffered; later qualifying detections are scored and
// recorded but never drawn, so a frame is matched at most once.
func (p *Pipeline) ProcessFrame(index int, frame image.Image, dets []types.Detection) (types.FrameRecord, error) {
	if err := p.checkIndex(index); err != nil {
		return types.FrameRecord{}, err
	}
	if frame == nil {
		return types.FrameRecord{}, fmt.Errorf("frame %d: nil image", index)
	}

	rec := types.FrameRecord{Index: index, DrawnDetection: -1}
	var drawn *image.RGBA

	for i, det := range dets {
		score, err := match.Similarity(det.Embedding, p.target)
		if errors.Is(err, match.ErrDegenerateVector) {
			p.logger.Debug("skipping degenerate detection", zap.Int("frame", index), zap.Int("detection", i))
			continue
		}
		if err != nil {
			return types.FrameRecord{}, fmt.Errorf("frame %d detection %d: %w", index, i, err)
		}
		rec.Scores = append(rec.Scores, types.SimilarityScore{FrameIndex: index, DetectionIndex: i, Value: score})

		if rec.Matched || !p.decider.Decide(score) {
			continue
		}
		rec.Matched = true
		rec.DrawnDetection = i
		drawn = p.annotator.Annotate(frame, det.Box, score)
	}

	if rec.Matched {
		p.matched = append(p.matched, drawn)
		p.stats.MatchedFrames++
		p.logger.Debug("frame matched",
			zap.Int("frame", index),
			zap.Int("detection", rec.DrawnDetection),
		)
	}
	p.commit(rec)
	return rec, nil
}

// RecordDetectFailure counts a frame whose decode or detection failed as a
// frame with zero detections. It never aborts the run.
func (p *Pipeline) RecordDetectFailure(index int, cause error) (types.FrameRecord, error) {
	if err := p.checkIndex(index); err != nil {
		return types.FrameRecord{}, err
	}
	rec := types.FrameRecord{Index: index, DrawnDetection: -1}
	if cause != nil {
		rec.DetectErr = cause.Error()
	}
	p.logger.Warn("frame recorded without detections", zap.Int("frame", index), zap.Error(cause))
	p.commit(rec)
	return rec, nil
}

func (p *Pipeline) checkIndex(index int) error {
	if want := p.stats.TotalFrames + 1; index != want {
		return fmt.Errorf("%w: got frame %d, expected %d", ErrFrameOrder, index, want)
	}
	return nil
}

func (p *Pipeline) commit(rec types.FrameRecord) {
	p.records = append(p.records, rec)
	p.stats.TotalFrames++
}

// Records returns a copy of all frame records in frame order.
func (p *Pipeline) Records() []types.FrameRecord {
	out := make([]types.FrameRecord, len(p.records))
	copy(out, p.records)
	return out
}

// Scores flattens every recorded similarity in frame order, for charting.
func (p *Pipeline) Scores() []types.SimilarityScore {
	var out []types.SimilarityScore
	for _, r := range p.records {
		out = append(out, r.Scores...)
	}
	return out
}

// TakeMatched hands the matched-frame buffer over to the caller. It can only
// be taken once; later calls return nil.
func (p *Pipeline) TakeMatched() []*image.RGBA {
	if p.taken {
		return nil
	}
	p.taken = true
	out := p.matched
	p.matched = nil
	return out
}

// Finalize reports the counters over every frame processed so far. It is
// safe to call after a cancelled run.
func (p *Pipeline) Finalize() types.Stats {
	return p.stats
}

// Run feeds every frame of src through det and p until the source is
// exhausted or ctx is cancelled. Cancellation is checked between frames;
// on cancel the error is ctx.Err() and p still holds the partial results.
func Run(ctx context.Context, p *Pipeline, src FrameSource, det Detector, onFrame func(types.FrameRecord)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", p.stats.TotalFrames+1, err)
		}

		var rec types.FrameRecord
		if frame.Err != nil {
			rec, err = p.RecordDetectFailure(frame.Index, frame.Err)
		} else {
			dets, derr := det.Detect(ctx, frame.Data)
			switch {
			case derr != nil && ctx.Err() != nil:
				// Interrupted mid-call: leave the frame uncounted
				return ctx.Err()
			case errors.Is(derr, ErrDetectorUnavailable):
				return fmt.Errorf("frame %d: %w", frame.Index, derr)
			case derr != nil:
				rec, err = p.RecordDetectFailure(frame.Index, derr)
			default:
				rec, err = p.ProcessFrame(frame.Index, frame.Image, dets)
			}
		}
		if err != nil {
			return err
		}

		if onFrame != nil {
			onFrame(rec)
		}
	}
}
