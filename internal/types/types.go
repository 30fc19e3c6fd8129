package types

import "image"

// Embedding is the fixed-length identity vector a detector produces for one face.
type Embedding []float32

// BoundingBox is a face location in pixel coordinates (x1 < x2, y1 < y2).
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has positive width and height.
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Detection is one face found in one frame.
type Detection struct {
	Box       BoundingBox `json:"box"`
	Embedding Embedding   `json:"embedding"`
	Score     float64     `json:"det_score"` // detector confidence, not similarity
}

// SimilarityScore is the cosine similarity of one detection against the target.
type SimilarityScore struct {
	FrameIndex     int     `json:"frame"`
	DetectionIndex int     `json:"detection"`
	Value          float64 `json:"similarity"`
}

// FrameRecord summarises the processing of a single frame.
type FrameRecord struct {
	Index          int               `json:"frame"`
	Scores         []SimilarityScore `json:"scores"`
	Matched        bool              `json:"matched"`
	DrawnDetection int               `json:"drawn_detection"` // -1 when nothing was drawn
	DetectErr      string            `json:"detect_error,omitempty"`
}

// Stats holds the running counters of a pipeline run.
type Stats struct {
	TotalFrames   int `json:"total_frames"`
	MatchedFrames int `json:"matched_frames"`
}

// Accuracy returns the matched share of frames as a percentage (0 when no frames were seen).
func (s Stats) Accuracy() float64 {
	if s.TotalFrames == 0 {
		return 0
	}
	return float64(s.MatchedFrames) / float64(s.TotalFrames) * 100
}

// Frame is a single decoded video frame, numbered from 1 in presentation order.
type Frame struct {
	Index int
	Data  []byte      // encoded JPEG as emitted by the decoder
	Image image.Image // nil when Err is set
	Err   error       // set when the frame could not be decoded
}

// ErrorResult captures the error object returned by a detector on failure
type ErrorResult struct {
	Error string `json:"error"`
}
