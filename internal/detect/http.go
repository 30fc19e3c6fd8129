// Package detect talks to an InsightFace-style embedding server over HTTP.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/reelmatch/internal/types"
)

const (
	DefaultURL     = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	faceEndpoint = "/embed/face"
)

// FaceDetection is a single face as returned by the server.
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse is the body of a successful /embed/face call.
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// HTTPDetector implements pipeline.Detector against an embedding server.
type HTTPDetector struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPDetector creates a detector for baseURL. A zero timeout means DefaultTimeout.
func NewHTTPDetector(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDetector {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDetector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Detect posts one encoded image and converts the faces into detections,
// in server order.
func (d *HTTPDetector) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	resp, err := d.ComputeFaceEmbeddings(ctx, image)
	if err != nil {
		return nil, err
	}

	dets := make([]types.Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("face %d: expected 4 bbox values, got %d", f.FaceIndex, len(f.BBox))
		}
		dets = append(dets, types.Detection{
			Box: types.BoundingBox{
				X1: int(math.Round(f.BBox[0])),
				Y1: int(math.Round(f.BBox[1])),
				X2: int(math.Round(f.BBox[2])),
				Y2: int(math.Round(f.BBox[3])),
			},
			Embedding: f.Embedding,
			Score:     f.DetScore,
		})
	}
	return dets, nil
}

// ComputeFaceEmbeddings returns the raw server response for an image.
func (d *HTTPDetector) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	body, err := d.postMultipartImage(ctx, faceEndpoint, imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	d.logger.Debug("faces detected", zap.Int("count", len(faceResp.Faces)), zap.String("model", faceResp.Model))
	return &faceResp, nil
}

func (d *HTTPDetector) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var er types.ErrorResult
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, er.Error)
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
