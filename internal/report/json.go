package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/reelmatch/internal/assemble"
	"github.com/andresmejia3/reelmatch/internal/types"
)

// Document is the JSON form of a run report.
type Document struct {
	RunID       string                  `json:"run_id,omitempty"`
	Outcome     Outcome                 `json:"outcome"`
	Threshold   float64                 `json:"threshold"`
	Stats       types.Stats             `json:"stats"`
	Accuracy    float64                 `json:"accuracy"`
	Scores      []types.SimilarityScore `json:"scores"`
	Artifact    *assemble.Artifact      `json:"artifact,omitempty"`
	Error       string                  `json:"error,omitempty"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// JSONFile collects a run and writes it to Path on Close.
type JSONFile struct {
	Path string
	doc  Document
}

// NewJSONFile prepares a report at path.
func NewJSONFile(path, runID string, threshold float64) *JSONFile {
	return &JSONFile{
		Path: path,
		doc:  Document{RunID: runID, Threshold: threshold, Scores: []types.SimilarityScore{}},
	}
}

func (j *JSONFile) Scores(scores []types.SimilarityScore) {
	j.doc.Scores = append(j.doc.Scores[:0], scores...)
}

func (j *JSONFile) Stats(stats types.Stats) {
	j.doc.Stats = stats
	j.doc.Accuracy = stats.Accuracy()
}

func (j *JSONFile) Artifact(a *assemble.Artifact) {
	j.doc.Artifact = a
	if j.doc.Outcome == "" {
		j.doc.Outcome = OutcomeMatched
	}
}

func (j *JSONFile) NoMatches()    { j.doc.Outcome = OutcomeNoMatches }
func (j *JSONFile) NoTargetFace() { j.doc.Outcome = OutcomeNoTargetFace }
func (j *JSONFile) Cancelled()    { j.doc.Outcome = OutcomeCancelled }

func (j *JSONFile) Failed(err error) {
	j.doc.Outcome = OutcomeFailed
	if err != nil {
		j.doc.Error = err.Error()
	}
}

// Close writes the report atomically.
func (j *JSONFile) Close() error {
	j.doc.GeneratedAt = time.Now().UTC()
	data, err := json.MarshalIndent(j.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.Path), ".report-*.json")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.Path); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
