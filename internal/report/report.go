// Package report presents the outcome of a matching run to the user.
package report

import (
	"errors"

	"github.com/andresmejia3/reelmatch/internal/assemble"
	"github.com/andresmejia3/reelmatch/internal/types"
)

// Outcome is the overall result of a run.
type Outcome string

const (
	OutcomeMatched      Outcome = "matched"
	OutcomeNoMatches    Outcome = "no_matches"     // warning
	OutcomeNoTargetFace Outcome = "no_target_face" // error
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeFailed       Outcome = "failed" // error
)

// Reporter receives the results of a run. Scores and Stats may be called
// with partial results after a cancellation or failure.
type Reporter interface {
	Scores(scores []types.SimilarityScore)
	Stats(stats types.Stats)
	Artifact(a *assemble.Artifact)
	NoMatches()
	NoTargetFace()
	Cancelled()
	Failed(err error)
	Close() error
}

// Multi fans every call out to several reporters.
type Multi []Reporter

func (m Multi) Scores(scores []types.SimilarityScore) {
	for _, r := range m {
		r.Scores(scores)
	}
}

func (m Multi) Stats(stats types.Stats) {
	for _, r := range m {
		r.Stats(stats)
	}
}

func (m Multi) Artifact(a *assemble.Artifact) {
	for _, r := range m {
		r.Artifact(a)
	}
}

func (m Multi) NoMatches() {
	for _, r := range m {
		r.NoMatches()
	}
}

func (m Multi) NoTargetFace() {
	for _, r := range m {
		r.NoTargetFace()
	}
}

func (m Multi) Cancelled() {
	for _, r := range m {
		r.Cancelled()
	}
}

func (m Multi) Failed(err error) {
	for _, r := range m {
		r.Failed(err)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
